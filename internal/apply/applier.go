/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package apply turns raw YAML into manifest records and pushes them at the
// cluster with server-side apply.
package apply

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"k8s.io/client-go/dynamic"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/yaml"
)

// FieldManager is the server-side-apply field manager name for everything
// this controller owns.
const FieldManager = "nopea"

// ErrDuplicateKey reports two manifests in one repo resolving to the same
// resource-key.
var ErrDuplicateKey = errors.New("duplicate resource key")

// PartialError reports an apply run that failed after some manifests had
// already been applied.
type PartialError struct {
	Applied int
	Cause   error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("apply aborted after %d manifests: %v", e.Applied, e.Cause)
}

func (e *PartialError) Unwrap() error { return e.Cause }

// ResourceKey identifies a manifest within a repo:
// "{apiVersion}/{kind}/{namespace|default}/{name}". It depends only on
// fields the API server never mutates, so it is stable under apply.
func ResourceKey(m *unstructured.Unstructured) string {
	ns := m.GetNamespace()
	if ns == "" {
		ns = "default"
	}
	return fmt.Sprintf("%s/%s/%s/%s", m.GetAPIVersion(), m.GetKind(), ns, m.GetName())
}

// ParseManifests splits a multi-document YAML stream into manifest records.
// Empty documents are discarded; every document must carry apiVersion, kind,
// and metadata.name; duplicate YAML map keys inside a document are rejected
// (some parsers silently keep the last occurrence); duplicate resource-keys
// across documents fail with ErrDuplicateKey.
func ParseManifests(data []byte) ([]*unstructured.Unstructured, error) {
	var out []*unstructured.Unstructured
	seen := map[string]bool{}

	reader := utilyaml.NewYAMLReader(bufio.NewReader(bytes.NewReader(data)))
	for {
		doc, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("splitting yaml documents: %w", err)
		}

		obj := map[string]interface{}{}
		// Strict mode surfaces duplicate map keys as an error.
		if err := yaml.UnmarshalStrict(doc, &obj); err != nil {
			return nil, fmt.Errorf("decoding yaml document: %w", err)
		}
		if len(obj) == 0 {
			continue
		}

		m := &unstructured.Unstructured{Object: obj}
		if m.GetAPIVersion() == "" {
			return nil, fmt.Errorf("manifest missing apiVersion")
		}
		if m.GetKind() == "" {
			return nil, fmt.Errorf("manifest missing kind")
		}
		if m.GetName() == "" {
			return nil, fmt.Errorf("manifest %s/%s missing metadata.name", m.GetAPIVersion(), m.GetKind())
		}

		key := ResourceKey(m)
		if seen[key] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
		}
		seen[key] = true
		out = append(out, m)
	}

	return out, nil
}

// EnsureUniqueKeys verifies no two manifests share a resource-key. Used when
// aggregating manifests parsed from separate files of the same repo.
func EnsureUniqueKeys(ms []*unstructured.Unstructured) error {
	seen := map[string]bool{}
	for _, m := range ms {
		key := ResourceKey(m)
		if seen[key] {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
		}
		seen[key] = true
	}
	return nil
}

// Applier owns the dynamic client and REST mapping needed to push arbitrary
// manifests at the cluster.
type Applier struct {
	dyn    dynamic.Interface
	mapper meta.RESTMapper
}

// NewApplier returns an Applier over the given dynamic client and mapper.
func NewApplier(dyn dynamic.Interface, mapper meta.RESTMapper) *Applier {
	return &Applier{dyn: dyn, mapper: mapper}
}

// resourceClient resolves the dynamic client scoped to m's resource, and
// reports whether the resource is namespaced.
func (a *Applier) resourceClient(m *unstructured.Unstructured) (dynamic.ResourceInterface, bool, error) {
	gvk := m.GroupVersionKind()
	mapping, err := a.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return nil, false, fmt.Errorf("mapping %s: %w", gvk, err)
	}

	if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		ns := m.GetNamespace()
		if ns == "" {
			ns = "default"
		}
		return a.dyn.Resource(mapping.Resource).Namespace(ns), true, nil
	}
	return a.dyn.Resource(mapping.Resource), false, nil
}

// Prepare returns a copy of m with the target namespace substituted when the
// manifest is namespaced and targetNamespace is non-empty. Workers run every
// desired manifest through this before hashing or applying so resource-keys,
// cache entries, and live lookups all agree on the namespace.
func (a *Applier) Prepare(m *unstructured.Unstructured, targetNamespace string) (*unstructured.Unstructured, error) {
	out := m.DeepCopy()
	if targetNamespace == "" {
		return out, nil
	}
	gvk := out.GroupVersionKind()
	mapping, err := a.mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return nil, fmt.Errorf("mapping %s: %w", gvk, err)
	}
	if mapping.Scope.Name() == meta.RESTScopeNameNamespace {
		out.SetNamespace(targetNamespace)
	}
	return out, nil
}

// ApplySingle server-side-applies one manifest with force=true under the
// "nopea" field manager. If targetNamespace is given and the manifest is
// namespaced, the namespace is substituted first.
func (a *Applier) ApplySingle(ctx context.Context, m *unstructured.Unstructured, targetNamespace string) error {
	prepared, err := a.Prepare(m, targetNamespace)
	if err != nil {
		return err
	}

	dr, _, err := a.resourceClient(prepared)
	if err != nil {
		return err
	}

	data, err := json.Marshal(prepared.Object)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", ResourceKey(prepared), err)
	}

	_, err = dr.Patch(ctx, prepared.GetName(), types.ApplyPatchType, data, metav1.PatchOptions{
		FieldManager: FieldManager,
		Force:        ptr.To(true),
	})
	if err != nil {
		return fmt.Errorf("applying %s: %w", ResourceKey(prepared), err)
	}
	return nil
}

// ApplyManifests applies in input order and aborts on the first failure,
// reporting how many manifests had succeeded via PartialError.
func (a *Applier) ApplyManifests(ctx context.Context, ms []*unstructured.Unstructured, targetNamespace string) (int, error) {
	applied := 0
	for _, m := range ms {
		if err := a.ApplySingle(ctx, m, targetNamespace); err != nil {
			return applied, &PartialError{Applied: applied, Cause: err}
		}
		applied++
	}
	return applied, nil
}

// GetLive fetches the current cluster state of m. A nil object with nil
// error means the resource does not exist.
func (a *Applier) GetLive(ctx context.Context, m *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	dr, _, err := a.resourceClient(m)
	if err != nil {
		return nil, err
	}
	live, err := dr.Get(ctx, m.GetName(), metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", ResourceKey(m), err)
	}
	return live, nil
}

// Delete removes the live counterpart of m. Absence is not an error.
func (a *Applier) Delete(ctx context.Context, m *unstructured.Unstructured) error {
	dr, _, err := a.resourceClient(m)
	if err != nil {
		return err
	}
	err = dr.Delete(ctx, m.GetName(), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting %s: %w", ResourceKey(m), err)
	}
	return nil
}
