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

// Package drift classifies the difference between what git declares, what
// was last applied, and what the cluster currently holds.
//
// Equality is decided by content hash over a canonical JSON encoding, never
// by structural deep-equal, so numeric encoding and map ordering cannot
// produce phantom drift.
package drift

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/yairfalse/nopea/internal/apply"
	"github.com/yairfalse/nopea/internal/cache"
)

// SuspendHealAnnotation is the break-glass annotation. A live object
// carrying it with a truthy value is never healed.
const SuspendHealAnnotation = "nopea.io/suspend-heal"

// lastAppliedConfigAnnotation is kubectl's client-side bookkeeping; it is
// noise for hashing purposes.
const lastAppliedConfigAnnotation = "kubectl.kubernetes.io/last-applied-configuration"

// Kind classifies a single resource's drift state.
type Kind string

const (
	// NoDrift means desired, last-applied, and live all agree.
	NoDrift Kind = "no_drift"
	// GitChange means git moved while the cluster still matches the last
	// apply: an authorized change from the source of truth.
	GitChange Kind = "git_change"
	// ManualDrift means the cluster moved while git did not.
	ManualDrift Kind = "manual_drift"
	// Conflict means both git and the cluster moved since the last apply.
	Conflict Kind = "conflict"
	// NewResource means there is no baseline: nothing was applied before,
	// or the live object was deleted out from under us.
	NewResource Kind = "new_resource"
	// NeedsApply means a live object exists but we have no last-applied
	// record for it; applying establishes the baseline.
	NeedsApply Kind = "needs_apply"
)

// Result is the outcome of a per-manifest drift check. Live is the cluster
// object when one exists, nil otherwise.
type Result struct {
	Kind Kind
	Live *unstructured.Unstructured
}

// LiveReader fetches the current cluster state of a manifest. A nil object
// with a nil error means the resource does not exist.
type LiveReader interface {
	GetLive(ctx context.Context, m *unstructured.Unstructured) (*unstructured.Unstructured, error)
}

// metadataJunk lists the server-owned metadata fields stripped by Normalize.
var metadataJunk = []string{
	"resourceVersion",
	"uid",
	"creationTimestamp",
	"generation",
	"managedFields",
	"selfLink",
}

// Normalize returns a copy of m with everything the API server mutates
// removed: the status subtree, server-owned metadata, and kubectl's
// last-applied annotation. An annotations map left empty is dropped so a
// manifest that never had annotations hashes the same as one that lost its
// only annotation. Normalize(Normalize(m)) == Normalize(m).
func Normalize(m *unstructured.Unstructured) *unstructured.Unstructured {
	out := m.DeepCopy()
	delete(out.Object, "status")

	meta, ok := out.Object["metadata"].(map[string]interface{})
	if !ok {
		return out
	}
	for _, f := range metadataJunk {
		delete(meta, f)
	}
	if ann, ok := meta["annotations"].(map[string]interface{}); ok {
		delete(ann, lastAppliedConfigAnnotation)
		if len(ann) == 0 {
			delete(meta, "annotations")
		}
	}
	return out
}

// ContentHash returns the hex sha256 of the canonical JSON encoding of the
// normalized manifest. encoding/json writes map keys in sorted order with
// no insignificant whitespace, which is exactly the canonical form; array
// order is preserved (it is significant to Kubernetes).
func ContentHash(m *unstructured.Unstructured) (string, error) {
	data, err := json.Marshal(Normalize(m).Object)
	if err != nil {
		return "", fmt.Errorf("encoding manifest for hashing: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ThreeWay compares last-applied, desired, and live by content hash and
// classifies the drift. All three must be non-nil.
func ThreeWay(last, desired, live *unstructured.Unstructured) (Kind, error) {
	lastHash, err := ContentHash(last)
	if err != nil {
		return "", err
	}
	desiredHash, err := ContentHash(desired)
	if err != nil {
		return "", err
	}
	liveHash, err := ContentHash(live)
	if err != nil {
		return "", err
	}

	desiredChanged := desiredHash != lastHash
	liveChanged := liveHash != lastHash

	switch {
	case !desiredChanged && !liveChanged:
		return NoDrift, nil
	case desiredChanged && !liveChanged:
		return GitChange, nil
	case !desiredChanged && liveChanged:
		return ManualDrift, nil
	default:
		return Conflict, nil
	}
}

// CheckDrift runs the per-manifest dispatch: it looks up the last-applied
// baseline in the cache and the live object in the cluster, then classifies.
//
//	last absent,  live absent  → NewResource
//	last absent,  live present → NeedsApply (baseline establishment)
//	last present, live absent  → NewResource (resource was deleted)
//	last present, live present → three-way diff
func CheckDrift(ctx context.Context, repo string, desired *unstructured.Unstructured, reader LiveReader, store *cache.Cache) (Result, error) {
	key := apply.ResourceKey(desired)

	last, hasLast := store.GetLastApplied(repo, key)
	live, err := reader.GetLive(ctx, desired)
	if err != nil {
		return Result{}, fmt.Errorf("reading live state for %s: %w", key, err)
	}

	switch {
	case !hasLast && live == nil:
		return Result{Kind: NewResource}, nil
	case !hasLast:
		return Result{Kind: NeedsApply, Live: live}, nil
	case live == nil:
		return Result{Kind: NewResource}, nil
	}

	kind, err := ThreeWay(last, desired, live)
	if err != nil {
		return Result{}, err
	}
	return Result{Kind: kind, Live: live}, nil
}

// HealingSuspended reports whether the live object carries the break-glass
// annotation with one of the accepted truthy values. The comparison is
// case-sensitive; a nil live object is never suspended.
func HealingSuspended(live *unstructured.Unstructured) bool {
	if live == nil {
		return false
	}
	switch live.GetAnnotations()[SuspendHealAnnotation] {
	case "true", "1", "yes":
		return true
	}
	return false
}
