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

package controller

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/yairfalse/nopea/internal/cache"
	"github.com/yairfalse/nopea/internal/events"
	"github.com/yairfalse/nopea/internal/fleet"
	"github.com/yairfalse/nopea/internal/worker"
)

// The reconciler tests only exercise fleet bookkeeping, so workers get inert
// collaborators and suspended specs.

type stubGit struct{}

func (stubGit) Sync(context.Context, string, string, string) (string, error) {
	return "", errors.New("git unavailable in tests")
}
func (stubGit) RemoteHead(context.Context, string, string) (string, error) {
	return "", errors.New("git unavailable in tests")
}
func (stubGit) Files(context.Context, string, string) ([]string, error) { return nil, nil }
func (stubGit) ReadBlob(string, string) (string, error)                 { return "", nil }
func (stubGit) RepoPath(name string) string {
	return filepath.Join("/tmp/nopea-test", name)
}

type stubApplier struct{}

func (stubApplier) Prepare(m *unstructured.Unstructured, _ string) (*unstructured.Unstructured, error) {
	return m, nil
}
func (stubApplier) ApplySingle(context.Context, *unstructured.Unstructured, string) error { return nil }
func (stubApplier) ApplyManifests(context.Context, []*unstructured.Unstructured, string) (int, error) {
	return 0, nil
}
func (stubApplier) GetLive(context.Context, *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	return nil, nil
}

type stubSink struct{}

func (stubSink) Emit(events.Envelope) {}

func newInertFleet(t *testing.T) *fleet.Fleet {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	store := cache.New()
	deps := worker.Deps{
		Git:     stubGit{},
		Applier: stubApplier{},
		Cache:   store,
		Sink:    stubSink{},
		IDs:     events.NewIDGenerator(),
		Log:     logr.Discard(),
	}
	return fleet.New(ctx, deps, store, logr.Discard())
}
