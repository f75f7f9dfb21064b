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

package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/yairfalse/nopea/internal/apply"
	"github.com/yairfalse/nopea/internal/events"
)

// fakeGit serves an in-memory tree keyed by file path.
type fakeGit struct {
	mu      sync.Mutex
	head    string
	remote  string
	files   map[string]string
	syncErr error
	headErr error
	syncs   int
}

func newFakeGit(head string, files map[string]string) *fakeGit {
	return &fakeGit{head: head, remote: head, files: files}
}

func (g *fakeGit) Sync(_ context.Context, _, _, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.syncErr != nil {
		return "", g.syncErr
	}
	g.syncs++
	g.head = g.remote
	return g.head, nil
}

func (g *fakeGit) RemoteHead(_ context.Context, _, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.headErr != nil {
		return "", g.headErr
	}
	return g.remote, nil
}

func (g *fakeGit) Files(_ context.Context, _, _ string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for f := range g.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out, nil
}

func (g *fakeGit) ReadBlob(_, path string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	content, ok := g.files[path]
	if !ok {
		return "", fmt.Errorf("no such blob %s", path)
	}
	return base64.StdEncoding.EncodeToString([]byte(content)), nil
}

func (g *fakeGit) RepoPath(name string) string {
	return filepath.Join("/tmp/nopea-test", name)
}

func (g *fakeGit) advance(commit string, files map[string]string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remote = commit
	for path, content := range files {
		g.files[path] = content
	}
}

func (g *fakeGit) syncCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.syncs
}

// fakeCluster is an in-memory apply target: server-side apply is modeled as
// "live becomes desired".
type fakeCluster struct {
	mu      sync.Mutex
	objects map[string]*unstructured.Unstructured
	applies []string
	failOn  map[string]error
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{objects: map[string]*unstructured.Unstructured{}, failOn: map[string]error{}}
}

func (c *fakeCluster) Prepare(m *unstructured.Unstructured, targetNamespace string) (*unstructured.Unstructured, error) {
	out := m.DeepCopy()
	if targetNamespace != "" {
		out.SetNamespace(targetNamespace)
	}
	return out, nil
}

func (c *fakeCluster) ApplySingle(_ context.Context, m *unstructured.Unstructured, targetNamespace string) error {
	prepared, _ := c.Prepare(m, targetNamespace)
	key := apply.ResourceKey(prepared)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.failOn[key]; ok {
		return err
	}

	// Preserve live-only annotations the way a field-manager merge would.
	if live, ok := c.objects[key]; ok {
		for k, v := range live.GetAnnotations() {
			ann := prepared.GetAnnotations()
			if ann == nil {
				ann = map[string]string{}
			}
			if _, owned := ann[k]; !owned {
				ann[k] = v
				prepared.SetAnnotations(ann)
			}
		}
	}

	c.objects[key] = prepared.DeepCopy()
	c.applies = append(c.applies, key)
	return nil
}

func (c *fakeCluster) ApplyManifests(ctx context.Context, ms []*unstructured.Unstructured, targetNamespace string) (int, error) {
	applied := 0
	for _, m := range ms {
		if err := c.ApplySingle(ctx, m, targetNamespace); err != nil {
			return applied, &apply.PartialError{Applied: applied, Cause: err}
		}
		applied++
	}
	return applied, nil
}

func (c *fakeCluster) GetLive(_ context.Context, m *unstructured.Unstructured) (*unstructured.Unstructured, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	live, ok := c.objects[apply.ResourceKey(m)]
	if !ok {
		return nil, nil
	}
	return live.DeepCopy(), nil
}

func (c *fakeCluster) get(key string) *unstructured.Unstructured {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.objects[key]; ok {
		return o.DeepCopy()
	}
	return nil
}

func (c *fakeCluster) set(key string, m *unstructured.Unstructured) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[key] = m.DeepCopy()
}

func (c *fakeCluster) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, key)
}

func (c *fakeCluster) applyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.applies)
}

// fakeStatus records every status patch.
type fakeStatus struct {
	mu      sync.Mutex
	updates []StatusUpdate
}

func (s *fakeStatus) PatchStatus(_ context.Context, _, _ string, u StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, u)
	return nil
}

func (s *fakeStatus) last() (StatusUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.updates) == 0 {
		return StatusUpdate{}, false
	}
	return s.updates[len(s.updates)-1], true
}

// fakeSink records emitted envelopes.
type fakeSink struct {
	mu     sync.Mutex
	events []events.Envelope
}

func (s *fakeSink) Emit(ev events.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *fakeSink) all() []events.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]events.Envelope(nil), s.events...)
}
