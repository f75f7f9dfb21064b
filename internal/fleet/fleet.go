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

// Package fleet owns the lifecycle of repository workers: a unique-name
// registry plus a one-for-one restart policy. A panicking worker is
// relaunched with a fresh startup sync; its neighbours never notice.
package fleet

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"

	"github.com/yairfalse/nopea/internal/cache"
	"github.com/yairfalse/nopea/internal/metrics"
	"github.com/yairfalse/nopea/internal/worker"
)

var (
	// ErrAlreadyStarted reports a second start for a repo name.
	ErrAlreadyStarted = errors.New("worker already started")
	// ErrNotFound reports an operation on an unregistered repo name.
	ErrNotFound = errors.New("worker not found")
)

// restartBackoff spaces successive relaunches of a crashing worker.
const restartBackoff = time.Second

// Handle is the fleet's view of one running worker.
type Handle struct {
	Name   string
	Worker *worker.Worker

	cancel context.CancelFunc
	done   chan struct{}
}

// Webhook forwards a webhook notification to the underlying worker.
func (h *Handle) Webhook(commit string) { h.Worker.Webhook(commit) }

// SyncNow forwards a blocking manual sync to the underlying worker.
func (h *Handle) SyncNow(ctx context.Context) error { return h.Worker.SyncNow(ctx) }

// Fleet is the dynamic supervisor. Construct with New; Stop/StopAll retire
// workers and scrub their commit, resource-hash, and last-applied cache
// entries.
type Fleet struct {
	mu      sync.Mutex
	workers map[string]*Handle

	ctx   context.Context
	deps  worker.Deps
	store *cache.Cache
	log   logr.Logger
}

// New returns a Fleet whose workers live under ctx: canceling it stops the
// whole fleet.
func New(ctx context.Context, deps worker.Deps, store *cache.Cache, log logr.Logger) *Fleet {
	return &Fleet{
		workers: map[string]*Handle{},
		ctx:     ctx,
		deps:    deps,
		store:   store,
		log:     log.WithName("fleet"),
	}
}

// Start launches a worker for spec. Starting a name that is already running
// fails with ErrAlreadyStarted.
func (f *Fleet) Start(spec worker.Spec) (*Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.workers[spec.Name]; exists {
		return nil, ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(f.ctx)
	h := &Handle{
		Name:   spec.Name,
		Worker: worker.New(spec, f.deps),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	f.workers[spec.Name] = h
	metrics.WorkersActive.Inc()

	go f.supervise(ctx, h, spec)

	f.log.Info("worker started", "repo", spec.Name, "url", spec.URL)
	return h, nil
}

// supervise runs the worker, restarting it one-for-one after a panic. Each
// restart constructs a fresh worker so the relaunch re-runs its startup
// sync from clean state.
func (f *Fleet) supervise(ctx context.Context, h *Handle, spec worker.Spec) {
	defer close(h.done)
	defer metrics.WorkersActive.Dec()

	for {
		crashed := f.runOnce(ctx, h)
		if ctx.Err() != nil {
			return
		}
		if !crashed {
			// Clean return without cancellation: the worker decided it
			// is done; nothing to restart.
			return
		}
		metrics.WorkerRestartsTotal.WithLabelValues(spec.Name).Inc()
		f.log.Info("restarting crashed worker", "repo", spec.Name)

		select {
		case <-time.After(restartBackoff):
		case <-ctx.Done():
			return
		}

		fresh := worker.New(spec, f.deps)
		f.mu.Lock()
		h.Worker = fresh
		f.mu.Unlock()
	}
}

// runOnce executes one worker lifetime and reports whether it panicked.
func (f *Fleet) runOnce(ctx context.Context, h *Handle) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			f.log.Error(nil, "worker panicked", "repo", h.Name, "panic", r)
		}
	}()
	h.Worker.Run(ctx)
	return false
}

// Stop retires the named worker: cancels it, waits for its goroutine, and
// clears its commit, resource-hash, and last-applied cache entries. Its sync
// state and drift first-seen entries are left in place.
func (f *Fleet) Stop(name string) error {
	f.mu.Lock()
	h, ok := f.workers[name]
	if !ok {
		f.mu.Unlock()
		return ErrNotFound
	}
	delete(f.workers, name)
	f.mu.Unlock()

	h.cancel()
	<-h.done

	f.store.DeleteCommit(name)
	f.store.ClearResourceHashes(name)
	f.store.ClearLastApplied(name)

	f.log.Info("worker stopped", "repo", name)
	return nil
}

// StopAll retires every worker. Used on shutdown.
func (f *Fleet) StopAll() {
	for _, name := range f.Names() {
		_ = f.Stop(name)
	}
}

// Get returns the handle for a repo name.
func (f *Fleet) Get(name string) (*Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.workers[name]
	return h, ok
}

// Names returns the sorted names of running workers.
func (f *Fleet) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := lo.Keys(f.workers)
	sort.Strings(names)
	return names
}

// List returns the running handles, sorted by name.
func (f *Fleet) List() []*Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	handles := lo.Values(f.workers)
	sort.Slice(handles, func(i, j int) bool { return handles[i].Name < handles[j].Name })
	return handles
}
