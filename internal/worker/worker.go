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

// Package worker runs one goroutine per declared repository. All triggers —
// poll and reconcile timers, webhook notifications, blocking manual syncs —
// funnel through a single mailbox and are handled one at a time, so the
// worker's state never needs a lock.
package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	nopeav1alpha1 "github.com/yairfalse/nopea/api/v1alpha1"
	"github.com/yairfalse/nopea/internal/apply"
	"github.com/yairfalse/nopea/internal/cache"
	"github.com/yairfalse/nopea/internal/drift"
	"github.com/yairfalse/nopea/internal/events"
	"github.com/yairfalse/nopea/internal/metrics"
)

// SyncNowTimeout bounds how long a blocking manual sync waits for its
// result. The in-flight sync itself is not aborted on timeout.
const SyncNowTimeout = 5 * time.Minute

// DefaultPollInterval applies when the declaration carries no usable
// interval.
const DefaultPollInterval = 5 * time.Minute

// Error taxonomy entries used in events, conditions, and metrics labels.
const (
	ErrTypeGit    = "git_error"
	ErrTypeParse  = "parse_error"
	ErrTypeApply  = "apply_error"
	ErrTypeK8s    = "k8s_error"
	ErrTypeConfig = "config_error"
)

// ErrSyncTimeout is returned by SyncNow when the worker does not answer
// within SyncNowTimeout.
var ErrSyncTimeout = errors.New("sync_now timed out")

// Spec is the parsed repository declaration a worker runs against.
type Spec struct {
	Name            string
	Namespace       string
	URL             string
	Branch          string
	Subpath         string
	TargetNamespace string
	PollInterval    time.Duration
	HealPolicy      nopeav1alpha1.HealPolicy
	HealGracePeriod time.Duration
	Suspend         bool
}

// GitClient is the subprocess collaborator surface the worker needs.
type GitClient interface {
	Sync(ctx context.Context, url, branch, dir string) (string, error)
	RemoteHead(ctx context.Context, url, branch string) (string, error)
	Files(ctx context.Context, dir, subpath string) ([]string, error)
	ReadBlob(dir, path string) (string, error)
	RepoPath(name string) string
}

// Applier is the cluster-writing collaborator surface. *apply.Applier
// satisfies it.
type Applier interface {
	Prepare(m *unstructured.Unstructured, targetNamespace string) (*unstructured.Unstructured, error)
	ApplySingle(ctx context.Context, m *unstructured.Unstructured, targetNamespace string) error
	ApplyManifests(ctx context.Context, ms []*unstructured.Unstructured, targetNamespace string) (int, error)
	GetLive(ctx context.Context, m *unstructured.Unstructured) (*unstructured.Unstructured, error)
}

// StatusUpdate is what the worker reports back onto its GitRepository.
type StatusUpdate struct {
	Phase    nopeav1alpha1.SyncPhase
	Commit   string
	SyncTime time.Time
	Ready    metav1.ConditionStatus
	Reason   string
	Message  string
}

// StatusPatcher pushes a StatusUpdate onto the custom resource.
type StatusPatcher interface {
	PatchStatus(ctx context.Context, name, namespace string, u StatusUpdate) error
}

// EventSink accepts lifecycle events; *events.Emitter satisfies it.
type EventSink interface {
	Emit(events.Envelope)
}

// Deps are the worker's collaborators.
type Deps struct {
	Git     GitClient
	Applier Applier
	Cache   *cache.Cache
	Status  StatusPatcher
	Sink    EventSink
	IDs     *events.IDGenerator
	Log     logr.Logger
}

type triggerKind int

const (
	triggerPoll triggerKind = iota
	triggerReconcile
	triggerWebhook
	triggerSyncNow
)

type trigger struct {
	kind   triggerKind
	commit string
	reply  chan error
}

// Worker is the per-repository state machine. Construct with New, drive
// with Run; Webhook and SyncNow may be called from any goroutine.
type Worker struct {
	spec    Spec
	deps    Deps
	factory *events.Factory
	mailbox chan trigger

	// Owned exclusively by the Run goroutine.
	repoPath   string
	lastCommit string
	lastSync   time.Time
	status     nopeav1alpha1.SyncPhase
	deployed   bool
}

// New returns an unstarted worker for spec.
func New(spec Spec, deps Deps) *Worker {
	if spec.Branch == "" {
		spec.Branch = "main"
	}
	if spec.PollInterval <= 0 {
		spec.PollInterval = DefaultPollInterval
	}
	return &Worker{
		spec:    spec,
		deps:    deps,
		factory: events.NewFactory(deps.IDs, spec.Name),
		mailbox: make(chan trigger, 16),
		status:  nopeav1alpha1.PhaseInitializing,
	}
}

// Spec returns the declaration this worker runs against.
func (w *Worker) Spec() Spec { return w.spec }

// Webhook notifies the worker of a pushed commit. Best-effort: if the
// mailbox is full the notification is dropped and polling catches up.
func (w *Worker) Webhook(commit string) {
	select {
	case w.mailbox <- trigger{kind: triggerWebhook, commit: commit}:
	default:
		w.deps.Log.Info("mailbox full, dropping webhook trigger", "repo", w.spec.Name, "commit", commit)
	}
}

// SyncNow performs a sync and blocks until it completes, a timeout of
// SyncNowTimeout elapses, or ctx is canceled. All previously enqueued
// triggers are handled before the sync runs.
func (w *Worker) SyncNow(ctx context.Context) error {
	reply := make(chan error, 1)
	deadline := time.NewTimer(SyncNowTimeout)
	defer deadline.Stop()

	select {
	case w.mailbox <- trigger{kind: triggerSyncNow, reply: reply}:
	case <-deadline.C:
		return ErrSyncTimeout
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-deadline.C:
		return ErrSyncTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the startup sync and then serves triggers until ctx is
// canceled. Expected failures are absorbed into the failed state; anything
// unexpected panics out to the fleet's restart wrapper.
func (w *Worker) Run(ctx context.Context) {
	w.repoPath = w.deps.Git.RepoPath(w.spec.Name)
	log := w.deps.Log.WithValues("repo", w.spec.Name)

	reconcileArmed := false
	if !w.spec.Suspend {
		if err := w.syncOnce(ctx); err != nil {
			log.Error(err, "startup sync failed")
		} else {
			reconcileArmed = true
		}
	}

	pollTimer := time.NewTimer(w.spec.PollInterval)
	defer pollTimer.Stop()
	reconcileTimer := time.NewTimer(2 * w.spec.PollInterval)
	defer reconcileTimer.Stop()
	if !reconcileArmed {
		stopTimer(reconcileTimer)
	}

	for {
		select {
		case <-ctx.Done():
			return

		case <-pollTimer.C:
			w.handlePoll(ctx)
			// A poll-triggered sync may have produced the first
			// success; arm reconcile once that happens.
			if !reconcileArmed && w.status == nopeav1alpha1.PhaseSynced {
				reconcileTimer.Reset(2 * w.spec.PollInterval)
				reconcileArmed = true
			}
			pollTimer.Reset(w.spec.PollInterval)

		case <-reconcileTimer.C:
			w.handleReconcile(ctx)
			reconcileTimer.Reset(2 * w.spec.PollInterval)

		case tr := <-w.mailbox:
			switch tr.kind {
			case triggerWebhook:
				if !w.spec.Suspend {
					if err := w.syncOnce(ctx); err != nil {
						log.Error(err, "webhook sync failed", "commit", tr.commit)
					}
				}
			case triggerSyncNow:
				var err error
				if !w.spec.Suspend {
					err = w.syncOnce(ctx)
				}
				tr.reply <- err
			case triggerPoll:
				w.handlePoll(ctx)
			case triggerReconcile:
				w.handleReconcile(ctx)
			}
			if !reconcileArmed && w.status == nopeav1alpha1.PhaseSynced {
				reconcileTimer.Reset(2 * w.spec.PollInterval)
				reconcileArmed = true
			}
		}
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// handlePoll checks the remote head and syncs when it moved.
func (w *Worker) handlePoll(ctx context.Context) {
	if w.spec.Suspend {
		return
	}
	log := w.deps.Log.WithValues("repo", w.spec.Name)

	head, err := w.deps.Git.RemoteHead(ctx, w.spec.URL, w.spec.Branch)
	if err != nil {
		metrics.SyncErrorTotal.WithLabelValues(w.spec.Name, ErrTypeGit).Inc()
		log.Error(err, "remote head check failed")
		return
	}
	if head == w.lastCommit {
		return
	}
	if err := w.syncOnce(ctx); err != nil {
		log.Error(err, "poll sync failed", "head", head)
	}
}

// syncOnce runs the full sync procedure: status → git → parse → apply →
// bookkeeping → events. Serialized by the mailbox; never called
// concurrently.
func (w *Worker) syncOnce(ctx context.Context) error {
	start := time.Now()
	w.setPhase(ctx, nopeav1alpha1.PhaseSyncing, "Syncing", "sync in progress")

	sha, err := w.deps.Git.Sync(ctx, w.spec.URL, w.spec.Branch, w.repoPath)
	if err != nil {
		return w.failSync(ctx, ErrTypeGit, err)
	}

	desired, err := w.loadDesired(ctx)
	if err != nil {
		var tagged *taggedError
		if errors.As(err, &tagged) {
			return w.failSync(ctx, tagged.errType, tagged.err)
		}
		return w.failSync(ctx, ErrTypeGit, err)
	}

	count, err := w.deps.Applier.ApplyManifests(ctx, desired, w.spec.TargetNamespace)
	if err != nil {
		return w.failSync(ctx, ErrTypeApply, err)
	}

	for _, m := range desired {
		key := apply.ResourceKey(m)
		norm := drift.Normalize(m)
		w.deps.Cache.PutLastApplied(w.spec.Name, key, norm)
		if hash, err := drift.ContentHash(m); err == nil {
			w.deps.Cache.PutResourceHash(w.spec.Name, key, hash)
		}
	}

	previous := w.lastCommit
	w.lastCommit = sha
	w.lastSync = time.Now()
	w.status = nopeav1alpha1.PhaseSynced
	w.deps.Cache.PutCommit(w.spec.Name, sha)
	w.deps.Cache.PutSyncState(w.spec.Name, cache.SyncState{
		LastSync:   w.lastSync,
		LastCommit: sha,
		Status:     string(nopeav1alpha1.PhaseSynced),
	})

	duration := time.Since(start)
	if w.deployed {
		w.deps.Sink.Emit(w.factory.ServiceUpgraded(w.spec.TargetNamespace, sha, previous, count, duration))
	} else {
		w.deps.Sink.Emit(w.factory.ServiceDeployed(w.spec.TargetNamespace, sha, count, duration))
		w.deployed = true
	}

	metrics.SyncDuration.WithLabelValues(w.spec.Name).Observe(duration.Seconds())
	metrics.SyncTotal.WithLabelValues(w.spec.Name, "success").Inc()

	w.patchStatus(ctx, StatusUpdate{
		Phase:    nopeav1alpha1.PhaseSynced,
		Commit:   sha,
		SyncTime: w.lastSync,
		Ready:    metav1.ConditionTrue,
		Reason:   "SyncSucceeded",
		Message:  fmt.Sprintf("Applied %d manifests", count),
	})
	return nil
}

// taggedError carries a taxonomy entry alongside the cause.
type taggedError struct {
	errType string
	err     error
}

func (e *taggedError) Error() string { return e.err.Error() }
func (e *taggedError) Unwrap() error { return e.err }

// loadDesired reads the last cloned tree into prepared manifest records.
// Parse errors across files are aggregated; any failure fails the whole
// load.
func (w *Worker) loadDesired(ctx context.Context) ([]*unstructured.Unstructured, error) {
	files, err := w.deps.Git.Files(ctx, w.repoPath, w.spec.Subpath)
	if err != nil {
		return nil, &taggedError{errType: ErrTypeGit, err: err}
	}

	var desired []*unstructured.Unstructured
	var parseErrs []error
	for _, f := range files {
		blob, err := w.deps.Git.ReadBlob(w.repoPath, f)
		if err != nil {
			return nil, &taggedError{errType: ErrTypeGit, err: err}
		}
		data, err := base64.StdEncoding.DecodeString(blob)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("%s: %w", f, err))
			continue
		}
		ms, err := apply.ParseManifests(data)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("%s: %w", f, err))
			continue
		}
		for _, m := range ms {
			prepared, err := w.deps.Applier.Prepare(m, w.spec.TargetNamespace)
			if err != nil {
				return nil, &taggedError{errType: ErrTypeApply, err: err}
			}
			desired = append(desired, prepared)
		}
	}
	if len(parseErrs) > 0 {
		return nil, &taggedError{errType: ErrTypeParse, err: errors.Join(parseErrs...)}
	}
	if err := apply.EnsureUniqueKeys(desired); err != nil {
		return nil, &taggedError{errType: ErrTypeParse, err: err}
	}
	return desired, nil
}

// failSync records a failed sync: state, metrics, failure event, CRD
// condition. lastCommit is untouched — nothing was successfully applied.
func (w *Worker) failSync(ctx context.Context, errType string, cause error) error {
	w.status = nopeav1alpha1.PhaseFailed
	w.deps.Cache.PutSyncState(w.spec.Name, cache.SyncState{
		LastSync:   time.Now(),
		LastCommit: w.lastCommit,
		Status:     string(nopeav1alpha1.PhaseFailed),
	})

	metrics.SyncTotal.WithLabelValues(w.spec.Name, "failure").Inc()
	metrics.SyncErrorTotal.WithLabelValues(w.spec.Name, errType).Inc()

	w.deps.Sink.Emit(w.factory.SyncFailed(w.spec.TargetNamespace, w.lastCommit, events.ErrorDetail{
		Type:    errType,
		Message: cause.Error(),
	}))

	w.patchStatus(ctx, StatusUpdate{
		Phase:    nopeav1alpha1.PhaseFailed,
		Commit:   w.lastCommit,
		SyncTime: time.Now(),
		Ready:    metav1.ConditionFalse,
		Reason:   errType,
		Message:  cause.Error(),
	})
	return fmt.Errorf("%s: %w", errType, cause)
}

// handleReconcile re-reads the last cloned tree and heals drift according
// to the policy matrix.
func (w *Worker) handleReconcile(ctx context.Context) {
	if w.spec.Suspend {
		return
	}
	log := w.deps.Log.WithValues("repo", w.spec.Name)

	desired, err := w.loadDesired(ctx)
	if err != nil {
		log.Error(err, "reconcile: loading desired state failed")
		return
	}

	for _, m := range desired {
		if err := w.healManifest(ctx, m); err != nil {
			log.Error(err, "reconcile: healing failed", "resource", apply.ResourceKey(m))
		}
	}
}

// healManifest runs the drift check for one manifest and applies the
// policy × drift-type × break-glass × grace-period decision matrix.
func (w *Worker) healManifest(ctx context.Context, m *unstructured.Unstructured) error {
	key := apply.ResourceKey(m)

	res, err := drift.CheckDrift(ctx, w.spec.Name, m, w.deps.Applier, w.deps.Cache)
	if err != nil {
		return err
	}

	switch res.Kind {
	case drift.NoDrift:
		w.deps.Cache.ClearDriftFirstSeen(w.spec.Name, key)
		return nil

	case drift.NewResource, drift.NeedsApply:
		// Baseline establishment, not healing: always apply.
		return w.applyHeal(ctx, m, key, false)

	case drift.GitChange:
		// Authorized change from the source of truth; only break-glass
		// can hold it back.
		if drift.HealingSuspended(res.Live) {
			return nil
		}
		return w.applyHeal(ctx, m, key, false)

	case drift.ManualDrift, drift.Conflict:
		metrics.DriftDetectedTotal.WithLabelValues(w.spec.Name, key).Inc()
		if w.spec.HealPolicy != nopeav1alpha1.HealPolicyAuto {
			return nil
		}
		if drift.HealingSuspended(res.Live) {
			return nil
		}
		first := w.deps.Cache.RecordDriftFirstSeen(w.spec.Name, key, time.Now())
		if time.Since(first) < w.spec.HealGracePeriod {
			return nil
		}
		return w.applyHeal(ctx, m, key, true)
	}
	return nil
}

// applyHeal applies one manifest and refreshes the cache baseline. healed
// marks actual drift repair for the heal counter and the first-seen clear.
func (w *Worker) applyHeal(ctx context.Context, m *unstructured.Unstructured, key string, healed bool) error {
	if err := w.deps.Applier.ApplySingle(ctx, m, w.spec.TargetNamespace); err != nil {
		return err
	}
	w.deps.Cache.PutLastApplied(w.spec.Name, key, drift.Normalize(m))
	if hash, err := drift.ContentHash(m); err == nil {
		w.deps.Cache.PutResourceHash(w.spec.Name, key, hash)
	}
	if healed {
		w.deps.Cache.ClearDriftFirstSeen(w.spec.Name, key)
		metrics.DriftHealedTotal.WithLabelValues(w.spec.Name, key).Inc()
	}
	return nil
}

// setPhase patches a transient phase without touching the Ready condition.
func (w *Worker) setPhase(ctx context.Context, phase nopeav1alpha1.SyncPhase, reason, message string) {
	w.status = phase
	w.patchStatus(ctx, StatusUpdate{
		Phase:   phase,
		Commit:  w.lastCommit,
		Ready:   metav1.ConditionUnknown,
		Reason:  reason,
		Message: message,
	})
}

// patchStatus pushes a status update; CRD status failures are logged, never
// fatal — the next trigger repeats the patch.
func (w *Worker) patchStatus(ctx context.Context, u StatusUpdate) {
	if w.deps.Status == nil {
		return
	}
	if err := w.deps.Status.PatchStatus(ctx, w.spec.Name, w.spec.Namespace, u); err != nil {
		w.deps.Log.Error(err, "patching status failed", "repo", w.spec.Name)
	}
}

// LastCommit returns the sha last successfully applied. Intended for tests
// and the fleet's introspection; reads may race an in-flight sync and see
// the previous value, which is the documented semantics of last_commit.
func (w *Worker) LastCommit() string { return w.lastCommit }

// Status returns the worker's coarse phase.
func (w *Worker) Status() nopeav1alpha1.SyncPhase { return w.status }
