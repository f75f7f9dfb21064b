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
	"regexp"
	"time"

	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	nopeav1alpha1 "github.com/yairfalse/nopea/api/v1alpha1"
	"github.com/yairfalse/nopea/internal/fleet"
	"github.com/yairfalse/nopea/internal/worker"
)

// intervalPattern is the only accepted shape for spec.interval; anything
// else falls back to the default.
var intervalPattern = regexp.MustCompile(`^\d+(s|m|h)$`)

// GitRepositoryReconciler keeps the fleet of repository workers aligned
// with the declared set of GitRepository resources.
type GitRepositoryReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder
	Fleet    *fleet.Fleet
}

//+kubebuilder:rbac:groups=nopea.io,resources=gitrepositories,verbs=get;list;watch;create;update;patch;delete
//+kubebuilder:rbac:groups=nopea.io,resources=gitrepositories/status,verbs=get;update;patch
//+kubebuilder:rbac:groups=nopea.io,resources=gitrepositories/finalizers,verbs=update
//+kubebuilder:rbac:groups=*,resources=*,verbs=get;list;watch;create;update;patch;delete

// Reconcile aligns the worker for one GitRepository with its declaration:
// a deleted resource retires its worker, a new one spawns a worker, and a
// semantically significant spec change restarts the worker with the new
// configuration.
func (r *GitRepositoryReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx)

	// ── Step 1: Fetch the CR ───────────────────────────────────────────
	cr := &nopeav1alpha1.GitRepository{}
	if err := r.Get(ctx, req.NamespacedName, cr); err != nil {
		if errors.IsNotFound(err) {
			// Declaration gone — retire the worker if one is running.
			if err := r.Fleet.Stop(req.Name); err == nil {
				logger.Info("GitRepository deleted, worker retired")
			}
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}
	if !cr.DeletionTimestamp.IsZero() {
		_ = r.Fleet.Stop(req.Name)
		return ctrl.Result{}, nil
	}

	// ── Step 2: Parse the declaration ──────────────────────────────────
	spec := SpecFromCR(cr)

	// ── Step 3: Align the fleet ────────────────────────────────────────
	if h, ok := r.Fleet.Get(spec.Name); ok {
		if h.Worker.Spec() == spec {
			// Nothing significant changed; leave the worker alone.
			return ctrl.Result{}, r.observeGeneration(ctx, cr)
		}
		logger.Info("GitRepository spec changed, restarting worker")
		_ = r.Fleet.Stop(spec.Name)
	}

	if _, err := r.Fleet.Start(spec); err != nil {
		r.recordEvent(cr, "Warning", "WorkerStartFailed", "Could not start worker: %v", err)
		return ctrl.Result{}, err
	}
	r.recordEvent(cr, "Normal", "WorkerStarted", "Worker started for %s@%s", spec.URL, spec.Branch)

	// ── Step 4: Seed status ────────────────────────────────────────────
	if cr.Status.Phase == "" {
		cr.Status.Phase = nopeav1alpha1.PhaseInitializing
	}
	cr.Status.ObservedGeneration = cr.Generation
	meta.SetStatusCondition(&cr.Status.Conditions, metav1.Condition{
		Type:    "Progressing",
		Status:  metav1.ConditionTrue,
		Reason:  "WorkerStarted",
		Message: "Repository worker is running",
	})
	if err := r.Status().Update(ctx, cr); err != nil && !errors.IsConflict(err) {
		return ctrl.Result{}, err
	}
	return ctrl.Result{}, nil
}

// observeGeneration records the acted-upon generation without disturbing
// worker-owned status fields.
func (r *GitRepositoryReconciler) observeGeneration(ctx context.Context, cr *nopeav1alpha1.GitRepository) error {
	if cr.Status.ObservedGeneration == cr.Generation {
		return nil
	}
	cr.Status.ObservedGeneration = cr.Generation
	if err := r.Status().Update(ctx, cr); err != nil && !errors.IsConflict(err) {
		return err
	}
	return nil
}

// SpecFromCR translates a GitRepository declaration into a worker spec,
// applying the documented defaults.
func SpecFromCR(cr *nopeav1alpha1.GitRepository) worker.Spec {
	branch := cr.Spec.Branch
	if branch == "" {
		branch = "main"
	}
	targetNS := cr.Spec.TargetNamespace
	if targetNS == "" {
		targetNS = cr.Namespace
	}
	policy := cr.Spec.HealPolicy
	if policy == "" {
		policy = nopeav1alpha1.HealPolicyAuto
	}
	return worker.Spec{
		Name:            cr.Name,
		Namespace:       cr.Namespace,
		URL:             cr.Spec.URL,
		Branch:          branch,
		Subpath:         cr.Spec.Path,
		TargetNamespace: targetNS,
		PollInterval:    ParseInterval(cr.Spec.Interval),
		HealPolicy:      policy,
		HealGracePeriod: ParseGracePeriod(cr.Spec.HealGracePeriod),
		Suspend:         cr.Spec.Suspend,
	}
}

// ParseInterval accepts "<digits>(s|m|h)" and falls back to the 5-minute
// default for anything else, the empty string included.
func ParseInterval(s string) time.Duration {
	if !intervalPattern.MatchString(s) {
		return worker.DefaultPollInterval
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return worker.DefaultPollInterval
	}
	return d
}

// ParseGracePeriod accepts the same shape as ParseInterval but defaults to
// zero: no grace, heal immediately.
func ParseGracePeriod(s string) time.Duration {
	if !intervalPattern.MatchString(s) {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// recordEvent safely emits a Kubernetes Event on the CR. It is a no-op when
// the Recorder has not been initialised (e.g. in unit tests that don't use
// a full manager).
func (r *GitRepositoryReconciler) recordEvent(cr *nopeav1alpha1.GitRepository, eventType, reason, messageFmt string, args ...interface{}) {
	if r.Recorder != nil {
		r.Recorder.Eventf(cr, eventType, reason, messageFmt, args...)
	}
}

// SetupWithManager sets up the controller with the Manager.
func (r *GitRepositoryReconciler) SetupWithManager(mgr ctrl.Manager) error {
	r.Recorder = mgr.GetEventRecorderFor("gitrepository-controller")
	return ctrl.NewControllerManagedBy(mgr).
		For(&nopeav1alpha1.GitRepository{}).
		Complete(r)
}
