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
	"fmt"

	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	nopeav1alpha1 "github.com/yairfalse/nopea/api/v1alpha1"
	"github.com/yairfalse/nopea/internal/worker"
)

// StatusWriter pushes worker status updates onto GitRepository resources.
// It implements worker.StatusPatcher.
type StatusWriter struct {
	client.Client
}

var _ worker.StatusPatcher = (*StatusWriter)(nil)

// NewStatusWriter returns a StatusWriter over the given client.
func NewStatusWriter(c client.Client) *StatusWriter {
	return &StatusWriter{Client: c}
}

// PatchStatus maps a worker StatusUpdate onto phase, commit, sync time, and
// the Ready/Progressing conditions. A conflicting concurrent update is not
// an error; the worker's next trigger repeats the patch.
func (s *StatusWriter) PatchStatus(ctx context.Context, name, namespace string, u worker.StatusUpdate) error {
	cr := &nopeav1alpha1.GitRepository{}
	if err := s.Get(ctx, types.NamespacedName{Name: name, Namespace: namespace}, cr); err != nil {
		if errors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("fetching GitRepository %s/%s: %w", namespace, name, err)
	}

	cr.Status.Phase = u.Phase
	if u.Commit != "" {
		cr.Status.LastAppliedCommit = u.Commit
	}
	if !u.SyncTime.IsZero() {
		t := metav1.NewTime(u.SyncTime)
		cr.Status.LastSyncTime = &t
	}

	meta.SetStatusCondition(&cr.Status.Conditions, metav1.Condition{
		Type:    "Ready",
		Status:  u.Ready,
		Reason:  conditionReason(u.Reason),
		Message: u.Message,
	})
	meta.SetStatusCondition(&cr.Status.Conditions, metav1.Condition{
		Type:    "Progressing",
		Status:  progressingFor(u.Phase),
		Reason:  string(u.Phase),
		Message: u.Message,
	})

	if err := s.Status().Update(ctx, cr); err != nil {
		if errors.IsConflict(err) {
			return nil
		}
		return fmt.Errorf("updating GitRepository status %s/%s: %w", namespace, name, err)
	}
	return nil
}

// conditionReason passes taxonomy entries ("git_error") through verbatim —
// underscores are legal in condition reasons and the entry name is the
// contract — and fills the required field when the worker left it empty.
func conditionReason(reason string) string {
	if reason == "" {
		return "Unknown"
	}
	return reason
}

func progressingFor(phase nopeav1alpha1.SyncPhase) metav1.ConditionStatus {
	if phase == nopeav1alpha1.PhaseSyncing || phase == nopeav1alpha1.PhaseInitializing {
		return metav1.ConditionTrue
	}
	return metav1.ConditionFalse
}
