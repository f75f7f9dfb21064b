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

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// HealPolicy controls how the worker reacts to cluster-side drift.
// Changes coming from git are always honored regardless of this policy.
// +kubebuilder:validation:Enum=auto;manual;notify
type HealPolicy string

const (
	// HealPolicyAuto re-applies the desired state as soon as drift is
	// observed (after the optional grace period).
	HealPolicyAuto HealPolicy = "auto"
	// HealPolicyManual detects and reports drift but never heals it.
	HealPolicyManual HealPolicy = "manual"
	// HealPolicyNotify counts drift in nopea_drift_detected_total but never
	// heals it; no drift event is emitted.
	HealPolicyNotify HealPolicy = "notify"
)

// SyncPhase is the coarse lifecycle phase of a repository worker.
type SyncPhase string

const (
	PhaseInitializing SyncPhase = "Initializing"
	PhaseSyncing      SyncPhase = "Syncing"
	PhaseSynced       SyncPhase = "Synced"
	PhaseFailed       SyncPhase = "Failed"
)

// GitRepositorySpec defines the desired state of GitRepository.
//
// Each GitRepository maps 1:1 to a long-running worker that clones the
// repository, applies the manifests found under Path into TargetNamespace,
// and keeps the cluster converged against the declared branch.
type GitRepositorySpec struct {
	// URL is the clone URL of the git repository.
	//+kubebuilder:validation:MinLength=1
	URL string `json:"url"`

	// Branch to track. Defaults to "main".
	//+kubebuilder:default="main"
	//+optional
	Branch string `json:"branch,omitempty"`

	// Path is the subdirectory within the repository that holds the
	// manifests. Empty means the repository root.
	//+optional
	Path string `json:"path,omitempty"`

	// TargetNamespace is where namespaced manifests are applied.
	// Defaults to the namespace of this resource.
	//+optional
	TargetNamespace string `json:"targetNamespace,omitempty"`

	// Interval between remote polls, as a duration string ("30s", "5m",
	// "1h"). Anything else falls back to the 5-minute default. Drift
	// reconciliation runs at twice this interval.
	//+kubebuilder:default="5m"
	//+optional
	Interval string `json:"interval,omitempty"`

	// HealPolicy governs healing of cluster-side drift.
	//+kubebuilder:default="auto"
	//+optional
	HealPolicy HealPolicy `json:"healPolicy,omitempty"`

	// HealGracePeriod is the minimum time drift must be continuously
	// observed before it is healed ("30s", "10m"). Empty means heal
	// immediately.
	//+optional
	HealGracePeriod string `json:"healGracePeriod,omitempty"`

	// Suspend stops all syncing and healing for this repository while
	// keeping the worker registered.
	//+optional
	Suspend bool `json:"suspend,omitempty"`
}

// GitRepositoryStatus defines the observed state of GitRepository.
type GitRepositoryStatus struct {
	// Phase is the coarse worker state: Initializing, Syncing, Synced, Failed.
	//+optional
	Phase SyncPhase `json:"phase,omitempty"`

	// LastAppliedCommit is the commit sha last successfully applied to
	// the cluster.
	//+optional
	LastAppliedCommit string `json:"lastAppliedCommit,omitempty"`

	// LastSyncTime is when the last sync attempt finished.
	//+optional
	LastSyncTime *metav1.Time `json:"lastSyncTime,omitempty"`

	// ObservedGeneration is the spec generation most recently acted upon.
	//+optional
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// Conditions carries the Ready and Progressing conditions.
	//+optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

//+kubebuilder:object:root=true
//+kubebuilder:subresource:status
//+kubebuilder:printcolumn:name="URL",type=string,JSONPath=`.spec.url`
//+kubebuilder:printcolumn:name="Branch",type=string,JSONPath=`.spec.branch`
//+kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
//+kubebuilder:printcolumn:name="Commit",type=string,JSONPath=`.status.lastAppliedCommit`

// GitRepository is the Schema for the gitrepositories API.
type GitRepository struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   GitRepositorySpec   `json:"spec,omitempty"`
	Status GitRepositoryStatus `json:"status,omitempty"`
}

//+kubebuilder:object:root=true

// GitRepositoryList contains a list of GitRepository.
type GitRepositoryList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []GitRepository `json:"items"`
}

func init() {
	SchemeBuilder.Register(&GitRepository{}, &GitRepositoryList{})
}
