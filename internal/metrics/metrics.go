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

// Package metrics declares every nopea_* collector and registers them on the
// controller-runtime registry so the manager's /metrics endpoint serves them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	ctrlmetrics "sigs.k8s.io/controller-runtime/pkg/metrics"
)

var syncBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60}

var (
	// SyncDuration observes wall-clock sync time per repository.
	SyncDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nopea_sync_duration_seconds",
		Help:    "Duration of repository sync operations.",
		Buckets: syncBuckets,
	}, []string{"repo"})

	// SyncTotal counts sync attempts by outcome.
	SyncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nopea_sync_total",
		Help: "Total sync attempts by repository and status.",
	}, []string{"repo", "status"})

	// SyncErrorTotal counts sync failures by error taxonomy entry.
	SyncErrorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nopea_sync_error_total",
		Help: "Total sync errors by repository and error type.",
	}, []string{"repo", "error"})

	// WorkersActive tracks the number of running repository workers.
	WorkersActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nopea_workers_active",
		Help: "Number of repository workers currently running.",
	})

	// WorkerRestartsTotal counts one-for-one restarts after worker panics.
	WorkerRestartsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nopea_worker_restarts_total",
		Help: "Total worker restarts performed by the fleet supervisor.",
	}, []string{"repo"})

	// GitCloneDuration observes initial clone time per repository.
	GitCloneDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nopea_git_clone_duration_seconds",
		Help:    "Duration of git clone operations.",
		Buckets: syncBuckets,
	}, []string{"repo"})

	// GitFetchDuration observes incremental fetch time per repository.
	GitFetchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nopea_git_fetch_duration_seconds",
		Help:    "Duration of git fetch operations.",
		Buckets: syncBuckets,
	}, []string{"repo"})

	// DriftDetectedTotal counts drift observations per resource.
	DriftDetectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nopea_drift_detected_total",
		Help: "Total drift detections by repository and resource.",
	}, []string{"repo", "resource"})

	// DriftHealedTotal counts successful heals per resource.
	DriftHealedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nopea_drift_healed_total",
		Help: "Total drift heals by repository and resource.",
	}, []string{"repo", "resource"})

	// LeaderStatus is 1 on the pod currently holding the lease.
	LeaderStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nopea_leader_status",
		Help: "Whether this pod currently holds the leader lease.",
	}, []string{"pod"})

	// LeaderTransitionsTotal counts leadership acquisitions on this pod.
	LeaderTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nopea_leader_transitions_total",
		Help: "Total leadership transitions observed by this pod.",
	}, []string{"pod"})

	// EventsEmittedTotal counts CDEvents successfully delivered to the sink.
	EventsEmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nopea_events_emitted_total",
		Help: "Total CDEvents delivered to the event sink.",
	})

	// EventsDroppedTotal counts CDEvents dropped on queue overflow or after
	// exhausting retries.
	EventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nopea_events_dropped_total",
		Help: "Total CDEvents dropped after retry exhaustion or overflow.",
	})
)

func init() {
	ctrlmetrics.Registry.MustRegister(
		SyncDuration,
		SyncTotal,
		SyncErrorTotal,
		WorkersActive,
		WorkerRestartsTotal,
		GitCloneDuration,
		GitFetchDuration,
		DriftDetectedTotal,
		DriftHealedTotal,
		LeaderStatus,
		LeaderTransitionsTotal,
		EventsEmittedTotal,
		EventsDroppedTotal,
	)
}
