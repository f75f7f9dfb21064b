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
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	nopeav1alpha1 "github.com/yairfalse/nopea/api/v1alpha1"
	"github.com/yairfalse/nopea/internal/cache"
	"github.com/yairfalse/nopea/internal/drift"
	"github.com/yairfalse/nopea/internal/events"

	"github.com/go-logr/logr"
)

const (
	deploymentYAML = `apiVersion: apps/v1
kind: Deployment
metadata:
  name: api
spec:
  replicas: 2
`
	serviceYAML = `apiVersion: v1
kind: Service
metadata:
  name: api
spec:
  ports:
    - port: 80
`
	configMapYAML = `apiVersion: v1
kind: ConfigMap
metadata:
  name: api-config
data:
  LOG_LEVEL: "info"
`
	configMapKey = "v1/ConfigMap/default/api-config"
)

func repoFiles() map[string]string {
	return map[string]string{
		"manifests/deployment.yaml": deploymentYAML,
		"manifests/service.yaml":    serviceYAML,
		"manifests/configmap.yaml":  configMapYAML,
	}
}

type harness struct {
	git     *fakeGit
	cluster *fakeCluster
	store   *cache.Cache
	status  *fakeStatus
	sink    *fakeSink
	worker  *Worker
}

func newHarness(mutate func(*Spec)) *harness {
	h := &harness{
		git:     newFakeGit("abc123", repoFiles()),
		cluster: newFakeCluster(),
		store:   cache.New(),
		status:  &fakeStatus{},
		sink:    &fakeSink{},
	}
	spec := Spec{
		Name:         "my-app",
		Namespace:    "default",
		URL:          "https://github.com/acme/my-app.git",
		Branch:       "main",
		PollInterval: 5 * time.Minute,
		HealPolicy:   nopeav1alpha1.HealPolicyAuto,
	}
	if mutate != nil {
		mutate(&spec)
	}
	h.worker = New(spec, Deps{
		Git:     h.git,
		Applier: h.cluster,
		Cache:   h.store,
		Status:  h.status,
		Sink:    h.sink,
		IDs:     events.NewIDGenerator(),
		Log:     logr.Discard(),
	})
	h.worker.repoPath = h.git.RepoPath(spec.Name)
	return h
}

var _ = Describe("Worker sync", func() {
	ctx := context.Background()

	It("applies all manifests and records state on first sync", func() {
		h := newHarness(nil)

		Expect(h.worker.syncOnce(ctx)).To(Succeed())

		Expect(h.cluster.applyCount()).To(Equal(3))
		Expect(h.worker.LastCommit()).To(Equal("abc123"))
		Expect(h.worker.Status()).To(Equal(nopeav1alpha1.PhaseSynced))

		// Worker state and cache sync-state agree on the commit.
		state, ok := h.store.GetSyncState("my-app")
		Expect(ok).To(BeTrue())
		Expect(state.LastCommit).To(Equal(h.worker.LastCommit()))

		// Every applied manifest has a normalized last-applied entry.
		la, ok := h.store.GetLastApplied("my-app", configMapKey)
		Expect(ok).To(BeTrue())
		liveHash, err := drift.ContentHash(h.cluster.get(configMapKey))
		Expect(err).NotTo(HaveOccurred())
		cachedHash, err := drift.ContentHash(la)
		Expect(err).NotTo(HaveOccurred())
		Expect(cachedHash).To(Equal(liveHash))

		// CRD status reports the applied count.
		st, ok := h.status.last()
		Expect(ok).To(BeTrue())
		Expect(st.Phase).To(Equal(nopeav1alpha1.PhaseSynced))
		Expect(st.Ready).To(Equal(metav1.ConditionTrue))
		Expect(st.Message).To(Equal("Applied 3 manifests"))
		Expect(st.Commit).To(Equal("abc123"))

		// First success emits service.deployed with the purl artifact.
		evs := h.sink.all()
		Expect(evs).To(HaveLen(1))
		Expect(evs[0].Type).To(Equal(events.TypeServiceDeployed))
		Expect(evs[0].Source).To(Equal("/nopea/worker/my-app"))
		Expect(evs[0].Data.Subject.Content["artifactId"]).To(Equal("pkg:git/my-app@abc123"))
	})

	It("emits service.upgraded with the previous commit on later syncs", func() {
		h := newHarness(nil)
		Expect(h.worker.syncOnce(ctx)).To(Succeed())

		h.git.advance("def456", map[string]string{
			"manifests/configmap.yaml": `apiVersion: v1
kind: ConfigMap
metadata:
  name: api-config
data:
  LOG_LEVEL: "info"
  TIMEOUT: "60"
`,
		})
		Expect(h.worker.syncOnce(ctx)).To(Succeed())

		cm := h.cluster.get(configMapKey)
		data, _, _ := unstructured.NestedString(cm.Object, "data", "TIMEOUT")
		Expect(data).To(Equal("60"))

		evs := h.sink.all()
		Expect(evs).To(HaveLen(2))
		Expect(evs[1].Type).To(Equal(events.TypeServiceUpgraded))
		Expect(evs[1].Data.Subject.Content["previousCommit"]).To(Equal("abc123"))
		Expect(h.worker.LastCommit()).To(Equal("def456"))
	})

	It("keeps last_commit and reports git_error when the clone fails", func() {
		h := newHarness(nil)
		Expect(h.worker.syncOnce(ctx)).To(Succeed())

		h.git.syncErr = errors.New("network timeout")
		Expect(h.worker.syncOnce(ctx)).To(HaveOccurred())

		Expect(h.worker.LastCommit()).To(Equal("abc123"))
		Expect(h.worker.Status()).To(Equal(nopeav1alpha1.PhaseFailed))

		st, _ := h.status.last()
		Expect(st.Ready).To(Equal(metav1.ConditionFalse))
		Expect(st.Reason).To(Equal(ErrTypeGit))

		evs := h.sink.all()
		last := evs[len(evs)-1]
		Expect(last.Type).To(Equal(events.TypeServiceRemoved))
		Expect(last.Data.Subject.Content["outcome"]).To(Equal("failure"))
		Expect(last.Data.Subject.Content["error"]).To(Equal(events.ErrorDetail{
			Type:    ErrTypeGit,
			Message: "network timeout",
		}))
	})

	It("fails the whole sync when any file fails parsing", func() {
		h := newHarness(nil)
		h.git.files["manifests/broken.yaml"] = "apiVersion: v1\nkind: ConfigMap\nmetadata: {}\n"

		Expect(h.worker.syncOnce(ctx)).To(HaveOccurred())
		Expect(h.cluster.applyCount()).To(BeZero())

		st, _ := h.status.last()
		Expect(st.Reason).To(Equal(ErrTypeParse))
	})

	It("reports apply_error and keeps last_commit on partial apply", func() {
		h := newHarness(nil)
		Expect(h.worker.syncOnce(ctx)).To(Succeed())

		h.cluster.failOn[configMapKey] = errors.New("admission denied")
		h.git.advance("def456", nil)
		Expect(h.worker.syncOnce(ctx)).To(HaveOccurred())

		Expect(h.worker.LastCommit()).To(Equal("abc123"))
		st, _ := h.status.last()
		Expect(st.Reason).To(Equal(ErrTypeApply))
	})
})

var _ = Describe("Worker reconcile healing", func() {
	ctx := context.Background()

	mutateLive := func(h *harness, logLevel string) {
		cm := h.cluster.get(configMapKey)
		Expect(cm).NotTo(BeNil())
		Expect(unstructured.SetNestedField(cm.Object, logLevel, "data", "LOG_LEVEL")).To(Succeed())
		h.cluster.set(configMapKey, cm)
	}

	It("heals manual drift exactly once with auto policy and zero grace", func() {
		h := newHarness(nil)
		Expect(h.worker.syncOnce(ctx)).To(Succeed())
		before := h.cluster.applyCount()

		mutateLive(h, "debug")
		h.worker.handleReconcile(ctx)

		Expect(h.cluster.applyCount()).To(Equal(before + 1))
		cm := h.cluster.get(configMapKey)
		v, _, _ := unstructured.NestedString(cm.Object, "data", "LOG_LEVEL")
		Expect(v).To(Equal("info"))

		// Baseline refreshed; a second reconcile is a no-op.
		_, recorded := h.store.GetDriftFirstSeen("my-app", configMapKey)
		Expect(recorded).To(BeFalse())
		h.worker.handleReconcile(ctx)
		Expect(h.cluster.applyCount()).To(Equal(before + 1))
	})

	It("never heals drift under the break-glass annotation", func() {
		h := newHarness(nil)
		Expect(h.worker.syncOnce(ctx)).To(Succeed())
		before := h.cluster.applyCount()

		cm := h.cluster.get(configMapKey)
		cm.SetAnnotations(map[string]string{drift.SuspendHealAnnotation: "true"})
		Expect(unstructured.SetNestedField(cm.Object, "debug", "data", "LOG_LEVEL")).To(Succeed())
		h.cluster.set(configMapKey, cm)

		h.worker.handleReconcile(ctx)

		Expect(h.cluster.applyCount()).To(Equal(before))
		_, recorded := h.store.GetDriftFirstSeen("my-app", configMapKey)
		Expect(recorded).To(BeFalse())
	})

	It("never heals manual drift with manual policy, regardless of grace", func() {
		h := newHarness(func(s *Spec) { s.HealPolicy = nopeav1alpha1.HealPolicyManual })
		Expect(h.worker.syncOnce(ctx)).To(Succeed())
		before := h.cluster.applyCount()

		mutateLive(h, "debug")
		h.worker.handleReconcile(ctx)
		h.worker.handleReconcile(ctx)

		Expect(h.cluster.applyCount()).To(Equal(before))
		cm := h.cluster.get(configMapKey)
		v, _, _ := unstructured.NestedString(cm.Object, "data", "LOG_LEVEL")
		Expect(v).To(Equal("debug"))
	})

	It("waits out the grace period before healing", func() {
		h := newHarness(func(s *Spec) { s.HealGracePeriod = time.Hour })
		Expect(h.worker.syncOnce(ctx)).To(Succeed())
		before := h.cluster.applyCount()

		mutateLive(h, "debug")
		h.worker.handleReconcile(ctx)

		Expect(h.cluster.applyCount()).To(Equal(before))
		first, recorded := h.store.GetDriftFirstSeen("my-app", configMapKey)
		Expect(recorded).To(BeTrue())

		// Still inside the grace window on the next tick.
		h.worker.handleReconcile(ctx)
		Expect(h.cluster.applyCount()).To(Equal(before))
		again, _ := h.store.GetDriftFirstSeen("my-app", configMapKey)
		Expect(again).To(Equal(first), "first-seen must not move on re-observation")
	})

	It("clears first-seen when drift disappears on its own", func() {
		h := newHarness(func(s *Spec) { s.HealGracePeriod = time.Hour })
		Expect(h.worker.syncOnce(ctx)).To(Succeed())

		mutateLive(h, "debug")
		h.worker.handleReconcile(ctx)
		_, recorded := h.store.GetDriftFirstSeen("my-app", configMapKey)
		Expect(recorded).To(BeTrue())

		mutateLive(h, "info")
		h.worker.handleReconcile(ctx)
		_, recorded = h.store.GetDriftFirstSeen("my-app", configMapKey)
		Expect(recorded).To(BeFalse())
	})

	It("honors git changes regardless of heal policy", func() {
		h := newHarness(func(s *Spec) { s.HealPolicy = nopeav1alpha1.HealPolicyNotify })
		Expect(h.worker.syncOnce(ctx)).To(Succeed())
		before := h.cluster.applyCount()

		// The tree moves but no sync has run yet: reconcile sees git_change.
		h.git.advance("def456", map[string]string{
			"manifests/configmap.yaml": `apiVersion: v1
kind: ConfigMap
metadata:
  name: api-config
data:
  LOG_LEVEL: "warn"
`,
		})
		h.worker.handleReconcile(ctx)

		Expect(h.cluster.applyCount()).To(Equal(before + 1))
		cm := h.cluster.get(configMapKey)
		v, _, _ := unstructured.NestedString(cm.Object, "data", "LOG_LEVEL")
		Expect(v).To(Equal("warn"))
	})

	It("re-creates a deleted resource", func() {
		h := newHarness(nil)
		Expect(h.worker.syncOnce(ctx)).To(Succeed())

		h.cluster.delete(configMapKey)
		h.worker.handleReconcile(ctx)

		Expect(h.cluster.get(configMapKey)).NotTo(BeNil())
	})
})

var _ = Describe("Worker run loop", func() {
	It("short-circuits every trigger while suspended", func() {
		h := newHarness(func(s *Spec) { s.Suspend = true })

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			h.worker.Run(ctx)
		}()

		Expect(h.worker.SyncNow(ctx)).To(Succeed())
		h.worker.Webhook("def456")

		Consistently(h.git.syncCount, "100ms", "20ms").Should(BeZero())
		cancel()
		Eventually(done).Should(BeClosed())
	})

	It("syncs immediately on a webhook notification", func() {
		h := newHarness(nil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go h.worker.Run(ctx)

		Eventually(h.git.syncCount).Should(Equal(1))

		h.git.advance("def456", nil)
		h.worker.Webhook("def456")

		Eventually(h.git.syncCount).Should(Equal(2))
		Eventually(h.worker.LastCommit).Should(Equal("def456"))
	})

	It("answers SyncNow after running the sync", func() {
		h := newHarness(nil)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go h.worker.Run(ctx)

		Eventually(h.git.syncCount).Should(Equal(1))
		Expect(h.worker.SyncNow(ctx)).To(Succeed())
		Expect(h.git.syncCount()).To(Equal(2))
	})

	It("syncs when polling sees the remote head move", func() {
		h := newHarness(func(s *Spec) { s.PollInterval = 30 * time.Millisecond })

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go h.worker.Run(ctx)

		Eventually(h.git.syncCount).Should(Equal(1))
		h.git.advance("def456", nil)
		Eventually(h.git.syncCount, "2s").Should(BeNumerically(">=", 2))
		Eventually(h.worker.LastCommit, "2s").Should(Equal("def456"))
	})
})
