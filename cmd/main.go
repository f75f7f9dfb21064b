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

package main

import (
	"context"
	"flag"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/client-go/dynamic"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	ctrlcache "sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	nopeav1alpha1 "github.com/yairfalse/nopea/api/v1alpha1"
	"github.com/yairfalse/nopea/internal/apply"
	"github.com/yairfalse/nopea/internal/cache"
	"github.com/yairfalse/nopea/internal/controller"
	"github.com/yairfalse/nopea/internal/events"
	"github.com/yairfalse/nopea/internal/fleet"
	"github.com/yairfalse/nopea/internal/gitcli"
	"github.com/yairfalse/nopea/internal/metrics"
	"github.com/yairfalse/nopea/internal/webhook"
	"github.com/yairfalse/nopea/internal/worker"
)

var (
	scheme   = runtime.NewScheme()
	setupLog = ctrl.Log.WithName("setup")
)

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(nopeav1alpha1.AddToScheme(scheme))
}

func getStringEnv(name, defaultValue string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return defaultValue
}

func getDurationEnv(name string, defaultValue time.Duration) time.Duration {
	if v, ok := os.LookupEnv(name); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getUintEnv(name string, defaultValue uint) uint {
	if v, ok := os.LookupEnv(name); ok {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint(n)
		}
	}
	return defaultValue
}

func main() {
	var (
		metricsAddr     = flag.String("metrics-bind-address", ":8080", "The address the metric endpoint binds to.")
		probeAddr       = flag.String("health-probe-bind-address", ":8081", "The address the probe endpoint binds to.")
		webhookAddr     = flag.String("webhook-bind-address", ":9000", "The address the git webhook endpoint binds to.")
		enableLeader    = flag.Bool("leader-elect", false, "Enable leader election for controller manager.")
		watchNamespace  = flag.String("watch-namespace", getStringEnv("WATCH_NAMESPACE", ""), "Namespace to watch for GitRepository resources. Empty watches all namespaces.")
		repoBase        = flag.String("repo-base", getStringEnv("REPO_BASE", "/var/lib/nopea/repos"), "Directory under which repository clones are kept.")
		eventSink       = flag.String("event-sink", getStringEnv("EVENT_SINK_URL", ""), "HTTP endpoint receiving CDEvents. Empty disables event emission.")
		eventRetryDelay = flag.Duration("event-retry-delay", getDurationEnv("EVENT_RETRY_DELAY", time.Second), "Base delay for event delivery backoff.")
		eventMaxRetries = flag.Uint("event-max-retries", getUintEnv("EVENT_MAX_RETRIES", 3), "Delivery attempts per event before dropping it.")
	)
	opts := zap.Options{Development: false}
	opts.BindFlags(flag.CommandLine)
	flag.Parse()

	// The webhook secret never travels through argv.
	webhookSecret := os.Getenv("WEBHOOK_SECRET")

	ctrl.SetLogger(zap.New(zap.UseFlagOptions(&opts)))

	cacheOpts := ctrlcache.Options{}
	if *watchNamespace != "" {
		cacheOpts.DefaultNamespaces = map[string]ctrlcache.Config{*watchNamespace: {}}
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: *metricsAddr},
		HealthProbeBindAddress: *probeAddr,
		LeaderElection:         *enableLeader,
		LeaderElectionID:       "gitops.nopea.io",
		Cache:                  cacheOpts,
	})
	if err != nil {
		setupLog.Error(err, "unable to start manager")
		os.Exit(1)
	}

	dyn, err := dynamic.NewForConfig(mgr.GetConfig())
	if err != nil {
		setupLog.Error(err, "unable to build dynamic client")
		os.Exit(1)
	}

	store := cache.New()
	ids := events.NewIDGenerator()
	emitter := events.NewEmitter(events.EmitterConfig{
		Endpoint:   *eventSink,
		RetryDelay: *eventRetryDelay,
		MaxRetries: *eventMaxRetries,
	}, ctrl.Log)
	if err := mgr.Add(emitter); err != nil {
		setupLog.Error(err, "unable to register event emitter")
		os.Exit(1)
	}

	ctx := ctrl.SetupSignalHandler()

	deps := worker.Deps{
		Git:     gitcli.NewClient(*repoBase, ctrl.Log),
		Applier: apply.NewApplier(dyn, mgr.GetRESTMapper()),
		Cache:   store,
		Status:  controller.NewStatusWriter(mgr.GetClient()),
		Sink:    emitter,
		IDs:     ids,
		Log:     ctrl.Log,
	}
	fl := fleet.New(ctx, deps, store, ctrl.Log)
	defer fl.StopAll()

	if err := (&controller.GitRepositoryReconciler{
		Client: mgr.GetClient(),
		Scheme: mgr.GetScheme(),
		Fleet:  fl,
	}).SetupWithManager(mgr); err != nil {
		setupLog.Error(err, "unable to create controller", "controller", "GitRepository")
		os.Exit(1)
	}

	// Readiness: leadership held and the informer cache synced, i.e. the
	// controller is running and holds a watch.
	var watchSynced atomic.Bool
	if err := mgr.Add(manager.RunnableFunc(func(ctx context.Context) error {
		if mgr.GetCache().WaitForCacheSync(ctx) {
			watchSynced.Store(true)
		}
		<-ctx.Done()
		watchSynced.Store(false)
		return nil
	})); err != nil {
		setupLog.Error(err, "unable to register readiness tracker")
		os.Exit(1)
	}
	ready := func() bool {
		select {
		case <-mgr.Elected():
		default:
			return false
		}
		return watchSynced.Load()
	}

	hooks := webhook.NewServer(*webhookAddr, webhookSecret, fl, store, ids, ready, ctrl.Log)
	if err := mgr.Add(hooks); err != nil {
		setupLog.Error(err, "unable to register webhook endpoint")
		os.Exit(1)
	}

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up health check")
		os.Exit(1)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		setupLog.Error(err, "unable to set up ready check")
		os.Exit(1)
	}

	// Leadership metrics for this pod.
	pod := getStringEnv("POD_NAME", hostname())
	metrics.LeaderStatus.WithLabelValues(pod).Set(0)
	go func() {
		<-mgr.Elected()
		metrics.LeaderStatus.WithLabelValues(pod).Set(1)
		metrics.LeaderTransitionsTotal.WithLabelValues(pod).Inc()
	}()

	setupLog.Info("starting manager")
	if err := mgr.Start(ctx); err != nil {
		setupLog.Error(err, "problem running manager")
		os.Exit(1)
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
