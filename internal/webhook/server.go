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

// Package webhook is the out-of-band ingestion path: push events from
// GitHub or GitLab steer the matching repository worker without waiting
// for its next poll.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-logr/logr"

	"github.com/yairfalse/nopea/internal/cache"
	"github.com/yairfalse/nopea/internal/events"
	"github.com/yairfalse/nopea/internal/fleet"
)

// maxBodyBytes bounds webhook payload reads.
const maxBodyBytes = 1 << 20

// Server serves POST /webhook/{repo} plus the health and readiness probes.
type Server struct {
	Addr   string
	Secret string

	fleet *fleet.Fleet
	store *cache.Cache
	ids   *events.IDGenerator
	ready func() bool
	log   logr.Logger
}

// NewServer wires the endpoint. ready reports whether the controller is
// running and holds a watch; nil means never ready.
func NewServer(addr, secret string, fl *fleet.Fleet, store *cache.Cache, ids *events.IDGenerator, ready func() bool, log logr.Logger) *Server {
	return &Server{
		Addr:   addr,
		Secret: secret,
		fleet:  fl,
		store:  store,
		ids:    ids,
		ready:  ready,
		log:    log.WithName("webhook"),
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/webhook/{repo}", s.handleWebhook)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	return r
}

// NeedLeaderElection keeps the endpoint serving on non-leaders: /health
// must answer everywhere, and /ready is how non-leaders say "not me".
func (s *Server) NeedLeaderElection() bool { return false }

// Start runs the HTTP server until ctx is canceled. It satisfies
// manager.Runnable.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleWebhook verifies and parses a push event, then notifies the
// matching worker asynchronously. The response never waits for the sync.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	repo := chi.URLParam(r, "repo")
	if !ValidRepoName(repo) {
		writeError(w, http.StatusBadRequest, ErrInvalidRepoName)
		return
	}

	provider := DetectProvider(r.Header)
	if provider == ProviderUnknown {
		writeError(w, http.StatusBadRequest, ErrUnknownProvider)
		return
	}

	// Refuse to verify anything against an empty secret.
	if s.Secret == "" {
		writeError(w, http.StatusInternalServerError, ErrWebhookNotConfigured)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrUnsupportedEvent)
		return
	}

	var push Push
	switch provider {
	case ProviderGitHub:
		if err := VerifyGitHub(s.Secret, body, r.Header.Get("X-Hub-Signature-256")); err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		push, err = ParseGitHubPush(r.Header.Get("X-Github-Event"), body)
	case ProviderGitLab:
		if err := VerifyGitLab(s.Secret, r.Header.Get("X-Gitlab-Token")); err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		push, err = ParseGitLabPush(body)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	h, ok := s.fleet.Get(repo)
	if !ok {
		// Verified and well-formed, but nothing is declared under this
		// name; acknowledge and move on.
		s.log.Info("webhook for unknown repo ignored", "repo", repo, "commit", push.Commit)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}

	h.Webhook(push.Commit)
	s.log.Info("webhook accepted", "repo", repo, "provider", string(provider), "branch", push.Branch, "commit", push.Commit)
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// handleHealth reports liveness of the cache and the ULID generator.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	checks := map[string]string{"cache": "ok", "ulid": "ok"}
	healthy := true

	if !s.store.Available() {
		checks["cache"] = "unavailable"
		healthy = false
	}
	if !s.ids.Healthy() {
		checks["ulid"] = "unavailable"
		healthy = false
	}

	status := http.StatusOK
	label := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		label = "unhealthy"
	}
	writeJSON(w, status, map[string]any{"status": label, "checks": checks})
}

// handleReady reports whether the controller is running and watching.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready == nil || !s.ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
