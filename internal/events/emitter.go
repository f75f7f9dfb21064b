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

package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-logr/logr"

	"github.com/yairfalse/nopea/internal/metrics"
)

// Doer is the HTTP client seam; *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// EmitterConfig tunes delivery. Zero values pick the defaults noted per
// field. An empty Endpoint disables the emitter entirely.
type EmitterConfig struct {
	Endpoint   string
	RetryDelay time.Duration // backoff base, default 1s
	MaxRetries uint          // total delivery attempts per event, default 3
	QueueSize  int           // default 256
	Client     Doer          // default http.Client with 10s timeout
}

// Emitter is a single-consumer FIFO delivery queue. Emit never blocks and
// never fails; events that cannot be queued or delivered are counted and
// dropped.
type Emitter struct {
	cfg     EmitterConfig
	queue   chan Envelope
	sent    atomic.Uint64
	dropped atomic.Uint64
	log     logr.Logger
}

// NewEmitter returns an Emitter; call Start to begin draining the queue.
func NewEmitter(cfg EmitterConfig, log logr.Logger) *Emitter {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 256
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Emitter{
		cfg:   cfg,
		queue: make(chan Envelope, cfg.QueueSize),
		log:   log.WithName("emitter"),
	}
}

// Enabled reports whether a sink endpoint is configured.
func (e *Emitter) Enabled() bool { return e.cfg.Endpoint != "" }

// Emit enqueues an event. Without a configured endpoint it silently drops;
// on queue overflow it drops and counts.
func (e *Emitter) Emit(ev Envelope) {
	if !e.Enabled() {
		return
	}
	select {
	case e.queue <- ev:
	default:
		e.dropped.Add(1)
		metrics.EventsDroppedTotal.Inc()
		e.log.Info("event queue full, dropping event", "type", ev.Type, "id", ev.ID)
	}
}

// Sent returns the number of events delivered to the sink.
func (e *Emitter) Sent() uint64 { return e.sent.Load() }

// Dropped returns the number of events dropped after overflow or retry
// exhaustion.
func (e *Emitter) Dropped() uint64 { return e.dropped.Load() }

// NeedLeaderElection lets the emitter run on non-leaders too; it only
// drains what local workers produced.
func (e *Emitter) NeedLeaderElection() bool { return false }

// Start drains the queue until ctx is canceled. It satisfies
// manager.Runnable so the operator wires it into the manager lifecycle.
func (e *Emitter) Start(ctx context.Context) error {
	if !e.Enabled() {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-e.queue:
			if err := e.deliver(ctx, ev); err != nil {
				e.dropped.Add(1)
				metrics.EventsDroppedTotal.Inc()
				e.log.Error(err, "dropping event after retries", "type", ev.Type, "id", ev.ID)
				continue
			}
			e.sent.Add(1)
			metrics.EventsEmittedTotal.Inc()
		}
	}
}

// deliver POSTs one envelope, retrying with exponential backoff
// (delay × 2^(n-1) before the n-th retry) up to MaxRetries total attempts.
func (e *Emitter) deliver(ctx context.Context, ev Envelope) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event %s: %w", ev.ID, err)
	}

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", ContentType)

			resp, err := e.cfg.Client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				return fmt.Errorf("sink returned %d", resp.StatusCode)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(e.cfg.MaxRetries),
		retry.Delay(e.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}
