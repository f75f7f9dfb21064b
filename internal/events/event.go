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

// Package events models the CDEvents this controller emits, wrapped in a
// CloudEvents envelope, and delivers them asynchronously to an HTTP sink.
package events

import (
	crand "crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// CDEvent types emitted over a worker's lifecycle. The environment.* pair is
// declared for sink compatibility but not yet emitted.
const (
	TypeServiceDeployed     = "dev.cdevents.service.deployed.0.3.0"
	TypeServiceUpgraded     = "dev.cdevents.service.upgraded.0.3.0"
	TypeServiceRemoved      = "dev.cdevents.service.removed.0.3.0"
	TypeEnvironmentCreated  = "dev.cdevents.environment.created.0.3.0"
	TypeEnvironmentModified = "dev.cdevents.environment.modified.0.3.0"
)

// ContentType is the media type POSTed to the sink.
const ContentType = "application/cloudevents+json"

// Envelope is a CloudEvents 1.0 envelope carrying a CDEvents subject.
type Envelope struct {
	SpecVersion     string    `json:"specversion"`
	ID              string    `json:"id"`
	Source          string    `json:"source"`
	Type            string    `json:"type"`
	Time            time.Time `json:"time"`
	DataContentType string    `json:"datacontenttype"`
	Data            Data      `json:"data"`
}

// Data is the CDEvents payload.
type Data struct {
	Subject Subject `json:"subject"`
}

// Subject identifies what the event is about. Content carries the
// environment, the artifact, and any event-specific fields.
type Subject struct {
	ID      string                 `json:"id"`
	Content map[string]interface{} `json:"content"`
}

// Environment locates where the subject was deployed.
type Environment struct {
	ID     string `json:"id"`
	Source string `json:"source,omitempty"`
}

// ErrorDetail is the wire shape of a failure: a taxonomy entry plus a
// human-readable message, never a language-native error value.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// IDGenerator mints monotonic ULIDs. Within one process, ids sort in
// generation order even when minted in the same millisecond.
type IDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewIDGenerator returns a generator seeded from crypto/rand.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{entropy: ulid.Monotonic(crand.Reader, 0)}
}

// NewID returns a fresh 26-character Crockford-Base32 ULID.
func (g *IDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), g.entropy)
	if err != nil {
		return "", fmt.Errorf("generating ulid: %w", err)
	}
	return id.String(), nil
}

// Healthy reports whether id generation works. Exposed through /health.
func (g *IDGenerator) Healthy() bool {
	if g == nil {
		return false
	}
	_, err := g.NewID()
	return err == nil
}

// Factory builds envelopes for one repository worker.
type Factory struct {
	ids  *IDGenerator
	repo string
}

// NewFactory returns a Factory stamping events for the named repo.
func NewFactory(ids *IDGenerator, repo string) *Factory {
	return &Factory{ids: ids, repo: repo}
}

func (f *Factory) envelope(eventType string, content map[string]interface{}) Envelope {
	id, err := f.ids.NewID()
	if err != nil {
		// Entropy exhaustion is not survivable; a zero id is still a
		// well-formed envelope and the sink can flag it.
		id = "00000000000000000000000000"
	}
	return Envelope{
		SpecVersion:     "1.0",
		ID:              id,
		Source:          "/nopea/worker/" + f.repo,
		Type:            eventType,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data: Data{Subject: Subject{
			ID:      f.repo,
			Content: content,
		}},
	}
}

func (f *Factory) baseContent(namespace, commit string) map[string]interface{} {
	env := namespace
	if env == "" {
		env = "default"
	}
	return map[string]interface{}{
		"environment": Environment{ID: env},
		"artifactId":  fmt.Sprintf("pkg:git/%s@%s", f.repo, commit),
	}
}

// ServiceDeployed reports the first successful sync of a repository.
func (f *Factory) ServiceDeployed(namespace, commit string, manifests int, duration time.Duration) Envelope {
	content := f.baseContent(namespace, commit)
	content["manifestCount"] = manifests
	content["durationMs"] = duration.Milliseconds()
	return f.envelope(TypeServiceDeployed, content)
}

// ServiceUpgraded reports a subsequent successful sync.
func (f *Factory) ServiceUpgraded(namespace, commit, previousCommit string, manifests int, duration time.Duration) Envelope {
	content := f.baseContent(namespace, commit)
	content["manifestCount"] = manifests
	content["durationMs"] = duration.Milliseconds()
	content["previousCommit"] = previousCommit
	return f.envelope(TypeServiceUpgraded, content)
}

// SyncFailed reports a failed sync with a normalized error detail.
func (f *Factory) SyncFailed(namespace, commit string, detail ErrorDetail) Envelope {
	content := f.baseContent(namespace, commit)
	content["outcome"] = "failure"
	content["error"] = detail
	return f.envelope(TypeServiceRemoved, content)
}
