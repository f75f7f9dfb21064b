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

package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Provider is the detected webhook origin.
type Provider string

const (
	ProviderGitHub  Provider = "github"
	ProviderGitLab  Provider = "gitlab"
	ProviderUnknown Provider = "unknown"
)

// Webhook error taxonomy. The string form is the "error" field of the JSON
// response body.
var (
	ErrInvalidSignature     = errors.New("invalid_signature")
	ErrMissingSignature     = errors.New("missing_signature")
	ErrUnknownProvider      = errors.New("unknown_provider")
	ErrInvalidRepoName      = errors.New("invalid_repo_name")
	ErrInvalidCommitSHA     = errors.New("invalid_commit_sha")
	ErrUnsupportedEvent     = errors.New("unsupported_event")
	ErrWebhookNotConfigured = errors.New("webhook_not_configured")
)

var (
	repoNamePattern  = regexp.MustCompile(`^[A-Za-z0-9._-]{1,253}$`)
	commitSHAPattern = regexp.MustCompile(`^([0-9a-f]{40}|[0-9a-f]{64})$`)
)

// ValidRepoName reports whether a path segment is an acceptable repo name.
func ValidRepoName(name string) bool {
	return repoNamePattern.MatchString(name)
}

// ValidCommitSHA accepts full sha1 or sha256 object names, lowercase hex.
func ValidCommitSHA(sha string) bool {
	return commitSHAPattern.MatchString(sha)
}

// DetectProvider classifies a request by its event headers.
func DetectProvider(h http.Header) Provider {
	if h.Get("X-Github-Event") != "" {
		return ProviderGitHub
	}
	if h.Get("X-Gitlab-Event") != "" {
		return ProviderGitLab
	}
	return ProviderUnknown
}

// VerifyGitHub checks X-Hub-Signature-256 against HMAC-SHA256(secret, body)
// in constant time.
func VerifyGitHub(secret string, body []byte, signatureHeader string) error {
	if signatureHeader == "" {
		return ErrMissingSignature
	}
	provided, ok := strings.CutPrefix(signatureHeader, "sha256=")
	if !ok {
		return ErrInvalidSignature
	}
	providedRaw, err := hex.DecodeString(provided)
	if err != nil {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(providedRaw, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyGitLab compares X-Gitlab-Token against the configured secret in
// constant time.
func VerifyGitLab(secret, token string) error {
	if token == "" {
		return ErrMissingSignature
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// Push is a provider-neutral parsed push event.
type Push struct {
	Repository string
	Branch     string
	Commit     string
}

type githubPushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

type gitlabPushPayload struct {
	ObjectKind string `json:"object_kind"`
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Project    struct {
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
}

// ParseGitHubPush extracts the push details from a GitHub payload. The
// caller passes the X-Github-Event header; any event other than "push" fails
// with ErrUnsupportedEvent.
func ParseGitHubPush(eventHeader string, body []byte) (Push, error) {
	if eventHeader != "push" {
		return Push{}, ErrUnsupportedEvent
	}
	var p githubPushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Push{}, fmt.Errorf("%w: %v", ErrUnsupportedEvent, err)
	}
	if p.Ref == "" || p.After == "" {
		return Push{}, ErrUnsupportedEvent
	}
	if !ValidCommitSHA(p.After) {
		return Push{}, ErrInvalidCommitSHA
	}
	return Push{
		Repository: p.Repository.FullName,
		Branch:     strings.TrimPrefix(p.Ref, "refs/heads/"),
		Commit:     p.After,
	}, nil
}

// ParseGitLabPush extracts the push details from a GitLab payload.
func ParseGitLabPush(body []byte) (Push, error) {
	var p gitlabPushPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return Push{}, fmt.Errorf("%w: %v", ErrUnsupportedEvent, err)
	}
	if p.ObjectKind != "push" {
		return Push{}, ErrUnsupportedEvent
	}
	if p.Ref == "" || p.After == "" {
		return Push{}, ErrUnsupportedEvent
	}
	if !ValidCommitSHA(p.After) {
		return Push{}, ErrInvalidCommitSHA
	}
	return Push{
		Repository: p.Project.PathWithNamespace,
		Branch:     strings.TrimPrefix(p.Ref, "refs/heads/"),
		Commit:     p.After,
	}, nil
}
