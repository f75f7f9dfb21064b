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

// Package gitcli wraps the git binary as an external collaborator. Each
// repository worker owns one clone directory under the configured base; the
// directory name is a sanitized function of the repo name so two workers can
// never contend for the same path.
package gitcli

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/yairfalse/nopea/internal/metrics"
)

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// SanitizeRepoName maps a repo name onto the [A-Za-z0-9_-]+ alphabet used
// for clone directory names.
func SanitizeRepoName(name string) string {
	return unsafePathChars.ReplaceAllString(name, "_")
}

// Client shells out to git. Safe for use by multiple workers as long as each
// worker sticks to its own clone directory.
type Client struct {
	// BaseDir is the parent of all clone directories.
	BaseDir string

	log logr.Logger
}

// NewClient returns a Client rooted at baseDir.
func NewClient(baseDir string, log logr.Logger) *Client {
	return &Client{BaseDir: baseDir, log: log.WithName("git")}
}

// RepoPath returns the clone directory for a repo name.
func (c *Client) RepoPath(name string) string {
	return filepath.Join(c.BaseDir, SanitizeRepoName(name))
}

// run executes git with the given arguments and returns trimmed stdout.
func (c *Client) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %v: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Sync makes the clone directory match the remote branch head and returns
// the resulting commit sha. The first call clones; later calls fetch and
// hard-reset, which also discards any local mutation of the tree.
func (c *Client) Sync(ctx context.Context, url, branch, dir string) (string, error) {
	repo := filepath.Base(dir)

	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
			return "", fmt.Errorf("creating clone base: %w", err)
		}
		start := time.Now()
		if _, err := c.run(ctx, "", "clone", "--branch", branch, "--single-branch", url, dir); err != nil {
			return "", err
		}
		metrics.GitCloneDuration.WithLabelValues(repo).Observe(time.Since(start).Seconds())
		c.log.Info("cloned repository", "url", url, "branch", branch, "dir", dir)
	} else {
		start := time.Now()
		if _, err := c.run(ctx, dir, "fetch", "origin", branch); err != nil {
			return "", err
		}
		if _, err := c.run(ctx, dir, "reset", "--hard", "FETCH_HEAD"); err != nil {
			return "", err
		}
		metrics.GitFetchDuration.WithLabelValues(repo).Observe(time.Since(start).Seconds())
	}

	return c.Head(ctx, dir)
}

// Head returns the sha the clone directory currently points at.
func (c *Client) Head(ctx context.Context, dir string) (string, error) {
	return c.run(ctx, dir, "rev-parse", "HEAD")
}

// RemoteHead asks the remote for the head of a branch without touching the
// clone. Used by the poll trigger to decide whether a sync is needed.
func (c *Client) RemoteHead(ctx context.Context, url, branch string) (string, error) {
	out, err := c.run(ctx, "", "ls-remote", url, "refs/heads/"+branch)
	if err != nil {
		return "", err
	}
	sha, err := parseLsRemote(out, branch)
	if err != nil {
		return "", err
	}
	return sha, nil
}

// parseLsRemote extracts the sha from `git ls-remote` output.
func parseLsRemote(out, branch string) (string, error) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[1] == "refs/heads/"+branch {
			return fields[0], nil
		}
	}
	return "", fmt.Errorf("branch %q not found on remote", branch)
}

// Files lists the YAML files tracked under subpath, relative to the clone
// root. An empty subpath lists the whole tree.
func (c *Client) Files(ctx context.Context, dir, subpath string) ([]string, error) {
	args := []string{"ls-files"}
	if subpath != "" {
		args = append(args, "--", subpath)
	}
	out, err := c.run(ctx, dir, args...)
	if err != nil {
		return nil, err
	}
	return filterYAML(strings.Split(out, "\n")), nil
}

// filterYAML keeps .yaml/.yml entries, dropping blanks.
func filterYAML(paths []string) []string {
	var out []string
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.HasSuffix(p, ".yaml") || strings.HasSuffix(p, ".yml") {
			out = append(out, p)
		}
	}
	return out
}

// ReadBlob returns a file's content base64-encoded. The collaborator
// boundary transports blobs as base64 so binary content survives; callers
// decode before parsing.
func (c *Client) ReadBlob(dir, path string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, path))
	if err != nil {
		return "", fmt.Errorf("reading blob %s: %w", path, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
