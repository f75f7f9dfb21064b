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

// Package cache is the in-memory store shared by all repository workers.
//
// Five namespaces are kept in separate stores so value types never mix:
// last-applied commit per repo, content hash per (repo, resource-key),
// last-applied normalized manifest per (repo, resource-key), sync state per
// repo, and the first-seen timestamp of currently pending drift per
// (repo, resource-key). Every operation is safe for concurrent use; writes
// never fail, reads report presence with a boolean.
package cache

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// SyncState is the per-repo sync summary readable by any component.
type SyncState struct {
	LastSync   time.Time
	LastCommit string
	Status     string
}

// Cache holds the five namespaces. The zero value is not usable; construct
// with New.
type Cache struct {
	commits        *gocache.Cache
	resourceHashes *gocache.Cache
	lastApplied    *gocache.Cache
	syncStates     *gocache.Cache
	driftFirstSeen *gocache.Cache
}

// New returns a ready Cache. Entries never expire; lifecycle is managed
// explicitly by workers and the fleet.
func New() *Cache {
	return &Cache{
		commits:        gocache.New(gocache.NoExpiration, 0),
		resourceHashes: gocache.New(gocache.NoExpiration, 0),
		lastApplied:    gocache.New(gocache.NoExpiration, 0),
		syncStates:     gocache.New(gocache.NoExpiration, 0),
		driftFirstSeen: gocache.New(gocache.NoExpiration, 0),
	}
}

// Available reports whether the underlying stores exist. Guards the startup
// race where the webhook endpoint comes up before the cache is constructed.
func (c *Cache) Available() bool {
	return c != nil && c.commits != nil && c.resourceHashes != nil &&
		c.lastApplied != nil && c.syncStates != nil && c.driftFirstSeen != nil
}

// scopedKey joins a repo name and a resource-key. Repo names are restricted
// to [A-Za-z0-9._-] so ":" cannot collide.
func scopedKey(repo, resourceKey string) string {
	return repo + ":" + resourceKey
}

// ── Commits ─────────────────────────────────────────────────────────────────

func (c *Cache) PutCommit(repo, sha string) {
	c.commits.Set(repo, sha, gocache.NoExpiration)
}

func (c *Cache) GetCommit(repo string) (string, bool) {
	v, ok := c.commits.Get(repo)
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (c *Cache) DeleteCommit(repo string) {
	c.commits.Delete(repo)
}

// ── Resource hashes ─────────────────────────────────────────────────────────

func (c *Cache) PutResourceHash(repo, resourceKey, hash string) {
	c.resourceHashes.Set(scopedKey(repo, resourceKey), hash, gocache.NoExpiration)
}

func (c *Cache) GetResourceHash(repo, resourceKey string) (string, bool) {
	v, ok := c.resourceHashes.Get(scopedKey(repo, resourceKey))
	if !ok {
		return "", false
	}
	return v.(string), true
}

// ListResourceHashes returns resource-key → hash for one repo.
func (c *Cache) ListResourceHashes(repo string) map[string]string {
	out := map[string]string{}
	prefix := repo + ":"
	for k, item := range c.resourceHashes.Items() {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = item.Object.(string)
		}
	}
	return out
}

func (c *Cache) ClearResourceHashes(repo string) {
	prefix := repo + ":"
	for k := range c.resourceHashes.Items() {
		if strings.HasPrefix(k, prefix) {
			c.resourceHashes.Delete(k)
		}
	}
}

// ── Last-applied manifests ──────────────────────────────────────────────────

func (c *Cache) PutLastApplied(repo, resourceKey string, m *unstructured.Unstructured) {
	c.lastApplied.Set(scopedKey(repo, resourceKey), m, gocache.NoExpiration)
}

func (c *Cache) GetLastApplied(repo, resourceKey string) (*unstructured.Unstructured, bool) {
	v, ok := c.lastApplied.Get(scopedKey(repo, resourceKey))
	if !ok {
		return nil, false
	}
	return v.(*unstructured.Unstructured), true
}

// ListLastApplied returns resource-key → manifest for one repo.
func (c *Cache) ListLastApplied(repo string) map[string]*unstructured.Unstructured {
	out := map[string]*unstructured.Unstructured{}
	prefix := repo + ":"
	for k, item := range c.lastApplied.Items() {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = item.Object.(*unstructured.Unstructured)
		}
	}
	return out
}

func (c *Cache) DeleteLastApplied(repo, resourceKey string) {
	c.lastApplied.Delete(scopedKey(repo, resourceKey))
}

func (c *Cache) ClearLastApplied(repo string) {
	prefix := repo + ":"
	for k := range c.lastApplied.Items() {
		if strings.HasPrefix(k, prefix) {
			c.lastApplied.Delete(k)
		}
	}
}

// ── Sync state ──────────────────────────────────────────────────────────────

func (c *Cache) PutSyncState(repo string, s SyncState) {
	c.syncStates.Set(repo, s, gocache.NoExpiration)
}

func (c *Cache) GetSyncState(repo string) (SyncState, bool) {
	v, ok := c.syncStates.Get(repo)
	if !ok {
		return SyncState{}, false
	}
	return v.(SyncState), true
}

// ── Drift first-seen ────────────────────────────────────────────────────────

// RecordDriftFirstSeen stores ts for (repo, resourceKey) unless a timestamp
// is already present, and returns the timestamp that is now recorded. The
// second call for the same key returns the first timestamp.
func (c *Cache) RecordDriftFirstSeen(repo, resourceKey string, ts time.Time) time.Time {
	k := scopedKey(repo, resourceKey)
	if err := c.driftFirstSeen.Add(k, ts, gocache.NoExpiration); err == nil {
		return ts
	}
	v, ok := c.driftFirstSeen.Get(k)
	if !ok {
		// Lost a race with a concurrent clear; re-record.
		c.driftFirstSeen.Set(k, ts, gocache.NoExpiration)
		return ts
	}
	return v.(time.Time)
}

func (c *Cache) GetDriftFirstSeen(repo, resourceKey string) (time.Time, bool) {
	v, ok := c.driftFirstSeen.Get(scopedKey(repo, resourceKey))
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

func (c *Cache) ClearDriftFirstSeen(repo, resourceKey string) {
	c.driftFirstSeen.Delete(scopedKey(repo, resourceKey))
}
