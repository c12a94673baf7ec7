/*
Copyright © 2024 the HABSIM authors.
This file is part of HABSIM.

HABSIM is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

HABSIM is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with HABSIM.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package predcache caches finished trajectories keyed by a fingerprint of
// every input that can affect the path, so that repeated requests for the
// same launch don't re-run the simulator.
package predcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	habsim "github.com/ezzheng/habsim-sub000"
	"github.com/golang/groupcache/lru"
)

const (
	// Capacity is the spec's fixed 200-entry bound.
	Capacity = 200
	// TTL is the spec's fixed one-hour freshness window.
	TTL = time.Hour
)

type cached struct {
	trajectory habsim.Trajectory
	expiresAt  time.Time
}

// Cache is an LRU of finished trajectories with a TTL on top, cleared
// wholesale on every cycle flip since every cached path was computed
// against the prior cycle's wind field.
type Cache struct {
	mu  sync.Mutex
	lru *lru.Cache
	ttl time.Duration
}

// New creates a Cache with the given capacity and TTL. Zero values fall
// back to the spec's defaults (200 entries, 1 hour).
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = Capacity
	}
	if ttl <= 0 {
		ttl = TTL
	}
	return &Cache{lru: lru.New(capacity), ttl: ttl}
}

// Fingerprint computes a deterministic 16-character digest of every input
// that can affect a trajectory's path, so independent processes agree on
// the same cache key for the same launch.
func Fingerprint(p habsim.LaunchParams) string {
	s := fmt.Sprintf("%.6f|%.6f|%.6f|%.1f|%.1f|%.4f|%.4f|%.4f|%.4f|%d",
		p.LaunchEpoch, p.Lat, p.Lon, p.LaunchAlt, p.BurstAlt, p.FloatTime,
		p.AscentRate, p.DescentRate, p.DescentCoeff, p.Member)
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

// Get returns the cached trajectory for fingerprint, if present and not
// expired.
func (c *Cache) Get(fingerprint string) (habsim.Trajectory, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(fingerprint)
	if !ok {
		return habsim.Trajectory{}, false
	}
	ce := v.(cached)
	if time.Now().After(ce.expiresAt) {
		c.lru.Remove(fingerprint)
		return habsim.Trajectory{}, false
	}
	return ce.trajectory, true
}

// Put stores t under fingerprint, starting a fresh TTL window.
func (c *Cache) Put(fingerprint string, t habsim.Trajectory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(fingerprint, cached{trajectory: t, expiresAt: time.Now().Add(c.ttl)})
}

// Clear empties the cache. Called on every cycle flip, since a cached path
// computed against the prior cycle's wind field is no longer valid.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru = lru.New(c.lru.MaxEntries)
}

// Len reports the number of resident (possibly expired) entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
