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

// Package simcache holds one built Simulator per (cycle, member), built
// lazily from the disk cache and wind store, and reused across requests
// until evicted or invalidated by a cycle flip.
package simcache

import (
	"container/list"
	"io"
	"runtime/debug"
	"sync"
	"time"

	habsim "github.com/ezzheng/habsim-sub000"
	"github.com/ezzheng/habsim-sub000/sim"
	"github.com/sirupsen/logrus"
)

// Key identifies one cached simulator.
type Key struct {
	Cycle  habsim.Cycle
	Member habsim.Member
}

// BuildFunc constructs the Simulator bound to one (cycle, member), along
// with an io.Closer that releases whatever resident tensor memory or
// memory-mapped file descriptors the build acquired (typically a
// *wind.File). Called under a per-key lock, so at most one build per key
// runs at a time. ensemble reports whether the cache was in ensemble mode
// at the moment Acquire decided to build, so the builder can choose the
// matching wind-file access mode (resident for ensemble runs, memory-mapped
// otherwise) once at construction.
type BuildFunc func(key Key, ensemble bool) (*sim.Simulator, io.Closer, error)

type entry struct {
	key     Key
	sim     *sim.Simulator
	closer  io.Closer
	refs    int
	foreign bool
	evicted bool
	elem    *list.Element
}

// Token is returned by Acquire and must be passed to Release exactly once.
type Token struct {
	c   *Cache
	key Key
}

// Cache is an LRU over built simulators, with in-use pinning, per-key build
// locks, a temporary ensemble-mode capacity bump, and foreign-cycle
// invalidation.
type Cache struct {
	log logrus.FieldLogger

	normCap int
	ensCap  int

	mu           sync.Mutex
	cap          int
	ensembleMode bool
	entries      map[Key]*entry
	lru     *list.List // front = most recently used
	drain   []*entry   // evicted, refs > 0, awaiting Release to tear down

	buildMu    sync.Mutex
	buildLocks map[Key]*sync.Mutex

	modeMu    sync.Mutex
	modeTimer *time.Timer
}

// New creates a Cache with normCap slots in normal mode and ensCap slots
// while in ensemble mode (set via SetMode).
func New(normCap, ensCap int, log logrus.FieldLogger) *Cache {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cache{
		log:        log,
		normCap:    normCap,
		ensCap:     ensCap,
		cap:        normCap,
		entries:    make(map[Key]*entry),
		lru:        list.New(),
		buildLocks: make(map[Key]*sync.Mutex),
	}
}

func (c *Cache) lockFor(key Key) *sync.Mutex {
	c.buildMu.Lock()
	defer c.buildMu.Unlock()
	l, ok := c.buildLocks[key]
	if !ok {
		l = &sync.Mutex{}
		c.buildLocks[key] = l
	}
	return l
}

// Acquire returns the simulator for key, building it via build on a miss.
// Concurrent Acquire calls for the same key serialize on a per-key lock so
// only one build ever runs. The returned Token must be passed to Release.
func (c *Cache) Acquire(key Key, build BuildFunc) (*sim.Simulator, Token, error) {
	if e, ok := c.tryHit(key); ok {
		return e.sim, Token{c: c, key: key}, nil
	}

	l := c.lockFor(key)
	l.Lock()
	defer l.Unlock()

	if e, ok := c.tryHit(key); ok {
		return e.sim, Token{c: c, key: key}, nil
	}

	c.evictIfNeeded()

	c.mu.Lock()
	ensemble := c.ensembleMode
	c.mu.Unlock()

	s, closer, err := build(key, ensemble)
	if err != nil {
		return nil, Token{}, err
	}

	c.mu.Lock()
	e := &entry{key: key, sim: s, closer: closer, refs: 1}
	e.elem = c.lru.PushFront(key)
	c.entries[key] = e
	c.mu.Unlock()

	return s, Token{c: c, key: key}, nil
}

func (c *Cache) tryHit(key Key) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.foreign {
		return nil, false
	}
	e.refs++
	c.lru.MoveToFront(e.elem)
	return e, true
}

// Release decrements the in-use count for the entry token refers to,
// tearing it down immediately if it was evicted or invalidated while in
// use and has now drained to zero.
func (t Token) Release() {
	if t.c == nil {
		return
	}
	t.c.release(t.key)
}

func (c *Cache) release(key Key) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		// Already evicted; find it in the drain list.
		for _, d := range c.drain {
			if d.key == key {
				e = d
				break
			}
		}
	}
	if e == nil {
		c.mu.Unlock()
		return
	}
	e.refs--
	shouldTeardown := e.refs <= 0 && e.evicted
	if shouldTeardown {
		c.removeFromDrain(e)
	}
	c.mu.Unlock()

	if shouldTeardown {
		teardown(e, c.log)
	}
}

func (c *Cache) removeFromDrain(e *entry) {
	for i, d := range c.drain {
		if d == e {
			c.drain = append(c.drain[:i], c.drain[i+1:]...)
			return
		}
	}
}

// InvalidateForeign marks every cached entry whose cycle is not activeCycle
// as foreign: it is immediately removed from the acquirable set, and torn
// down as soon as its in-use count reaches zero (now, if already zero).
func (c *Cache) InvalidateForeign(activeCycle habsim.Cycle) {
	c.mu.Lock()
	var toTeardown []*entry
	for key, e := range c.entries {
		if key.Cycle == activeCycle {
			continue
		}
		e.foreign = true
		e.evicted = true
		delete(c.entries, key)
		c.lru.Remove(e.elem)
		if e.refs <= 0 {
			toTeardown = append(toTeardown, e)
		} else {
			c.drain = append(c.drain, e)
		}
	}
	c.mu.Unlock()

	for _, e := range toTeardown {
		teardown(e, c.log)
	}
}

// SetMode raises capacity to the ensemble tier for ttl, resetting the timer
// (and thus extending the window) if called again before it expires. After
// ttl with no further calls, capacity trims back to normal and an eviction
// pass runs.
func (c *Cache) SetMode(ensemble bool, ttl time.Duration) {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()

	if !ensemble {
		c.mu.Lock()
		c.cap = c.normCap
		c.ensembleMode = false
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.cap = c.ensCap
	c.ensembleMode = true
	c.mu.Unlock()

	if c.modeTimer != nil {
		c.modeTimer.Stop()
	}
	c.modeTimer = time.AfterFunc(ttl, func() {
		c.mu.Lock()
		c.cap = c.normCap
		c.ensembleMode = false
		c.mu.Unlock()
		c.evictIfNeeded()
	})
}

// Mode reports whether the cache is currently in ensemble mode.
func (c *Cache) Mode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensembleMode
}

// Trim runs an eviction pass against the current capacity. Acquire and
// SetMode already trigger this as needed; Trim exists for a background
// reaper to call periodically so a cache that shrank back to K_norm with no
// further Acquire calls still sheds its excess entries promptly.
func (c *Cache) Trim() {
	c.evictIfNeeded()
}

// evictIfNeeded evicts least-recently-used entries, skipping any currently
// in use, until the cache holds fewer entries than its capacity (leaving
// room for one more build) or only in-use entries remain.
func (c *Cache) evictIfNeeded() {
	for {
		c.mu.Lock()
		if c.cap <= 0 || len(c.entries) < c.cap {
			c.mu.Unlock()
			return
		}
		var victim *entry
		for el := c.lru.Back(); el != nil; el = el.Prev() {
			key := el.Value.(Key)
			e := c.entries[key]
			if e == nil || e.refs > 0 {
				continue
			}
			victim = e
			break
		}
		if victim == nil {
			c.mu.Unlock()
			return
		}
		delete(c.entries, victim.key)
		c.lru.Remove(victim.elem)
		c.mu.Unlock()

		teardown(victim, c.log)
	}
}

// teardown explicitly releases the simulator's resident resources before
// dropping the reference, then hints the allocator to reclaim the freed
// pages, per the spec's "explicit teardown + reclamation hint" requirement.
func teardown(e *entry, log logrus.FieldLogger) {
	if e.closer != nil {
		if err := e.closer.Close(); err != nil {
			log.WithField("cycle", e.key.Cycle).Warnf("simcache: teardown of member %d: %v", e.key.Member, err)
		}
	}
	e.sim = nil
	debug.FreeOSMemory()
}

// Len reports the number of resident (non-draining) entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
