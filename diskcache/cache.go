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

// Package diskcache is a directory-backed LRU of downloaded artifacts
// (wind archives, the elevation grid). It deduplicates concurrent
// downloads of the same artifact, writes atomically, and never evicts a
// pinned, downloading, or currently-held artifact.
package diskcache

import (
	"container/list"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// FetchFunc downloads the named artifact to destPath. It is supplied by the
// caller (typically store.Client.GetBlob) so this package stays independent
// of the remote store.
type FetchFunc func(name, destPath string) error

type entry struct {
	name       string
	path       string
	cycle      string
	pinned     bool
	refs       int
	downloading bool
	lastAccess time.Time
	elem       *list.Element // position in lru, nil while downloading
}

// Cache is a directory of downloaded artifacts bounded to maxFiles,
// evicted least-recently-used first.
type Cache struct {
	dir      string
	maxFiles int
	log      logrus.FieldLogger

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used

	fetchMu sync.Mutex
	fetchWG map[string]*sync.WaitGroup
}

// New creates a Cache rooted at dir, holding at most maxFiles artifacts
// (not counting the pinned elevation artifact, which is exempt from the
// count).
func New(dir string, maxFiles int, log logrus.FieldLogger) *Cache {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Cache{
		dir:      dir,
		maxFiles: maxFiles,
		log:      log,
		entries:  make(map[string]*entry),
		lru:      list.New(),
		fetchWG:  make(map[string]*sync.WaitGroup),
	}
}

// Pin marks name as never eligible for eviction, used for the elevation
// grid, which every simulation needs regardless of cycle.
func (c *Cache) Pin(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok {
		e.pinned = true
		if e.elem != nil {
			c.lru.Remove(e.elem)
			e.elem = nil
		}
	}
}

// Ensure returns the local path to name, downloading it via fetch if it is
// not already present. Concurrent Ensure calls for the same name share a
// single download: the losers of the race block on the winner rather than
// each fetching independently. cycle tags the artifact for
// EvictExceptActive's bookkeeping; artifacts with no natural cycle (the
// elevation grid) should pass an empty string and be Pinned by the caller.
func (c *Cache) Ensure(name, cycle string, fetch FetchFunc) (string, error) {
	c.mu.Lock()
	if e, ok := c.entries[name]; ok && !e.downloading {
		e.lastAccess = time.Now()
		if e.elem != nil {
			c.lru.MoveToFront(e.elem)
		}
		path := e.path
		c.mu.Unlock()
		return path, nil
	}
	c.mu.Unlock()

	// Dedup concurrent fetches of the same artifact.
	c.fetchMu.Lock()
	if wg, ok := c.fetchWG[name]; ok {
		c.fetchMu.Unlock()
		wg.Wait()
		return c.pathOrRetry(name, cycle, fetch)
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.fetchWG[name] = wg
	c.fetchMu.Unlock()

	defer func() {
		c.fetchMu.Lock()
		delete(c.fetchWG, name)
		c.fetchMu.Unlock()
		wg.Done()
	}()

	c.mu.Lock()
	c.entries[name] = &entry{name: name, cycle: cycle, downloading: true}
	c.mu.Unlock()

	c.evictIfNeeded()

	path := filepath.Join(c.dir, sanitize(name))
	if err := fetch(name, path); err != nil {
		c.mu.Lock()
		delete(c.entries, name)
		c.mu.Unlock()
		return "", err
	}

	c.mu.Lock()
	e := c.entries[name]
	e.path = path
	e.downloading = false
	e.lastAccess = time.Now()
	e.elem = c.lru.PushFront(name)
	c.mu.Unlock()
	return path, nil
}

func (c *Cache) pathOrRetry(name, cycle string, fetch FetchFunc) (string, error) {
	c.mu.Lock()
	e, ok := c.entries[name]
	c.mu.Unlock()
	if ok && !e.downloading {
		return e.path, nil
	}
	return c.Ensure(name, cycle, fetch)
}

// Acquire records that name is in active use, exempting it from eviction
// until a matching Release. Acquire/Release calls nest.
func (c *Cache) Acquire(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok {
		e.refs++
	}
}

// Release undoes one Acquire.
func (c *Cache) Release(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[name]; ok && e.refs > 0 {
		e.refs--
	}
}

// EvictExceptActive deletes every non-pinned, unheld, not-downloading
// artifact whose cycle differs from activeCycle. Artifacts still held by a
// live simulator are left in place and will be swept on a later call once
// released.
func (c *Cache) EvictExceptActive(activeCycle string) {
	c.mu.Lock()
	var stale []*entry
	for _, e := range c.entries {
		if e.pinned || e.downloading || e.refs > 0 {
			continue
		}
		if e.cycle != "" && e.cycle != activeCycle {
			stale = append(stale, e)
		}
	}
	c.mu.Unlock()

	for _, e := range stale {
		c.remove(e.name)
	}
}

// evictIfNeeded runs an LRU eviction pass, skipping pinned/held/downloading
// artifacts, until the cache is under maxFiles or nothing more can be
// evicted. Called before a new download so the new file doesn't briefly
// push the cache over budget.
func (c *Cache) evictIfNeeded() {
	for {
		c.mu.Lock()
		if c.maxFiles <= 0 || c.lru.Len() < c.maxFiles {
			c.mu.Unlock()
			return
		}
		var victim *entry
		for el := c.lru.Back(); el != nil; el = el.Prev() {
			name := el.Value.(string)
			e := c.entries[name]
			if e == nil || e.pinned || e.downloading || e.refs > 0 {
				continue
			}
			victim = e
			break
		}
		c.mu.Unlock()
		if victim == nil {
			return
		}
		c.remove(victim.name)
	}
}

func (c *Cache) remove(name string) {
	c.mu.Lock()
	e, ok := c.entries[name]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.entries, name)
	if e.elem != nil {
		c.lru.Remove(e.elem)
	}
	path := e.path
	c.mu.Unlock()

	if path != "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.log.WithField("artifact", name).Warnf("diskcache: evicting %s: %v", path, err)
		}
	}
}

// Len reports the number of resident, non-pinned entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func sanitize(name string) string {
	b := []byte(name)
	for i, r := range b {
		if r == '/' || r == '\\' {
			b[i] = '_'
		}
	}
	return string(b)
}
