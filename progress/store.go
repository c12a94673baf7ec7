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

// Package progress tracks ensemble and Monte-Carlo completion counts per
// request, so an external progress stream can report how far a running
// request has gotten. Each worker keeps an in-process map for its own
// requests and mirrors every update to a per-request file under a shared
// directory, so a peer worker process can serve progress reads for
// requests it didn't itself start.
package progress

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	habsim "github.com/ezzheng/habsim-sub000"
)

// Status is the lifecycle state of a tracked request.
type Status string

const (
	Running   Status = "running"
	Completed Status = "completed"
	Cancelled Status = "cancelled"
	Failed    Status = "failed"
)

// Snapshot is the observable state of one request's progress.
type Snapshot struct {
	Total          int       `json:"total"`
	Done           int       `json:"done"`
	DoneEnsemble   int       `json:"done_ensemble"`
	DoneMonteCarlo int       `json:"done_monte_carlo"`
	Status         Status    `json:"status"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Percentage returns the snapshot's completion percentage, 0-100.
func (s Snapshot) Percentage() int {
	if s.Total <= 0 {
		return 0
	}
	pct := s.Done * 100 / s.Total
	if pct > 100 {
		pct = 100
	}
	return pct
}

// RequestID computes the deterministic 16-character digest of an ensemble
// request's parameters, usable by both the orchestrator and an external
// SSE client that only knows the same inputs.
func RequestID(p habsim.LaunchParams, members []habsim.Member, perturbations int) string {
	s := fmt.Sprintf("%.6f|%.6f|%.6f|%.1f|%.1f|%.4f|%.4f|%.4f|%.4f|%v|%d",
		p.LaunchEpoch, p.Lat, p.Lon, p.LaunchAlt, p.BurstAlt, p.FloatTime,
		p.AscentRate, p.DescentRate, p.DescentCoeff, members, perturbations)
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}

type trackedEntry struct {
	mu           sync.Mutex
	snap         Snapshot
	sinceFlush   int
	lastFlush    time.Time
	finishedAt   time.Time
}

// Store is the in-process progress table plus its file-mirroring sink.
type Store struct {
	dir    string
	linger time.Duration

	flushEvery    int
	flushInterval time.Duration

	mu      sync.Mutex
	entries map[string]*trackedEntry
}

// New creates a Store that mirrors updates to files under dir. Entries
// linger for lingerFor past completion before Reap removes them.
func New(dir string, lingerFor time.Duration) *Store {
	return &Store{
		dir:           dir,
		linger:        lingerFor,
		flushEvery:    10,
		flushInterval: 250 * time.Millisecond,
		entries:       make(map[string]*trackedEntry),
	}
}

// Start registers a new request with the given total unit count and
// returns a Tracker the orchestrator uses to report completions.
func (s *Store) Start(requestID string, total int) *Tracker {
	e := &trackedEntry{snap: Snapshot{Total: total, Status: Running, UpdatedAt: time.Now()}, lastFlush: time.Now()}
	s.mu.Lock()
	s.entries[requestID] = e
	s.mu.Unlock()
	s.flush(requestID, e, true)
	return &Tracker{store: s, requestID: requestID, entry: e}
}

// Get returns the current snapshot for requestID, checking the in-process
// map first and falling back to the mirrored file for requests owned by a
// peer worker.
func (s *Store) Get(requestID string) (Snapshot, bool) {
	s.mu.Lock()
	e, ok := s.entries[requestID]
	s.mu.Unlock()
	if ok {
		e.mu.Lock()
		snap := e.snap
		e.mu.Unlock()
		return snap, true
	}
	return s.readFile(requestID)
}

func (s *Store) readFile(requestID string) (Snapshot, bool) {
	data, err := os.ReadFile(s.pathFor(requestID))
	if err != nil {
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

func (s *Store) pathFor(requestID string) string {
	return filepath.Join(s.dir, requestID+".json")
}

func (s *Store) flush(requestID string, e *trackedEntry, force bool) {
	e.mu.Lock()
	since := time.Since(e.lastFlush)
	shouldFlush := force || e.sinceFlush >= s.flushEvery || since >= s.flushInterval
	if !shouldFlush {
		e.mu.Unlock()
		return
	}
	snap := e.snap
	e.sinceFlush = 0
	e.lastFlush = time.Now()
	e.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	tmp, err := os.CreateTemp(s.dir, ".progress-*")
	if err != nil {
		return
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return
	}
	if err := tmp.Close(); err != nil {
		return
	}
	os.Rename(tmp.Name(), s.pathFor(requestID))
}

// Reap removes entries that finished more than Store's linger duration
// ago, deleting their mirrored files too.
func (s *Store) Reap() {
	now := time.Now()
	s.mu.Lock()
	var stale []string
	for id, e := range s.entries {
		e.mu.Lock()
		finished := !e.finishedAt.IsZero() && now.Sub(e.finishedAt) > s.linger
		e.mu.Unlock()
		if finished {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	for _, id := range stale {
		os.Remove(s.pathFor(id))
	}
}

// Tracker reports completions for one request.
type Tracker struct {
	store     *Store
	requestID string
	entry     *trackedEntry
}

// CompleteEnsemble records one finished (member, perturbation) unit whose
// member is part of the control path set.
func (t *Tracker) CompleteEnsemble() {
	t.complete(true)
}

// CompleteMonteCarlo records one finished perturbation-only unit.
func (t *Tracker) CompleteMonteCarlo() {
	t.complete(false)
}

func (t *Tracker) complete(ensemble bool) {
	e := t.entry
	e.mu.Lock()
	e.snap.Done++
	if ensemble {
		e.snap.DoneEnsemble++
	} else {
		e.snap.DoneMonteCarlo++
	}
	e.snap.UpdatedAt = time.Now()
	e.sinceFlush++
	e.mu.Unlock()

	t.store.flush(t.requestID, e, false)
}

// Finish marks the request terminal with the given status (Completed,
// Cancelled, or Failed) and force-flushes the final snapshot.
func (t *Tracker) Finish(status Status) {
	e := t.entry
	e.mu.Lock()
	e.snap.Status = status
	e.snap.UpdatedAt = time.Now()
	e.finishedAt = time.Now()
	e.mu.Unlock()
	t.store.flush(t.requestID, e, true)
}
