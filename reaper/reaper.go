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

// Package reaper runs the background task that keeps the simulator cache
// trimmed and idle memory reclaimed between requests.
package reaper

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Trimmer is the subset of simcache.Cache the reaper needs.
type Trimmer interface {
	Trim()
}

// ProgressReaper is the subset of progress.Store the reaper needs.
type ProgressReaper interface {
	Reap()
}

// Reaper periodically trims the simulator cache and reclaims memory.
// Activity() must be called by request handlers on every request so the
// reaper can detect idleness and perform a deeper reclamation pass.
type Reaper struct {
	Simcache     Trimmer
	Progress     ProgressReaper
	Log          logrus.FieldLogger
	Interval     time.Duration // normal poll cadence, ~30s
	FastInterval time.Duration // cadence while ensemble mode may be expiring, ~10s
	IdleAfter    time.Duration // deeper reclamation after this much quiet, ~120s

	lastActivity atomic.Int64 // unix nanos
	ensembleMu   sync.Mutex
	ensembleMode bool
}

// New constructs a Reaper with the spec's default cadences.
func New(simcache Trimmer, progress ProgressReaper, log logrus.FieldLogger) *Reaper {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Reaper{
		Simcache:     simcache,
		Progress:     progress,
		Log:          log,
		Interval:     30 * time.Second,
		FastInterval: 10 * time.Second,
		IdleAfter:    120 * time.Second,
	}
	r.Activity()
	return r
}

// Activity records that a request was just served; the idle clock resets.
func (r *Reaper) Activity() {
	r.lastActivity.Store(nowNanos())
}

// SetEnsembleMode tells the reaper to poll at FastInterval, since an
// ensemble-mode capacity bump is expected to expire soon and should be
// trimmed promptly rather than waiting for a full Interval tick.
func (r *Reaper) SetEnsembleMode(active bool) {
	r.ensembleMu.Lock()
	r.ensembleMode = active
	r.ensembleMu.Unlock()
}

func (r *Reaper) pollInterval() time.Duration {
	r.ensembleMu.Lock()
	defer r.ensembleMu.Unlock()
	if r.ensembleMode {
		return r.FastInterval
	}
	return r.Interval
}

// Run blocks, ticking until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	timer := time.NewTimer(r.pollInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.tick()
			timer.Reset(r.pollInterval())
		}
	}
}

func (r *Reaper) tick() {
	r.Simcache.Trim()
	r.Progress.Reap()

	idleFor := time.Duration(nowNanos()-r.lastActivity.Load()) * time.Nanosecond
	if idleFor >= r.IdleAfter {
		r.Log.Debug("reaper: idle interval elapsed, forcing allocator reclamation")
		debug.FreeOSMemory()
	}
}

// nowNanos is the sole clock read in this package, isolated so tests can
// observe idle-detection behavior without sleeping for real wall-clock
// seconds.
var nowNanos = func() int64 { return time.Now().UnixNano() }
