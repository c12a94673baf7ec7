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

// Package cycle tracks which GEFS model cycle is currently active, shared
// across worker processes through a local pointer file guarded by an
// advisory cross-process lock.
package cycle

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	habsim "github.com/ezzheng/habsim-sub000"
	"github.com/ezzheng/habsim-sub000/herr"
	"github.com/ezzheng/habsim-sub000/store"
	"github.com/sirupsen/logrus"
)

// Status classifies the outcome of a Refresh call.
type Status int

const (
	Unchanged Status = iota
	Pending
	Flipped
)

func (s Status) String() string {
	switch s {
	case Unchanged:
		return "unchanged"
	case Pending:
		return "pending"
	case Flipped:
		return "flipped"
	default:
		return "unknown"
	}
}

// Invalidator is the subset of simcache.Cache that Refresh needs.
type Invalidator interface {
	InvalidateForeign(cycle habsim.Cycle)
}

// Clearer is the subset of predcache.Cache that Refresh needs.
type Clearer interface {
	Clear()
}

// Evictor is the subset of diskcache.Cache that Refresh needs, invoked
// asynchronously after a flip.
type Evictor interface {
	EvictExceptActive(cycle string)
}

// RequiredArtifactsFunc lists the artifact names that must all exist for a
// cycle to be considered complete.
type RequiredArtifactsFunc func(cycle habsim.Cycle) []string

// Result is the outcome of one Refresh call.
type Result struct {
	Status Status
	Cycle  habsim.Cycle
}

// Manager owns the active-cycle state machine: Absent -> Pending -> Active
// -> (Pending' -> Active'), with the Active -> Active' transition only
// occurring via the atomic flip in Refresh.
type Manager struct {
	Store             *store.Client
	PointerName       string // remote artifact holding the active cycle id
	LocalPointerPath  string // local file mirroring it, for cross-process sharing
	RequiredArtifacts RequiredArtifactsFunc
	Simcache          Invalidator
	Predcache         Clearer
	Diskcache         Evictor
	Log               logrus.FieldLogger

	GuardInterval  time.Duration // settle time before committing a flip
	StableInterval time.Duration // gap between the two reads AwaitStable compares
	PollInterval   time.Duration // gap between AwaitStable's pending retries
	MaxWait        time.Duration // AwaitStable gives up after this long pending

	mu          sync.Mutex
	activeCycle habsim.Cycle
	epoch       int64
}

// New constructs a Manager with the spec's default timings (a few seconds
// of guard/poll budget; production deployments may tighten these via the
// exported fields before the first Refresh).
func New(s *store.Client, pointerName, localPointerPath string, required RequiredArtifactsFunc, simc Invalidator, predc Clearer, diskc Evictor, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		Store:             s,
		PointerName:       pointerName,
		LocalPointerPath:  localPointerPath,
		RequiredArtifacts: required,
		Simcache:          simc,
		Predcache:         predc,
		Diskcache:         diskc,
		Log:               log,
		GuardInterval:     2 * time.Second,
		StableInterval:    500 * time.Millisecond,
		PollInterval:      1 * time.Second,
		MaxWait:           10 * time.Second,
	}
}

// Active returns the current active cycle and epoch.
func (m *Manager) Active() (habsim.Cycle, int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCycle, m.epoch
}

// Refresh implements the cycle manager's flip algorithm (§4.7).
func (m *Manager) Refresh(ctx context.Context) (Result, error) {
	text, err := m.Store.GetText(ctx, m.PointerName)
	if err != nil {
		return Result{}, err
	}
	newCycle := habsim.Cycle(strings.TrimSpace(text))

	m.mu.Lock()
	current := m.activeCycle
	m.mu.Unlock()
	if newCycle == current {
		return Result{Status: Unchanged, Cycle: current}, nil
	}

	if !m.complete(ctx, newCycle) {
		return Result{Status: Pending, Cycle: newCycle}, nil
	}

	unlock, err := m.lockPointerFile()
	if err != nil {
		return Result{}, herr.Newf(herr.CycleUnavailable, "cycle: acquiring pointer lock: %v", err)
	}
	defer unlock()

	time.Sleep(m.GuardInterval)

	if !m.complete(ctx, newCycle) {
		return Result{Status: Pending, Cycle: newCycle}, nil
	}

	if err := m.writePointer(newCycle); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	m.activeCycle = newCycle
	m.epoch++
	m.mu.Unlock()

	if m.Simcache != nil {
		m.Simcache.InvalidateForeign(newCycle)
	}
	if m.Predcache != nil {
		m.Predcache.Clear()
	}
	if m.Diskcache != nil {
		go m.Diskcache.EvictExceptActive(string(newCycle))
	}

	m.Log.WithFields(logrus.Fields{"cycle": newCycle, "epoch": m.epoch}).Info("cycle: flipped active cycle")
	return Result{Status: Flipped, Cycle: newCycle}, nil
}

func (m *Manager) complete(ctx context.Context, cycle habsim.Cycle) bool {
	if m.RequiredArtifacts == nil {
		return true
	}
	for _, name := range m.RequiredArtifacts(cycle) {
		if _, err := m.Store.Head(ctx, name); err != nil {
			return false
		}
	}
	return true
}

func (m *Manager) writePointer(cycle habsim.Cycle) error {
	dir := filepath.Dir(m.LocalPointerPath)
	tmp, err := os.CreateTemp(dir, ".cycle-pointer-*")
	if err != nil {
		return herr.Newf(herr.CycleUnavailable, "cycle: creating pointer temp file: %v", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(string(cycle)); err != nil {
		tmp.Close()
		return herr.Newf(herr.CycleUnavailable, "cycle: writing pointer: %v", err)
	}
	if err := tmp.Close(); err != nil {
		return herr.Newf(herr.CycleUnavailable, "cycle: closing pointer temp file: %v", err)
	}
	if err := os.Rename(tmp.Name(), m.LocalPointerPath); err != nil {
		return herr.Newf(herr.CycleUnavailable, "cycle: renaming pointer into place: %v", err)
	}
	return nil
}

// lockPointerFile takes an exclusive advisory lock on the local pointer
// file, shared across every worker process on the host, and returns a
// function that releases it.
func (m *Manager) lockPointerFile() (func(), error) {
	f, err := os.OpenFile(m.LocalPointerPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}

// AwaitStable blocks until two consecutive (activeCycle, epoch) reads
// separated by StableInterval agree, polling through Pending refreshes up
// to MaxWait before giving up with a CycleUnavailable error.
func (m *Manager) AwaitStable(ctx context.Context) (habsim.Cycle, int64, error) {
	deadline := time.Now().Add(m.MaxWait)
	for {
		res, err := m.Refresh(ctx)
		if err != nil {
			return "", 0, err
		}
		if res.Status == Pending {
			if time.Now().After(deadline) {
				return "", 0, herr.Newf(herr.CycleUnavailable, "cycle: %s still pending after %s", res.Cycle, m.MaxWait)
			}
			select {
			case <-ctx.Done():
				return "", 0, herr.New(herr.Cancelled, ctx.Err())
			case <-time.After(m.PollInterval):
			}
			continue
		}

		cycle1, epoch1 := m.Active()
		select {
		case <-ctx.Done():
			return "", 0, herr.New(herr.Cancelled, ctx.Err())
		case <-time.After(m.StableInterval):
		}
		cycle2, epoch2 := m.Active()
		if cycle1 == cycle2 && epoch1 == epoch2 {
			return cycle1, epoch1, nil
		}
		if time.Now().After(deadline) {
			return "", 0, herr.Newf(herr.CycleUnavailable, "cycle: state did not stabilize within %s", m.MaxWait)
		}
	}
}
