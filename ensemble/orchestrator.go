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

// Package ensemble fans a launch out across a set of GEFS members and
// Monte-Carlo perturbations, producing one full trajectory per member (the
// control draw) and a landing point for every (member, perturbation) pair.
package ensemble

import (
	"context"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	habsim "github.com/ezzheng/habsim-sub000"
	"github.com/ezzheng/habsim-sub000/herr"
	"github.com/ezzheng/habsim-sub000/progress"
	"github.com/ezzheng/habsim-sub000/sim"
	"github.com/ezzheng/habsim-sub000/simcache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// controlPerturbation identifies the unperturbed draw for a member, which
// retains its full trajectory and contributes a landing like every other
// unit.
const controlPerturbation = -1

// restartAttempts bounds how many attempts Run makes in all (the first
// batch plus restarts after a cycle flip observed mid-fan-out), so a
// pathologically fast-flipping cycle can't wedge a request forever.
const restartAttempts = 4

// Stabilizer is the subset of cycle.Manager the orchestrator needs before,
// and during, a fan-out: members must be simulated against a cycle that has
// been confirmed stable, and the orchestrator re-checks Active's epoch as
// units complete to detect a flip mid-run.
type Stabilizer interface {
	AwaitStable(ctx context.Context) (habsim.Cycle, int64, error)
	Active() (habsim.Cycle, int64)
}

// ModeSetter is the subset of simcache.Cache the orchestrator needs to
// request the temporary ensemble-capacity bump.
type ModeSetter interface {
	SetMode(ensemble bool, ttl time.Duration)
}

// BuildFunc constructs the simulator bound to one (cycle, member). ensemble
// reports whether the simulator cache is currently in ensemble mode, so the
// builder can pick the matching wind-file access mode.
type BuildFunc func(key simcache.Key, ensemble bool) (*sim.Simulator, io.Closer, error)

// Orchestrator fans a launch out across members and perturbations.
type Orchestrator struct {
	Simcache    *simcache.Cache
	Stabilizer  Stabilizer
	Progress    *progress.Store
	Build       BuildFunc
	Log         logrus.FieldLogger
	EnsembleTTL time.Duration // how long set_mode(ensemble) holds the capacity bump
	EnsCap      int64         // K_ens, sizes the back-pressure semaphore
}

// Result is the outcome of one ensemble run.
type Result struct {
	RequestID string
	Paths     map[habsim.Member]habsim.Trajectory
	Landings  []Landing
}

// Landing is one unit's terminal point tagged with the member and
// perturbation draw that produced it, and its weight in an ensemble-mean
// calculation: the control draw (PerturbationID -1) weighs 2.0, every
// Monte-Carlo perturbation weighs 1.0.
type Landing struct {
	habsim.TrajectoryPoint
	Member         habsim.Member
	PerturbationID int
	Weight         float64
}

type unit struct {
	member       habsim.Member
	perturbation int // -1 for control
}

// Run fans nominal out across members, with perturbations Monte-Carlo
// draws per member (plus the control draw), and returns every member's
// control path and every unit's landing point. A cycle flip observed
// mid-fan-out discards the in-flight batch and restarts it against the new
// cycle, for at most restartAttempts attempts in all.
func (o *Orchestrator) Run(ctx context.Context, nominal habsim.LaunchParams, members []habsim.Member, perturbations int, seed int64) (Result, error) {
	requestID := progress.RequestID(nominal, members, perturbations)
	total := len(members) * (perturbations + 1)

	for attempt := 1; ; attempt++ {
		tracker := o.Progress.Start(requestID, total)

		o.Simcache.SetMode(true, o.EnsembleTTL)
		cycle, epoch, err := o.Stabilizer.AwaitStable(ctx)
		if err != nil {
			tracker.Finish(progress.Failed)
			return Result{}, err
		}

		res, restart, err := o.runBatch(ctx, cycle, epoch, nominal, members, perturbations, seed, tracker)
		if err != nil {
			if ctx.Err() != nil {
				tracker.Finish(progress.Cancelled)
				return Result{}, herr.New(herr.Cancelled, ctx.Err())
			}
			tracker.Finish(progress.Failed)
			return Result{}, err
		}
		if !restart {
			res.RequestID = requestID
			tracker.Finish(progress.Completed)
			return res, nil
		}

		if attempt >= restartAttempts {
			tracker.Finish(progress.Failed)
			return Result{}, herr.Newf(herr.CycleUnavailable, "ensemble: cycle flipped on every attempt (%d), giving up", attempt)
		}
		if o.Log != nil {
			o.Log.WithField("request_id", requestID).Warn("ensemble: cycle flipped mid-run, restarting batch")
		}
	}
}

// runBatch fans one attempt's units out against cycle/epoch. It returns
// restart=true, with a zero Result and nil error, when a cycle flip was
// observed partway through and the caller should retry against the new
// cycle instead of returning partial results.
func (o *Orchestrator) runBatch(ctx context.Context, cycle habsim.Cycle, epoch int64, nominal habsim.LaunchParams, members []habsim.Member, perturbations int, seed int64, tracker *progress.Tracker) (Result, bool, error) {
	units := make([]unit, 0, len(members)*(perturbations+1))
	for _, m := range members {
		units = append(units, unit{member: m, perturbation: controlPerturbation})
		for pert := 0; pert < perturbations; pert++ {
			units = append(units, unit{member: m, perturbation: pert})
		}
	}

	concurrency := int64(minInt(32, runtime.NumCPU()))
	if o.EnsCap > 0 && o.EnsCap < concurrency {
		concurrency = o.EnsCap
	}
	sem := semaphore.NewWeighted(concurrency)

	var mu sync.Mutex
	paths := make(map[habsim.Member]habsim.Trajectory, len(members))
	landings := make([]Landing, len(units))
	var restartNeeded atomic.Bool

	g, gctx := errgroup.WithContext(ctx)
	var acquireErr error
	for i, u := range units {
		i, u := i, u
		if aerr := sem.Acquire(gctx, 1); aerr != nil {
			acquireErr = aerr
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			return o.runUnit(gctx, cycle, epoch, nominal, u, seed, tracker, paths, landings, i, &mu, &restartNeeded)
		})
	}

	err := g.Wait()
	if err == nil {
		err = acquireErr
	}
	if err != nil {
		return Result{}, false, err
	}

	if restartNeeded.Load() {
		return Result{}, true, nil
	}
	return Result{Paths: paths, Landings: landings}, false, nil
}

func (o *Orchestrator) runUnit(ctx context.Context, cycle habsim.Cycle, epoch int64, nominal habsim.LaunchParams, u unit, seed int64, tracker *progress.Tracker, paths map[habsim.Member]habsim.Trajectory, landings []Landing, idx int, mu *sync.Mutex, restartNeeded *atomic.Bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, curEpoch := o.Stabilizer.Active(); curEpoch != epoch {
		restartNeeded.Store(true)
		return nil
	}

	params := nominal
	params.Member = u.member
	isControl := u.perturbation == controlPerturbation
	if !isControl {
		params = perturb(nominal, unitSeed(seed, u.member, u.perturbation))
		params.Member = u.member
	}

	s, token, err := o.Simcache.Acquire(simcache.Key{Cycle: cycle, Member: u.member}, func(key simcache.Key, ensemble bool) (*sim.Simulator, io.Closer, error) {
		return o.Build(key, ensemble)
	})
	if err != nil {
		return err
	}
	defer token.Release()

	traj, err := sim.Fly(s, params)
	if err != nil {
		return err
	}

	point, _ := traj.Landing()
	weight := 1.0
	if isControl {
		weight = 2.0
	}
	landing := Landing{TrajectoryPoint: point, Member: u.member, PerturbationID: u.perturbation, Weight: weight}

	mu.Lock()
	if isControl {
		paths[u.member] = traj
	}
	landings[idx] = landing
	mu.Unlock()

	if isControl {
		tracker.CompleteEnsemble()
	} else {
		tracker.CompleteMonteCarlo()
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
