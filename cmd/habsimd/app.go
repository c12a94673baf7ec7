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

package main

import (
	"context"
	"fmt"
	"io"

	habsim "github.com/ezzheng/habsim-sub000"
	"github.com/ezzheng/habsim-sub000/config"
	"github.com/ezzheng/habsim-sub000/cycle"
	"github.com/ezzheng/habsim-sub000/diskcache"
	"github.com/ezzheng/habsim-sub000/elev"
	"github.com/ezzheng/habsim-sub000/ensemble"
	"github.com/ezzheng/habsim-sub000/predcache"
	"github.com/ezzheng/habsim-sub000/progress"
	"github.com/ezzheng/habsim-sub000/reaper"
	"github.com/ezzheng/habsim-sub000/sim"
	"github.com/ezzheng/habsim-sub000/simcache"
	"github.com/ezzheng/habsim-sub000/store"
	"github.com/ezzheng/habsim-sub000/wind"
	"github.com/sirupsen/logrus"
	"gocloud.dev/blob"
)

const elevationArtifact = "elevation.grid"

// app wires every component together from a loaded config.Config. It is
// the one place in the binary that knows every package's constructor.
type app struct {
	cfg *config.Config
	log logrus.FieldLogger

	store     *store.Client
	disk      *diskcache.Cache
	simcache  *simcache.Cache
	predcache *predcache.Cache
	progress  *progress.Store
	cycle     *cycle.Manager
	reaper    *reaper.Reaper
	orch      *ensemble.Orchestrator

	elevGrid *elev.Grid
}

func newApp(ctx context.Context, cfg *config.Config, log logrus.FieldLogger, bucket *blob.Bucket) (*app, error) {
	a := &app{cfg: cfg, log: log}

	a.store = store.New(bucket, log)
	a.disk = diskcache.New(cfg.CacheDir, cfg.MaxCacheFiles, log)
	a.simcache = simcache.New(cfg.NormalSimCap, cfg.EnsembleSimCap, log)
	a.predcache = predcache.New(predcache.Capacity, predcache.TTL)
	a.progress = progress.New(cfg.ProgressDir, cfg.ProgressLinger)

	required := func(c habsim.Cycle) []string {
		names := make([]string, 0, 22)
		for m := 0; m <= 20; m++ {
			names = append(names, windArtifactName(c, habsim.Member(m)))
		}
		return names
	}
	a.cycle = cycle.New(a.store, cfg.RemotePointerName, cfg.LocalPointerPath, required, a.simcache, a.predcache, a.disk, log)

	elevPath, err := a.disk.Ensure(elevationArtifact, "", func(name, destPath string) error {
		return a.store.GetBlob(ctx, name, destPath)
	})
	if err != nil {
		return nil, fmt.Errorf("habsimd: fetching elevation grid: %w", err)
	}
	a.disk.Pin(elevationArtifact)
	a.elevGrid, err = elev.Open(elevPath)
	if err != nil {
		return nil, fmt.Errorf("habsimd: opening elevation grid: %w", err)
	}

	a.reaper = reaper.New(a.simcache, a.progress, log)

	a.orch = &ensemble.Orchestrator{
		Simcache:    a.simcache,
		Stabilizer:  a.cycle,
		Progress:    a.progress,
		Build:       a.buildSimulator,
		Log:         log,
		EnsembleTTL: cfg.MaxEnsembleTTL,
		EnsCap:      int64(cfg.EnsembleSimCap),
	}

	return a, nil
}

func windArtifactName(c habsim.Cycle, m habsim.Member) string {
	return fmt.Sprintf("%s-member%d.nc", c, m)
}

func keyFor(c habsim.Cycle, m habsim.Member) simcache.Key {
	return simcache.Key{Cycle: c, Member: m}
}

// buildSimulator satisfies simcache.BuildFunc: it downloads (if needed) and
// opens the wind archive for one (cycle, member), binding it to the shared
// elevation grid. ensemble selects the access mode the resulting wind.File
// is opened in: resident (fully loaded) for ensemble fan-outs, which churn
// through many short-lived simulators, versus memory-mapped for the normal
// single-prediction path, which favors low per-request memory over repeat
// access.
func (a *app) buildSimulator(key simcache.Key, ensemble bool) (*sim.Simulator, io.Closer, error) {
	name := windArtifactName(key.Cycle, key.Member)
	archivePath, err := a.disk.Ensure(name, string(key.Cycle), func(n, destPath string) error {
		return a.store.GetBlob(context.Background(), n, destPath)
	})
	if err != nil {
		return nil, nil, err
	}

	a.disk.Acquire(name)

	var wf *wind.File
	if ensemble {
		wf, err = wind.OpenResident(archivePath)
	} else {
		wf, err = wind.Materialize(archivePath, archivePath+".mmap")
	}
	if err != nil {
		a.disk.Release(name)
		return nil, nil, err
	}

	closer := closerFunc(func() error {
		defer a.disk.Release(name)
		return wf.Close()
	})
	return sim.New(wf, a.elevGrid), closer, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func (a *app) close() {
	if a.elevGrid != nil {
		a.elevGrid.Close()
	}
}
