package ensemble

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	habsim "github.com/ezzheng/habsim-sub000"
	"github.com/ezzheng/habsim-sub000/progress"
	"github.com/ezzheng/habsim-sub000/sim"
	"github.com/ezzheng/habsim-sub000/simcache"
	"github.com/sirupsen/logrus"
)

type constantWind struct{ u, v float64 }

func (w constantWind) Get(lat, lon, altM, t float64) (float64, float64, error) {
	return w.u, w.v, nil
}

type flatGround struct{ level float64 }

func (g flatGround) Elev(lat, lon float64) float64 { return g.level }

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type fakeStabilizer struct {
	cycle habsim.Cycle
	epoch int64
}

func (f fakeStabilizer) AwaitStable(ctx context.Context) (habsim.Cycle, int64, error) {
	return f.cycle, f.epoch, nil
}

func (f fakeStabilizer) Active() (habsim.Cycle, int64) {
	return f.cycle, f.epoch
}

func testOrchestrator(t *testing.T) *Orchestrator {
	build := func(key simcache.Key, ensemble bool) (*sim.Simulator, io.Closer, error) {
		return sim.New(constantWind{1, 0}, flatGround{0}), nopCloser{}, nil
	}
	return &Orchestrator{
		Simcache:    simcache.New(30, 60, logrus.New()),
		Stabilizer:  fakeStabilizer{cycle: habsim.Cycle("2026073100"), epoch: 1},
		Progress:    progress.New(t.TempDir(), time.Minute),
		Build:       build,
		Log:         logrus.New(),
		EnsembleTTL: time.Minute,
		EnsCap:      8,
	}
}

func testParams() habsim.LaunchParams {
	return habsim.LaunchParams{
		LaunchEpoch:  0,
		Lat:          40,
		Lon:          -100,
		LaunchAlt:    0,
		BurstAlt:     500,
		FloatTime:    0,
		AscentRate:   5,
		DescentRate:  5,
		DescentCoeff: 1,
	}
}

func TestRunProducesOneLandingPerUnit(t *testing.T) {
	o := testOrchestrator(t)
	members := []habsim.Member{0, 1, 2}
	const perturbations = 4

	res, err := o.Run(context.Background(), testParams(), members, perturbations, 7)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantUnits := len(members) * (perturbations + 1)
	if len(res.Landings) != wantUnits {
		t.Errorf("len(landings) = %d, want %d", len(res.Landings), wantUnits)
	}
	if len(res.Paths) != len(members) {
		t.Errorf("len(paths) = %d, want %d (one control trajectory per member)", len(res.Paths), len(members))
	}
	for _, m := range members {
		if _, ok := res.Paths[m]; !ok {
			t.Errorf("missing control path for member %d", m)
		}
	}

	var controls int
	for _, l := range res.Landings {
		if l.PerturbationID == -1 {
			controls++
			if l.Weight != 2.0 {
				t.Errorf("control landing for member %d has weight %v, want 2.0", l.Member, l.Weight)
			}
		} else if l.Weight != 1.0 {
			t.Errorf("perturbed landing for member %d/%d has weight %v, want 1.0", l.Member, l.PerturbationID, l.Weight)
		}
	}
	if controls != len(members) {
		t.Errorf("landings with perturbation_id == -1 = %d, want %d (one per member)", controls, len(members))
	}

	snap, ok := o.Progress.Get(res.RequestID)
	if !ok {
		t.Fatal("expected a progress snapshot for the completed request")
	}
	if snap.Status != progress.Completed {
		t.Errorf("status = %v, want completed", snap.Status)
	}
	if snap.Done != wantUnits {
		t.Errorf("done = %d, want %d", snap.Done, wantUnits)
	}
	if snap.DoneEnsemble != len(members) {
		t.Errorf("done_ensemble = %d, want %d", snap.DoneEnsemble, len(members))
	}
	if snap.DoneMonteCarlo != len(members)*perturbations {
		t.Errorf("done_monte_carlo = %d, want %d", snap.DoneMonteCarlo, len(members)*perturbations)
	}
}

// flippingStabilizer reports a cycle flip (epoch increments by one) the
// flipAfter'th time Active is called, simulating a flip observed partway
// through a fan-out.
type flippingStabilizer struct {
	cycle     habsim.Cycle
	flipAfter int32

	mu       sync.Mutex
	epoch    int64
	accesses int32
}

func (f *flippingStabilizer) AwaitStable(ctx context.Context) (habsim.Cycle, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cycle, f.epoch, nil
}

func (f *flippingStabilizer) Active() (habsim.Cycle, int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accesses++
	if f.accesses == f.flipAfter {
		f.epoch++
	}
	return f.cycle, f.epoch
}

func TestRunRestartsBatchAfterMidRunCycleFlip(t *testing.T) {
	o := testOrchestrator(t)
	stab := &flippingStabilizer{cycle: habsim.Cycle("2026073100"), epoch: 1, flipAfter: 5}
	o.Stabilizer = stab

	members := []habsim.Member{0, 1, 2}
	const perturbations = 2 // 3 members * 3 units = 9 units per attempt

	res, err := o.Run(context.Background(), testParams(), members, perturbations, 11)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	wantUnits := len(members) * (perturbations + 1)
	if len(res.Landings) != wantUnits {
		t.Errorf("len(landings) = %d, want %d after restart", len(res.Landings), wantUnits)
	}
	if len(res.Paths) != len(members) {
		t.Errorf("len(paths) = %d, want %d after restart", len(res.Paths), len(members))
	}

	if _, epoch := stab.Active(); epoch != 2 {
		t.Errorf("final epoch = %d, want 2 (exactly one flip observed)", epoch)
	}
}

func TestRunCancellationStopsEarlyWithoutPartialPaths(t *testing.T) {
	o := testOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	members := []habsim.Member{0, 1, 2, 3, 4}
	res, err := o.Run(ctx, testParams(), members, 10, 1)
	if err == nil {
		t.Fatal("expected Run to report cancellation")
	}
	if len(res.Paths) != 0 || len(res.Landings) != 0 {
		t.Errorf("cancelled Run returned partial results: %d paths, %d landings", len(res.Paths), len(res.Landings))
	}
}

func TestRunIsDeterministicAcrossRepeatedSeeds(t *testing.T) {
	members := []habsim.Member{0, 1}
	o1 := testOrchestrator(t)
	o2 := testOrchestrator(t)

	r1, err := o1.Run(context.Background(), testParams(), members, 3, 42)
	if err != nil {
		t.Fatalf("Run 1: %v", err)
	}
	r2, err := o2.Run(context.Background(), testParams(), members, 3, 42)
	if err != nil {
		t.Fatalf("Run 2: %v", err)
	}

	for _, m := range members {
		l1, ok1 := r1.Paths[m].Landing()
		l2, ok2 := r2.Paths[m].Landing()
		if !ok1 || !ok2 {
			t.Fatalf("missing landing for member %d", m)
		}
		if l1 != l2 {
			t.Errorf("member %d landing differs across identical seeds: %+v != %+v", m, l1, l2)
		}
	}
}
