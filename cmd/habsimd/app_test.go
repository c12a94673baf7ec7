package main

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/ctessum/sparse"
	habsim "github.com/ezzheng/habsim-sub000"
	"github.com/ezzheng/habsim-sub000/config"
	"github.com/ezzheng/habsim-sub000/sim"
	"github.com/ezzheng/habsim-sub000/wind"
	"github.com/sirupsen/logrus"
	"gocloud.dev/blob/fileblob"
)

// writeTestElevGrid writes a minimal flat elevation grid in elev's binary
// format: magic, nlat, nlon, lat0, lon0, dlat, dlon, then nlat*nlon
// float32 elements, all zero (sea level everywhere).
func writeTestElevGrid(t *testing.T, path string) {
	t.Helper()
	const nlat, nlon = 4, 4
	buf := make([]byte, 44+nlat*nlon*4)
	binary.LittleEndian.PutUint32(buf[0:4], 0x48454c56)
	binary.LittleEndian.PutUint32(buf[4:8], nlat)
	binary.LittleEndian.PutUint32(buf[8:12], nlon)
	binary.LittleEndian.PutUint64(buf[12:20], math.Float64bits(-10))
	binary.LittleEndian.PutUint64(buf[20:28], math.Float64bits(0))
	binary.LittleEndian.PutUint64(buf[28:36], math.Float64bits(20))
	binary.LittleEndian.PutUint64(buf[36:44], math.Float64bits(90))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("writing test elevation grid: %v", err)
	}
}

func testAxes() wind.Axes {
	return wind.Axes{
		TBase:     0,
		Dt:        3600,
		Nt:        3,
		Pressures: []float64{1050, 900},
		Nlat:      4,
		Nlon:      4,
		Lat0:      -10,
		Lon0:      0,
		Dlat:      20,
		Dlon:      90,
	}
}

func writeTestWindArchive(t *testing.T, path string) {
	t.Helper()
	axes := testAxes()
	np := len(axes.Pressures)
	u := sparse.ZerosDense(axes.Nt, np, axes.Nlat, axes.Nlon)
	v := sparse.ZerosDense(axes.Nt, np, axes.Nlat, axes.Nlon)
	if err := wind.WriteArchive(path, axes, u, v); err != nil {
		t.Fatalf("writing test wind archive: %v", err)
	}
}

func seedTestBucket(t *testing.T, dir string, cycle habsim.Cycle) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "latest.txt"), []byte(cycle), 0o644); err != nil {
		t.Fatalf("seeding pointer: %v", err)
	}
	writeTestElevGrid(t, filepath.Join(dir, elevationArtifact))
	writeTestWindArchive(t, filepath.Join(dir, windArtifactName(cycle, 0)))
	for m := 1; m <= 20; m++ {
		if err := os.WriteFile(filepath.Join(dir, windArtifactName(cycle, habsim.Member(m))), []byte("placeholder"), 0o644); err != nil {
			t.Fatalf("seeding placeholder member %d: %v", m, err)
		}
	}
}

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		CacheDir:          t.TempDir(),
		MaxCacheFiles:     64,
		ProgressDir:       t.TempDir(),
		ProgressLinger:    0,
		LocalPointerPath:  filepath.Join(t.TempDir(), "pointer"),
		RemotePointerName: "latest.txt",
		NormalSimCap:      4,
		EnsembleSimCap:    8,
		MaxEnsembleTTL:    0,
		WorkerCount:       4,
	}
}

func TestNewAppWiresComponentsAndFliesAPrediction(t *testing.T) {
	bucketDir := t.TempDir()
	cycle := habsim.Cycle("2026073100")
	seedTestBucket(t, bucketDir, cycle)

	bucket, err := fileblob.OpenBucket(bucketDir, nil)
	if err != nil {
		t.Fatalf("fileblob.OpenBucket: %v", err)
	}

	ctx := context.Background()
	a, err := newApp(ctx, testConfig(t), logrus.New(), bucket)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	defer a.close()

	a.cycle.GuardInterval = 0
	a.cycle.StableInterval = 0
	a.cycle.PollInterval = 0

	active, _, err := a.cycle.AwaitStable(ctx)
	if err != nil {
		t.Fatalf("AwaitStable: %v", err)
	}
	if active != cycle {
		t.Errorf("active cycle = %q, want %q", active, cycle)
	}

	params := habsim.LaunchParams{
		LaunchEpoch:  0,
		Lat:          30,
		Lon:          45,
		LaunchAlt:    0,
		BurstAlt:     500,
		FloatTime:    0,
		AscentRate:   5,
		DescentRate:  5,
		DescentCoeff: 1,
	}

	simulator, token, err := a.simcache.Acquire(keyFor(active, habsim.ControlMember), a.buildSimulator)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer token.Release()

	traj, err := sim.Fly(simulator, params)
	if err != nil {
		t.Fatalf("Fly: %v", err)
	}
	landing, ok := traj.Landing()
	if !ok {
		t.Fatal("expected a landing point")
	}
	if landing.Alt != 0 {
		t.Errorf("landing altitude = %v, want 0 on a flat sea-level grid", landing.Alt)
	}
}
