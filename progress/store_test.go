package progress

import (
	"testing"
	"time"

	habsim "github.com/ezzheng/habsim-sub000"
)

func TestRequestIDDeterministic(t *testing.T) {
	p := habsim.LaunchParams{LaunchEpoch: 1, Lat: 2, Lon: 3, LaunchAlt: 4, BurstAlt: 5, AscentRate: 6, DescentRate: 7, DescentCoeff: 1}
	members := []habsim.Member{0, 1, 2}
	a := RequestID(p, members, 20)
	b := RequestID(p, members, 20)
	if a != b {
		t.Errorf("RequestID not deterministic: %q != %q", a, b)
	}
	if len(a) != 16 {
		t.Errorf("RequestID length = %d, want 16", len(a))
	}
	c := RequestID(p, members, 21)
	if a == c {
		t.Error("RequestID did not distinguish different perturbation counts")
	}
}

func TestTrackerCompletionCounts(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, time.Second)
	tr := s.Start("req1", 10)

	for i := 0; i < 3; i++ {
		tr.CompleteEnsemble()
	}
	for i := 0; i < 2; i++ {
		tr.CompleteMonteCarlo()
	}

	snap, ok := s.Get("req1")
	if !ok {
		t.Fatal("expected snapshot for req1")
	}
	if snap.Done != 5 || snap.DoneEnsemble != 3 || snap.DoneMonteCarlo != 2 {
		t.Errorf("snapshot = %+v, want done=5 ensemble=3 mc=2", snap)
	}
	if snap.Status != Running {
		t.Errorf("status = %v, want Running", snap.Status)
	}
}

func TestFinishSetsStatusAndPercentage(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, time.Second)
	tr := s.Start("req2", 4)
	for i := 0; i < 4; i++ {
		tr.CompleteEnsemble()
	}
	tr.Finish(Completed)

	snap, ok := s.Get("req2")
	if !ok {
		t.Fatal("expected snapshot for req2")
	}
	if snap.Status != Completed {
		t.Errorf("status = %v, want Completed", snap.Status)
	}
	if snap.Percentage() != 100 {
		t.Errorf("Percentage() = %d, want 100", snap.Percentage())
	}
}

func TestGetFallsBackToMirroredFile(t *testing.T) {
	dir := t.TempDir()
	s1 := New(dir, time.Second)
	tr := s1.Start("req3", 2)
	tr.CompleteEnsemble()
	tr.Finish(Completed)

	// A second Store instance, simulating a peer worker process, has no
	// in-process entry and must read the mirrored file.
	s2 := New(dir, time.Second)
	snap, ok := s2.Get("req3")
	if !ok {
		t.Fatal("expected peer Store to find the mirrored file")
	}
	if snap.Status != Completed || snap.Done != 1 {
		t.Errorf("peer snapshot = %+v", snap)
	}
}

func TestReapRemovesOldFinishedEntries(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, 20*time.Millisecond)
	tr := s.Start("req4", 1)
	tr.CompleteEnsemble()
	tr.Finish(Completed)

	time.Sleep(40 * time.Millisecond)
	s.Reap()

	if _, ok := s.Get("req4"); ok {
		t.Error("expected req4 to be reaped")
	}
}
