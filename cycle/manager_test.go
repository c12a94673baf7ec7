package cycle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	habsim "github.com/ezzheng/habsim-sub000"
	"github.com/ezzheng/habsim-sub000/store"
	"gocloud.dev/blob/fileblob"
)

type fakeInvalidator struct{ calls []habsim.Cycle }

func (f *fakeInvalidator) InvalidateForeign(c habsim.Cycle) { f.calls = append(f.calls, c) }

type fakeClearer struct{ calls int }

func (f *fakeClearer) Clear() { f.calls++ }

type fakeEvictor struct{ calls []string }

func (f *fakeEvictor) EvictExceptActive(c string) { f.calls = append(f.calls, c) }

func newTestManager(t *testing.T, complete bool) (*Manager, *fakeInvalidator, *fakeClearer, *fakeEvictor) {
	t.Helper()
	bucketDir := t.TempDir()
	bucket, err := fileblob.OpenBucket(bucketDir, nil)
	if err != nil {
		t.Fatalf("fileblob.OpenBucket: %v", err)
	}
	if err := os.WriteFile(filepath.Join(bucketDir, "active_cycle.txt"), []byte("2024073106"), 0o644); err != nil {
		t.Fatalf("seeding pointer: %v", err)
	}
	if complete {
		if err := os.WriteFile(filepath.Join(bucketDir, "2024073106-member0.bin"), []byte("x"), 0o644); err != nil {
			t.Fatalf("seeding artifact: %v", err)
		}
	}

	inv := &fakeInvalidator{}
	clr := &fakeClearer{}
	ev := &fakeEvictor{}

	required := func(c habsim.Cycle) []string {
		return []string{string(c) + "-member0.bin"}
	}

	localDir := t.TempDir()
	m := New(store.New(bucket, nil), "active_cycle.txt", filepath.Join(localDir, "pointer"), required, inv, clr, ev, nil)
	m.GuardInterval = 10 * time.Millisecond
	m.StableInterval = 10 * time.Millisecond
	m.PollInterval = 10 * time.Millisecond
	m.MaxWait = 200 * time.Millisecond
	return m, inv, clr, ev
}

func TestRefreshFlipsWhenComplete(t *testing.T) {
	m, inv, clr, ev := newTestManager(t, true)
	ctx := context.Background()

	res, err := m.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res.Status != Flipped {
		t.Fatalf("Status = %v, want Flipped", res.Status)
	}
	if res.Cycle != "2024073106" {
		t.Errorf("Cycle = %v, want 2024073106", res.Cycle)
	}

	cycle, epoch := m.Active()
	if cycle != "2024073106" || epoch != 1 {
		t.Errorf("Active() = (%v, %v), want (2024073106, 1)", cycle, epoch)
	}

	time.Sleep(50 * time.Millisecond) // let the async EvictExceptActive run
	if len(inv.calls) != 1 || inv.calls[0] != "2024073106" {
		t.Errorf("InvalidateForeign calls = %v", inv.calls)
	}
	if clr.calls != 1 {
		t.Errorf("Clear called %d times, want 1", clr.calls)
	}
	if len(ev.calls) != 1 || ev.calls[0] != "2024073106" {
		t.Errorf("EvictExceptActive calls = %v", ev.calls)
	}

	// A second Refresh should be a no-op now that we're current.
	res2, err := m.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh (second): %v", err)
	}
	if res2.Status != Unchanged {
		t.Errorf("Status = %v, want Unchanged", res2.Status)
	}
}

func TestRefreshPendingWhenIncomplete(t *testing.T) {
	m, inv, clr, _ := newTestManager(t, false)
	ctx := context.Background()

	res, err := m.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res.Status != Pending {
		t.Fatalf("Status = %v, want Pending", res.Status)
	}
	cycle, epoch := m.Active()
	if cycle != "" || epoch != 0 {
		t.Errorf("Active() mutated on pending result: (%v, %v)", cycle, epoch)
	}
	if len(inv.calls) != 0 || clr.calls != 0 {
		t.Error("pending refresh should not invalidate anything")
	}
}

func TestAwaitStableTimesOutWhilePending(t *testing.T) {
	m, _, _, _ := newTestManager(t, false)
	ctx := context.Background()

	_, _, err := m.AwaitStable(ctx)
	if err == nil {
		t.Fatal("expected AwaitStable to give up while the cycle stays incomplete")
	}
}
