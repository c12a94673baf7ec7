package simcache

import (
	"io"
	"sync/atomic"
	"testing"
	"time"

	habsim "github.com/ezzheng/habsim-sub000"
	"github.com/ezzheng/habsim-sub000/sim"
)

type nopCloser struct{ closed *int32 }

func (c nopCloser) Close() error {
	if c.closed != nil {
		atomic.AddInt32(c.closed, 1)
	}
	return nil
}

func build(builds *int32) BuildFunc {
	return func(key Key, ensemble bool) (*sim.Simulator, io.Closer, error) {
		atomic.AddInt32(builds, 1)
		return &sim.Simulator{}, nopCloser{}, nil
	}
}

func TestAcquireBuildsOnceAndReusesOnHit(t *testing.T) {
	c := New(5, 25, nil)
	var builds int32
	key := Key{Cycle: "2024073100", Member: 1}

	s1, tok1, err := c.Acquire(key, build(&builds))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s2, tok2, err := c.Acquire(key, build(&builds))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if s1 != s2 {
		t.Error("Acquire returned different simulators for the same key without eviction")
	}
	if builds != 1 {
		t.Errorf("build called %d times, want 1", builds)
	}
	tok1.Release()
	tok2.Release()
}

func TestInvalidateForeignBlocksFutureAcquire(t *testing.T) {
	c := New(5, 25, nil)
	var builds int32
	key := Key{Cycle: "2024073100", Member: 1}

	_, tok, err := c.Acquire(key, build(&builds))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	c.InvalidateForeign("2024073106")

	// The old entry is foreign now; a fresh Acquire must rebuild.
	_, tok2, err := c.Acquire(key, build(&builds))
	if err != nil {
		t.Fatalf("Acquire after invalidate: %v", err)
	}
	if builds != 2 {
		t.Errorf("build called %d times after invalidation, want 2", builds)
	}
	tok.Release()
	tok2.Release()
}

func TestEvictionSkipsInUseEntries(t *testing.T) {
	c := New(1, 1, nil)
	var builds int32

	keyA := Key{Cycle: "c", Member: 1}
	keyB := Key{Cycle: "c", Member: 2}

	_, tokA, err := c.Acquire(keyA, build(&builds))
	if err != nil {
		t.Fatalf("Acquire A: %v", err)
	}
	// keyA is held; building keyB should not evict it even though capacity is 1.
	_, tokB, err := c.Acquire(keyB, build(&builds))
	if err != nil {
		t.Fatalf("Acquire B: %v", err)
	}

	if c.Len() < 1 {
		t.Fatal("expected at least the held entry to remain resident")
	}
	tokA.Release()
	tokB.Release()
}

func TestAcquireThreadsCurrentModeIntoBuild(t *testing.T) {
	c := New(5, 25, nil)
	var gotEnsemble bool
	captureMode := func(key Key, ensemble bool) (*sim.Simulator, io.Closer, error) {
		gotEnsemble = ensemble
		return &sim.Simulator{}, nopCloser{}, nil
	}

	_, tok, err := c.Acquire(Key{Cycle: "c", Member: 1}, captureMode)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if gotEnsemble {
		t.Error("build saw ensemble=true before SetMode(true, ...)")
	}
	tok.Release()

	c.SetMode(true, time.Minute)
	_, tok2, err := c.Acquire(Key{Cycle: "c", Member: 2}, captureMode)
	if err != nil {
		t.Fatalf("Acquire after SetMode: %v", err)
	}
	if !gotEnsemble {
		t.Error("build saw ensemble=false after SetMode(true, ...)")
	}
	tok2.Release()
}

func TestSetModeRaisesThenTrimsCapacity(t *testing.T) {
	c := New(1, 3, nil)
	var builds int32

	c.SetMode(true, 30*time.Millisecond)

	keys := []Key{{Cycle: "c", Member: 1}, {Cycle: "c", Member: 2}, {Cycle: "c", Member: 3}}
	var toks []Token
	for _, k := range keys {
		_, tok, err := c.Acquire(k, build(&builds))
		if err != nil {
			t.Fatalf("Acquire %v: %v", k, err)
		}
		toks = append(toks, tok)
	}
	if c.Len() != 3 {
		t.Errorf("Len() = %d during ensemble mode, want 3", c.Len())
	}
	for _, tok := range toks {
		tok.Release()
	}

	time.Sleep(80 * time.Millisecond)
	c.evictIfNeeded()
	if c.Len() > 1 {
		t.Errorf("Len() = %d after mode trim, want <= 1", c.Len())
	}
}
