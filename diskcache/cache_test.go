package diskcache

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func writeFetch(contents string) FetchFunc {
	return func(name, destPath string) error {
		return os.WriteFile(destPath, []byte(contents), 0o644)
	}
}

func TestEnsureDownloadsOnce(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 10, nil)

	var calls int32
	fetch := func(name, dest string) error {
		atomic.AddInt32(&calls, 1)
		return os.WriteFile(dest, []byte("data"), 0o644)
	}

	var wg sync.WaitGroup
	paths := make([]string, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := c.Ensure("wind-2024073100-00", "2024073100", fetch)
			if err != nil {
				t.Errorf("Ensure: %v", err)
				return
			}
			paths[i] = p
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("fetch called %d times, want 1", calls)
	}
	for _, p := range paths {
		if p != paths[0] {
			t.Errorf("Ensure returned inconsistent paths: %v", paths)
		}
	}
}

func TestEvictExceptActiveSkipsPinnedAndHeld(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 10, nil)

	if _, err := c.Ensure("elev.bin", "", writeFetch("e")); err != nil {
		t.Fatalf("Ensure elev: %v", err)
	}
	c.Pin("elev.bin")

	if _, err := c.Ensure("wind-old", "2024073100", writeFetch("old")); err != nil {
		t.Fatalf("Ensure wind-old: %v", err)
	}
	heldPath, err := c.Ensure("wind-held", "2024073100", writeFetch("held"))
	if err != nil {
		t.Fatalf("Ensure wind-held: %v", err)
	}
	c.Acquire("wind-held")

	c.EvictExceptActive("2024073106")

	if _, err := os.Stat(filepath.Join(dir, "elev.bin")); err != nil {
		t.Errorf("pinned elevation artifact was evicted: %v", err)
	}
	if _, err := os.Stat(heldPath); err != nil {
		t.Errorf("held artifact was evicted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "wind-old")); !os.IsNotExist(err) {
		t.Errorf("stale unheld artifact was not evicted")
	}

	c.Release("wind-held")
	c.EvictExceptActive("2024073106")
	if _, err := os.Stat(heldPath); !os.IsNotExist(err) {
		t.Errorf("wind-held should be evicted once released and stale")
	}
}

func TestEvictIfNeededRespectsCapacity(t *testing.T) {
	dir := t.TempDir()
	c := New(dir, 2, nil)

	for i := 0; i < 3; i++ {
		name := string(rune('a' + i))
		if _, err := c.Ensure(name, "cyc", writeFetch(name)); err != nil {
			t.Fatalf("Ensure %s: %v", name, err)
		}
	}
	if got := c.Len(); got > 2 {
		t.Errorf("cache has %d entries, want <= 2", got)
	}
}
