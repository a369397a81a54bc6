package sweeper

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/arung-agamani/mediabot/internal/inflight"
	"github.com/arung-agamani/mediabot/internal/store"
	"github.com/arung-agamani/mediabot/internal/sysmem"
)

func newTestSweeper(t *testing.T, cfg Config) (*Sweeper, string) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	downloadsRoot := t.TempDir()
	s := New(st, inflight.New(), downloadsRoot, cfg)
	return s, downloadsRoot
}

func TestIdleCleanupRemovesEverythingWhenRegistryEmpty(t *testing.T) {
	s, root := newTestSweeper(t, Config{})

	if err := os.MkdirAll(filepath.Join(root, "task-1"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "task-1", "file.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s.idleCleanup()

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected downloads root emptied, found %d entries", len(entries))
	}
}

func TestIdleCleanupSkipsWhenRegistryBusy(t *testing.T) {
	s, root := newTestSweeper(t, Config{})

	started := make(chan struct{})
	release := make(chan struct{})
	go s.inFlight.Do(context.Background(), "busy-key", func() (inflight.Result, error) {
		close(started)
		<-release
		return inflight.Result{}, nil
	})
	<-started
	defer close(release)

	if err := os.MkdirAll(filepath.Join(root, "task-1"), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	s.idleCleanup()

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected downloads root untouched while a fetch is in flight, found %d entries", len(entries))
	}
}

func TestMemoryGuardShutsDownWhenIdlePastThreshold(t *testing.T) {
	s, _ := newTestSweeper(t, Config{IdleThreshold: 10 * time.Millisecond})
	s.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())

	var shutdownCalls int32
	s.shutdown = func() { atomic.AddInt32(&shutdownCalls, 1) }
	s.readMem = func() (sysmem.Snapshot, error) { return sysmem.Snapshot{}, nil }

	s.memoryGuard()

	if atomic.LoadInt32(&shutdownCalls) != 1 {
		t.Errorf("shutdown calls = %d, want 1", shutdownCalls)
	}
}

func TestMemoryGuardRespectsCooldown(t *testing.T) {
	s, _ := newTestSweeper(t, Config{IdleThreshold: 10 * time.Millisecond, ShutdownCooldown: time.Hour})
	s.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())

	var shutdownCalls int32
	s.shutdown = func() { atomic.AddInt32(&shutdownCalls, 1) }
	s.readMem = func() (sysmem.Snapshot, error) { return sysmem.Snapshot{}, nil }

	s.memoryGuard()
	s.memoryGuard()
	s.memoryGuard()

	if atomic.LoadInt32(&shutdownCalls) != 1 {
		t.Errorf("shutdown calls = %d, want exactly 1 under cooldown", shutdownCalls)
	}
}

func TestMemoryGuardDoesNotShutDownWhileFetchInFlight(t *testing.T) {
	s, _ := newTestSweeper(t, Config{})

	started := make(chan struct{})
	release := make(chan struct{})
	go s.inFlight.Do(context.Background(), "busy-key", func() (inflight.Result, error) {
		close(started)
		<-release
		return inflight.Result{}, nil
	})
	<-started
	defer close(release)

	var shutdownCalls int32
	s.shutdown = func() { atomic.AddInt32(&shutdownCalls, 1) }
	s.readMem = func() (sysmem.Snapshot, error) {
		return sysmem.Snapshot{ProcessRSSBytes: 1 << 40, SystemUsedPercent: 99}, nil
	}

	s.memoryGuard()

	if atomic.LoadInt32(&shutdownCalls) != 0 {
		t.Error("expected no shutdown while a fetch is in flight, regardless of memory pressure")
	}
}

func TestMemoryGuardTripsOnProcessMemoryOverLimitWhileIdle(t *testing.T) {
	s, _ := newTestSweeper(t, Config{ProcessMemoryLimitBytes: 100, IdleThreshold: time.Hour})

	var shutdownCalls int32
	s.shutdown = func() { atomic.AddInt32(&shutdownCalls, 1) }
	s.readMem = func() (sysmem.Snapshot, error) {
		return sysmem.Snapshot{ProcessRSSBytes: 1000}, nil
	}

	s.memoryGuard()

	if atomic.LoadInt32(&shutdownCalls) != 1 {
		t.Errorf("shutdown calls = %d, want 1 when RSS exceeds limit while idle", shutdownCalls)
	}
}
