// Package sweeper implements the lifecycle sweeper (spec component J):
// three concurrent periodic tasks, each with a warm-up delay after
// process launch, that age out expired cache files, reclaim idle disk
// space, and trigger a graceful restart under sustained memory pressure.
package sweeper

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arung-agamani/mediabot/internal/inflight"
	"github.com/arung-agamani/mediabot/internal/store"
	"github.com/arung-agamani/mediabot/internal/sysmem"
)

// Config tunes the sweeper's three loops. Zero-valued fields fall back
// to the spec.md §4.J defaults via DefaultConfig.
type Config struct {
	WarmUp time.Duration

	TTLInterval    time.Duration
	IdleInterval   time.Duration
	MemoryInterval time.Duration

	IdleThreshold            time.Duration
	ProcessMemoryLimitBytes  int64
	SystemMemoryPercentLimit float64
	ShutdownCooldown         time.Duration
}

// DefaultConfig returns the spec-mandated intervals and thresholds.
func DefaultConfig() Config {
	return Config{
		WarmUp:                   5 * time.Minute,
		TTLInterval:              time.Hour,
		IdleInterval:             5 * time.Minute,
		MemoryInterval:           time.Minute,
		IdleThreshold:            10 * time.Minute,
		ProcessMemoryLimitBytes:  150 * 1024 * 1024,
		SystemMemoryPercentLimit: 85,
		ShutdownCooldown:         30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WarmUp <= 0 {
		c.WarmUp = d.WarmUp
	}
	if c.TTLInterval <= 0 {
		c.TTLInterval = d.TTLInterval
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = d.IdleInterval
	}
	if c.MemoryInterval <= 0 {
		c.MemoryInterval = d.MemoryInterval
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = d.IdleThreshold
	}
	if c.ProcessMemoryLimitBytes <= 0 {
		c.ProcessMemoryLimitBytes = d.ProcessMemoryLimitBytes
	}
	if c.SystemMemoryPercentLimit <= 0 {
		c.SystemMemoryPercentLimit = d.SystemMemoryPercentLimit
	}
	if c.ShutdownCooldown <= 0 {
		c.ShutdownCooldown = d.ShutdownCooldown
	}
	return c
}

// Sweeper owns the three periodic tasks. Shutdown defaults to
// os.Exit(0), matching the spec's "rely on an external supervisor to
// restart" behavior; tests override it to observe the trigger instead.
type Sweeper struct {
	store         *store.Store
	inFlight      *inflight.Registry
	downloadsRoot string
	cfg           Config
	readMem       func() (sysmem.Snapshot, error)
	shutdown      func()

	lastActivity atomic.Int64 // unix nanoseconds

	mu           sync.Mutex
	lastShutdown time.Time
}

// New constructs a Sweeper. cfg's zero fields fall back to
// DefaultConfig().
func New(st *store.Store, infl *inflight.Registry, downloadsRoot string, cfg Config) *Sweeper {
	s := &Sweeper{
		store:         st,
		inFlight:      infl,
		downloadsRoot: downloadsRoot,
		cfg:           cfg.withDefaults(),
		readMem:       sysmem.Read,
		shutdown:      func() { os.Exit(0) },
	}
	s.Touch()
	return s
}

// Touch records activity now, resetting the idle clock the memory guard
// and idle-cleanup conditions consult. The pipeline engine calls this on
// every processed request.
func (s *Sweeper) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Sweeper) idleFor() time.Duration {
	last := time.Unix(0, s.lastActivity.Load())
	return time.Since(last)
}

// Start launches all three loops and blocks until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(3)

	go func() { defer wg.Done(); s.runAfterWarmUp(ctx, s.cfg.TTLInterval, s.ttlSweep) }()
	go func() { defer wg.Done(); s.runAfterWarmUp(ctx, s.cfg.IdleInterval, s.idleCleanup) }()
	go func() { defer wg.Done(); s.runAfterWarmUp(ctx, s.cfg.MemoryInterval, s.memoryGuard) }()

	wg.Wait()
}

// runAfterWarmUp waits the warm-up delay, runs fn once, then runs it
// again on every tick until ctx is cancelled.
func (s *Sweeper) runAfterWarmUp(ctx context.Context, interval time.Duration, fn func()) {
	select {
	case <-time.After(s.cfg.WarmUp):
	case <-ctx.Done():
		return
	}

	fn()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (s *Sweeper) ttlSweep() {
	n, err := s.store.CleanupExpiredFiles()
	if err != nil {
		slog.Warn("sweeper: ttl sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("sweeper: ttl sweep purged expired files", "count", n)
	}
}

func (s *Sweeper) idleCleanup() {
	if !s.inFlight.IsEmpty() {
		return
	}
	entries, err := os.ReadDir(s.downloadsRoot)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("sweeper: idle cleanup: read downloads root failed", "error", err)
		}
		return
	}
	for _, e := range entries {
		path := filepath.Join(s.downloadsRoot, e.Name())
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("sweeper: idle cleanup: failed to remove entry", "path", path, "error", err)
		}
	}
}

// memoryGuard triggers a graceful shutdown when the in-flight registry
// is idle and one of three pressure conditions holds (spec.md §4.J),
// respecting a cooldown so a restart loop can't form.
func (s *Sweeper) memoryGuard() {
	idle := s.inFlight.IsEmpty()

	shouldShutdown := false
	reason := ""

	if idle && s.idleFor() >= s.cfg.IdleThreshold {
		shouldShutdown = true
		reason = "idle with no activity past threshold"
	}

	if !shouldShutdown {
		snap, err := s.readMem()
		if err != nil {
			slog.Debug("sweeper: memory guard: snapshot failed", "error", err)
		} else {
			switch {
			case idle && snap.ProcessRSSBytes > s.cfg.ProcessMemoryLimitBytes:
				shouldShutdown = true
				reason = "process memory over limit while idle"
			case idle && snap.SystemUsedPercent > s.cfg.SystemMemoryPercentLimit:
				shouldShutdown = true
				reason = "system memory over limit while idle"
			}
		}
	}

	if !shouldShutdown {
		return
	}

	s.mu.Lock()
	sinceLast := time.Since(s.lastShutdown)
	onCooldown := !s.lastShutdown.IsZero() && sinceLast < s.cfg.ShutdownCooldown
	if !onCooldown {
		s.lastShutdown = time.Now()
	}
	s.mu.Unlock()

	if onCooldown {
		slog.Debug("sweeper: memory guard: shutdown condition met but on cooldown", "reason", reason, "since_last", sinceLast)
		return
	}

	slog.Warn("sweeper: triggering graceful shutdown", "reason", reason)
	s.shutdown()
}
