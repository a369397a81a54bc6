// Package governor implements the concurrency governor (spec component
// F): four fixed-capacity counting semaphores so a modestly-resourced
// single host isn't swamped by concurrent downloads, conversions,
// optimizations, or transcriptions.
package governor

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Default capacities, tuned for a single modestly-resourced host
// (spec.md §4.F).
const (
	DefaultDownloadCapacity      = 10
	DefaultConversionCapacity    = 8
	DefaultOptimizationCapacity  = 4
	DefaultTranscriptionCapacity = 8
)

// Class identifies one of the four resource pools a caller acquires a
// slot from.
type Class string

const (
	Download      Class = "download"
	Conversion    Class = "conversion"
	Optimization  Class = "optimization"
	Transcription Class = "transcription"
)

// semaphore is a counting semaphore backed by a buffered channel, the
// idiomatic Go counting-semaphore shape.
type semaphore chan struct{}

func newSemaphore(capacity int) semaphore {
	return make(semaphore, capacity)
}

func (s semaphore) acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s semaphore) release() {
	<-s
}

// Governor owns the four semaphores and exposes their current occupancy
// as Prometheus gauges, following the direct prometheus.New*/MustRegister
// pattern used for first-class KPIs elsewhere in the dependency pack.
type Governor struct {
	sems map[Class]semaphore

	inUse map[Class]prometheus.Gauge
}

// New constructs a Governor with the given per-class capacities and
// registers its occupancy gauges against reg. Pass prometheus.NewRegistry()
// for isolated tests, or prometheus.DefaultRegisterer in production.
func New(reg prometheus.Registerer, downloads, conversions, optimizations, transcriptions int) *Governor {
	g := &Governor{
		sems: map[Class]semaphore{
			Download:      newSemaphore(downloads),
			Conversion:    newSemaphore(conversions),
			Optimization:  newSemaphore(optimizations),
			Transcription: newSemaphore(transcriptions),
		},
		inUse: make(map[Class]prometheus.Gauge),
	}

	for _, class := range []Class{Download, Conversion, Optimization, Transcription} {
		gauge := prometheus.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("mediabot_governor_%s_slots_in_use", class),
			Help: fmt.Sprintf("Number of %s slots currently held", class),
		})
		if reg != nil {
			reg.MustRegister(gauge)
		}
		g.inUse[class] = gauge
	}
	return g
}

// Acquire blocks until a slot of the given class is available or ctx is
// done, whichever comes first. On success it returns a release func the
// caller must call exactly once, typically via defer.
func (g *Governor) Acquire(ctx context.Context, class Class) (release func(), err error) {
	sem, ok := g.sems[class]
	if !ok {
		return nil, fmt.Errorf("governor: unknown resource class %q", class)
	}
	if err := sem.acquire(ctx); err != nil {
		return nil, fmt.Errorf("governor: acquire %s slot: %w", class, err)
	}
	g.inUse[class].Inc()

	released := false
	return func() {
		if released {
			return
		}
		released = true
		sem.release()
		g.inUse[class].Dec()
	}, nil
}

// Capacity returns the configured capacity for class.
func (g *Governor) Capacity(class Class) int {
	return cap(g.sems[class])
}
