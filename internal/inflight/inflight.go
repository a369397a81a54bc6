// Package inflight implements the single-flight registry (spec component
// E): one in-progress fetch per canonical URL, with followers shielded
// from cancelling the leader's work when their own deadline expires.
package inflight

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Result is what a claimed fetch resolves to: the transport ids the
// uploader produced and the media kind they were classified as.
type Result struct {
	TransportIDs []string
	Kind         string
}

// ErrDeferred is returned to a follower whose own deadline expired before
// the leader's work completed. It is not an error from the leader's
// perspective — the leader keeps running, unaffected.
type deferredErr struct{}

func (deferredErr) Error() string { return "inflight: deferred, leader still running" }

// ErrDeferred is the sentinel a follower sees on deadline expiry.
var ErrDeferred error = deferredErr{}

// Registry deduplicates concurrent fetches for the same canonical URL.
// Built on golang.org/x/sync/singleflight for the leader/follower fan-in,
// with a deadline-aware wrapper layered on top since singleflight.Do
// itself has no notion of a per-caller context.
type Registry struct {
	group singleflight.Group

	mu      sync.Mutex
	pending map[string]struct{}
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{pending: make(map[string]struct{})}
}

// Do claims or joins the in-flight fetch for key. If the caller is the
// leader (first arrival for key), fn runs and its result is shared with
// every follower that joined before it completed. If the caller is a
// follower, it waits for the leader but disengages — without affecting
// the leader — the moment ctx is done, returning ErrDeferred.
//
// fn must not itself depend on the specific caller's ctx: it runs to
// completion on behalf of whichever goroutine happens to be elected
// leader by singleflight, and must use its own internally-scoped context
// for the actual work so a follower's cancellation can never propagate to
// it.
func (r *Registry) Do(ctx context.Context, key string, fn func() (Result, error)) (Result, error) {
	done := make(chan struct{})
	var res Result
	var err error

	go func() {
		defer close(done)
		v, shared, e := r.group.Do(key, func() (interface{}, error) {
			r.mu.Lock()
			r.pending[key] = struct{}{}
			r.mu.Unlock()
			defer func() {
				r.mu.Lock()
				delete(r.pending, key)
				r.mu.Unlock()
			}()
			out, ferr := fn()
			return out, ferr
		})
		_ = shared
		if e != nil {
			err = e
			return
		}
		res = v.(Result)
	}()

	select {
	case <-done:
		return res, err
	case <-ctx.Done():
		return Result{}, ErrDeferred
	}
}

// InFlight reports whether key currently has a leader running.
func (r *Registry) InFlight(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[key]
	return ok
}

// IsEmpty reports whether no fetch is currently in flight for any key,
// used by the idle-cleanup and memory-guard sweeps (spec.md §4.J) to
// decide whether it's safe to touch the downloads root or shut down.
func (r *Registry) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) == 0
}
