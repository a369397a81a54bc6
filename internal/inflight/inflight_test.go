package inflight

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoRunsOnce(t *testing.T) {
	r := New()
	var calls int32

	fn := func() (Result, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return Result{TransportIDs: []string{"id-1"}, Kind: "video"}, nil
	}

	results := make(chan Result, 5)
	for i := 0; i < 5; i++ {
		go func() {
			res, err := r.Do(context.Background(), "key", fn)
			if err != nil {
				t.Error(err)
				return
			}
			results <- res
		}()
	}

	for i := 0; i < 5; i++ {
		res := <-results
		if len(res.TransportIDs) != 1 || res.TransportIDs[0] != "id-1" {
			t.Errorf("unexpected result: %+v", res)
		}
	}

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("fn called %d times, want 1", got)
	}
}

func TestFollowerDeadlineDoesNotCancelLeader(t *testing.T) {
	r := New()
	leaderDone := make(chan struct{})

	fn := func() (Result, error) {
		defer close(leaderDone)
		time.Sleep(100 * time.Millisecond)
		return Result{TransportIDs: []string{"slow-id"}}, nil
	}

	leaderCtx := context.Background()
	leaderResult := make(chan Result, 1)
	go func() {
		res, _ := r.Do(leaderCtx, "slow-key", fn)
		leaderResult <- res
	}()

	// Give the leader a moment to claim the key, then join as a follower
	// with a deadline shorter than the leader's work.
	time.Sleep(10 * time.Millisecond)
	followerCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Do(followerCtx, "slow-key", fn)
	if err != ErrDeferred {
		t.Fatalf("expected ErrDeferred, got %v", err)
	}

	select {
	case <-leaderDone:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("leader work did not complete; follower deadline must not have cancelled it")
	}

	res := <-leaderResult
	if len(res.TransportIDs) != 1 || res.TransportIDs[0] != "slow-id" {
		t.Errorf("leader result = %+v, want slow-id", res)
	}
}

func TestInFlightReportsOnlyWhilePending(t *testing.T) {
	r := New()
	if r.InFlight("k") {
		t.Fatal("expected not in flight before any Do")
	}

	started := make(chan struct{})
	release := make(chan struct{})
	go r.Do(context.Background(), "k", func() (Result, error) {
		close(started)
		<-release
		return Result{}, nil
	})

	<-started
	if !r.InFlight("k") {
		t.Error("expected in flight while leader runs")
	}
	if r.IsEmpty() {
		t.Error("expected IsEmpty false while leader runs")
	}
	close(release)

	// Allow the leader goroutine to finish and clear pending.
	time.Sleep(20 * time.Millisecond)
	if r.InFlight("k") {
		t.Error("expected not in flight after completion")
	}
	if !r.IsEmpty() {
		t.Error("expected IsEmpty true once all keys complete")
	}
}
