package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Tchelovb/clinicpro-manager-sub010/query"
)

var errTransient = errors.New("simulated transport failure")

// simulated is an in-memory backend with latency, random failures and a
// bound on concurrent requests.
type simulated struct {
	latency  time.Duration
	failRate float64
	sem      *semaphore.Weighted

	mu  sync.Mutex
	rng *rand.Rand

	rows     sync.Map // id -> revision
	calls    atomic.Uint64
	failures atomic.Uint64
	writes   atomic.Uint64
}

func newSimulated(latency time.Duration, failRate float64, maxInFlight int, seed int64) *simulated {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &simulated{
		latency:  latency,
		failRate: failRate,
		sem:      semaphore.NewWeighted(int64(maxInFlight)),
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Fetch is a query.Fetcher for keys {"item", id}.
func (s *simulated) Fetch(ctx context.Context, key query.Key) (string, error) {
	id, err := itemID(key)
	if err != nil {
		return "", err
	}
	if err := s.roundTrip(ctx); err != nil {
		return "", err
	}
	rev, _ := s.rows.LoadOrStore(id, uint64(0))
	return fmt.Sprintf("item %d rev %d", id, rev), nil
}

// Touch is a query.MutateFunc bumping the revision of row id.
func (s *simulated) Touch(ctx context.Context, id int) (string, error) {
	if err := s.roundTrip(ctx); err != nil {
		return "", err
	}
	s.writes.Add(1)
	for {
		old, _ := s.rows.LoadOrStore(id, uint64(0))
		if s.rows.CompareAndSwap(id, old, old.(uint64)+1) {
			return fmt.Sprintf("item %d rev %d", id, old.(uint64)+1), nil
		}
	}
}

func (s *simulated) roundTrip(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)
	s.calls.Add(1)

	s.mu.Lock()
	fail := s.rng.Float64() < s.failRate
	var wait time.Duration
	if s.latency > 0 {
		// uniform in [latency/2, 3*latency/2)
		wait = s.latency/2 + time.Duration(s.rng.Int63n(int64(s.latency)))
	}
	s.mu.Unlock()

	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if fail {
		s.failures.Add(1)
		return errTransient
	}
	return nil
}

func itemKey(id int) query.Key { return query.Key{"item", id} }

func itemID(key query.Key) (int, error) {
	if len(key) != 2 || key[0] != "item" {
		return 0, fmt.Errorf("bench: unexpected key %s", key)
	}
	id, ok := key[1].(int)
	if !ok {
		return 0, fmt.Errorf("bench: unexpected key %s", key)
	}
	return id, nil
}
