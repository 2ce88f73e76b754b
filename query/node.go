package query

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// node is the mutable record behind an Entry. It is owned by a shard and
// every field below is guarded by that shard's lock.
type node[V any] struct {
	key   Key
	parts []string
	hash  string

	// Intrusive list links: head is MRU, tail is LRU.
	prev *node[V]
	next *node[V]

	value      V
	hasValue   bool
	status     Status
	fetchState FetchState
	err        error
	updatedAt  time.Time
	staleAt    time.Time
	errorAt    time.Time
	failures   int
	version    uint64

	// Last fetcher and call config, reused by Invalidate and Focus.
	fetcher Fetcher[V]
	cfg     callConfig

	subs    map[uint64]*subscriber[Entry[V]]
	waiters int
	flight  *flight[V]
	seq     uint64

	lastUsed time.Time
	gcTimer  clockwork.Timer
}

// Key returns the canonical key (part of policy.Node).
func (n *node[V]) Key() string { return n.hash }

// pinned reports whether the entry is in use and must not be evicted.
func (n *node[V]) pinned() bool {
	return len(n.subs) > 0 || n.waiters > 0 || n.flight != nil
}

// active reports whether someone is waiting on the entry's data.
func (n *node[V]) active() bool {
	return len(n.subs) > 0 || n.waiters > 0
}

func (n *node[V]) fresh(now time.Time) bool {
	return n.status == StatusSuccess && now.Before(n.staleAt)
}

func (n *node[V]) snapshot() Entry[V] {
	return Entry[V]{
		Key:          n.key,
		Value:        n.value,
		HasValue:     n.hasValue,
		Status:       n.status,
		FetchState:   n.fetchState,
		Err:          n.err,
		UpdatedAt:    n.updatedAt,
		StaleAt:      n.staleAt,
		ErrorAt:      n.errorAt,
		FailureCount: n.failures,
		Version:      n.version,
	}
}

// restingStatus is the status an entry falls back to when its fetch is
// abandoned without a result.
func (n *node[V]) restingStatus() Status {
	switch {
	case n.err != nil:
		return StatusError
	case n.hasValue:
		return StatusSuccess
	default:
		return StatusIdle
	}
}

// changed records a transition and queues a notification for subscribers.
func (n *node[V]) changed(out *outbox[V]) {
	n.version++
	out.notify(n)
}

// flight is one fetch cycle for a key: attempts, backoff waits and pauses
// up to a settled result. A flight detached from its node (superseded,
// aborted) keeps running but its result is discarded.
type flight[V any] struct {
	seq     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	fetcher Fetcher[V]
	cfg     callConfig
	key     Key
	hash    string

	// waiting is set while a backoff timer is pending.
	waiting bool
}

// subscriber receives state snapshots. Callbacks for one subscriber never
// overlap and see strictly increasing versions: a snapshot that arrives
// while a callback runs replaces any undelivered one, and an older snapshot
// arriving late is dropped. The callback runs without any lock held, so it
// may call back into the client.
type subscriber[T any] struct {
	id uint64
	cb func(T)

	mu      sync.Mutex
	last    uint64
	seen    bool
	pending *T
	running bool
}

func (s *subscriber[T]) deliver(v T, version uint64) {
	s.mu.Lock()
	if s.seen && version <= s.last {
		s.mu.Unlock()
		return
	}
	s.seen, s.last = true, version
	s.pending = &v
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	for s.pending != nil {
		next := *s.pending
		s.pending = nil
		s.mu.Unlock()
		s.cb(next)
		s.mu.Lock()
	}
	s.running = false
	s.mu.Unlock()
}

type notice[V any] struct {
	snap Entry[V]
	subs []*subscriber[Entry[V]]
}

type eviction[V any] struct {
	snap   Entry[V]
	reason EvictReason
}

// outbox collects side effects produced under a shard lock so they run
// after the lock is released: subscriber callbacks and OnEvict.
type outbox[V any] struct {
	notices   []notice[V]
	evictions []eviction[V]
}

func (o *outbox[V]) notify(n *node[V]) {
	if len(n.subs) == 0 {
		return
	}
	subs := make([]*subscriber[Entry[V]], 0, len(n.subs))
	for _, s := range n.subs {
		subs = append(subs, s)
	}
	o.notices = append(o.notices, notice[V]{snap: n.snapshot(), subs: subs})
}

func (o *outbox[V]) evicted(n *node[V], reason EvictReason) {
	o.evictions = append(o.evictions, eviction[V]{snap: n.snapshot(), reason: reason})
}

func (o *outbox[V]) flush(onEvict func(Entry[V], EvictReason)) {
	for _, nt := range o.notices {
		for _, s := range nt.subs {
			s.deliver(nt.snap, nt.snap.Version)
		}
	}
	if onEvict != nil {
		for _, ev := range o.evictions {
			onEvict(ev.snap, ev.reason)
		}
	}
	o.notices, o.evictions = nil, nil
}
