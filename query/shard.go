package query

import (
	"sync"
	"sync/atomic"

	"github.com/Tchelovb/clinicpro-manager-sub010/internal/util"
	"github.com/Tchelovb/clinicpro-manager-sub010/policy"
)

// shard is an independent partition of the entry table with its own lock,
// map, and an intrusive doubly linked list (head=MRU, tail=LRU).
type shard[V any] struct {
	// ---- guarded by mu ----
	mu   sync.Mutex
	m    map[string]*node[V]
	head *node[V] // MRU
	tail *node[V] // LRU
	len  int
	cap  int // per-shard entry limit (0 = unbounded)

	pol     policy.ShardPolicy[string]
	metrics Metrics
	size    *atomic.Int64 // client-wide resident entries

	// ---- hot counters ----
	_      util.CacheLinePad
	hits   util.Counter
	misses util.Counter
	evicts util.Counter
}

func newShard[V any](capacity int, pol policy.Policy[string], metrics Metrics, size *atomic.Int64) *shard[V] {
	s := &shard[V]{
		m:       make(map[string]*node[V]),
		cap:     capacity,
		metrics: metrics,
		size:    size,
	}
	s.pol = pol.New(shardHooks[V]{s: s})
	return s
}

// -------------------- internals (mu held) --------------------

func (s *shard[V]) lookupLocked(hash string) *node[V] {
	return s.m[hash]
}

// insertLocked admits a new node and enforces the capacity bound.
func (s *shard[V]) insertLocked(n *node[V], out *outbox[V]) {
	s.m[n.hash] = n
	if ev := s.pol.OnAdd(n); ev != nil && s.cap > 0 {
		if cand := ev.(*node[V]); cand != n && !cand.pinned() {
			s.evictLocked(cand, EvictPolicy, out)
		}
	}
	s.size.Add(1)
	s.enforceLimitsLocked(n, out)
}

// enforceLimitsLocked evicts from the LRU end, skipping pinned entries and
// keep, until the shard is within capacity or nothing else is evictable.
func (s *shard[V]) enforceLimitsLocked(keep *node[V], out *outbox[V]) {
	if s.cap > 0 {
		for n := s.tail; n != nil && s.len > s.cap; {
			prev := n.prev
			if n != keep && !n.pinned() {
				s.evictLocked(n, EvictPolicy, out)
			}
			n = prev
		}
	}
	s.metrics.Size(int(s.size.Load()))
}

// evictLocked removes n, stops its retention timer and queues OnEvict.
func (s *shard[V]) evictLocked(n *node[V], reason EvictReason, out *outbox[V]) {
	s.pol.OnRemove(n)
	s.unlinkLocked(n)
	delete(s.m, n.hash)
	if n.gcTimer != nil {
		n.gcTimer.Stop()
		n.gcTimer = nil
	}
	s.size.Add(-1)
	s.evicts.Add(1)
	s.metrics.Evict(reason)
	out.evicted(n, reason)
}

func (s *shard[V]) pushFrontLocked(n *node[V]) {
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
	s.len++
}

func (s *shard[V]) moveToFrontLocked(n *node[V]) {
	if n == s.head {
		return
	}
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.tail == n {
		s.tail = n.prev
	}
	n.prev = nil
	n.next = s.head
	if s.head != nil {
		s.head.prev = n
	}
	s.head = n
	if s.tail == nil {
		s.tail = n
	}
}

func (s *shard[V]) unlinkLocked(n *node[V]) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if s.head == n {
		s.head = n.next
	}
	if s.tail == n {
		s.tail = n.prev
	}
	n.prev, n.next = nil, nil
	s.len--
}

// -------------------- policy hooks --------------------

// shardHooks adapts the shard's list operations to policy.Hooks.
type shardHooks[V any] struct{ s *shard[V] }

func (h shardHooks[V]) MoveToFront(x policy.Node[string]) { h.s.moveToFrontLocked(x.(*node[V])) }
func (h shardHooks[V]) PushFront(x policy.Node[string])   { h.s.pushFrontLocked(x.(*node[V])) }
func (h shardHooks[V]) Remove(x policy.Node[string])      { h.s.unlinkLocked(x.(*node[V])) }
func (h shardHooks[V]) Len() int                          { return h.s.len }
func (h shardHooks[V]) Evictable(x policy.Node[string]) bool {
	return !x.(*node[V]).pinned()
}

func (h shardHooks[V]) Back() policy.Node[string] {
	if h.s.tail == nil {
		return nil
	}
	return h.s.tail
}
