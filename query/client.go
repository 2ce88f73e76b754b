package query

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/jonboulle/clockwork"

	"github.com/Tchelovb/clinicpro-manager-sub010/internal/singleflight"
	"github.com/Tchelovb/clinicpro-manager-sub010/internal/util"
	"github.com/Tchelovb/clinicpro-manager-sub010/policy/lru"
)

// client is the sharded request cache behind Client.
type client[V any] struct {
	shards []*shard[V]
	opt    Options[V]
	retry  RetryPolicy

	// flights deduplicates fetches per canonical key.
	flights singleflight.Group[string, Entry[V]]

	// ctx is the parent of every flight; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool

	nextSub atomic.Uint64
	size    atomic.Int64
	fetches util.Counter
	retries util.Counter
}

// New constructs a Client with the provided Options.
func New[V any](opt Options[V]) Client[V] {
	if opt.StaleTime == 0 {
		opt.StaleTime = DefaultStaleTime
	}
	if opt.GCTime == 0 {
		opt.GCTime = DefaultGCTime
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Logger == nil {
		opt.Logger = log.Log
	}
	if opt.Clock == nil {
		opt.Clock = clockwork.NewRealClock()
	}
	if opt.Connectivity == nil {
		opt.Connectivity = AlwaysOnline{}
	}
	if opt.Policy == nil {
		opt.Policy = lru.New[string]()
	}
	retry := DefaultQueryRetry
	if opt.Retry != nil {
		retry = *opt.Retry
	}

	sh := util.ShardCount(opt.Shards)
	perShardCap := 0
	if opt.MaxEntries > 0 {
		perShardCap = (opt.MaxEntries + sh - 1) / sh // split capacity evenly (ceil)
	}

	c := &client[V]{opt: opt, retry: retry}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.shards = make([]*shard[V], sh)
	for i := range c.shards {
		c.shards[i] = newShard[V](perShardCap, opt.Policy, opt.Metrics, &c.size)
	}
	return c
}

// ---- Client[V] implementation ----

func (c *client[V]) Fetch(ctx context.Context, key Key, fn Fetcher[V], opts ...CallOption) (Entry[V], error) {
	if c.closed.Load() {
		return Entry[V]{}, ErrClosed
	}
	ref := resolveKey(key)
	s := c.shardFor(ref.hash)
	var out outbox[V]

	s.mu.Lock()
	n := c.nodeLocked(s, ref, &out)
	if fn != nil {
		n.fetcher, n.cfg = fn, c.config(opts)
	}
	if n.fresh(c.opt.Clock.Now()) {
		s.pol.OnGet(n)
		c.renewLocked(n)
		s.hits.Add(1)
		c.opt.Metrics.Hit()
		e := n.snapshot()
		s.mu.Unlock()
		out.flush(c.opt.OnEvict)
		return e, nil
	}
	s.misses.Add(1)
	c.opt.Metrics.Miss()
	if n.fetcher == nil {
		c.activityLocked(n)
		e := n.snapshot()
		s.mu.Unlock()
		out.flush(c.opt.OnEvict)
		return e, ErrNoFetcher
	}
	n.waiters++
	c.activityLocked(n)
	ch := c.fetchChanLocked(s, n, &out)
	s.mu.Unlock()
	out.flush(c.opt.OnEvict)

	defer c.release(s, n)
	for {
		select {
		case r := <-ch:
			if r.Err != errSuperseded {
				return r.Val, r.Err
			}
			// The flight we joined was replaced by a newer one (Invalidate).
			// Follow the newer flight or report the state it left behind.
			s.mu.Lock()
			if n.flight == nil {
				e := n.snapshot()
				s.mu.Unlock()
				return e, e.Err
			}
			ch = c.fetchChanLocked(s, n, &out)
			s.mu.Unlock()
			out.flush(c.opt.OnEvict)

		case <-ctx.Done():
			s.mu.Lock()
			e := n.snapshot()
			s.mu.Unlock()
			return e, ctx.Err()
		}
	}
}

func (c *client[V]) Watch(key Key, fn Fetcher[V], cb func(Entry[V]), opts ...CallOption) func() {
	return c.subscribe(key, fn, cb, opts, true)
}

func (c *client[V]) Subscribe(key Key, cb func(Entry[V])) func() {
	return c.subscribe(key, nil, cb, nil, false)
}

func (c *client[V]) subscribe(key Key, fn Fetcher[V], cb func(Entry[V]), opts []CallOption, ensure bool) func() {
	if c.closed.Load() || cb == nil {
		return func() {}
	}
	ref := resolveKey(key)
	s := c.shardFor(ref.hash)
	var out outbox[V]

	s.mu.Lock()
	existed := s.lookupLocked(ref.hash) != nil
	n := c.nodeLocked(s, ref, &out)
	if fn != nil {
		n.fetcher, n.cfg = fn, c.config(opts)
	}
	sub := &subscriber[Entry[V]]{id: c.nextSub.Add(1), cb: cb}
	n.subs[sub.id] = sub
	s.pol.OnGet(n)
	c.activityLocked(n)
	if ensure {
		if n.fresh(c.opt.Clock.Now()) {
			s.hits.Add(1)
			c.opt.Metrics.Hit()
		} else {
			s.misses.Add(1)
			c.opt.Metrics.Miss()
			if n.fetcher != nil && n.flight == nil {
				c.fetchChanLocked(s, n, &out)
			}
		}
	}
	initial := n.snapshot()
	s.mu.Unlock()

	if ensure || existed {
		sub.deliver(initial, initial.Version)
	}
	out.flush(c.opt.OnEvict)

	var once sync.Once
	return func() {
		once.Do(func() {
			var out outbox[V]
			s.mu.Lock()
			delete(n.subs, sub.id)
			c.maybeAbortLocked(n, &out)
			c.activityLocked(n)
			s.mu.Unlock()
			out.flush(c.opt.OnEvict)
		})
	}
}

func (c *client[V]) Peek(key Key) (Entry[V], bool) {
	ref := resolveKey(key)
	s := c.shardFor(ref.hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.lookupLocked(ref.hash)
	if n == nil {
		return Entry[V]{}, false
	}
	return n.snapshot(), true
}

func (c *client[V]) Invalidate(prefix Key) int {
	if c.closed.Load() {
		return 0
	}
	pp := prefix.parts()
	now := c.opt.Clock.Now()
	matched, refetched := 0, 0
	for _, s := range c.shards {
		var out outbox[V]
		s.mu.Lock()
		for _, n := range s.m {
			if !hasPrefix(n.parts, pp) {
				continue
			}
			matched++
			if n.staleAt.After(now) {
				n.staleAt = now
			}
			// A response to a request issued before the invalidation may
			// carry outdated data; its flight is superseded.
			if !n.active() {
				if n.flight != nil {
					c.detachLocked(n, &out)
					c.activityLocked(n)
				}
				continue
			}
			if n.fetcher == nil {
				continue
			}
			if n.flight != nil {
				c.supersedeLocked(n)
			}
			c.fetchChanLocked(s, n, &out)
			refetched++
		}
		s.mu.Unlock()
		out.flush(c.opt.OnEvict)
	}
	c.opt.Logger.WithFields(log.Fields{
		"prefix":    prefix.String(),
		"matched":   matched,
		"refetched": refetched,
	}).Debug("query: invalidated")
	return matched
}

func (c *client[V]) SetData(key Key, v V) {
	if c.closed.Load() {
		return
	}
	ref := resolveKey(key)
	s := c.shardFor(ref.hash)
	var out outbox[V]

	s.mu.Lock()
	n := c.nodeLocked(s, ref, &out)
	now := c.opt.Clock.Now()
	n.value, n.hasValue = v, true
	n.status = StatusSuccess
	n.err = nil
	n.updatedAt = now
	n.staleAt = staleDeadline(now, n.cfg.staleTime)
	n.changed(&out)
	s.pol.OnUpdate(n)
	c.renewLocked(n)
	s.mu.Unlock()
	out.flush(c.opt.OnEvict)
}

func (c *client[V]) Evict(key Key) bool {
	ref := resolveKey(key)
	s := c.shardFor(ref.hash)
	var out outbox[V]

	s.mu.Lock()
	n := s.lookupLocked(ref.hash)
	if n == nil || n.pinned() {
		s.mu.Unlock()
		return false
	}
	s.evictLocked(n, EvictManual, &out)
	s.metrics.Size(int(c.size.Load()))
	s.mu.Unlock()
	out.flush(c.opt.OnEvict)
	return true
}

func (c *client[V]) GC() int {
	if c.opt.GCTime < 0 {
		return 0
	}
	now := c.opt.Clock.Now()
	removed := 0
	for _, s := range c.shards {
		var out outbox[V]
		s.mu.Lock()
		for _, n := range s.m {
			if n.pinned() || now.Sub(n.lastUsed) < c.opt.GCTime {
				continue
			}
			s.evictLocked(n, EvictGC, &out)
			removed++
		}
		s.metrics.Size(int(c.size.Load()))
		s.mu.Unlock()
		out.flush(c.opt.OnEvict)
	}
	if removed > 0 {
		c.opt.Logger.WithField("removed", removed).Info("query: gc sweep")
	}
	return removed
}

func (c *client[V]) Focus() {
	if !c.opt.RefetchOnFocus || c.closed.Load() {
		return
	}
	now := c.opt.Clock.Now()
	for _, s := range c.shards {
		var out outbox[V]
		s.mu.Lock()
		for _, n := range s.m {
			if len(n.subs) == 0 || n.fetcher == nil || n.flight != nil || n.fresh(now) {
				continue
			}
			c.fetchChanLocked(s, n, &out)
		}
		s.mu.Unlock()
		out.flush(c.opt.OnEvict)
	}
}

func (c *client[V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += s.len
		s.mu.Unlock()
	}
	return total
}

func (c *client[V]) Stats() Stats {
	st := Stats{
		Entries: c.Len(),
		Fetches: c.fetches.Load(),
		Retries: c.retries.Load(),
	}
	for _, s := range c.shards {
		st.Hits += s.hits.Load()
		st.Misses += s.misses.Load()
		st.Evictions += s.evicts.Load()
	}
	return st
}

func (c *client[V]) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()
	for _, s := range c.shards {
		s.mu.Lock()
		for _, n := range s.m {
			if n.gcTimer != nil {
				n.gcTimer.Stop()
				n.gcTimer = nil
			}
		}
		s.mu.Unlock()
	}
	c.opt.Logger.WithField("entries", c.Len()).Debug("query: client closed")
	return nil
}

// ---- helpers ----

// shardFor picks a shard by hashing the canonical key.
func (c *client[V]) shardFor(hash string) *shard[V] {
	return c.shards[util.ShardIndex(util.Fnv64a(hash), len(c.shards))]
}

func (c *client[V]) config(opts []CallOption) callConfig {
	cfg := callConfig{
		staleTime: c.opt.StaleTime,
		retry:     c.retry,
		mode:      c.opt.NetworkMode,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// nodeLocked returns the node for ref, creating an Idle one if needed.
func (c *client[V]) nodeLocked(s *shard[V], ref keyRef, out *outbox[V]) *node[V] {
	if n := s.lookupLocked(ref.hash); n != nil {
		return n
	}
	n := &node[V]{
		key:   ref.key,
		parts: ref.parts,
		hash:  ref.hash,
		cfg:   c.config(nil),
		subs:  make(map[uint64]*subscriber[Entry[V]]),
	}
	s.insertLocked(n, out)
	return n
}

// release drops a Fetch waiter.
func (c *client[V]) release(s *shard[V], n *node[V]) {
	var out outbox[V]
	s.mu.Lock()
	n.waiters--
	c.maybeAbortLocked(n, &out)
	c.activityLocked(n)
	s.mu.Unlock()
	out.flush(c.opt.OnEvict)
}

// activityLocked arms the retention timer when n becomes unused and
// disarms it when n is used again.
func (c *client[V]) activityLocked(n *node[V]) {
	if n.pinned() {
		if n.gcTimer != nil {
			n.gcTimer.Stop()
			n.gcTimer = nil
		}
		return
	}
	if n.gcTimer != nil || c.opt.GCTime < 0 || c.closed.Load() {
		return
	}
	n.lastUsed = c.opt.Clock.Now()
	n.gcTimer = c.opt.Clock.AfterFunc(c.opt.GCTime, func() {
		go c.collect(n)
	})
}

// renewLocked restarts the retention window of n after a use.
func (c *client[V]) renewLocked(n *node[V]) {
	if n.gcTimer != nil {
		n.gcTimer.Stop()
		n.gcTimer = nil
	}
	c.activityLocked(n)
}

// collect evicts n once its retention window has elapsed.
func (c *client[V]) collect(n *node[V]) {
	s := c.shardFor(n.hash)
	var out outbox[V]

	s.mu.Lock()
	if s.lookupLocked(n.hash) != n || n.pinned() || n.gcTimer == nil ||
		c.opt.Clock.Since(n.lastUsed) < c.opt.GCTime {
		s.mu.Unlock()
		return
	}
	n.gcTimer = nil
	s.evictLocked(n, EvictGC, &out)
	s.metrics.Size(int(c.size.Load()))
	s.mu.Unlock()
	out.flush(c.opt.OnEvict)

	c.opt.Logger.WithField("key", n.hash).Debug("query: entry collected")
}

// farFuture is the StaleAt of entries that never go stale on their own.
var farFuture = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

func staleDeadline(now time.Time, staleTime time.Duration) time.Time {
	switch {
	case staleTime < 0:
		return now
	case staleTime == NeverStale:
		return farFuture
	}
	return now.Add(staleTime)
}

var _ Client[struct{}] = (*client[struct{}])(nil)
