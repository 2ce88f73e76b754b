package query

import (
	"context"
	"time"

	"github.com/apex/log"

	"github.com/Tchelovb/clinicpro-manager-sub010/internal/singleflight"
)

// fetchChanLocked joins the flight for n, starting one if none is running.
func (c *client[V]) fetchChanLocked(s *shard[V], n *node[V], out *outbox[V]) <-chan singleflight.Result[Entry[V]] {
	if n.flight == nil {
		// A detached flight may still hold the key in the group.
		c.flights.Forget(n.hash)
	}
	f := &flight[V]{}
	ch, started := c.flights.DoChan(n.hash, func() (Entry[V], error) {
		return c.runFlight(s, n, f)
	})
	if started {
		c.beginFlightLocked(n, f, out)
	}
	return ch
}

// beginFlightLocked makes f the current flight of n. runFlight blocks on
// the shard lock until this returns.
func (c *client[V]) beginFlightLocked(n *node[V], f *flight[V], out *outbox[V]) {
	n.seq++
	f.seq = n.seq
	f.ctx, f.cancel = context.WithCancel(c.ctx)
	f.fetcher, f.cfg = n.fetcher, n.cfg
	f.key, f.hash = n.key, n.hash

	n.flight = f
	n.status = StatusLoading
	n.fetchState = Fetching
	n.failures = 0
	n.changed(out)
	c.fetches.Add(1)
}

// runFlight drives f through the retry machine and settles its result.
func (c *client[V]) runFlight(s *shard[V], n *node[V], f *flight[V]) (Entry[V], error) {
	s.mu.Lock()
	ctx, fetcher, cfg, key := f.ctx, f.fetcher, f.cfg, f.key
	s.mu.Unlock()

	logger := c.opt.Logger.WithFields(log.Fields{"key": f.hash, "seq": f.seq})
	r := retryer{
		clock:  c.opt.Clock,
		policy: cfg.retry,
		mode:   cfg.mode,
		conn:   c.opt.Connectivity,
		onAttempt: func(attempt int) {
			c.withFlight(s, n, f, func(out *outbox[V]) {
				f.waiting = false
				if attempt > 0 {
					c.retries.Add(1)
					c.opt.Metrics.Retry()
				}
				c.maybeAbortLocked(n, out)
				c.activityLocked(n)
			})
		},
		onFailure: func(attempt int, err error, wait time.Duration) {
			c.withFlight(s, n, f, func(out *outbox[V]) {
				f.waiting = true
				n.failures = attempt + 1
				n.changed(out)
			})
			logger.WithError(err).WithFields(log.Fields{
				"attempt": attempt + 1,
				"wait":    wait,
			}).Debug("query: fetch attempt failed")
		},
		onPause: func(paused bool) {
			c.withFlight(s, n, f, func(out *outbox[V]) {
				if paused {
					n.fetchState = FetchPaused
				} else {
					n.fetchState = Fetching
				}
				n.changed(out)
			})
			if paused {
				logger.Info("query: fetch paused until online")
			}
		},
	}

	start := c.opt.Clock.Now()
	v, attempts, err := run(ctx, r, func(ctx context.Context) (V, error) {
		return fetcher(ctx, key)
	})
	c.opt.Metrics.Fetch(c.opt.Clock.Since(start), err)
	return c.settle(s, n, f, v, attempts, err)
}

// withFlight runs fn under the shard lock if f is still the current flight.
func (c *client[V]) withFlight(s *shard[V], n *node[V], f *flight[V], fn func(out *outbox[V])) {
	var out outbox[V]
	s.mu.Lock()
	if n.flight == f {
		fn(&out)
	}
	s.mu.Unlock()
	out.flush(c.opt.OnEvict)
}

// settle publishes the outcome of f. A flight that is no longer current
// is discarded: its result never reaches the entry.
func (c *client[V]) settle(s *shard[V], n *node[V], f *flight[V], v V, attempts int, err error) (Entry[V], error) {
	var out outbox[V]
	s.mu.Lock()
	if n.flight != f {
		s.mu.Unlock()
		f.cancel()
		c.opt.Logger.WithFields(log.Fields{"key": f.hash, "seq": f.seq}).Debug("query: stale response discarded")
		return Entry[V]{}, errSuperseded
	}
	// Only Close cancels the context of a current flight.
	closed := f.ctx.Err() != nil
	f.cancel()
	n.flight = nil

	now := c.opt.Clock.Now()
	switch {
	case err == nil:
		n.value, n.hasValue = v, true
		n.status = StatusSuccess
		n.err = nil
		n.updatedAt = now
		n.staleAt = staleDeadline(now, f.cfg.staleTime)
		n.failures = 0
	case closed:
		n.status = n.restingStatus()
	default:
		n.err = &RetryExhaustedError{Key: f.key, Attempts: attempts, Err: err}
		n.status = StatusError
		n.errorAt = now
		n.failures = attempts
	}
	n.fetchState = FetchIdle
	n.changed(&out)
	s.pol.OnUpdate(n)
	c.activityLocked(n)
	e := n.snapshot()
	s.mu.Unlock()
	out.flush(c.opt.OnEvict)

	switch {
	case err == nil:
		return e, nil
	case closed:
		return e, ErrClosed
	default:
		c.opt.Logger.WithError(err).WithFields(log.Fields{
			"key":      f.hash,
			"attempts": attempts,
		}).Warn("query: fetch failed")
		return e, e.Err
	}
}

// maybeAbortLocked detaches the flight of n when AbortInactive is set,
// nobody is waiting for the entry and no retry is pending.
func (c *client[V]) maybeAbortLocked(n *node[V], out *outbox[V]) {
	if !c.opt.AbortInactive || n.flight == nil || n.active() || n.flight.waiting {
		return
	}
	c.detachLocked(n, out)
}

// detachLocked supersedes the flight of an entry nobody waits on and
// returns the entry to its resting status.
func (c *client[V]) detachLocked(n *node[V], out *outbox[V]) {
	seq := n.flight.seq
	c.supersedeLocked(n)
	n.status = n.restingStatus()
	n.fetchState = FetchIdle
	n.changed(out)
	c.opt.Logger.WithFields(log.Fields{"key": n.hash, "seq": seq}).Debug("query: inactive fetch detached")
}

// supersedeLocked detaches the current flight of n and cancels its context.
// Callers joined to it receive errSuperseded.
func (c *client[V]) supersedeLocked(n *node[V]) {
	f := n.flight
	n.flight = nil
	c.flights.Forget(n.hash)
	f.cancel()
}
