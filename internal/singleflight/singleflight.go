// Package singleflight provides a keyed registry of in-flight calls used to
// deduplicate concurrent fetches of the same query key.
package singleflight

import (
	"context"
	"sync"
)

// Result is the outcome of a call delivered to every joined caller.
type Result[V any] struct {
	Val V
	Err error
	// Shared reports whether more than one caller received this result.
	Shared bool
}

// Group coalesces concurrent calls for the same key K so that fn runs at
// most once per flight.
//
// Concurrency notes:
//   - fn runs on its own goroutine, detached from every caller. Callers
//     only wait for the result; cancelling a caller's ctx never stops fn.
//   - Forget drops the in-flight marker for a key. The next call for that
//     key starts a new flight even while the forgotten one still runs;
//     callers already joined to the old flight still get its result.
type Group[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*call[V]
}

type call[V any] struct {
	done chan struct{} // closed when val/err are published
	val  V
	err  error
	dups int
}

// DoChan joins the in-flight call for key or starts fn in a new goroutine.
// The returned channel receives exactly one Result. started reports whether
// this call created the flight.
func (g *Group[K, V]) DoChan(key K, fn func() (V, error)) (ch <-chan Result[V], started bool) {
	out := make(chan Result[V], 1)

	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*call[V])
	}
	if c, ok := g.m[key]; ok {
		c.dups++
		g.mu.Unlock()
		go func() {
			<-c.done
			out <- Result[V]{Val: c.val, Err: c.err, Shared: true}
		}()
		return out, false
	}

	c := &call[V]{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	go func() {
		v, err := fn()

		g.mu.Lock()
		c.val, c.err = v, err
		shared := c.dups > 0
		// A newer flight may own the key after Forget.
		if g.m[key] == c {
			delete(g.m, key)
		}
		g.mu.Unlock()

		close(c.done)
		out <- Result[V]{Val: v, Err: err, Shared: shared}
	}()
	return out, true
}

// Do is the blocking form of DoChan. If ctx is cancelled, Do returns
// ctx.Err() while the flight keeps running.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (V, error) {
	ch, _ := g.DoChan(key, fn)
	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Forget drops the in-flight marker for key.
func (g *Group[K, V]) Forget(key K) {
	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
}

// InFlight reports whether a call for key is currently registered.
func (g *Group[K, V]) InFlight(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.m[key]
	return ok
}
