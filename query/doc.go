// Package query provides an asynchronous request cache: it owns the results
// of remote reads keyed by structural query keys, deduplicates concurrent
// fetches, retries failures with backoff, tracks staleness and evicts
// entries nobody uses anymore.
//
// Design
//
//   - Ownership: a Client owns every Entry. Callers read immutable snapshots
//     and express intents (Fetch, Watch, Invalidate, SetData, Evict); they
//     never write entries directly.
//
//   - Storage: the entry table is split into shards, each protected by a
//     mutex, with a map for lookups and an intrusive MRU↔LRU list consulted
//     by the eviction policy (package policy) when MaxEntries is set.
//
//   - Dedup: at most one fetch runs per key. Concurrent Fetch and Watch
//     calls join it through a singleflight group.
//
//   - Freshness: a successful result is fresh for StaleTime and served
//     without calling the transport. Invalidate marks entries stale and
//     refetches the ones in use.
//
//   - Retries: failed attempts are retried per RetryPolicy with
//     min(1s*2^n, 30s) backoff by default. Intermediate failures keep the
//     entry Loading; only exhaustion moves it to Error, keeping the last
//     good value visible.
//
//   - Last request wins: Invalidate supersedes the running fetch. A
//     superseded response is discarded and never overwrites newer data.
//
//   - Network mode: with NetworkOnline, fetches and mutations pause while
//     Connectivity reports offline. A paused operation is not an error and
//     consumes no retries.
//
//   - Retention: an entry without subscribers, waiters or a fetch in flight
//     is collected GCTime after it became unused.
//
//   - Time: every timer (backoff, retention) runs on Options.Clock, so tests
//     drive the client with a clockwork.FakeClock.
//
// Basic usage
//
//	c := query.New[Patient](query.Options[Patient]{StaleTime: time.Minute})
//	defer c.Close()
//
//	e, err := c.Fetch(ctx, query.Key{"patients", 42}, loadPatient)
//	if err != nil {
//	    // e.Value still holds the last good value, if any
//	}
//
// Subscribing
//
//	stop := c.Watch(query.Key{"patients", 42}, loadPatient, func(e query.Entry[Patient]) {
//	    render(e)
//	})
//	defer stop()
//
// Mutations
//
//	m := query.NewMutation(c, savePatient, query.MutationOptions[Patient, Patient]{
//	    Invalidates: []query.Key{{"patients"}},
//	})
//	_, err := m.Mutate(ctx, p)
//
// All methods of Client and Mutation are safe for concurrent use.
package query
