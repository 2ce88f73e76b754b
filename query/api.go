package query

import "context"

// Client is an asynchronous request cache. It owns every cached query
// result, deduplicates concurrent fetches per key, retries failed fetches
// with backoff, tracks staleness and evicts unused entries.
// All methods are safe for concurrent use by multiple goroutines.
//
// A Client is an explicitly constructed value: create one at application
// start, hand it to the code that needs it, and Close it at shutdown.
type Client[V any] interface {
	// Fetch returns the entry for key, loading it with fn when it is
	// missing or stale. A fresh entry is returned without calling fn.
	// Concurrent calls for the same key share a single in-flight fetch.
	// fn may be nil to reuse the fetcher last registered for key.
	//
	// The returned error is the entry's error when all attempts failed
	// (a *RetryExhaustedError), or ctx.Err() when the caller stopped
	// waiting; the fetch itself keeps running in both cases.
	Fetch(ctx context.Context, key Key, fn Fetcher[V], opts ...CallOption) (Entry[V], error)

	// Watch subscribes cb to key and makes sure the entry is fresh,
	// starting a background fetch if needed. cb receives the current
	// snapshot immediately and then every state transition.
	Watch(key Key, fn Fetcher[V], cb func(Entry[V]), opts ...CallOption) (unsubscribe func())

	// Subscribe observes key without triggering a fetch.
	Subscribe(key Key, cb func(Entry[V])) (unsubscribe func())

	// Peek returns a snapshot of the entry for key, if present.
	Peek(key Key) (Entry[V], bool)

	// Invalidate marks every entry whose key starts with prefix as stale
	// and refetches the ones in use. Returns the number of matched entries.
	Invalidate(prefix Key) int

	// SetData stores v for key as a successful, fresh result.
	SetData(key Key, v V)

	// Evict removes key unless it has subscribers, waiters or a fetch in
	// flight. Returns true if the entry was removed.
	Evict(key Key) bool

	// GC removes every unused entry past the retention window.
	GC() int

	// Focus signals that the application regained focus. With
	// Options.RefetchOnFocus, stale subscribed entries are refetched.
	Focus()

	// Len returns the number of resident entries.
	Len() int

	// Stats returns a snapshot of client counters.
	Stats() Stats

	// Close aborts in-flight fetches, stops retention timers and rejects
	// further calls with ErrClosed.
	Close() error
}

// Invalidator is the part of a Client mutations need.
type Invalidator interface {
	Invalidate(prefix Key) int
}

var _ Invalidator = Client[int](nil)
