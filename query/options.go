package query

import (
	"context"
	"math"
	"time"

	"github.com/apex/log"
	"github.com/jonboulle/clockwork"

	"github.com/Tchelovb/clinicpro-manager-sub010/policy"
)

const (
	// DefaultStaleTime is how long a successful result stays fresh.
	DefaultStaleTime = 5 * time.Minute
	// DefaultGCTime is how long an unused entry is retained.
	DefaultGCTime = 10 * time.Minute

	// NeverStale keeps successful results fresh until invalidated.
	NeverStale time.Duration = math.MaxInt64
	// AlwaysStale makes every successful result stale immediately.
	AlwaysStale time.Duration = -1
	// NeverCollect disables retention-based eviction.
	NeverCollect time.Duration = -1
)

// Fetcher is the read side of the transport: it loads the value for key.
// ctx is cancelled when the fetch is aborted (superseded, inactive or the
// client closed); honoring it is optional.
type Fetcher[V any] func(ctx context.Context, key Key) (V, error)

// EvictReason explains why an entry was removed.
type EvictReason int

const (
	// EvictGC: unused past the retention window.
	EvictGC EvictReason = iota
	// EvictPolicy: removed by the eviction policy to honor MaxEntries.
	EvictPolicy
	// EvictManual: removed by Evict.
	EvictManual
)

func (r EvictReason) String() string {
	switch r {
	case EvictGC:
		return "gc"
	case EvictPolicy:
		return "policy"
	default:
		return "manual"
	}
}

// Metrics exposes client-level observability hooks.
// NoopMetrics is used when none is configured.
type Metrics interface {
	Hit()
	Miss()
	Evict(reason EvictReason)
	Size(entries int)
	// Fetch observes a settled fetch: total duration including retries.
	Fetch(d time.Duration, err error)
	Retry()
	Mutation(err error)
}

// Options configures a Client. Zero values are safe; defaults are applied
// in New:
//   - StaleTime 0        => DefaultStaleTime (AlwaysStale for immediate staleness)
//   - GCTime 0           => DefaultGCTime (NeverCollect disables collection)
//   - nil Retry          => DefaultQueryRetry
//   - nil Policy         => LRU (only consulted when MaxEntries > 0)
//   - nil Metrics        => NoopMetrics
//   - nil Logger         => log.Log
//   - nil Clock          => real clock
//   - nil Connectivity   => AlwaysOnline
type Options[V any] struct {
	// StaleTime is the freshness window of a successful result.
	StaleTime time.Duration
	// GCTime is the retention window after an entry becomes unused.
	GCTime time.Duration

	// Retry is the default retry policy for fetches.
	Retry *RetryPolicy

	// NetworkMode decides whether fetches wait for connectivity.
	NetworkMode  NetworkMode
	Connectivity Connectivity

	// RefetchOnFocus makes Focus refetch stale entries that have subscribers.
	RefetchOnFocus bool

	// AbortInactive cancels a fetch's context once no subscriber or waiter
	// is left and no retry is pending. By default such fetches run to
	// completion and their result is cached.
	AbortInactive bool

	// MaxEntries bounds the number of resident entries (0 = unbounded).
	// Entries in use are never evicted to honor it.
	MaxEntries int
	// Shards defines the number of entry-table shards (0 = auto).
	Shards int
	// Policy chooses eviction candidates when MaxEntries is set.
	Policy policy.Policy[string]

	// OnEvict is called after an entry is removed, outside any lock.
	OnEvict func(e Entry[V], reason EvictReason)

	Metrics Metrics
	Logger  log.Interface
	Clock   clockwork.Clock
}

// CallOption overrides client defaults for a single Fetch or Watch.
type CallOption func(*callConfig)

type callConfig struct {
	staleTime time.Duration
	retry     RetryPolicy
	mode      NetworkMode
}

// WithStaleTime overrides the freshness window for this call's result.
func WithStaleTime(d time.Duration) CallOption {
	return func(c *callConfig) { c.staleTime = d }
}

// WithRetry overrides the retry policy for this call.
func WithRetry(p RetryPolicy) CallOption {
	return func(c *callConfig) { c.retry = p }
}

// WithNetworkMode overrides the network mode for this call.
func WithNetworkMode(m NetworkMode) CallOption {
	return func(c *callConfig) { c.mode = m }
}
