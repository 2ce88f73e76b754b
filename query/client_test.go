package query

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var quietLogger = &log.Logger{Handler: discard.Default, Level: log.DebugLevel}

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

func newTestClient[V any](t *testing.T, opt Options[V]) Client[V] {
	t.Helper()
	if opt.Logger == nil {
		opt.Logger = quietLogger
	}
	c := New[V](opt)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// recorder collects snapshots delivered to a subscriber.
type recorder[V any] struct {
	mu  sync.Mutex
	got []Entry[V]
}

func (r *recorder[V]) add(e Entry[V]) {
	r.mu.Lock()
	r.got = append(r.got, e)
	r.mu.Unlock()
}

func (r *recorder[V]) all() []Entry[V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry[V](nil), r.got...)
}

func (r *recorder[V]) last() (Entry[V], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.got) == 0 {
		return Entry[V]{}, false
	}
	return r.got[len(r.got)-1], true
}

type fetchResult[V any] struct {
	e   Entry[V]
	err error
}

func fetchAsync[V any](c Client[V], ctx context.Context, key Key, fn Fetcher[V]) <-chan fetchResult[V] {
	ch := make(chan fetchResult[V], 1)
	go func() {
		e, err := c.Fetch(ctx, key, fn)
		ch <- fetchResult[V]{e, err}
	}()
	return ch
}

func await[V any](t *testing.T, ch <-chan fetchResult[V]) fetchResult[V] {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(waitFor):
		t.Fatal("fetch did not settle")
		return fetchResult[V]{}
	}
}

// Concurrent fetches of the same key share a single transport call.
func TestFetch_DedupConcurrent(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Options[int]{})
	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context, _ Key) (int, error) {
		calls.Add(1)
		<-release
		return 7, nil
	}

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		g.Go(func() error {
			e, err := c.Fetch(context.Background(), Key{"patients", 1}, fn)
			if err != nil {
				return err
			}
			if e.Value != 7 || e.Status != StatusSuccess {
				return fmt.Errorf("unexpected entry %+v", e)
			}
			return nil
		})
	}
	close(release)
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(1), c.Stats().Fetches)
}

// A fresh entry is served without calling the transport; StaleAt is
// measured from the moment the response arrived.
func TestFetch_FreshWindow(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(time.Unix(0, 0))
	c := newTestClient(t, Options[string]{StaleTime: 5 * time.Second, Clock: clk})
	var calls atomic.Int32
	fn := func(ctx context.Context, _ Key) (string, error) {
		calls.Add(1)
		clk.Advance(100 * time.Millisecond)
		return "v", nil
	}
	t0 := clk.Now()
	ctx := context.Background()

	e, err := c.Fetch(ctx, Key{"x"}, fn)
	require.NoError(t, err)
	assert.WithinDuration(t, t0.Add(100*time.Millisecond), e.UpdatedAt, 0)
	assert.WithinDuration(t, t0.Add(5100*time.Millisecond), e.StaleAt, 0)

	clk.Advance(1900 * time.Millisecond) // t = 2000ms
	e, err = c.Fetch(ctx, Key{"x"}, fn)
	require.NoError(t, err)
	assert.Equal(t, "v", e.Value)
	assert.Equal(t, int32(1), calls.Load(), "fresh entry must not call the transport")

	clk.Advance(3200 * time.Millisecond) // t = 5200ms, stale
	_, err = c.Fetch(ctx, Key{"x"}, fn)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(2), st.Misses)
}

// Failed attempts are retried on a doubling schedule; the entry stays
// Loading until the last attempt fails.
func TestFetch_RetrySchedule(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	delay := func(i int) time.Duration { return 100 * time.Millisecond << i }
	c := newTestClient(t, Options[int]{
		Clock: clk,
		Retry: &RetryPolicy{Attempts: 3, Delay: delay},
	})

	boom := errors.New("boom")
	var (
		mu sync.Mutex
		at []time.Time
	)
	fn := func(ctx context.Context, _ Key) (int, error) {
		mu.Lock()
		at = append(at, clk.Now())
		mu.Unlock()
		return 0, boom
	}

	rec := &recorder[int]{}
	stop := c.Subscribe(Key{"r"}, rec.add)
	defer stop()

	done := fetchAsync(c, context.Background(), Key{"r"}, fn)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, clk.BlockUntilContext(ctx, 1))
		e, ok := c.Peek(Key{"r"})
		require.True(t, ok)
		assert.Equal(t, StatusLoading, e.Status)
		assert.Equal(t, i+1, e.FailureCount)
		clk.Advance(delay(i))
	}

	res := await(t, done)
	require.Error(t, res.err)
	assert.ErrorIs(t, res.err, boom)
	var rex *RetryExhaustedError
	require.ErrorAs(t, res.err, &rex)
	assert.Equal(t, 4, rex.Attempts)
	assert.Equal(t, StatusError, res.e.Status)
	assert.Equal(t, 4, res.e.FailureCount)

	mu.Lock()
	require.Len(t, at, 4)
	assert.Equal(t, 100*time.Millisecond, at[1].Sub(at[0]))
	assert.Equal(t, 200*time.Millisecond, at[2].Sub(at[1]))
	assert.Equal(t, 400*time.Millisecond, at[3].Sub(at[2]))
	mu.Unlock()

	snaps := rec.all()
	require.NotEmpty(t, snaps)
	for _, s := range snaps[:len(snaps)-1] {
		assert.NotEqual(t, StatusError, s.Status, "no Error before retries are exhausted")
	}
	assert.Equal(t, StatusError, snaps[len(snaps)-1].Status)
	assert.Equal(t, uint64(3), c.Stats().Retries)
}

// An exhausted fetch keeps the last good value next to the error.
func TestFetch_ErrorKeepsValue(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Options[string]{StaleTime: AlwaysStale, Retry: &RetryPolicy{}})
	ctx := context.Background()

	_, err := c.Fetch(ctx, Key{"k"}, func(context.Context, Key) (string, error) { return "good", nil })
	require.NoError(t, err)

	e, err := c.Fetch(ctx, Key{"k"}, func(context.Context, Key) (string, error) {
		return "", errors.New("down")
	})
	require.Error(t, err)
	assert.Equal(t, StatusError, e.Status)
	assert.True(t, e.HasValue)
	assert.Equal(t, "good", e.Value)
	assert.Equal(t, err, e.Err)
}

// A panicking transport is a failed attempt, not a crash.
func TestFetch_PanicRecovered(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Options[int]{Retry: &RetryPolicy{}})
	ctx := context.Background()

	_, err := c.Fetch(ctx, Key{"p"}, func(context.Context, Key) (int, error) { panic("kaboom") })
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "kaboom", pe.Value)
	assert.NotEmpty(t, pe.Stack)

	e, err := c.Fetch(ctx, Key{"p"}, func(context.Context, Key) (int, error) { return 1, nil })
	require.NoError(t, err)
	assert.Equal(t, 1, e.Value)
}

func TestFetch_NoFetcher(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Options[int]{})
	_, err := c.Fetch(context.Background(), Key{"none"}, nil)
	assert.ErrorIs(t, err, ErrNoFetcher)

	// The fetcher registered by an earlier call is reused.
	c2 := newTestClient(t, Options[int]{StaleTime: AlwaysStale})
	var calls atomic.Int32
	fn := func(context.Context, Key) (int, error) { return int(calls.Add(1)), nil }
	_, err = c2.Fetch(context.Background(), Key{"k"}, fn)
	require.NoError(t, err)
	e, err := c2.Fetch(context.Background(), Key{"k"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Value)
}

// The caller may stop waiting; the fetch still completes and is cached.
func TestFetch_CallerCancel(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Options[int]{})
	release := make(chan struct{})
	fn := func(context.Context, Key) (int, error) {
		<-release
		return 5, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := fetchAsync(c, ctx, Key{"slow"}, fn)
	cancel()
	res := await(t, done)
	assert.ErrorIs(t, res.err, context.Canceled)

	close(release)
	require.Eventually(t, func() bool {
		e, ok := c.Peek(Key{"slow"})
		return ok && e.Status == StatusSuccess && e.Value == 5
	}, waitFor, tick)
}

// Invalidate matches by prefix and refetches only entries in use; the
// subscriber sees the new value exactly once.
func TestInvalidate_PrefixRefetch(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Options[int]{})
	var calls atomic.Int32
	fn := func(context.Context, Key) (int, error) { return int(calls.Add(1)), nil }

	rec := &recorder[int]{}
	stop := c.Watch(Key{"todos", 1}, fn, rec.add)
	defer stop()
	require.Eventually(t, func() bool {
		e, ok := rec.last()
		return ok && e.Status == StatusSuccess && e.Value == 1
	}, waitFor, tick)

	c.SetData(Key{"todos", 2}, 20)
	c.SetData(Key{"users"}, 30)

	assert.Equal(t, 2, c.Invalidate(Key{"todos"}))
	require.Eventually(t, func() bool {
		e, ok := rec.last()
		return ok && e.Status == StatusSuccess && e.Value == 2
	}, waitFor, tick)

	n := 0
	for _, e := range rec.all() {
		if e.Status == StatusSuccess && e.Value == 2 {
			n++
		}
	}
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(2), calls.Load())

	now := time.Now()
	e, ok := c.Peek(Key{"todos", 2})
	require.True(t, ok)
	assert.False(t, e.Fresh(now), "invalidated entry must be stale")
	assert.Equal(t, 20, e.Value, "unused entries are not refetched")
	e, _ = c.Peek(Key{"users"})
	assert.True(t, e.Fresh(now))
}

// A response to a request issued before Invalidate never overwrites the
// newer result, and its context is cancelled.
func TestInvalidate_StaleResponseDiscarded(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Options[string]{})
	release := make(chan struct{})
	oldCtx := make(chan error, 1)
	var calls atomic.Int32
	fn := func(ctx context.Context, _ Key) (string, error) {
		if calls.Add(1) == 1 {
			<-release
			oldCtx <- ctx.Err()
			return "old", nil
		}
		return "new", nil
	}

	rec := &recorder[string]{}
	stop := c.Watch(Key{"p"}, fn, rec.add)
	defer stop()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)

	c.Invalidate(Key{"p"})
	require.Eventually(t, func() bool {
		e, ok := rec.last()
		return ok && e.Status == StatusSuccess && e.Value == "new"
	}, waitFor, tick)

	close(release)
	select {
	case err := <-oldCtx:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("superseded fetch did not return")
	}
	assert.Never(t, func() bool {
		e, _ := c.Peek(Key{"p"})
		return e.Value == "old"
	}, 50*time.Millisecond, 5*time.Millisecond)
	for _, e := range rec.all() {
		assert.NotEqual(t, "old", e.Value)
	}
}

// An entry nobody uses any more is marked stale but not refetched; the
// response to its running fetch is discarded.
func TestInvalidate_InactiveFlightNotRefetched(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Options[string]{})
	release := make(chan struct{})
	oldCtx := make(chan error, 1)
	var calls atomic.Int32
	fn := func(ctx context.Context, _ Key) (string, error) {
		calls.Add(1)
		<-release
		oldCtx <- ctx.Err()
		return "old", nil
	}

	stop := c.Watch(Key{"p"}, fn, func(Entry[string]) {})
	require.Eventually(t, func() bool { return calls.Load() == 1 }, waitFor, tick)
	stop()

	assert.Equal(t, 1, c.Invalidate(Key{"p"}))
	e, ok := c.Peek(Key{"p"})
	require.True(t, ok)
	assert.Equal(t, StatusIdle, e.Status)
	assert.Equal(t, FetchIdle, e.FetchState)

	close(release)
	select {
	case err := <-oldCtx:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("detached fetch did not return")
	}
	assert.Never(t, func() bool {
		e, _ := c.Peek(Key{"p"})
		return e.Value == "old"
	}, 50*time.Millisecond, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

// Offline fetches are paused without consuming attempts and resume when
// connectivity returns.
func TestFetch_OfflinePaused(t *testing.T) {
	t.Parallel()

	net := NewNetworkStatus(false)
	c := newTestClient(t, Options[string]{Connectivity: net})
	var calls atomic.Int32
	fn := func(context.Context, Key) (string, error) {
		calls.Add(1)
		return "v", nil
	}

	done := fetchAsync(c, context.Background(), Key{"o"}, fn)
	require.Eventually(t, func() bool {
		e, ok := c.Peek(Key{"o"})
		return ok && e.FetchState == FetchPaused
	}, waitFor, tick)
	e, _ := c.Peek(Key{"o"})
	assert.Equal(t, StatusLoading, e.Status)
	assert.Nil(t, e.Err)
	assert.Equal(t, int32(0), calls.Load())

	net.SetOnline(true)
	res := await(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, "v", res.e.Value)
	assert.Equal(t, FetchIdle, res.e.FetchState)
	assert.Equal(t, int32(1), calls.Load())
}

// Going offline between attempts pauses the retry instead of failing it.
func TestFetch_OfflineMidRetry(t *testing.T) {
	t.Parallel()

	net := NewNetworkStatus(true)
	c := newTestClient(t, Options[int]{
		Connectivity: net,
		Retry:        &RetryPolicy{Attempts: 1, Delay: func(int) time.Duration { return time.Millisecond }},
	})
	var calls atomic.Int32
	fn := func(context.Context, Key) (int, error) {
		if calls.Add(1) == 1 {
			net.SetOnline(false)
			return 0, errors.New("connection reset")
		}
		return 9, nil
	}

	done := fetchAsync(c, context.Background(), Key{"m"}, fn)
	require.Eventually(t, func() bool {
		e, ok := c.Peek(Key{"m"})
		return ok && e.FetchState == FetchPaused
	}, waitFor, tick)
	e, _ := c.Peek(Key{"m"})
	assert.Equal(t, 1, e.FailureCount)

	net.SetOnline(true)
	res := await(t, done)
	require.NoError(t, res.err)
	assert.Equal(t, 9, res.e.Value)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetch_NetworkAlwaysIgnoresOffline(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Options[int]{Connectivity: NewNetworkStatus(false)})
	e, err := c.Fetch(context.Background(), Key{"a"}, func(context.Context, Key) (int, error) {
		return 1, nil
	}, WithNetworkMode(NetworkAlways))
	require.NoError(t, err)
	assert.Equal(t, 1, e.Value)
}

// Unused entries are collected once the retention window elapses.
func TestGC_AfterUnsubscribe(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	var (
		mu      sync.Mutex
		reasons []EvictReason
	)
	c := newTestClient(t, Options[int]{
		Clock:  clk,
		GCTime: time.Minute,
		OnEvict: func(_ Entry[int], r EvictReason) {
			mu.Lock()
			reasons = append(reasons, r)
			mu.Unlock()
		},
	})
	fn := func(context.Context, Key) (int, error) { return 1, nil }

	rec := &recorder[int]{}
	stop := c.Watch(Key{"g"}, fn, rec.add)
	require.Eventually(t, func() bool {
		e, ok := rec.last()
		return ok && e.Status == StatusSuccess
	}, waitFor, tick)
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	clk.Advance(30 * time.Second)
	assert.Equal(t, 1, c.Len(), "retained within the window")

	clk.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return c.Len() == 0 }, waitFor, tick)

	mu.Lock()
	assert.Equal(t, []EvictReason{EvictGC}, reasons)
	mu.Unlock()
}

// Using an entry again disarms its retention timer.
func TestGC_ReactivationKeepsEntry(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	c := newTestClient(t, Options[int]{Clock: clk, GCTime: time.Minute})
	c.SetData(Key{"k"}, 1)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	clk.Advance(30 * time.Second)

	stop := c.Subscribe(Key{"k"}, func(Entry[int]) {})
	defer stop()
	clk.Advance(time.Hour)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 0, c.GC(), "subscribed entries are never collected")
}

// Every fresh hit restarts the retention window.
func TestGC_FreshHitRenewsRetention(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(time.Unix(0, 0))
	c := newTestClient(t, Options[int]{Clock: clk, StaleTime: NeverStale, GCTime: time.Minute})
	var calls atomic.Int32
	fn := func(context.Context, Key) (int, error) { return int(calls.Add(1)), nil }
	ctx := context.Background()

	_, err := c.Fetch(ctx, Key{"r"}, fn)
	require.NoError(t, err)
	clk.Advance(50 * time.Second)
	e, err := c.Fetch(ctx, Key{"r"}, fn)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Value)

	clk.Advance(20 * time.Second) // t = 70s, used 20s ago
	_, ok := c.Peek(Key{"r"})
	assert.True(t, ok, "entry used within the window was collected")
	assert.Equal(t, 0, c.GC())

	clk.Advance(40 * time.Second) // t = 110s
	require.Eventually(t, func() bool { return c.Len() == 0 }, waitFor, tick)
	assert.Equal(t, int32(1), calls.Load())
}

// manualClock never fires AfterFunc timers, leaving collection to GC.
type manualClock struct{ *clockwork.FakeClock }

func (manualClock) AfterFunc(time.Duration, func()) clockwork.Timer { return idleTimer{} }

type idleTimer struct{}

func (idleTimer) Chan() <-chan time.Time   { return nil }
func (idleTimer) Reset(time.Duration) bool { return false }
func (idleTimer) Stop() bool               { return true }

func TestGC_Sweep(t *testing.T) {
	t.Parallel()

	clk := manualClock{clockwork.NewFakeClock()}
	c := newTestClient(t, Options[int]{Clock: clk, GCTime: time.Minute})
	c.SetData(Key{"a"}, 1)
	c.SetData(Key{"b"}, 2)
	stop := c.Subscribe(Key{"b"}, func(Entry[int]) {})
	defer stop()

	assert.Equal(t, 0, c.GC(), "nothing is past the window yet")

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, c.GC())
	_, ok := c.Peek(Key{"a"})
	assert.False(t, ok)
	_, ok = c.Peek(Key{"b"})
	assert.True(t, ok)
}

// MaxEntries is honored through the policy but never evicts entries in use.
func TestMaxEntries_SkipsPinned(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		evicted []EvictReason
	)
	c := newTestClient(t, Options[int]{
		Shards:     1,
		MaxEntries: 2,
		OnEvict: func(_ Entry[int], r EvictReason) {
			mu.Lock()
			evicted = append(evicted, r)
			mu.Unlock()
		},
	})
	fn := func(context.Context, Key) (int, error) { return 1, nil }

	var stops []func()
	for _, k := range []string{"a", "b", "c"} {
		stops = append(stops, c.Watch(Key{k}, fn, func(Entry[int]) {}))
	}
	require.Eventually(t, func() bool {
		for _, k := range []string{"a", "b", "c"} {
			if e, ok := c.Peek(Key{k}); !ok || e.Status != StatusSuccess {
				return false
			}
		}
		return true
	}, waitFor, tick)
	assert.Equal(t, 3, c.Len(), "entries in use are kept over capacity")

	for _, stop := range stops {
		stop()
	}
	c.SetData(Key{"d"}, 4)
	assert.Equal(t, 2, c.Len())
	_, ok := c.Peek(Key{"d"})
	assert.True(t, ok)

	mu.Lock()
	assert.Equal(t, []EvictReason{EvictPolicy, EvictPolicy}, evicted)
	mu.Unlock()
}

func TestEvict(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Options[int]{})
	c.SetData(Key{"a"}, 1)
	stop := c.Subscribe(Key{"a"}, func(Entry[int]) {})

	assert.False(t, c.Evict(Key{"a"}), "subscribed entry must not be evicted")
	stop()
	assert.True(t, c.Evict(Key{"a"}))
	assert.False(t, c.Evict(Key{"a"}))
	assert.Equal(t, 0, c.Len())
}

func TestSetData_ServedFresh(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Options[string]{})
	c.SetData(Key{"s"}, "set")
	e, err := c.Fetch(context.Background(), Key{"s"}, func(context.Context, Key) (string, error) {
		t.Error("transport must not be called for fresh data")
		return "", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "set", e.Value)
	assert.Equal(t, StatusSuccess, e.Status)
}

// Subscribers see every state once, in version order.
func TestSubscribe_Versions(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Options[int]{StaleTime: AlwaysStale})
	rec := &recorder[int]{}
	c.SetData(Key{"v"}, 0)
	stop := c.Subscribe(Key{"v"}, rec.add)
	defer stop()

	var g errgroup.Group
	for i := 1; i <= 20; i++ {
		g.Go(func() error {
			c.SetData(Key{"v"}, i)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	got := rec.all()
	require.NotEmpty(t, got)
	for i := 1; i < len(got); i++ {
		assert.Greater(t, got[i].Version, got[i-1].Version)
	}
	e, _ := c.Peek(Key{"v"})
	require.Eventually(t, func() bool {
		last, _ := rec.last()
		return last.Version == e.Version
	}, waitFor, tick)
}

func TestSubscribe_UnknownKeyHasNoInitialSnapshot(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Options[int]{})
	rec := &recorder[int]{}
	stop := c.Subscribe(Key{"later"}, rec.add)
	defer stop()
	assert.Empty(t, rec.all())

	c.SetData(Key{"later"}, 3)
	e, ok := rec.last()
	require.True(t, ok)
	assert.Equal(t, 3, e.Value)
}

// With AbortInactive the fetch context is cancelled once the last
// subscriber leaves and the entry falls back to its previous status.
func TestAbortInactive(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Options[int]{AbortInactive: true})
	started := make(chan struct{})
	aborted := make(chan error, 1)
	fn := func(ctx context.Context, _ Key) (int, error) {
		close(started)
		<-ctx.Done()
		aborted <- ctx.Err()
		return 0, ctx.Err()
	}

	stop := c.Watch(Key{"a"}, fn, func(Entry[int]) {})
	<-started
	stop()

	select {
	case err := <-aborted:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("inactive fetch was not aborted")
	}
	e, _ := c.Peek(Key{"a"})
	assert.Equal(t, StatusIdle, e.Status)
	assert.Equal(t, FetchIdle, e.FetchState)
}

// By default a fetch outlives its last subscriber and its result is cached.
func TestInactiveFetchCompletes(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Options[int]{})
	release := make(chan struct{})
	fn := func(ctx context.Context, _ Key) (int, error) {
		<-release
		return 1, ctx.Err()
	}

	stop := c.Watch(Key{"a"}, fn, func(Entry[int]) {})
	stop()
	close(release)
	require.Eventually(t, func() bool {
		e, _ := c.Peek(Key{"a"})
		return e.Status == StatusSuccess && e.Value == 1
	}, waitFor, tick)
}

func TestFocus_RefetchesStaleSubscribed(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, Options[int]{StaleTime: AlwaysStale, RefetchOnFocus: true})
	var calls atomic.Int32
	fn := func(context.Context, Key) (int, error) { return int(calls.Add(1)), nil }

	rec := &recorder[int]{}
	stop := c.Watch(Key{"f"}, fn, rec.add)
	defer stop()
	require.Eventually(t, func() bool { e, _ := rec.last(); return e.Value == 1 }, waitFor, tick)

	c.Focus()
	require.Eventually(t, func() bool { e, _ := rec.last(); return e.Value == 2 }, waitFor, tick)
}

func TestClose(t *testing.T) {
	t.Parallel()

	c := New[int](Options[int]{Logger: quietLogger})
	started := make(chan struct{})
	fn := func(ctx context.Context, _ Key) (int, error) {
		close(started)
		<-ctx.Done()
		return 0, ctx.Err()
	}

	done := fetchAsync(c, context.Background(), Key{"c"}, fn)
	<-started
	require.NoError(t, c.Close())
	res := await(t, done)
	assert.ErrorIs(t, res.err, ErrClosed)
	assert.Equal(t, StatusIdle, res.e.Status)

	_, err := c.Fetch(context.Background(), Key{"c"}, fn)
	assert.ErrorIs(t, err, ErrClosed)
	require.NoError(t, c.Close(), "Close is idempotent")
}
