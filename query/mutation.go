package query

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/jonboulle/clockwork"
)

// MutateFunc is the write side of the transport.
type MutateFunc[In, Out any] func(ctx context.Context, in In) (Out, error)

// MutationOptions configures a Mutation. Zero values are safe:
//   - nil Retry        => DefaultMutationRetry
//   - nil Connectivity => AlwaysOnline
//   - nil Metrics      => NoopMetrics
//   - nil Logger       => log.Log
//   - nil Clock        => real clock
type MutationOptions[In, Out any] struct {
	Retry        *RetryPolicy
	NetworkMode  NetworkMode
	Connectivity Connectivity

	// Invalidates lists key prefixes invalidated after every successful
	// call. The cache never infers relationships between writes and reads.
	Invalidates []Key
	// InvalidatesFor derives extra prefixes from the call's input and result.
	InvalidatesFor func(in In, out Out) []Key

	OnSuccess func(in In, out Out)
	OnError   func(in In, err error)

	Metrics Metrics
	Logger  log.Interface
	Clock   clockwork.Clock
}

// MutationState is a snapshot of the latest call of a Mutation.
type MutationState[In, Out any] struct {
	Input  In
	Result Out
	Status Status
	// Paused reports that the call is held until connectivity returns.
	Paused bool
	// Attempts is the number of transport calls issued so far.
	Attempts int
	Err      error

	Version uint64
}

// Mutation is a handle for issuing writes through a MutateFunc. Only the
// latest Mutate call updates the handle's state; results of earlier calls
// are still returned to their own callers.
type Mutation[In, Out any] struct {
	inv   Invalidator
	fn    MutateFunc[In, Out]
	opt   MutationOptions[In, Out]
	retry RetryPolicy

	mu      sync.Mutex
	state   MutationState[In, Out]
	seq     uint64
	subs    map[uint64]*subscriber[MutationState[In, Out]]
	nextSub uint64
}

// NewMutation returns a Mutation calling fn. inv receives the invalidations
// declared in opt; it may be nil when none are declared.
func NewMutation[In, Out any](inv Invalidator, fn MutateFunc[In, Out], opt MutationOptions[In, Out]) *Mutation[In, Out] {
	if opt.Connectivity == nil {
		opt.Connectivity = AlwaysOnline{}
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
	retry := DefaultMutationRetry
	if opt.Retry != nil {
		retry = *opt.Retry
	}
	return &Mutation[In, Out]{
		inv:   inv,
		fn:    fn,
		opt:   opt,
		retry: retry,
		subs:  make(map[uint64]*subscriber[MutationState[In, Out]]),
	}
}

// Mutate calls the transport with in, retrying per the mutation's policy.
// Errors are returned to this caller only. On success the declared keys are
// invalidated before Mutate returns.
func (m *Mutation[In, Out]) Mutate(ctx context.Context, in In) (Out, error) {
	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.mu.Unlock()
	m.update(seq, func(st *MutationState[In, Out]) {
		*st = MutationState[In, Out]{Input: in, Status: StatusLoading, Version: st.Version}
	})

	r := retryer{
		clock:  m.opt.Clock,
		policy: m.retry,
		mode:   m.opt.NetworkMode,
		conn:   m.opt.Connectivity,
		onAttempt: func(attempt int) {
			if attempt > 0 {
				m.opt.Metrics.Retry()
			}
			m.update(seq, func(st *MutationState[In, Out]) { st.Attempts = attempt + 1 })
		},
		onFailure: func(attempt int, err error, _ time.Duration) {
			m.opt.Logger.WithError(err).WithField("attempt", attempt+1).Debug("query: mutation attempt failed")
		},
		onPause: func(paused bool) {
			m.update(seq, func(st *MutationState[In, Out]) { st.Paused = paused })
		},
	}

	out, attempts, err := run(ctx, r, func(ctx context.Context) (Out, error) {
		return m.fn(ctx, in)
	})
	m.opt.Metrics.Mutation(err)

	if err != nil {
		if ctx.Err() == nil {
			err = &RetryExhaustedError{Attempts: attempts, Err: err}
			m.opt.Logger.WithError(err).Warn("query: mutation failed")
		}
		m.update(seq, func(st *MutationState[In, Out]) {
			st.Status = StatusError
			st.Paused = false
			st.Err = err
		})
		if m.opt.OnError != nil {
			m.opt.OnError(in, err)
		}
		var zero Out
		return zero, err
	}

	m.update(seq, func(st *MutationState[In, Out]) {
		st.Status = StatusSuccess
		st.Result = out
		st.Err = nil
	})
	m.invalidate(in, out)
	if m.opt.OnSuccess != nil {
		m.opt.OnSuccess(in, out)
	}
	return out, nil
}

// State returns the state of the latest call.
func (m *Mutation[In, Out]) State() MutationState[In, Out] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reset returns the handle to Idle. A call still running keeps going but
// no longer updates the state.
func (m *Mutation[In, Out]) Reset() {
	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.mu.Unlock()
	m.update(seq, func(st *MutationState[In, Out]) {
		*st = MutationState[In, Out]{Version: st.Version}
	})
}

// Subscribe registers cb for state changes. cb receives the current state
// immediately.
func (m *Mutation[In, Out]) Subscribe(cb func(MutationState[In, Out])) (unsubscribe func()) {
	m.mu.Lock()
	m.nextSub++
	sub := &subscriber[MutationState[In, Out]]{id: m.nextSub, cb: cb}
	m.subs[sub.id] = sub
	st := m.state
	m.mu.Unlock()

	sub.deliver(st, st.Version)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, sub.id)
			m.mu.Unlock()
		})
	}
}

// update applies fn to the state if seq is still the latest call.
func (m *Mutation[In, Out]) update(seq uint64, fn func(st *MutationState[In, Out])) {
	m.mu.Lock()
	if seq != m.seq {
		m.mu.Unlock()
		return
	}
	fn(&m.state)
	m.state.Version++
	st := m.state
	subs := make([]*subscriber[MutationState[In, Out]], 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.deliver(st, st.Version)
	}
}

func (m *Mutation[In, Out]) invalidate(in In, out Out) {
	if m.inv == nil {
		return
	}
	keys := m.opt.Invalidates
	if m.opt.InvalidatesFor != nil {
		keys = append(append([]Key(nil), keys...), m.opt.InvalidatesFor(in, out)...)
	}
	for _, k := range keys {
		m.inv.Invalidate(k)
	}
}
