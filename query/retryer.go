package query

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/jonboulle/clockwork"
)

// retryState is a state of the retry machine:
//
//	attempting(n) -> waiting(until) -> attempting(n+1) -> ... -> settled
//	attempting(n) -> paused -> attempting(n)   (offline; no attempt consumed)
type retryState uint8

const (
	stateAttempting retryState = iota
	statePaused
	stateWaiting
)

// retryer drives one operation through the retry machine. Its hooks run on
// the operation's goroutine between transitions.
type retryer struct {
	clock  clockwork.Clock
	policy RetryPolicy
	mode   NetworkMode
	conn   Connectivity

	// onAttempt runs before attempt n is issued.
	onAttempt func(attempt int)
	// onFailure runs after attempt n failed and a retry was scheduled.
	onFailure func(attempt int, err error, wait time.Duration)
	// onPause runs when the operation is suspended or resumed.
	onPause func(paused bool)
}

// run executes fn until it succeeds, the policy gives up, or ctx is done.
// It returns the number of attempts actually issued.
func run[T any](ctx context.Context, r retryer, fn func(context.Context) (T, error)) (T, int, error) {
	var (
		zero    T
		attempt int
		lastErr error
		wait    time.Duration
		state   = stateAttempting
	)
	for {
		switch state {
		case statePaused:
			if r.onPause != nil {
				r.onPause(true)
			}
			err := r.conn.WaitOnline(ctx)
			if r.onPause != nil {
				r.onPause(false)
			}
			if err != nil {
				return zero, attempt, err
			}
			state = stateAttempting

		case stateAttempting:
			if r.mode == NetworkOnline && !r.conn.Online() {
				state = statePaused
				continue
			}
			if r.onAttempt != nil {
				r.onAttempt(attempt)
			}
			if err := ctx.Err(); err != nil {
				return zero, attempt, err
			}
			v, err := call(ctx, fn)
			if err == nil {
				return v, attempt + 1, nil
			}
			lastErr = err
			if ctx.Err() != nil {
				return zero, attempt + 1, ctx.Err()
			}
			if !r.policy.shouldRetry(attempt, err) {
				return zero, attempt + 1, lastErr
			}
			wait = r.policy.delay(attempt)
			if r.onFailure != nil {
				r.onFailure(attempt, err, wait)
			}
			state = stateWaiting

		case stateWaiting:
			t := r.clock.NewTimer(wait)
			select {
			case <-t.Chan():
			case <-ctx.Done():
				t.Stop()
				return zero, attempt + 1, ctx.Err()
			}
			attempt++
			state = stateAttempting
		}
	}
}

// call invokes fn, turning a panic into a *PanicError.
func call[T any](ctx context.Context, fn func(context.Context) (T, error)) (v T, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: debug.Stack()}
		}
	}()
	return fn(ctx)
}
