package query

import "time"

const (
	baseRetryDelay = time.Second
	maxRetryDelay  = 30 * time.Second
)

var (
	// DefaultQueryRetry retries failed fetches three times.
	DefaultQueryRetry = RetryPolicy{Attempts: 3}
	// DefaultMutationRetry retries failed mutations twice. Writes may not be
	// idempotent; callers enabling more retries own that concern.
	DefaultMutationRetry = RetryPolicy{Attempts: 2}
)

// RetryPolicy decides whether and when a failed attempt is retried.
// It is a value; attach it per client (Options.Retry) or per call.
type RetryPolicy struct {
	// Attempts is the number of retries after the first attempt.
	Attempts int
	// Retryable, when set, replaces Attempts: attempt is the zero-based
	// index of the attempt that just failed.
	Retryable func(attempt int, err error) bool
	// Delay returns the wait before the retry following attempt.
	// nil => DefaultRetryDelay.
	Delay func(attempt int) time.Duration
}

// Retries returns a policy with n retries and the default backoff.
func Retries(n int) RetryPolicy { return RetryPolicy{Attempts: n} }

// NoRetry returns a policy that settles on the first failure.
func NoRetry() RetryPolicy { return RetryPolicy{} }

// DefaultRetryDelay is min(1s * 2^attempt, 30s).
func DefaultRetryDelay(attempt int) time.Duration {
	return ExponentialDelay(baseRetryDelay, maxRetryDelay)(attempt)
}

// ExponentialDelay returns a backoff of min(base * 2^attempt, max).
// The result is monotonically non-decreasing in attempt.
func ExponentialDelay(base, max time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		d := base
		for i := 0; i < attempt; i++ {
			if d >= max/2 {
				return max
			}
			d *= 2
		}
		if d > max {
			return max
		}
		return d
	}
}

func (p RetryPolicy) shouldRetry(attempt int, err error) bool {
	if p.Retryable != nil {
		return p.Retryable(attempt, err)
	}
	return attempt < p.Attempts
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.Delay != nil {
		if d := p.Delay(attempt); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryDelay(attempt)
}
