package query

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed client.
	ErrClosed = errors.New("query: client closed")
	// ErrNoFetcher is returned when a fetch is needed for a key that was
	// never given a Fetcher.
	ErrNoFetcher = errors.New("query: no fetcher for key")

	errSuperseded = errors.New("query: fetch superseded")
)

// RetryExhaustedError is the terminal error of a fetch or mutation whose
// attempts all failed. Err is the last transport error.
type RetryExhaustedError struct {
	Key      Key // nil for mutations
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	if e.Key != nil {
		return fmt.Sprintf("query %s: %d attempt(s) failed: %v", e.Key, e.Attempts, e.Err)
	}
	return fmt.Sprintf("mutation: %d attempt(s) failed: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// PanicError wraps a panic raised by a Fetcher or MutateFunc. The panic is
// treated as a failed attempt instead of crashing the process.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("query: transport panicked: %v", e.Value)
}
