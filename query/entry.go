package query

import "time"

// Status is the data status of an entry. It is a closed set: switch
// statements over Status should handle all four values.
type Status uint8

const (
	// StatusIdle: the entry exists but has never been fetched.
	StatusIdle Status = iota
	// StatusLoading: a fetch is running or waiting to retry.
	StatusLoading
	// StatusSuccess: the last fetch succeeded (or data was set directly).
	StatusSuccess
	// StatusError: all attempts of the last fetch failed.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusLoading:
		return "loading"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// FetchState tells whether work is happening for an entry right now.
// FetchPaused means the fetch is held until connectivity returns; it is not
// an error and consumes no retry attempts.
type FetchState uint8

const (
	FetchIdle FetchState = iota
	Fetching
	FetchPaused
)

func (s FetchState) String() string {
	switch s {
	case FetchIdle:
		return "idle"
	case Fetching:
		return "fetching"
	case FetchPaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Entry is an immutable snapshot of a cache entry.
//
// When Status is StatusError, Value still holds the last successful value
// (HasValue reports whether there is one), so stale data can be shown
// alongside the error.
type Entry[V any] struct {
	Key        Key
	Value      V
	HasValue   bool
	Status     Status
	FetchState FetchState
	Err        error

	UpdatedAt time.Time // last successful update
	StaleAt   time.Time // >= UpdatedAt
	ErrorAt   time.Time // last exhausted fetch

	// FailureCount counts failed attempts of the current or last fetch.
	FailureCount int

	// Version increases with every state transition of the entry.
	Version uint64
}

// Fresh reports whether the entry may be served without a transport call.
func (e Entry[V]) Fresh(now time.Time) bool {
	return e.Status == StatusSuccess && now.Before(e.StaleAt)
}
