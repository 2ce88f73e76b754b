package query

import (
	"context"
	"sync"
)

// NetworkMode controls how operations behave while offline.
type NetworkMode uint8

const (
	// NetworkOnline suspends operations while Connectivity reports offline.
	// Suspended operations are not attempted and consume no retries.
	NetworkOnline NetworkMode = iota
	// NetworkAlways attempts operations regardless of connectivity.
	NetworkAlways
)

func (m NetworkMode) String() string {
	if m == NetworkAlways {
		return "always"
	}
	return "online"
}

// Connectivity reports whether the environment can reach the transport.
type Connectivity interface {
	Online() bool
	// WaitOnline blocks until Online would return true or ctx is done.
	WaitOnline(ctx context.Context) error
}

// AlwaysOnline is the default Connectivity.
type AlwaysOnline struct{}

func (AlwaysOnline) Online() bool                         { return true }
func (AlwaysOnline) WaitOnline(ctx context.Context) error { return ctx.Err() }

// NetworkStatus is a settable Connectivity, driven by whatever observes the
// real network (an OS hook, a health probe, a test).
type NetworkStatus struct {
	mu     sync.Mutex
	online bool
	wake   chan struct{} // closed on the next offline -> online transition
}

// NewNetworkStatus returns a NetworkStatus in the given state.
func NewNetworkStatus(online bool) *NetworkStatus {
	return &NetworkStatus{online: online, wake: make(chan struct{})}
}

// Online reports the current state.
func (n *NetworkStatus) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

// SetOnline updates the state and releases waiters on offline -> online.
func (n *NetworkStatus) SetOnline(online bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.online == online {
		return
	}
	n.online = online
	if online {
		close(n.wake)
		n.wake = make(chan struct{})
	}
}

// WaitOnline blocks until the state is online or ctx is done.
func (n *NetworkStatus) WaitOnline(ctx context.Context) error {
	for {
		n.mu.Lock()
		if n.online {
			n.mu.Unlock()
			return nil
		}
		wake := n.wake
		n.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

var (
	_ Connectivity = AlwaysOnline{}
	_ Connectivity = (*NetworkStatus)(nil)
)
