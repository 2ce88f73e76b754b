package query

import "time"

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                       {}
func (NoopMetrics) Miss()                      {}
func (NoopMetrics) Evict(EvictReason)          {}
func (NoopMetrics) Size(int)                   {}
func (NoopMetrics) Fetch(time.Duration, error) {}
func (NoopMetrics) Retry()                     {}
func (NoopMetrics) Mutation(error)             {}

var _ Metrics = NoopMetrics{}

// Stats is a point-in-time summary of client counters.
type Stats struct {
	Entries   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Fetches   uint64
	Retries   uint64
}
