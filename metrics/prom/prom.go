// Package prom exports query client metrics to Prometheus.
package prom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Tchelovb/clinicpro-manager-sub010/query"
)

// Adapter implements query.Metrics and exports Prometheus counters/gauges.
// Safe for concurrent use; all Prometheus metric types are goroutine-safe.
type Adapter struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evicts    *prometheus.CounterVec
	size      prometheus.Gauge
	fetches   *prometheus.HistogramVec
	retries   prometheus.Counter
	mutations *prometheus.CounterVec
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &Adapter{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "hits_total",
			Help:        "Fetches served from a fresh entry",
			ConstLabels: constLabels,
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "misses_total",
			Help:        "Fetches that waited for the transport",
			ConstLabels: constLabels,
		}),
		evicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "evictions_total",
				Help:        "Entries removed by reason",
				ConstLabels: constLabels,
			},
			[]string{"reason"},
		),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_entries",
			Help:        "Number of resident entries",
			ConstLabels: constLabels,
		}),
		fetches: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "fetch_duration_seconds",
				Help:        "Settled fetch latency including retries",
				Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10),
				ConstLabels: constLabels,
			},
			[]string{"result"},
		),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "retries_total",
			Help:        "Transport attempts after the first",
			ConstLabels: constLabels,
		}),
		mutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   ns,
				Subsystem:   sub,
				Name:        "mutations_total",
				Help:        "Settled mutations by result",
				ConstLabels: constLabels,
			},
			[]string{"result"},
		),
	}
	reg.MustRegister(a.hits, a.misses, a.evicts, a.size, a.fetches, a.retries, a.mutations)
	return a
}

// Hit increments the hit counter.
func (a *Adapter) Hit() { a.hits.Inc() }

// Miss increments the miss counter.
func (a *Adapter) Miss() { a.misses.Inc() }

// Evict increments the eviction counter with a reason label.
func (a *Adapter) Evict(r query.EvictReason) {
	a.evicts.WithLabelValues(r.String()).Inc()
}

// Size updates the resident entries gauge.
func (a *Adapter) Size(entries int) { a.size.Set(float64(entries)) }

// Fetch observes a settled fetch.
func (a *Adapter) Fetch(d time.Duration, err error) {
	a.fetches.WithLabelValues(result(err)).Observe(d.Seconds())
}

// Retry increments the retry counter.
func (a *Adapter) Retry() { a.retries.Inc() }

// Mutation counts a settled mutation.
func (a *Adapter) Mutation(err error) {
	a.mutations.WithLabelValues(result(err)).Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Compile-time check: ensure Adapter implements query.Metrics.
var _ query.Metrics = (*Adapter)(nil)
