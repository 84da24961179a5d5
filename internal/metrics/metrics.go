// Package metrics exports dispatcher statistics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/vmtap/internal/dispatch"
	"github.com/dshills/vmtap/internal/observer"
)

// StatsSource provides dispatcher statistics.
type StatsSource interface {
	Stats() dispatch.Stats
}

// ObserverSource lists the live observers.
type ObserverSource interface {
	Snapshot() []*observer.Observer
}

// ThreadSource reports how many threads carry instrumentation state.
type ThreadSource interface {
	Len() int
}

// Collector implements prometheus.Collector. Values are read from the
// sources on every scrape.
type Collector struct {
	stats     StatsSource
	observers ObserverSource
	threads   ThreadSource

	posted    *prometheus.Desc
	delivered *prometheus.Desc
	malformed *prometheus.Desc
	dropped   *prometheus.Desc
	deferred  *prometheus.Desc
	panics    *prometheus.Desc
	pending   *prometheus.Desc
	queue     *prometheus.Desc
	perKind   *prometheus.Desc
	observerN *prometheus.Desc
	threadN   *prometheus.Desc
}

// Option configures a Collector.
type Option func(*Collector)

// WithObservers adds per-observer delivery counters and the observer count.
func WithObservers(src ObserverSource) Option {
	return func(c *Collector) {
		c.observers = src
	}
}

// WithThreads adds the instrumented thread count.
func WithThreads(src ThreadSource) Option {
	return func(c *Collector) {
		c.threads = src
	}
}

// NewCollector returns a collector for stats under namespace.
func NewCollector(namespace string, stats StatsSource, opts ...Option) *Collector {
	name := func(n string) string {
		return prometheus.BuildFQName(namespace, "dispatch", n)
	}
	c := &Collector{
		stats:     stats,
		posted:    prometheus.NewDesc(name("events_posted_total"), "Events that entered dispatch.", nil, nil),
		delivered: prometheus.NewDesc(name("callbacks_total"), "Observer callback invocations.", nil, nil),
		malformed: prometheus.NewDesc(name("events_malformed_total"), "Events rejected before dispatch.", nil, nil),
		dropped:   prometheus.NewDesc(name("events_dropped_total"), "Events or deliveries dropped, by reason.", []string{"reason"}, nil),
		deferred:  prometheus.NewDesc(name("events_deferred_total"), "Events handed to the deferred queue.", nil, nil),
		panics:    prometheus.NewDesc(name("callback_panics_total"), "Callback panics recovered on the deferred drain.", nil, nil),
		pending:   prometheus.NewDesc(name("deferred_pending"), "Events waiting in the deferred queue.", nil, nil),
		queue:     prometheus.NewDesc(name("deferred_events_total"), "Deferred queue throughput, by outcome.", []string{"outcome"}, nil),
		perKind:   prometheus.NewDesc(name("observer_deliveries_total"), "Deliveries per observer and event kind.", []string{"observer", "kind"}, nil),
		observerN: prometheus.NewDesc(name("observers"), "Registered observers.", nil, nil),
		threadN:   prometheus.NewDesc(name("threads"), "Threads carrying instrumentation state.", nil, nil),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.posted
	ch <- c.delivered
	ch <- c.malformed
	ch <- c.dropped
	ch <- c.deferred
	ch <- c.panics
	ch <- c.pending
	ch <- c.queue
	if c.observers != nil {
		ch <- c.perKind
		ch <- c.observerN
	}
	if c.threads != nil {
		ch <- c.threadN
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats.Stats()
	counter := func(d *prometheus.Desc, v uint64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v int, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}

	counter(c.posted, s.Posted)
	counter(c.delivered, s.Delivered)
	counter(c.malformed, s.Malformed)
	counter(c.dropped, s.DroppedPhase, "phase")
	counter(c.dropped, s.DroppedHidden, "hidden")
	counter(c.dropped, s.DroppedCapability, "capability")
	counter(c.dropped, s.DroppedDedupe, "dedupe")
	counter(c.dropped, s.DeferredDropped, "deferred")
	counter(c.deferred, s.Deferred)
	counter(c.panics, s.CallbackPanics)
	gauge(c.pending, s.Queue.Pending)
	counter(c.queue, s.Queue.Enqueued, "enqueued")
	counter(c.queue, s.Queue.Delivered, "delivered")
	counter(c.queue, s.Queue.Dropped, "dropped")

	if c.observers != nil {
		obs := c.observers.Snapshot()
		gauge(c.observerN, len(obs))
		for _, o := range obs {
			for k, n := range o.Deliveries() {
				counter(c.perKind, n, o.Name(), k.String())
			}
		}
	}
	if c.threads != nil {
		gauge(c.threadN, c.threads.Len())
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
