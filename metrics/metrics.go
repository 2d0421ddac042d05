// Package metrics exposes Prometheus instrumentation for the dispatch engine
// and the event relay. A nil *Collector is valid and records nothing, so
// instrumentation stays optional at every call site.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector bundles the engine's metric series.
type Collector struct {
	unitsTotal      *prometheus.CounterVec
	unitDuration    *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	plansTotal      *prometheus.CounterVec
	activeRuns      prometheus.Gauge
	relayDelivered  prometheus.Counter
	relayDropped    prometheus.Counter
	relaySubscribed prometheus.Gauge
}

// NewCollector registers the metric series on reg. Pass
// prometheus.DefaultRegisterer for the process-global registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		unitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Name:      "units_total",
			Help:      "Dispatched units by peer and outcome.",
		}, []string{"peer", "outcome"}),
		unitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "taskmesh",
			Name:      "unit_duration_seconds",
			Help:      "Wall time of one dispatched unit.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"peer"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Name:      "retries_total",
			Help:      "Retries by peer and failure class.",
		}, []string{"peer", "class"}),
		plansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Name:      "plans_total",
			Help:      "Executed plans by outcome.",
		}, []string{"outcome"}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Name:      "active_runs",
			Help:      "Plans currently executing.",
		}),
		relayDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Envelopes delivered to subscribers.",
		}),
		relayDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "taskmesh",
			Subsystem: "relay",
			Name:      "dropped_total",
			Help:      "Envelopes dropped on slow subscribers.",
		}),
		relaySubscribed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "taskmesh",
			Subsystem: "relay",
			Name:      "subscribers",
			Help:      "Currently attached subscribers.",
		}),
	}
}

// ObserveUnit records one finished unit.
func (c *Collector) ObserveUnit(peer, outcome string, dur time.Duration) {
	if c == nil {
		return
	}
	c.unitsTotal.WithLabelValues(peer, outcome).Inc()
	c.unitDuration.WithLabelValues(peer).Observe(dur.Seconds())
}

// IncRetry records one retry of the given failure class.
func (c *Collector) IncRetry(peer, class string) {
	if c == nil {
		return
	}
	c.retriesTotal.WithLabelValues(peer, class).Inc()
}

// ObservePlan records one finished plan.
func (c *Collector) ObservePlan(outcome string) {
	if c == nil {
		return
	}
	c.plansTotal.WithLabelValues(outcome).Inc()
}

// RunStarted increments the active run gauge.
func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.activeRuns.Inc()
}

// RunFinished decrements the active run gauge.
func (c *Collector) RunFinished() {
	if c == nil {
		return
	}
	c.activeRuns.Dec()
}

// RelayDelivered records one delivered envelope.
func (c *Collector) RelayDelivered() {
	if c == nil {
		return
	}
	c.relayDelivered.Inc()
}

// RelayDropped records one dropped envelope.
func (c *Collector) RelayDropped() {
	if c == nil {
		return
	}
	c.relayDropped.Inc()
}

// RelaySubscribers sets the current subscriber count.
func (c *Collector) RelaySubscribers(n int) {
	if c == nil {
		return
	}
	c.relaySubscribed.Set(float64(n))
}
