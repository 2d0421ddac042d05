package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_RecordsSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.ObserveUnit("researcher", "completed", 2*time.Second)
	c.ObserveUnit("researcher", "failed", time.Second)
	c.IncRetry("researcher", "rate_limited")
	c.ObservePlan("completed")
	c.RunStarted()
	c.RelayDelivered()
	c.RelayDropped()
	c.RelaySubscribers(3)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.unitsTotal.WithLabelValues("researcher", "completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.retriesTotal.WithLabelValues("researcher", "rate_limited")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.plansTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.activeRuns))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.relayDelivered))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.relayDropped))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.relaySubscribed))

	c.RunFinished()
	assert.Equal(t, float64(0), testutil.ToFloat64(c.activeRuns))
}

func TestCollector_NilIsNoOp(t *testing.T) {
	var c *Collector

	assert.NotPanics(t, func() {
		c.ObserveUnit("p", "completed", time.Second)
		c.IncRetry("p", "permanent")
		c.ObservePlan("failed")
		c.RunStarted()
		c.RunFinished()
		c.RelayDelivered()
		c.RelayDropped()
		c.RelaySubscribers(1)
	})
}
