package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CompensationFailure("purchase")
	m.CompensationFailure("purchase")
	m.EventPublished("purchase.registered", "acked")

	assert.InDelta(t, 2, testutil.ToFloat64(m.compensationFailures.WithLabelValues("purchase")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.eventsPublished.WithLabelValues("purchase.registered", "acked")), 0)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.StepAttempt("a", "ok")
		m.ExecutionFinished("purchase", "COMPLETED")
		m.DeadLettered("consumer")
	})
}
