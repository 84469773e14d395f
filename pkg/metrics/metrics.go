// Package metrics exposes Prometheus instruments for the orchestration core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "homeledger"

type Metrics struct {
	stepAttempts         *prometheus.CounterVec
	stepDuration         *prometheus.HistogramVec
	executionsStarted    *prometheus.CounterVec
	executionsFinished   *prometheus.CounterVec
	compensationFailures *prometheus.CounterVec
	eventsPublished      *prometheus.CounterVec
	eventsConsumed       *prometheus.CounterVec
	deadLetters          *prometheus.CounterVec
}

// New registers the instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		stepAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Activity attempts by step and outcome.",
		}, []string{"step", "outcome"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall-clock time of a step including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		executionsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Executions created by workflow type.",
		}, []string{"workflow_type"}),
		executionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Executions reaching a terminal status.",
		}, []string{"workflow_type", "status"}),
		compensationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensation_failures_total",
			Help:      "Executions left FAILED with unreversed effects.",
		}, []string{"workflow_type"}),
		eventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Publish outcomes by event type.",
		}, []string{"event_type", "outcome"}),
		eventsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Consumed events by handler and outcome.",
		}, []string{"handler", "outcome"}),
		deadLetters: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Messages moved to the dead-letter store.",
		}, []string{"source"}),
	}
}

func (m *Metrics) StepAttempt(step, outcome string) {
	if m == nil {
		return
	}

	m.stepAttempts.WithLabelValues(step, outcome).Inc()
}

func (m *Metrics) StepDuration(step string, seconds float64) {
	if m == nil {
		return
	}

	m.stepDuration.WithLabelValues(step).Observe(seconds)
}

func (m *Metrics) ExecutionStarted(workflowType string) {
	if m == nil {
		return
	}

	m.executionsStarted.WithLabelValues(workflowType).Inc()
}

func (m *Metrics) ExecutionFinished(workflowType, status string) {
	if m == nil {
		return
	}

	m.executionsFinished.WithLabelValues(workflowType, status).Inc()
}

func (m *Metrics) CompensationFailure(workflowType string) {
	if m == nil {
		return
	}

	m.compensationFailures.WithLabelValues(workflowType).Inc()
}

func (m *Metrics) EventPublished(eventType, outcome string) {
	if m == nil {
		return
	}

	m.eventsPublished.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) EventConsumed(handler, outcome string) {
	if m == nil {
		return
	}

	m.eventsConsumed.WithLabelValues(handler, outcome).Inc()
}

func (m *Metrics) DeadLettered(source string) {
	if m == nil {
		return
	}

	m.deadLetters.WithLabelValues(source).Inc()
}
