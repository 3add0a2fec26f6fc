package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTurnsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sidenote",
		Name:      "turns_started_total",
		Help:      "Number of assistant turns started.",
	})
	metricTurnsByOutcome = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sidenote",
		Name:      "turns_finished_total",
		Help:      "Number of assistant turns finished, by outcome.",
	}, []string{"outcome"})
	metricRounds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sidenote",
		Name:      "rounds_total",
		Help:      "Number of model exchanges across all turns.",
	})
	metricToolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sidenote",
		Name:      "tool_executions_total",
		Help:      "Number of tool executions, by tool name and outcome.",
	}, []string{"tool", "outcome"})
	metricStreamEvents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sidenote",
		Name:      "stream_events_total",
		Help:      "Number of stream events drained by the orchestration loop.",
	})
	metricDispatchDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sidenote",
		Name:      "dispatch_queue_depth",
		Help:      "Pending items on the cross-cutting dispatch queue.",
	})
	metricToolDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sidenote",
		Name:      "tool_duration_seconds",
		Help:      "Tool execution duration.",
		Buckets:   prometheus.DefBuckets,
	})
)

// RecordTurnStarted increments the turn counter.
func RecordTurnStarted() {
	metricTurnsStarted.Inc()
}

// RecordTurnFinished records a finished turn with its outcome
// ("completed", "failed", "cancelled", "round_limit").
func RecordTurnFinished(outcome string) {
	metricTurnsByOutcome.WithLabelValues(outcome).Inc()
}

// RecordRound increments the round counter.
func RecordRound() {
	metricRounds.Inc()
}

// RecordToolExecution records one tool execution outcome ("ok" or "error").
func RecordToolExecution(tool, outcome string, seconds float64) {
	metricToolExecutions.WithLabelValues(tool, outcome).Inc()
	metricToolDuration.Observe(seconds)
}

// RecordStreamEvent counts one drained stream event.
func RecordStreamEvent() {
	metricStreamEvents.Inc()
}

// SetDispatchDepth updates the dispatch queue depth gauge.
func SetDispatchDepth(depth int) {
	metricDispatchDepth.Set(float64(depth))
}
