// Package metrics provides Prometheus metrics for daily-digest.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "daily_digest"

var (
	// ItemsTotal counts items per source and pipeline step (fetched, new).
	ItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_total",
			Help:      "Items seen per source and step",
		},
		[]string{"source", "step"},
	)

	// SummariesTotal counts summary records by status.
	SummariesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_total",
			Help:      "Summary records produced, by status",
		},
		[]string{"source", "status"},
	)

	// LLMCallDuration measures single LLM attempts.
	LLMCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "Duration of LLM call attempts in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"caller", "outcome"},
	)

	// LLMRetriesTotal counts retried LLM attempts.
	LLMRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_retries_total",
			Help:      "LLM attempts that were retried",
		},
		[]string{"caller"},
	)

	// PipelineRunsTotal counts per-source pipeline outcomes.
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs per source by final stage",
		},
		[]string{"source", "stage"},
	)

	// ChatAnswersTotal counts chat questions by outcome.
	ChatAnswersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_answers_total",
			Help:      "Chat questions by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordItems adds n items for a source step.
func RecordItems(source, step string, n int) {
	ItemsTotal.WithLabelValues(source, step).Add(float64(n))
}

// RecordSummary records one summary record.
func RecordSummary(source, status string) {
	SummariesTotal.WithLabelValues(source, status).Inc()
}

// ObserveLLMCall records one LLM attempt.
func ObserveLLMCall(caller string, started time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	LLMCallDuration.WithLabelValues(caller, outcome).Observe(time.Since(started).Seconds())
}

// RecordLLMRetry records one retried LLM attempt.
func RecordLLMRetry(caller string) {
	LLMRetriesTotal.WithLabelValues(caller).Inc()
}

// RecordPipelineRun records a source's final stage.
func RecordPipelineRun(source, stage string) {
	PipelineRunsTotal.WithLabelValues(source, stage).Inc()
}

// RecordChat records a chat outcome.
func RecordChat(outcome string) {
	ChatAnswersTotal.WithLabelValues(outcome).Inc()
}
