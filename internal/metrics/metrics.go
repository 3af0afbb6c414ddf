// Package metrics holds the prometheus collectors shared by the pipelines,
// the generation client and the delivery fan-out.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "salesintel"

var (
	// LLMCalls counts generation attempts.
	// Labels: task, model, provider, status (success, error).
	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Text-generation attempts by task, model and outcome",
	}, []string{"task", "model", "provider", "status"})

	// LLMFallbacks counts invocations that moved to the fallback model.
	LLMFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "fallbacks_total",
		Help:      "Invocations retried against the fallback model",
	}, []string{"task"})

	// LLMCostUSD accumulates estimated spend.
	LLMCostUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "cost_usd_total",
		Help:      "Estimated text-generation spend in USD",
	}, []string{"model"})

	// LLMLatency measures per-attempt latency.
	LLMLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "latency_seconds",
		Help:      "Text-generation attempt latency in seconds",
		Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
	}, []string{"model"})

	// DeliveryAttempts counts channel sends by outcome.
	// Labels: channel, status (sent, skipped, failed, error).
	DeliveryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "delivery",
		Name:      "attempts_total",
		Help:      "Channel delivery attempts by outcome",
	}, []string{"channel", "status"})

	// PipelineRuns counts completed runs.
	// Labels: pipeline (daily, research), result (success, degraded).
	PipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Completed pipeline runs by result",
	}, []string{"pipeline", "result"})

	// StageDuration measures stage execution time.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Pipeline stage duration in seconds",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"pipeline", "stage", "status"})

	// AlertsRaised counts smart alerts by type and severity.
	AlertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "alerts",
		Name:      "raised_total",
		Help:      "Smart alerts raised by type and severity",
	}, []string{"type", "severity"})

	// SyncedRecords counts records written by the CRM sync.
	// Labels: module (leads, notes, tasks).
	SyncedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "crmsync",
		Name:      "records_total",
		Help:      "Records upserted by the CRM sync",
	}, []string{"module"})

	// SchedulerJobs counts scheduled job executions.
	// Labels: job, status (success, error).
	SchedulerJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "jobs_total",
		Help:      "Scheduled job executions by outcome",
	}, []string{"job", "status"})
)

// Handler returns the HTTP handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ResultAborted labels runs cut short by cancellation.
const ResultAborted = "aborted"

// RunResult maps a run's error state to the PipelineRuns result label.
func RunResult(errCount int) string {
	if errCount > 0 {
		return "degraded"
	}
	return "success"
}
