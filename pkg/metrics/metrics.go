// Package metrics exports supervisor counters and histograms on a private
// Prometheus registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	runsStarted = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "selfheal_runs_started_total",
			Help: "Total number of supervisor runs started",
		},
	)

	runsCompleted = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfheal_runs_completed_total",
			Help: "Total number of supervisor runs by terminal phase and reason",
		},
		[]string{"phase", "reason"},
	)

	runDuration = promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "selfheal_run_duration_seconds",
			Help:    "Wall time of supervisor runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"phase"},
	)

	stepsTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfheal_steps_total",
			Help: "Total number of executor dispatches by strategy and result",
		},
		[]string{"strategy", "result"},
	)

	stepDuration = promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "selfheal_step_duration_seconds",
			Help:    "Executor dispatch duration by strategy",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"strategy"},
	)

	vetoesTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfheal_guard_vetoes_total",
			Help: "Total number of routing decisions vetoed by the safety guard",
		},
		[]string{"kind"},
	)

	consensusTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfheal_consensus_total",
			Help: "Total number of proposal reconciliations by outcome",
		},
		[]string{"agreed"},
	)

	adapterCalls = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "selfheal_adapter_calls_total",
			Help: "Total number of LLM adapter calls",
		},
		[]string{"adapter", "status"},
	)
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the registry all selfheal metrics live on.
func Registry() *prometheus.Registry {
	return registry
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func RecordRunStarted() {
	runsStarted.Inc()
}

// RecordRunCompleted counts a terminal run. reason is empty on success.
func RecordRunCompleted(phase, reason string, d time.Duration) {
	if reason == "" {
		reason = "none"
	}
	runsCompleted.WithLabelValues(phase, reason).Inc()
	runDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func RecordStep(strategy string, success bool, d time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	stepsTotal.WithLabelValues(strategy, result).Inc()
	stepDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

func RecordVeto(kind string) {
	vetoesTotal.WithLabelValues(kind).Inc()
}

func RecordConsensus(agreed bool) {
	consensusTotal.WithLabelValues(strconv.FormatBool(agreed)).Inc()
}

// RecordAdapterCall counts an LLM call; err nil means success.
func RecordAdapterCall(adapter string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	adapterCalls.WithLabelValues(adapter, status).Inc()
}
