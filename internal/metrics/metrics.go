// Package metrics exposes Prometheus collectors for batches, stages, jobs and
// backend state. Metrics satisfies the observer hooks of those packages.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joseph-ayodele/essay-pipeline/constants"
	"github.com/joseph-ayodele/essay-pipeline/internal/pipeline"
)

const namespace = "essay"

var serverStates = []constants.ServerState{
	constants.ServerStopped,
	constants.ServerStarting,
	constants.ServerReady,
	constants.ServerStopping,
	constants.ServerCrashed,
}

type Metrics struct {
	itemsInFlight prometheus.Gauge
	itemsTotal    *prometheus.CounterVec
	itemDuration  *prometheus.HistogramVec

	stageDocuments *prometheus.CounterVec
	stageDuration  *prometheus.HistogramVec
	stageTokens    *prometheus.CounterVec
	stageRetries   *prometheus.CounterVec

	jobTransitions *prometheus.CounterVec
	jobsActive     *prometheus.GaugeVec

	backendState *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		itemsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "batch", Name: "items_in_flight",
			Help: "Inference calls currently executing.",
		}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "batch", Name: "items_total",
			Help: "Finished batch items by status.",
		}, []string{"status"}),
		itemDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "batch", Name: "item_duration_seconds",
			Help:    "Batch item latency.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"status"}),
		stageDocuments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stage", Name: "documents_total",
			Help: "Per-document stage results by outcome.",
		}, []string{"stage", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "stage", Name: "duration_seconds",
			Help:    "Wall time of one stage across all documents of a run.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"stage"}),
		stageTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stage", Name: "tokens_total",
			Help: "Tokens reported by the backend.",
		}, []string{"stage", "type"}),
		stageRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stage", Name: "retries_total",
			Help: "Stage re-runs after a backend restart.",
		}, []string{"stage"}),
		jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "transitions_total",
			Help: "Job state transitions by target state.",
		}, []string{"kind", "state"}),
		jobsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "active",
			Help: "Jobs currently queued or running.",
		}, []string{"state"}),
		backendState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "backend", Name: "state",
			Help: "1 for the current state of each inference backend.",
		}, []string{"backend", "state"}),
		gatherer: reg,
	}
	reg.MustRegister(
		m.itemsInFlight, m.itemsTotal, m.itemDuration,
		m.stageDocuments, m.stageDuration, m.stageTokens, m.stageRetries,
		m.jobTransitions, m.jobsActive, m.backendState,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ItemStarted() {
	m.itemsInFlight.Inc()
}

func (m *Metrics) ItemFinished(status constants.BatchStatus, elapsed time.Duration) {
	m.itemsInFlight.Dec()
	m.itemsTotal.WithLabelValues(string(status)).Inc()
	m.itemDuration.WithLabelValues(string(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) StageFinished(s pipeline.StageSummary) {
	stage := string(s.Name)
	m.stageDocuments.WithLabelValues(stage, string(constants.StageOK)).Add(float64(s.Succeeded))
	m.stageDocuments.WithLabelValues(stage, string(constants.StageFailed)).Add(float64(s.Failed))
	m.stageDocuments.WithLabelValues(stage, string(constants.StageSkipped)).Add(float64(s.Skipped))
	m.stageDuration.WithLabelValues(stage).Observe(s.Elapsed.Seconds())
	if s.PromptTokens > 0 {
		m.stageTokens.WithLabelValues(stage, "prompt").Add(float64(s.PromptTokens))
	}
	if s.CompletionTokens > 0 {
		m.stageTokens.WithLabelValues(stage, "completion").Add(float64(s.CompletionTokens))
	}
	if s.Retries > 0 {
		m.stageRetries.WithLabelValues(stage).Add(float64(s.Retries))
	}
}

func (m *Metrics) JobStateChanged(kind string, from, to constants.JobState) {
	m.jobTransitions.WithLabelValues(kind, string(to)).Inc()
	if from != "" && !from.Terminal() {
		m.jobsActive.WithLabelValues(string(from)).Dec()
	}
	if !to.Terminal() {
		m.jobsActive.WithLabelValues(string(to)).Inc()
	}
}

// BackendStateChanged has the shape of a supervisor state observer.
func (m *Metrics) BackendStateChanged(name string, state constants.ServerState) {
	for _, s := range serverStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.backendState.WithLabelValues(name, string(s)).Set(v)
	}
}
