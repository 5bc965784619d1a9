package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// namespace prefixes every metric this process exports.
const namespace = "skillflow"

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing, so tests and examples can run without a
// registry.
type Metrics struct {
	runsStarted      prometheus.Counter
	runsFinished     *prometheus.CounterVec
	activeRuns       prometheus.Gauge
	skillExecutions  *prometheus.CounterVec
	skillLatency     *prometheus.HistogramVec
	plannerDecisions *prometheus.CounterVec
	checkpointWrites prometheus.Counter
	flushFailures    prometheus.Counter
	llmTokens        *prometheus.CounterVec
}

// NewMetrics registers the engine collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Runs accepted for execution.",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Runs that reached a terminal status.",
		}, []string{"status"}),
		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs currently executing or paused at an interrupt.",
		}),
		skillExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skill_executions_total",
			Help:      "Skill executions by executor kind and outcome.",
		}, []string{"executor", "status"}),
		skillLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "skill_execution_seconds",
			Help:      "Skill execution latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"executor"}),
		plannerDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "planner_decisions_total",
			Help:      "Planner decisions by how they were made.",
		}, []string{"outcome"}),
		checkpointWrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_writes_total",
			Help:      "Checkpoints written across all runs.",
		}),
		flushFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_flush_failures_total",
			Help:      "Terminal checkpoint flushes that failed.",
		}),
		llmTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens consumed by planner and LLM-executor calls.",
		}, []string{"direction"}),
	}
}

// Planner decision outcomes.
const (
	DecisionModel        = "model"
	DecisionFallback     = "fallback"
	DecisionShortCircuit = "short_circuit"
)

func (m *Metrics) RunAccepted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
}

// TaskUp and TaskDown track the live-task gauge; a run that pauses at
// an interrupt has no live task until it resumes.
func (m *Metrics) TaskUp() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

func (m *Metrics) TaskDown() {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
}

func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) SkillExecuted(executor, status string, seconds float64) {
	if m == nil {
		return
	}
	m.skillExecutions.WithLabelValues(executor, status).Inc()
	m.skillLatency.WithLabelValues(executor).Observe(seconds)
}

func (m *Metrics) PlannerDecision(outcome string) {
	if m == nil {
		return
	}
	m.plannerDecisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CheckpointWritten() {
	if m == nil {
		return
	}
	m.checkpointWrites.Inc()
}

func (m *Metrics) FlushFailed() {
	if m == nil {
		return
	}
	m.flushFailures.Inc()
}

func (m *Metrics) LLMTokens(input, output int) {
	if m == nil {
		return
	}
	m.llmTokens.WithLabelValues("input").Add(float64(input))
	m.llmTokens.WithLabelValues("output").Add(float64(output))
}
