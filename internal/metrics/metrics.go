// Package metrics exposes Prometheus counters for the coordination engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for weave.
type Metrics struct {
	// Decomposition
	Decompositions  *prometheus.CounterVec
	SubtasksCreated prometheus.Counter
	Parallelism     prometheus.Histogram

	// Wiring
	WiringLLMCalls      prometheus.Counter
	DependenciesCreated prometheus.Counter
	WiringRejections    *prometheus.CounterVec
	WiringSkips         *prometheus.CounterVec

	// Assignment
	Assignments       *prometheus.CounterVec
	ClaimConflicts    prometheus.Counter
	ParentCompletions prometheus.Counter

	// Collaborators
	CollaboratorFailures *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with all metrics registered on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		Decompositions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weave_decompositions_total",
				Help: "Decomposition attempts by result",
			},
			[]string{"result"},
		),
		SubtasksCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "weave_subtasks_created_total",
			Help: "Subtasks created by decomposition, including integration subtasks",
		}),
		Parallelism: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "weave_parallelism_score",
			Help:    "Parallelism score of successful decompositions",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		}),

		WiringLLMCalls: factory.NewCounter(prometheus.CounterOpts{
			Name: "weave_wiring_llm_calls_total",
			Help: "AI engine calls made while wiring cross-parent dependencies",
		}),
		DependenciesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "weave_wiring_dependencies_created_total",
			Help: "Cross-parent dependency edges committed",
		}),
		WiringRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weave_wiring_rejections_total",
				Help: "Proposed dependency edges dropped, by rule",
			},
			[]string{"rule"},
		),
		WiringSkips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weave_wiring_skips_total",
				Help: "Subtasks skipped by the wiring pass, by reason",
			},
			[]string{"reason"},
		),

		Assignments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weave_assignments_total",
				Help: "Next-subtask requests by result",
			},
			[]string{"result"},
		),
		ClaimConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "weave_claim_conflicts_total",
			Help: "Claims lost to a concurrent agent",
		}),
		ParentCompletions: factory.NewCounter(prometheus.CounterOpts{
			Name: "weave_parent_completions_total",
			Help: "Parents auto-completed after their last subtask",
		}),

		CollaboratorFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "weave_collaborator_failures_total",
				Help: "Failed calls to external collaborators",
			},
			[]string{"collaborator"},
		),
	}
	if r, ok := reg.(*prometheus.Registry); ok {
		m.registry = r
	}
	return m
}

// NewRegistry creates a Metrics instance on a fresh registry that also
// carries the Go and process collectors.
func NewRegistry() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return New(reg)
}

// Handler serves the metrics registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) DecompositionResult(result string) {
	if m == nil {
		return
	}
	m.Decompositions.WithLabelValues(result).Inc()
}

func (m *Metrics) SubtasksAdded(n int, score float64) {
	if m == nil {
		return
	}
	m.SubtasksCreated.Add(float64(n))
	m.Parallelism.Observe(score)
}

func (m *Metrics) LLMCall() {
	if m == nil {
		return
	}
	m.WiringLLMCalls.Inc()
}

func (m *Metrics) DependencyCreated() {
	if m == nil {
		return
	}
	m.DependenciesCreated.Inc()
}

func (m *Metrics) Rejected(rule string) {
	if m == nil {
		return
	}
	m.WiringRejections.WithLabelValues(rule).Inc()
}

func (m *Metrics) Skipped(reason string) {
	if m == nil {
		return
	}
	m.WiringSkips.WithLabelValues(reason).Inc()
}

func (m *Metrics) Assignment(result string) {
	if m == nil {
		return
	}
	m.Assignments.WithLabelValues(result).Inc()
}

func (m *Metrics) ClaimConflict() {
	if m == nil {
		return
	}
	m.ClaimConflicts.Inc()
}

func (m *Metrics) ParentCompleted() {
	if m == nil {
		return
	}
	m.ParentCompletions.Inc()
}

func (m *Metrics) CollaboratorFailed(collaborator string) {
	if m == nil {
		return
	}
	m.CollaboratorFailures.WithLabelValues(collaborator).Inc()
}
