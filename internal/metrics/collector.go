// Package metrics implements the engine's Prometheus instrumentation
// (spec §9 component N), grounded directly on the teacher's
// promauto-built CounterVec/Gauge/HistogramVec field set
// (metrics.Collector in the alerting engine), trimmed to the
// rule-engine's own domain (rule/condition/action/event/timer
// counters) instead of the teacher's alert/notification/kafka/db
// surface.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds every metric the engine updates during dispatch.
type Collector struct {
	RulesTotal          prometheus.Gauge
	RulesEnabled        prometheus.Gauge
	RuleEvaluationsTotal *prometheus.CounterVec
	RuleMatchesTotal    *prometheus.CounterVec
	RuleEvaluationDuration prometheus.Histogram

	ActionsExecutedTotal *prometheus.CounterVec
	ActionDuration       *prometheus.HistogramVec
	ActionErrorsTotal    *prometheus.CounterVec

	EventsEmittedTotal *prometheus.CounterVec
	FactsSetTotal      prometheus.Counter
	FactsDeletedTotal  prometheus.Counter

	TimersScheduledTotal prometheus.Counter
	TimersFiredTotal     prometheus.Counter
	TimersPending        prometheus.Gauge

	CascadeDepth prometheus.Histogram
}

// NewCollector registers every metric against reg (pass
// prometheus.NewRegistry() for test isolation, or
// prometheus.DefaultRegisterer in production). buckets configures the
// duration histograms.
func NewCollector(reg prometheus.Registerer, buckets []float64) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RulesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ruleforge", Subsystem: "rules", Name: "total",
			Help: "Total number of registered rules.",
		}),
		RulesEnabled: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ruleforge", Subsystem: "rules", Name: "enabled",
			Help: "Number of rules currently enabled.",
		}),
		RuleEvaluationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruleforge", Subsystem: "rules", Name: "evaluations_total",
			Help: "Total rule evaluations, labeled by trigger kind.",
		}, []string{"trigger_kind"}),
		RuleMatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruleforge", Subsystem: "rules", Name: "matches_total",
			Help: "Total rule evaluations whose conditions matched, labeled by rule name.",
		}, []string{"rule"}),
		RuleEvaluationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ruleforge", Subsystem: "rules", Name: "evaluation_duration_seconds",
			Help: "Condition evaluation latency.", Buckets: buckets,
		}),

		ActionsExecutedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruleforge", Subsystem: "actions", Name: "executed_total",
			Help: "Total actions executed, labeled by action kind.",
		}, []string{"kind"}),
		ActionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ruleforge", Subsystem: "actions", Name: "duration_seconds",
			Help: "Action execution latency, labeled by action kind.", Buckets: buckets,
		}, []string{"kind"}),
		ActionErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruleforge", Subsystem: "actions", Name: "errors_total",
			Help: "Total action execution errors, labeled by action kind.",
		}, []string{"kind"}),

		EventsEmittedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ruleforge", Subsystem: "events", Name: "emitted_total",
			Help: "Total events appended, labeled by topic.",
		}, []string{"topic"}),
		FactsSetTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ruleforge", Subsystem: "facts", Name: "set_total",
			Help: "Total fact set operations.",
		}),
		FactsDeletedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ruleforge", Subsystem: "facts", Name: "deleted_total",
			Help: "Total fact delete operations.",
		}),

		TimersScheduledTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ruleforge", Subsystem: "timers", Name: "scheduled_total",
			Help: "Total timers scheduled.",
		}),
		TimersFiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ruleforge", Subsystem: "timers", Name: "fired_total",
			Help: "Total timers fired.",
		}),
		TimersPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ruleforge", Subsystem: "timers", Name: "pending",
			Help: "Number of timers currently scheduled but not yet fired.",
		}),

		CascadeDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ruleforge", Subsystem: "engine", Name: "cascade_depth",
			Help:    "Depth reached by rule-triggered cascades.",
			Buckets: prometheus.LinearBuckets(0, 4, 16),
		}),
	}
}
