// Package metrics holds the Prometheus collectors shared by the engine,
// hooks, scheduler and HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RuleEvaluations counts rules considered by the orchestrator.
	// Labels: trigger_type, outcome (skipped, executed, failed, invalid)
	RuleEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "rules",
		Name:      "evaluations_total",
		Help:      "Rules evaluated by the orchestrator, by outcome",
	}, []string{"trigger_type", "outcome"})

	// ActionExecutions counts executed actions.
	// Labels: action_type, status (success, error)
	ActionExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "rules",
		Name:      "action_executions_total",
		Help:      "Rule actions executed, by status",
	}, []string{"action_type", "status"})

	// EvaluationDuration measures one EvaluateRules pass.
	EvaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hearth",
		Subsystem: "rules",
		Name:      "evaluation_duration_seconds",
		Help:      "Time to evaluate all candidate rules for one event",
		Buckets:   prometheus.DefBuckets,
	}, []string{"trigger_type"})

	// RulesAutoDisabled counts rules disabled after repeated failures.
	RulesAutoDisabled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "rules",
		Name:      "auto_disabled_total",
		Help:      "Rules disabled after consecutive failures",
	})

	// HookDispatches counts hook invocations.
	// Labels: trigger_type, status (dispatched, error, panic)
	HookDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "hooks",
		Name:      "dispatches_total",
		Help:      "Hook invocations, by status",
	}, []string{"trigger_type", "status"})

	// ScheduleTicks counts time_based rules found due by the scheduler.
	ScheduleTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "scheduler",
		Name:      "due_total",
		Help:      "Schedule ticks dispatched, by schedule kind",
	}, []string{"kind"})

	// LogMessages counts warnings and errors before log sampling.
	LogMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "log",
		Name:      "messages_total",
		Help:      "Warning and error log calls, counted before sampling",
	}, []string{"level"})

	// LogEvents counts named operational events (http_5xx, slow_request, ...).
	LogEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "log",
		Name:      "events_total",
		Help:      "Operational events reported through the logger",
	}, []string{"event"})

	// HTTPRequests counts API requests.
	// Labels: method, route, status
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hearth",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served",
	}, []string{"method", "route", "status"})
)
