package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting orchestrator metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - Dispatch decisions by rule and outcome
//   - Reply pipeline throughput, duration, and failure rate
//   - Tool execution patterns and latencies
//   - Bot sync health and reconnect attempts
//   - Error rates categorized by kind and component
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.DispatchDecided("explicit_mention", "handle_with")
//	metrics.ReplyFinished("coder", "done", time.Since(start).Seconds())
type Metrics struct {
	// MessagesReceived counts chat events observed by a bot.
	// Labels: room_id
	MessagesReceived *prometheus.CounterVec

	// DispatchDecisions counts dispatch outcomes by the rule that matched and the verdict.
	// Labels: rule, outcome (ignore|handle_with|handle_with_team|router_command)
	DispatchDecisions *prometheus.CounterVec

	// ReplyTasksStarted counts ReplyTasks created.
	// Labels: entity_id
	ReplyTasksStarted *prometheus.CounterVec

	// ReplyTasksFinished counts ReplyTasks reaching a terminal state.
	// Labels: entity_id, outcome (done|cancelled|failed)
	ReplyTasksFinished *prometheus.CounterVec

	// ReplyDuration measures wall-clock time from ReplyTask creation to terminal state.
	// Labels: entity_id
	ReplyDuration *prometheus.HistogramVec

	// ReplyEdits counts chat message edits issued while streaming a reply.
	// Labels: entity_id
	ReplyEdits *prometheus.CounterVec

	// ToolExecutions counts tool invocations by name and outcome.
	// Labels: tool_name, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorsTotal tracks errors by component and error kind.
	// Labels: component, kind
	ErrorsTotal *prometheus.CounterVec

	// ActiveBots is a gauge tracking currently running bot sync loops.
	ActiveBots prometheus.Gauge

	// BotReconnects counts bot sync loop reconnect attempts.
	// Labels: entity_id
	BotReconnects *prometheus.CounterVec

	// BacklogDepth tracks the current per-entity dispatch backlog length.
	// Labels: entity_id
	BacklogDepth *prometheus.GaugeVec

	// BacklogOverflows counts dispatches dropped due to a full backlog.
	// Labels: entity_id
	BacklogOverflows *prometheus.CounterVec

	// ConfigReloads counts successful and failed hot-reload attempts.
	// Labels: outcome (applied|rejected)
	ConfigReloads *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with the
// default registry. Call once at process startup.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry is NewMetrics against an explicit registry —
// tests use this to avoid duplicate-registration panics across cases.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindroom_messages_received_total",
				Help: "Total number of chat events observed, by room",
			},
			[]string{"room_id"},
		),

		DispatchDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindroom_dispatch_decisions_total",
				Help: "Dispatch decisions by matching rule and outcome",
			},
			[]string{"rule", "outcome"},
		),

		ReplyTasksStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindroom_reply_tasks_started_total",
				Help: "Total number of ReplyTasks created, by entity",
			},
			[]string{"entity_id"},
		),

		ReplyTasksFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindroom_reply_tasks_finished_total",
				Help: "Total number of ReplyTasks reaching a terminal state",
			},
			[]string{"entity_id", "outcome"},
		),

		ReplyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mindroom_reply_duration_seconds",
				Help:    "Duration of a ReplyTask from creation to terminal state",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"entity_id"},
		),

		ReplyEdits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindroom_reply_edits_total",
				Help: "Total number of chat message edits issued while streaming",
			},
			[]string{"entity_id"},
		),

		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindroom_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mindroom_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindroom_errors_total",
				Help: "Total number of errors by component and error kind",
			},
			[]string{"component", "kind"},
		),

		ActiveBots: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "mindroom_active_bots",
				Help: "Current number of running bot sync loops",
			},
		),

		BotReconnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindroom_bot_reconnects_total",
				Help: "Total number of bot sync-loop reconnect attempts",
			},
			[]string{"entity_id"},
		),

		BacklogDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mindroom_backlog_depth",
				Help: "Current per-entity dispatch backlog length",
			},
			[]string{"entity_id"},
		),

		BacklogOverflows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindroom_backlog_overflows_total",
				Help: "Total number of dispatches dropped due to a full backlog",
			},
			[]string{"entity_id"},
		),

		ConfigReloads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mindroom_config_reloads_total",
				Help: "Total number of hot-reload attempts by outcome",
			},
			[]string{"outcome"},
		),
	}
}

// MessageReceived increments the message counter for a room.
func (m *Metrics) MessageReceived(roomID string) {
	m.MessagesReceived.WithLabelValues(roomID).Inc()
}

// DispatchDecided records a dispatch outcome for the rule that matched.
func (m *Metrics) DispatchDecided(rule, outcome string) {
	m.DispatchDecisions.WithLabelValues(rule, outcome).Inc()
}

// ReplyStarted records creation of a ReplyTask.
func (m *Metrics) ReplyStarted(entityID string) {
	m.ReplyTasksStarted.WithLabelValues(entityID).Inc()
}

// ReplyFinished records a ReplyTask reaching a terminal state.
func (m *Metrics) ReplyFinished(entityID, outcome string, durationSeconds float64) {
	m.ReplyTasksFinished.WithLabelValues(entityID, outcome).Inc()
	m.ReplyDuration.WithLabelValues(entityID).Observe(durationSeconds)
}

// ReplyEdited records a chat message edit for a ReplyTask.
func (m *Metrics) ReplyEdited(entityID string) {
	m.ReplyEdits.WithLabelValues(entityID).Inc()
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutions.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a given component and error kind.
func (m *Metrics) RecordError(component, kind string) {
	m.ErrorsTotal.WithLabelValues(component, kind).Inc()
}

// BotStarted increments the active-bots gauge.
func (m *Metrics) BotStarted() {
	m.ActiveBots.Inc()
}

// BotStopped decrements the active-bots gauge.
func (m *Metrics) BotStopped() {
	m.ActiveBots.Dec()
}

// BotReconnected records a reconnect attempt for an entity's sync loop.
func (m *Metrics) BotReconnected(entityID string) {
	m.BotReconnects.WithLabelValues(entityID).Inc()
}

// SetBacklogDepth sets the current dispatch backlog depth for an entity.
func (m *Metrics) SetBacklogDepth(entityID string, depth int) {
	m.BacklogDepth.WithLabelValues(entityID).Set(float64(depth))
}

// BacklogOverflowed records a dispatch dropped due to a full backlog.
func (m *Metrics) BacklogOverflowed(entityID string) {
	m.BacklogOverflows.WithLabelValues(entityID).Inc()
}

// ConfigReloaded records the outcome of a hot-reload attempt.
func (m *Metrics) ConfigReloaded(applied bool) {
	outcome := "applied"
	if !applied {
		outcome = "rejected"
	}
	m.ConfigReloads.WithLabelValues(outcome).Inc()
}
