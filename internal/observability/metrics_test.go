package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

func TestMessageReceived(t *testing.T) {
	m := newTestMetrics()

	m.MessageReceived("!lobby:example.org")
	m.MessageReceived("!lobby:example.org")
	m.MessageReceived("!dev:example.org")

	expected := `
		# HELP mindroom_messages_received_total Total number of chat events observed, by room
		# TYPE mindroom_messages_received_total counter
		mindroom_messages_received_total{room_id="!dev:example.org"} 1
		mindroom_messages_received_total{room_id="!lobby:example.org"} 2
	`
	if err := testutil.CollectAndCompare(m.MessagesReceived, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestDispatchDecided(t *testing.T) {
	m := newTestMetrics()

	m.DispatchDecided("explicit_mention", "handle_with")
	m.DispatchDecided("multi_human", "ignore")
	m.DispatchDecided("multi_human", "ignore")

	if got := testutil.ToFloat64(m.DispatchDecisions.WithLabelValues("multi_human", "ignore")); got != 2 {
		t.Errorf("multi_human/ignore count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.DispatchDecisions.WithLabelValues("explicit_mention", "handle_with")); got != 1 {
		t.Errorf("explicit_mention/handle_with count = %v, want 1", got)
	}
}

func TestReplyLifecycle(t *testing.T) {
	m := newTestMetrics()

	m.ReplyStarted("coder")
	m.ReplyEdited("coder")
	m.ReplyEdited("coder")
	m.ReplyFinished("coder", "done", 1.5)

	if got := testutil.ToFloat64(m.ReplyTasksStarted.WithLabelValues("coder")); got != 1 {
		t.Errorf("started count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ReplyEdits.WithLabelValues("coder")); got != 2 {
		t.Errorf("edit count = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ReplyTasksFinished.WithLabelValues("coder", "done")); got != 1 {
		t.Errorf("finished count = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.ReplyDuration); got != 1 {
		t.Errorf("duration series count = %v, want 1", got)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m := newTestMetrics()

	m.RecordToolExecution("run_shell", "success", 0.2)
	m.RecordToolExecution("run_shell", "error", 0.1)

	if got := testutil.ToFloat64(m.ToolExecutions.WithLabelValues("run_shell", "success")); got != 1 {
		t.Errorf("success count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ToolExecutions.WithLabelValues("run_shell", "error")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}

func TestBotGaugeAndReconnects(t *testing.T) {
	m := newTestMetrics()

	m.BotStarted()
	m.BotStarted()
	m.BotStopped()
	m.BotReconnected("coder")

	if got := testutil.ToFloat64(m.ActiveBots); got != 1 {
		t.Errorf("active bots = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.BotReconnects.WithLabelValues("coder")); got != 1 {
		t.Errorf("reconnects = %v, want 1", got)
	}
}

func TestBacklogMetrics(t *testing.T) {
	m := newTestMetrics()

	m.SetBacklogDepth("coder", 3)
	m.BacklogOverflowed("coder")

	if got := testutil.ToFloat64(m.BacklogDepth.WithLabelValues("coder")); got != 3 {
		t.Errorf("backlog depth = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.BacklogOverflows.WithLabelValues("coder")); got != 1 {
		t.Errorf("backlog overflows = %v, want 1", got)
	}
}

func TestConfigReloaded(t *testing.T) {
	m := newTestMetrics()

	m.ConfigReloaded(true)
	m.ConfigReloaded(false)
	m.ConfigReloaded(false)

	if got := testutil.ToFloat64(m.ConfigReloads.WithLabelValues("applied")); got != 1 {
		t.Errorf("applied count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ConfigReloads.WithLabelValues("rejected")); got != 2 {
		t.Errorf("rejected count = %v, want 2", got)
	}
}

func TestRecordError(t *testing.T) {
	m := newTestMetrics()

	m.RecordError("bot", "auth")
	if got := testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("bot", "auth")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}
