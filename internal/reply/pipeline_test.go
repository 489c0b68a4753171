package reply

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/mindroom/internal/llm"
	"github.com/haasonsaas/mindroom/internal/memory"
	"github.com/haasonsaas/mindroom/internal/tools"
	"github.com/haasonsaas/mindroom/internal/tracker"
	"github.com/haasonsaas/mindroom/pkg/models"
)

// fakeProvider replays a fixed script of stream event batches, one batch
// per Stream call (so a continuation call after tool execution gets the
// next batch in sequence).
type fakeProvider struct {
	mu      sync.Mutex
	batches [][]llm.StreamEvent
	calls   int
	prompts []llm.Prompt

	// onStream, if set, runs synchronously before Stream returns its
	// channel — tests use it to force a deterministic cancellation race
	// (e.g. calling StopManager.Stop) that would otherwise depend on
	// goroutine scheduling.
	onStream func(callIndex int)
}

func (f *fakeProvider) Stream(ctx context.Context, prompt llm.Prompt, toolSpecs []llm.ToolSpec, opts llm.Options) (<-chan llm.StreamEvent, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()

	if f.onStream != nil {
		f.onStream(idx)
	}

	var batch []llm.StreamEvent
	if idx < len(f.batches) {
		batch = f.batches[idx]
	}

	ch := make(chan llm.StreamEvent, len(batch))
	for _, evt := range batch {
		ch <- evt
	}
	close(ch)
	return ch, nil
}

type fakeChatSender struct {
	mu     sync.Mutex
	nextID int
	sent   []string
	edits  []string
}

func (f *fakeChatSender) Send(ctx context.Context, roomID, body, replyToEventID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, body)
	return "out-msg-" + strings.Repeat("x", f.nextID), nil
}

func (f *fakeChatSender) Edit(ctx context.Context, roomID, messageID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, body)
	return nil
}

func (f *fakeChatSender) lastEdit() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		return ""
	}
	return f.edits[len(f.edits)-1]
}

func newTestPipeline(provider *fakeProvider, chat *fakeChatSender, reg tools.Registry) *Pipeline {
	return &Pipeline{
		LLM:          provider,
		Tools:        reg,
		Memory:       memory.NoopStore{},
		Chat:         chat,
		Stop:         tracker.NewStopManager(),
		EditInterval: time.Millisecond,
	}
}

func TestRunProducesSingleOutputMessage(t *testing.T) {
	provider := &fakeProvider{batches: [][]llm.StreamEvent{
		{
			{Kind: llm.EventTextDelta, TextDelta: "hello "},
			{Kind: llm.EventTextDelta, TextDelta: "world"},
			{Kind: llm.EventFinish, FinishReason: llm.FinishStop},
		},
	}}
	chat := &fakeChatSender{}
	p := newTestPipeline(provider, chat, tools.NewStaticRegistry(nil))

	task, err := p.Run(context.Background(), Request{
		Msg:    models.Message{EventID: "evt-1", RoomID: "room-1", Body: "hi"},
		Entity: models.Entity{ID: "coder", Kind: models.EntityAgent},
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if task.State() != models.ReplyDone {
		t.Fatalf("expected ReplyDone, got %s", task.State())
	}
	if len(chat.sent) != 1 {
		t.Fatalf("expected exactly one Send call, got %d", len(chat.sent))
	}
	if got := chat.lastEdit(); got != "hello world" {
		t.Fatalf("expected final edit %q, got %q", "hello world", got)
	}
}

func TestRunExecutesToolCallAndRewritesBlockInPlace(t *testing.T) {
	provider := &fakeProvider{batches: [][]llm.StreamEvent{
		{
			{Kind: llm.EventTextDelta, TextDelta: "checking... "},
			{Kind: llm.EventToolCallStarted, ToolCallID: "tc-1", ToolName: "lookup", ToolArgs: "foo"},
			{Kind: llm.EventFinish, FinishReason: llm.FinishToolCalls},
		},
		{
			{Kind: llm.EventTextDelta, TextDelta: "done"},
			{Kind: llm.EventFinish, FinishReason: llm.FinishStop},
		},
	}}
	chat := &fakeChatSender{}
	reg := tools.NewStaticRegistry(map[string]tools.Handler{
		"lookup": tools.HandlerFunc(func(ctx context.Context, args string) (string, error) {
			return "result-for-" + args, nil
		}),
	})
	p := newTestPipeline(provider, chat, reg)

	task, err := p.Run(context.Background(), Request{
		Msg:    models.Message{EventID: "evt-2", RoomID: "room-1", Body: "look it up"},
		Entity: models.Entity{ID: "coder", Kind: models.EntityAgent},
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	trace := task.ToolTrace()
	if len(trace) != 1 {
		t.Fatalf("expected exactly one completed-or-failed tool record, got %d", len(trace))
	}
	if trace[0].State != models.ToolCallCompleted {
		t.Fatalf("expected tool call completed, got %s", trace[0].State)
	}

	body := task.Render()
	if strings.Count(body, "<tool>") != 1 {
		t.Fatalf("expected exactly one <tool> block, got body %q", body)
	}
	if !strings.Contains(body, "result-for-foo") {
		t.Fatalf("expected rendered tool result in body, got %q", body)
	}
	if !strings.Contains(body, "done") {
		t.Fatalf("expected continuation text in body, got %q", body)
	}
}

func TestRunTruncatesOversizedToolResult(t *testing.T) {
	longResult := strings.Repeat("a", 1000)
	provider := &fakeProvider{batches: [][]llm.StreamEvent{
		{
			{Kind: llm.EventToolCallStarted, ToolCallID: "tc-1", ToolName: "dump", ToolArgs: ""},
			{Kind: llm.EventFinish, FinishReason: llm.FinishToolCalls},
		},
		{
			{Kind: llm.EventFinish, FinishReason: llm.FinishStop},
		},
	}}
	chat := &fakeChatSender{}
	reg := tools.NewStaticRegistry(map[string]tools.Handler{
		"dump": tools.HandlerFunc(func(ctx context.Context, args string) (string, error) {
			return longResult, nil
		}),
	})
	p := newTestPipeline(provider, chat, reg)
	p.ToolResultMax = 100

	task, err := p.Run(context.Background(), Request{
		Msg:    models.Message{EventID: "evt-3", RoomID: "room-1", Body: "dump it"},
		Entity: models.Entity{ID: "coder", Kind: models.EntityAgent},
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	trace := task.ToolTrace()
	if !trace[0].Truncated {
		t.Fatalf("expected truncation flag set")
	}
	if len(trace[0].ResultPreview) > 100+40 {
		t.Fatalf("truncated result too long: %d chars", len(trace[0].ResultPreview))
	}
}

func TestRunCancellationStopsStreamingAndSkipsMemoryCommit(t *testing.T) {
	provider := &fakeProvider{batches: [][]llm.StreamEvent{
		{
			{Kind: llm.EventTextDelta, TextDelta: "partial"},
			{Kind: llm.EventFinish, FinishReason: llm.FinishStop},
		},
	}}
	chat := &fakeChatSender{}
	mem := &spyMemoryStore{}
	p := newTestPipeline(provider, chat, tools.NewStaticRegistry(nil))
	p.Memory = mem

	stopper := tracker.NewStopManager()
	p.Stop = stopper

	// Cancel immediately via the StopManager the same way a `!stop` command
	// would, simulating the race where cancellation lands before the first
	// event is drained.
	done := make(chan *ReplyTask, 1)
	go func() {
		task, _ := p.Run(context.Background(), Request{
			Msg:    models.Message{EventID: "evt-4", RoomID: "room-1", ThreadID: "thread-1", Body: "go"},
			Entity: models.Entity{ID: "coder", Kind: models.EntityAgent},
		})
		done <- task
	}()

	stopper.Stop("thread-1")

	select {
	case task := <-done:
		if task.State() != models.ReplyCancelled && task.State() != models.ReplyDone {
			t.Fatalf("expected Cancelled or a fast Done race, got %s", task.State())
		}
		if task.State() == models.ReplyCancelled && mem.commitCount() != 0 {
			t.Fatalf("expected no memory commit for a cancelled reply, got %d", mem.commitCount())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
