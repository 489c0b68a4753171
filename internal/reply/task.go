// Package reply implements the Reply Pipeline: given a dispatched
// (message, entity) pair, it drives the LLM, intercepts and executes tool
// calls, streams progress into a chat message via batched edits, commits
// memory, and honors cancellation.
package reply

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/mindroom/pkg/models"
)

// ChatSender is the narrow slice of the Bot Runtime's contract the
// pipeline needs to produce and update its output message.
type ChatSender interface {
	Send(ctx context.Context, roomID, body, replyToEventID string) (messageID string, err error)
	Edit(ctx context.Context, roomID, messageID, body string) error
}

// part is one fragment of a ReplyTask's accumulated output: either a run of
// plain text, or a reference to a tool call whose current render is looked
// up from toolTrace at render time (the single source of truth for
// "rewrite tool block in place").
type part struct {
	isTool  bool
	text    string
	toolIdx int
}

// ReplyTask is the in-flight assembly of one reply. It owns its output
// chat message and tool trace; external readers only ever see rendered
// snapshots via Render().
type ReplyTask struct {
	ID              string
	EventIDVal      string
	EntityID        string
	RoomID          string
	ThreadID        string
	OutputMessageID string
	StartedAt       time.Time

	mu        sync.Mutex
	parts     []part
	toolTrace []*models.ToolCallRecord
	state     models.ReplyState

	cancelled atomic.Bool
	cancelFn  context.CancelFunc
}

// NewReplyTask constructs a ReplyTask for one (event, entity) pair.
func NewReplyTask(eventID, entityID, roomID, threadID string) *ReplyTask {
	return &ReplyTask{
		ID:         uuid.NewString(),
		EventIDVal: eventID,
		EntityID:   entityID,
		RoomID:     roomID,
		ThreadID:   threadID,
		StartedAt:  time.Now(),
		state:      models.ReplyInit,
	}
}

// EventID satisfies tracker.CancellableTask.
func (t *ReplyTask) EventID() string { return t.EventIDVal }

// Cancel satisfies tracker.CancellableTask: marks the task cancelled and
// interrupts whatever suspension point it is currently blocked on.
func (t *ReplyTask) Cancel() {
	t.cancelled.Store(true)
	t.mu.Lock()
	cancel := t.cancelFn
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// IsCancelled reports whether Cancel has been called.
func (t *ReplyTask) IsCancelled() bool { return t.cancelled.Load() }

func (t *ReplyTask) setCancelFn(fn context.CancelFunc) {
	t.mu.Lock()
	t.cancelFn = fn
	t.mu.Unlock()
}

// State returns the task's current state-machine position.
func (t *ReplyTask) State() models.ReplyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *ReplyTask) setState(s models.ReplyState) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// appendText merges delta into the last text part, or starts a new one.
func (t *ReplyTask) appendText(delta string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.parts); n > 0 && !t.parts[n-1].isTool {
		t.parts[n-1].text += delta
		return
	}
	t.parts = append(t.parts, part{text: delta})
}

// startTool appends a pending tool block and returns its trace record so
// the caller can update it in place once the call completes.
func (t *ReplyTask) startTool(toolCallID, toolName, argsPreview string) *models.ToolCallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := &models.ToolCallRecord{
		ToolCallID:  toolCallID,
		ToolName:    toolName,
		ArgsPreview: argsPreview,
		State:       models.ToolCallPending,
	}
	idx := len(t.toolTrace)
	t.toolTrace = append(t.toolTrace, rec)
	t.parts = append(t.parts, part{isTool: true, toolIdx: idx})
	return rec
}

// findTool returns the trace record for toolCallID, if its pending block
// has already been appended (guards against a duplicate completion event
// for the same call producing a second block).
func (t *ReplyTask) findTool(toolCallID string) (*models.ToolCallRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.toolTrace {
		if rec.ToolCallID == toolCallID {
			return rec, true
		}
	}
	return nil, false
}

// ToolTrace returns the ordered list of tool call records (a snapshot).
func (t *ReplyTask) ToolTrace() []models.ToolCallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.ToolCallRecord, len(t.toolTrace))
	for i, rec := range t.toolTrace {
		out[i] = *rec
	}
	return out
}
