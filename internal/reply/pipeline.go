package reply

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/mindroom/internal/backoff"
	"github.com/haasonsaas/mindroom/internal/errkind"
	"github.com/haasonsaas/mindroom/internal/llm"
	"github.com/haasonsaas/mindroom/internal/memory"
	"github.com/haasonsaas/mindroom/internal/observability"
	"github.com/haasonsaas/mindroom/internal/retry"
	"github.com/haasonsaas/mindroom/internal/tools"
	"github.com/haasonsaas/mindroom/internal/tracker"
	"github.com/haasonsaas/mindroom/pkg/models"
)

// defaultEditInterval mirrors config.DefaultEditThrottle; it and the two
// timeouts are fallbacks for zero Pipeline fields, so the pipeline is usable
// without threading *config.Snapshot through every call.
const (
	defaultEditInterval    = 500 * time.Millisecond
	defaultToolCallTimeout = 60 * time.Second
	defaultSendTimeout     = 15 * time.Second
	maxEditRebaseAttempts  = 3
	maxLLMStreamRetries    = 2
)

// Pipeline drives single-agent and team replies. One Pipeline is shared
// across every ReplyTask; per-task state lives on *ReplyTask.
type Pipeline struct {
	LLM     llm.Provider
	Tools   tools.Registry
	Memory  memory.Store
	Chat    ChatSender
	Stop    *tracker.StopManager
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger

	EditInterval    time.Duration
	ToolResultMax   int
	ToolCallTimeout time.Duration
	SendTimeout     time.Duration
}

// Request is everything the pipeline needs to produce one reply.
type Request struct {
	Msg               models.Message
	Entity            models.Entity
	History           []llm.HistoryMessage
	KnowledgeSnippets []string
	ToolSpecs         []llm.ToolSpec
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p *Pipeline) editInterval() time.Duration {
	if p.EditInterval > 0 {
		return p.EditInterval
	}
	return defaultEditInterval
}

func (p *Pipeline) toolCallTimeout() time.Duration {
	if p.ToolCallTimeout > 0 {
		return p.ToolCallTimeout
	}
	return defaultToolCallTimeout
}

func (p *Pipeline) sendTimeout() time.Duration {
	if p.SendTimeout > 0 {
		return p.SendTimeout
	}
	return defaultSendTimeout
}

// Run drives one single-agent reply end to end and returns
// the finished ReplyTask. The returned error is non-nil only for failures
// that prevented any output message from being produced at all; once a
// placeholder exists, terminal failures are reported via the task's state
// and rendered into the chat message instead.
func (p *Pipeline) Run(ctx context.Context, req Request) (*ReplyTask, error) {
	threadKey := req.Msg.ThreadID
	if threadKey == "" {
		threadKey = req.Msg.EventID
	}

	task := NewReplyTask(req.Msg.EventID, req.Entity.ID, req.Msg.RoomID, threadKey)
	runCtx, cancel := context.WithCancel(ctx)
	task.setCancelFn(cancel)
	defer cancel()

	runCtx, replySpan := p.Tracer.TraceReply(runCtx, req.Entity.ID, req.Msg.RoomID)
	defer replySpan.End()

	p.Stop.Set(threadKey, task)
	defer p.Stop.Clear(threadKey, task)

	if p.Metrics != nil {
		p.Metrics.ReplyStarted(req.Entity.ID)
	}
	task.setState(models.ReplyStreaming)

	sendCtx, sendCancel := context.WithTimeout(runCtx, p.sendTimeout())
	msgID, err := p.Chat.Send(sendCtx, req.Msg.RoomID, "…", req.Msg.EventID)
	sendCancel()
	if err != nil {
		task.setState(models.ReplyFailed)
		p.finishMetrics(task, "failed")
		p.Tracer.RecordError(replySpan, err)
		return task, fmt.Errorf("reply: create placeholder message: %w", err)
	}
	task.OutputMessageID = msgID

	scope := memory.Scope{AgentID: req.Entity.ID, RoomID: req.Msg.RoomID}
	memSnippets, err := p.Memory.Recall(runCtx, scope, req.Msg.Body, 5)
	if err != nil {
		p.logger().Warn("memory recall failed", "entity_id", req.Entity.ID,
			"error", errkind.New(errkind.MemoryFailure, "memory.recall", err))
	}

	prompt := llm.Prompt{
		Instructions:      req.Entity.Instructions,
		History:           req.History,
		KnowledgeSnippets: req.KnowledgeSnippets,
		MemorySnippets:    memSnippets,
		Input:             req.Msg.Body,
	}

	editor := p.newEditor(task)
	defer editor.Stop()

	outcome := p.converse(runCtx, task, prompt, req.ToolSpecs, req.Entity.ModelRef, editor)

	switch outcome {
	case models.ReplyCancelled:
		task.appendText("\n\n(cancelled)")
		p.finalize(context.Background(), task, editor)
		task.setState(models.ReplyCancelled)
		p.finishMetrics(task, "cancelled")
		return task, nil
	case models.ReplyFailed:
		p.finalize(context.Background(), task, editor)
		task.setState(models.ReplyFailed)
		p.finishMetrics(task, "failed")
		return task, nil
	default:
		p.finalize(runCtx, task, editor)
		task.setState(models.ReplyDone)
		p.finishMetrics(task, "done")
		if req.Entity.LearningMode != models.LearningNever {
			p.commitMemory(task, scope, req.Msg.ThreadID)
		}
		return task, nil
	}
}

func (p *Pipeline) finishMetrics(task *ReplyTask, outcome string) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.ReplyFinished(task.EntityID, outcome, time.Since(task.StartedAt).Seconds())
}

// commitMemory schedules the episodic memory write as a background task —
// it never blocks or delays the reply's own completion.
func (p *Pipeline) commitMemory(task *ReplyTask, scope memory.Scope, threadID string) {
	if task.EntityID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		record := memory.Record{ThreadID: threadID, Content: task.Render(), Timestamp: time.Now()}
		if err := p.Memory.Commit(ctx, scope, record); err != nil {
			p.logger().Warn("memory commit failed", "entity_id", task.EntityID,
				"error", errkind.New(errkind.MemoryFailure, "memory.commit", err))
		}
	}()
}

// converse drives the LLM stream(s) to completion, including continuation
// calls after tool execution, and returns the terminal ReplyState.
func (p *Pipeline) converse(ctx context.Context, task *ReplyTask, prompt llm.Prompt, toolSpecs []llm.ToolSpec, modelRef string, editor *editBatcher) models.ReplyState {
	for {
		if task.IsCancelled() {
			return models.ReplyCancelled
		}

		streamCtx, span := p.Tracer.TraceLLMStream(ctx, modelRef)
		events, err := p.openStream(streamCtx, prompt, toolSpecs, modelRef)
		if err != nil {
			err = errkind.New(errkind.LLMFatal, "llm.stream", err)
			p.logger().Error("llm stream failed after retries", "entity_id", task.EntityID, "error", err)
			p.Tracer.RecordError(span, err)
			span.End()
			task.appendText(fmt.Sprintf("\n\n(error: %v)", err))
			return models.ReplyFailed
		}

		reason, toolResults, state := p.drainStream(streamCtx, task, events, editor)
		span.End()
		if state != models.ReplyStreaming {
			return state
		}
		if reason != llm.FinishToolCalls {
			return models.ReplyDone
		}
		prompt.ToolResults = append(prompt.ToolResults, toolResults...)
	}
}

// openStream opens one LLM stream, retrying transient failures to open the
// connection up to twice before the reply fails.
func (p *Pipeline) openStream(ctx context.Context, prompt llm.Prompt, toolSpecs []llm.ToolSpec, modelRef string) (<-chan llm.StreamEvent, error) {
	events, result := retry.DoWithValue(ctx, retry.Config{
		MaxAttempts:  maxLLMStreamRetries + 1,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		Factor:       2,
		Jitter:       true,
	}, func() (<-chan llm.StreamEvent, error) {
		return p.LLM.Stream(ctx, prompt, toolSpecs, llm.Options{ModelRef: modelRef})
	})
	if result.Err != nil {
		return nil, result.Err
	}
	return events, nil
}

// drainStream processes one Stream call's events until its terminal Finish
// (or an error/cancel), batching edits as it goes. It returns the finish
// reason (meaningful only when state==ReplyStreaming), any tool results
// collected for a continuation call, and the resulting ReplyState.
func (p *Pipeline) drainStream(ctx context.Context, task *ReplyTask, events <-chan llm.StreamEvent, editor *editBatcher) (llm.FinishReason, []llm.ToolResultContext, models.ReplyState) {
	var toolResults []llm.ToolResultContext

	for {
		if task.IsCancelled() {
			return "", nil, models.ReplyCancelled
		}

		select {
		case <-ctx.Done():
			return "", nil, models.ReplyCancelled
		case evt, ok := <-events:
			if !ok {
				return llm.FinishStop, toolResults, models.ReplyStreaming
			}

			switch evt.Kind {
			case llm.EventTextDelta:
				task.appendText(evt.TextDelta)
				editor.onDelta()

			case llm.EventToolCallStarted:
				task.setState(models.ReplyToolRun)
				rec := task.startTool(evt.ToolCallID, evt.ToolName, evt.ToolArgs)
				editor.onForce()
				p.executeTool(ctx, rec, evt)
				editor.onForce()
				toolResults = append(toolResults, llm.ToolResultContext{
					ToolCallID: rec.ToolCallID,
					ToolName:   rec.ToolName,
					Result:     rec.ResultPreview,
					Failed:     rec.State == models.ToolCallFailed,
				})
				task.setState(models.ReplyStreaming)

			case llm.EventToolCallCompleted:
				// The pipeline already executed and rewrote this block when
				// ToolCallStarted arrived; a provider-side completion event
				// for the same id is a no-op, never a second block.
				if _, ok := task.findTool(evt.ToolCallID); !ok {
					rec := task.startTool(evt.ToolCallID, evt.ToolName, evt.ToolArgs)
					rec.ResultPreview, rec.Truncated = Truncate(evt.ToolResult, p.ToolResultMax)
					rec.State = models.ToolCallCompleted
					if evt.ToolFailed {
						rec.State = models.ToolCallFailed
					}
					editor.onForce()
				}

			case llm.EventFinish:
				return evt.FinishReason, toolResults, models.ReplyStreaming

			case llm.EventError:
				task.appendText(fmt.Sprintf("\n\n(error: %v)", evt.Err))
				return "", toolResults, models.ReplyFailed
			}
		}
	}
}

// executeTool invokes the tool registry for a started call and rewrites
// the pending block in place with the (possibly truncated) result.
func (p *Pipeline) executeTool(ctx context.Context, rec *models.ToolCallRecord, evt llm.StreamEvent) {
	handler, ok := p.Tools.Lookup(evt.ToolName)
	if !ok {
		rec.State = models.ToolCallFailed
		rec.ResultPreview = "tool not found"
		return
	}

	toolCtx, cancel := context.WithTimeout(ctx, p.toolCallTimeout())
	defer cancel()
	toolCtx, span := p.Tracer.TraceToolExecution(toolCtx, evt.ToolName)
	defer span.End()

	start := time.Now()
	result, err := handler.Invoke(toolCtx, evt.ToolArgs)
	status := "success"
	if err != nil {
		status = "error"
		rec.State = models.ToolCallFailed
		rec.ResultPreview, rec.Truncated = Truncate(err.Error(), p.ToolResultMax)
		p.Tracer.RecordError(span, err)
	} else {
		rec.State = models.ToolCallCompleted
		rec.ResultPreview, rec.Truncated = Truncate(result, p.ToolResultMax)
	}
	if p.Metrics != nil {
		p.Metrics.RecordToolExecution(evt.ToolName, status, time.Since(start).Seconds())
	}
}

// finalize issues a last edit reflecting the task's final render, rebasing
// on edit conflicts up to maxEditRebaseAttempts times with exponential
// backoff before abandoning the output message id for a brand new one.
func (p *Pipeline) finalize(ctx context.Context, task *ReplyTask, editor *editBatcher) {
	editor.Stop()
	body := task.Render()

	policy := backoff.BackoffPolicy{InitialMs: 1000, MaxMs: 4000, Factor: 2, Jitter: 0}
	for attempt := 1; attempt <= maxEditRebaseAttempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout())
		err := p.Chat.Edit(sendCtx, task.RoomID, task.OutputMessageID, body)
		cancel()
		if err == nil {
			if p.Metrics != nil {
				p.Metrics.ReplyEdited(task.EntityID)
			}
			return
		}
		p.logger().Warn("finalize edit failed, rebasing", "attempt", attempt, "error", err)
		time.Sleep(backoff.ComputeBackoff(policy, attempt))
	}

	// Rebase exhausted: abandon the old id and send a fresh message.
	sendCtx, cancel := context.WithTimeout(ctx, p.sendTimeout())
	newID, err := p.Chat.Send(sendCtx, task.RoomID, body, "")
	cancel()
	if err != nil {
		p.logger().Error("finalize: failed to send replacement message", "error", err)
		return
	}
	task.OutputMessageID = newID
}
