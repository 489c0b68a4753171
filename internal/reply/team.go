package reply

import (
	"context"
	"fmt"

	"github.com/haasonsaas/mindroom/internal/errkind"
	"github.com/haasonsaas/mindroom/internal/llm"
	"github.com/haasonsaas/mindroom/internal/memory"
	"github.com/haasonsaas/mindroom/pkg/models"
)

// TeamRequest is everything the pipeline needs to produce one team reply.
// Members must already be ordered the way the team wants them to speak —
// the dispatch engine and registry preserve config order end to end.
type TeamRequest struct {
	Msg               models.Message
	Team              models.Entity
	Members           []models.Entity
	Mode              models.TeamMode
	History           []llm.HistoryMessage
	KnowledgeSnippets []string
	ToolSpecs         []llm.ToolSpec
}

// RunTeam drives a team reply, composing every member's contribution into
// one output chat message. Collaborate mode labels each member's section;
// Consensus mode accumulates a single unlabeled voice.
func (p *Pipeline) RunTeam(ctx context.Context, req TeamRequest) (*ReplyTask, error) {
	threadKey := req.Msg.ThreadID
	if threadKey == "" {
		threadKey = req.Msg.EventID
	}

	task := NewReplyTask(req.Msg.EventID, req.Team.ID, req.Msg.RoomID, threadKey)
	runCtx, cancel := context.WithCancel(ctx)
	task.setCancelFn(cancel)
	defer cancel()

	runCtx, replySpan := p.Tracer.TraceReply(runCtx, req.Team.ID, req.Msg.RoomID)
	defer replySpan.End()

	p.Stop.Set(threadKey, task)
	defer p.Stop.Clear(threadKey, task)

	if p.Metrics != nil {
		p.Metrics.ReplyStarted(req.Team.ID)
	}
	task.setState(models.ReplyStreaming)

	sendCtx, sendCancel := context.WithTimeout(runCtx, p.sendTimeout())
	msgID, err := p.Chat.Send(sendCtx, req.Msg.RoomID, "…", req.Msg.EventID)
	sendCancel()
	if err != nil {
		task.setState(models.ReplyFailed)
		p.finishMetrics(task, "failed")
		return task, fmt.Errorf("reply: create team placeholder message: %w", err)
	}
	task.OutputMessageID = msgID

	editor := p.newEditor(task)
	defer editor.Stop()

	outcome := models.ReplyDone
	for i, member := range req.Members {
		if task.IsCancelled() {
			outcome = models.ReplyCancelled
			break
		}

		if req.Mode == models.TeamCollaborate {
			if i > 0 {
				task.appendText("\n\n")
			}
			task.appendText(fmt.Sprintf("**%s**\n", member.DisplayName))
			editor.onForce()
		}

		scope := memory.Scope{AgentID: member.ID, RoomID: req.Msg.RoomID, TeamID: req.Team.ID}
		memSnippets, recallErr := p.Memory.Recall(runCtx, scope, req.Msg.Body, 5)
		if recallErr != nil {
			p.logger().Warn("memory recall failed", "entity_id", member.ID,
				"error", errkind.New(errkind.MemoryFailure, "memory.recall", recallErr))
		}

		prompt := llm.Prompt{
			Instructions:      member.Instructions,
			History:           req.History,
			KnowledgeSnippets: req.KnowledgeSnippets,
			MemorySnippets:    memSnippets,
			Input:             req.Msg.Body,
		}

		memberOutcome := p.converse(runCtx, task, prompt, req.ToolSpecs, member.ModelRef, editor)

		if memberOutcome == models.ReplyCancelled {
			outcome = models.ReplyCancelled
			break
		}
		if memberOutcome == models.ReplyFailed {
			task.appendText(fmt.Sprintf("\n\n(%s failed to respond)", member.DisplayName))
			editor.onForce()
			continue
		}

		if member.LearningMode != models.LearningNever {
			p.commitMemory(task, scope, req.Msg.ThreadID)
		}
	}

	switch outcome {
	case models.ReplyCancelled:
		task.appendText("\n\n(cancelled)")
		p.finalize(context.Background(), task, editor)
		task.setState(models.ReplyCancelled)
		p.finishMetrics(task, "cancelled")
	default:
		p.finalize(runCtx, task, editor)
		task.setState(models.ReplyDone)
		p.finishMetrics(task, "done")
	}
	return task, nil
}
