package reply

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/mindroom/internal/llm"
	"github.com/haasonsaas/mindroom/internal/memory"
	"github.com/haasonsaas/mindroom/internal/tools"
	"github.com/haasonsaas/mindroom/internal/tracker"
	"github.com/haasonsaas/mindroom/pkg/models"
)

// spyMemoryStore records every Commit call so cancellation tests can assert
// no memory record was ever written for a cancelled member's turn.
type spyMemoryStore struct {
	mu      sync.Mutex
	commits []memory.Record
}

func (s *spyMemoryStore) Recall(ctx context.Context, scope memory.Scope, query string, k int) ([]string, error) {
	return nil, nil
}

func (s *spyMemoryStore) Commit(ctx context.Context, scope memory.Scope, record memory.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits = append(s.commits, record)
	return nil
}

func (s *spyMemoryStore) commitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commits)
}

func TestRunTeamCollaborateLabelsEachMember(t *testing.T) {
	provider := &fakeProvider{batches: [][]llm.StreamEvent{
		{{Kind: llm.EventTextDelta, TextDelta: "I think X"}, {Kind: llm.EventFinish, FinishReason: llm.FinishStop}},
		{{Kind: llm.EventTextDelta, TextDelta: "I think Y"}, {Kind: llm.EventFinish, FinishReason: llm.FinishStop}},
	}}
	chat := &fakeChatSender{}
	p := newTestPipeline(provider, chat, tools.NewStaticRegistry(nil))

	task, err := p.RunTeam(context.Background(), TeamRequest{
		Msg:  models.Message{EventID: "evt-1", RoomID: "room-1", Body: "thoughts?"},
		Team: models.Entity{ID: "panel", Kind: models.EntityTeam, Mode: models.TeamCollaborate},
		Members: []models.Entity{
			{ID: "coder", DisplayName: "Coder"},
			{ID: "reviewer", DisplayName: "Reviewer"},
		},
		Mode: models.TeamCollaborate,
	})
	if err != nil {
		t.Fatalf("RunTeam returned error: %v", err)
	}
	if task.State() != models.ReplyDone {
		t.Fatalf("expected ReplyDone, got %s", task.State())
	}
	body := task.Render()
	if !strings.Contains(body, "**Coder**") || !strings.Contains(body, "**Reviewer**") {
		t.Fatalf("expected both member labels in body, got %q", body)
	}
	if len(chat.sent) != 1 {
		t.Fatalf("expected exactly one output message for the whole team reply, got %d", len(chat.sent))
	}
}

func TestRunTeamConsensusHasNoMemberLabels(t *testing.T) {
	provider := &fakeProvider{batches: [][]llm.StreamEvent{
		{{Kind: llm.EventTextDelta, TextDelta: "agreed plan"}, {Kind: llm.EventFinish, FinishReason: llm.FinishStop}},
	}}
	chat := &fakeChatSender{}
	p := newTestPipeline(provider, chat, tools.NewStaticRegistry(nil))

	task, err := p.RunTeam(context.Background(), TeamRequest{
		Msg:     models.Message{EventID: "evt-2", RoomID: "room-1", Body: "decide"},
		Team:    models.Entity{ID: "panel", Kind: models.EntityTeam, Mode: models.TeamConsensus},
		Members: []models.Entity{{ID: "coder", DisplayName: "Coder"}},
		Mode:    models.TeamConsensus,
	})
	if err != nil {
		t.Fatalf("RunTeam returned error: %v", err)
	}
	if strings.Contains(task.Render(), "**Coder**") {
		t.Fatalf("consensus mode should not label members, got %q", task.Render())
	}
}

// TestRunTeamCancellationSkipsMemoryCommit covers spec §4.5.3/§7: a `!stop`
// cancelling a team member's in-progress turn must not commit a memory
// record for that turn, the same guarantee RunTeam's single-agent sibling
// provides. The fake provider's onStream hook cancels the thread
// synchronously before converse() processes any buffered stream events, so
// the first member's turn is deterministically cancelled.
func TestRunTeamCancellationSkipsMemoryCommit(t *testing.T) {
	provider := &fakeProvider{batches: [][]llm.StreamEvent{
		{{Kind: llm.EventTextDelta, TextDelta: "partial thought"}, {Kind: llm.EventFinish, FinishReason: llm.FinishStop}},
		{{Kind: llm.EventTextDelta, TextDelta: "never reached"}, {Kind: llm.EventFinish, FinishReason: llm.FinishStop}},
	}}
	chat := &fakeChatSender{}
	mem := &spyMemoryStore{}
	p := newTestPipeline(provider, chat, tools.NewStaticRegistry(nil))
	p.Memory = mem

	stopper := tracker.NewStopManager()
	p.Stop = stopper
	provider.onStream = func(callIndex int) {
		if callIndex == 0 {
			stopper.Stop("thread-cancel")
		}
	}

	task, err := p.RunTeam(context.Background(), TeamRequest{
		Msg:  models.Message{EventID: "evt-3", RoomID: "room-1", ThreadID: "thread-cancel", Body: "thoughts?"},
		Team: models.Entity{ID: "panel", Kind: models.EntityTeam, Mode: models.TeamCollaborate},
		Members: []models.Entity{
			{ID: "coder", DisplayName: "Coder"},
			{ID: "reviewer", DisplayName: "Reviewer"},
		},
		Mode: models.TeamCollaborate,
	})
	if err != nil {
		t.Fatalf("RunTeam returned error: %v", err)
	}
	if task.State() != models.ReplyCancelled {
		t.Fatalf("expected ReplyCancelled, got %s", task.State())
	}
	if !strings.Contains(task.Render(), "(cancelled)") {
		t.Fatalf("expected cancelled marker in rendered body, got %q", task.Render())
	}
	if got := mem.commitCount(); got != 0 {
		t.Fatalf("expected no memory commits on cancellation, got %d", got)
	}
}
