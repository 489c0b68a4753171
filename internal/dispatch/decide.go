package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/haasonsaas/mindroom/internal/config"
	"github.com/haasonsaas/mindroom/internal/registry"
	"github.com/haasonsaas/mindroom/internal/tracker"
	"github.com/haasonsaas/mindroom/pkg/models"
)

// Router is the AI-routing contract the dispatch decision consults. Suggest is a pure
// function over (message, room, registry) — it may invoke an LLM, but the
// call is bounded by Engine's RouterTimeout and failures are swallowed:
// Decide treats a timed-out or errored Suggest identically to "no
// suggestion".
type Router interface {
	Suggest(ctx context.Context, msg models.Message, room models.Room, reg *registry.Registry) (entityID string, ok bool)
}

// Engine evaluates the ordered dispatch decision algorithm for one bot.
type Engine struct {
	SelfID   string
	Snapshot *config.Snapshot
	Registry *registry.Registry
	Tracker  *tracker.ResponseTracker
	Threads  *ThreadTracker
	Router   Router

	// RouterTimeout bounds the AI-routing call (default 10s).
	RouterTimeout time.Duration

	// VoiceTranscriptSenderID, if non-empty, names the human user this
	// message should be treated as authored by — an exception to the
	// self-filter for messages the router posts as a transcription of
	// voice input.
	VoiceTranscriptSenderID string
}

// Decide evaluates msg against the ordered rules and returns the first
// matching Decision. The returned Decision.TrackerKey is the event id the
// idempotency check (rule 4) was evaluated against — msg.EventID normally,
// or msg.Replaces for an edit of an as-yet-unanswered message (rule 3) —
// and callers must Mark using that key, not msg.EventID directly.
func (e *Engine) Decide(ctx context.Context, msg models.Message) (decision Decision) {
	// The tracker key is fixed before any rule runs: an edit's key is its
	// replaced event id whenever that original hasn't been answered yet,
	// regardless of which rule ultimately decides the message.
	trackerKey := msg.EventID
	if msg.IsEdit && msg.Replaces != "" {
		trackerKey = msg.Replaces
	}
	defer func() { decision.TrackerKey = trackerKey }()

	effectiveSender := msg.SenderID
	if e.VoiceTranscriptSenderID != "" && msg.SenderID == e.SelfID {
		effectiveSender = e.VoiceTranscriptSenderID
	}

	senderEntity, senderIsKnown := e.Registry.Get(effectiveSender)
	senderIsAgent := senderIsKnown && senderEntity.Kind == models.EntityAgent
	senderIsBotAccount := e.Snapshot != nil && e.Snapshot.IsBotAccount(effectiveSender)
	senderIsHuman := !senderIsKnown && !senderIsBotAccount

	e.Threads.Observe(msg, effectiveSender, senderIsAgent, senderIsHuman)

	// Rule 1: self-filter, with the voice-transcript exception.
	if msg.SenderID == e.SelfID && effectiveSender == e.SelfID {
		return ignore("self_filter")
	}

	// Rule 2: authorization.
	if room, ok := e.Snapshot.Room(msg.RoomID); ok && len(room.Members) > 0 {
		authorized := false
		for _, m := range room.Members {
			if m == effectiveSender {
				authorized = true
				break
			}
		}
		if !authorized {
			return ignore("authorization")
		}
	}

	// Rule 3: edit handling.
	if msg.IsEdit {
		if e.Tracker.ContainsAny(msg.Replaces) {
			return ignore("edit_handling")
		}
	}

	// Rule 4: idempotency.
	if e.Tracker.ContainsAny(trackerKey) {
		return ignore("idempotency")
	}

	// Rule 5: command.
	if strings.HasPrefix(strings.TrimSpace(msg.Body), "!") {
		return routerCommand("command")
	}

	// Rule 6: explicit mentions.
	if len(msg.Mentions) == 1 {
		return e.resolve(msg.Mentions[0], "explicit_mention")
	}
	if len(msg.Mentions) > 1 {
		return handleWithTeam(msg.Mentions, models.TeamCollaborate, "explicit_mention")
	}

	// Rule 7: inter-agent ping-pong prevention.
	if senderIsAgent {
		return ignore("inter_agent")
	}

	// Rule 8: thread continuity.
	if msg.ThreadID != "" {
		if agentID, ok := e.Threads.SoleAgent(msg.ThreadID); ok {
			return e.resolve(agentID, "thread_continuity")
		}
	}

	// Rule 9: multi-human short-circuit.
	if msg.ThreadID != "" && e.Threads.HumanCount(msg.ThreadID) >= 2 {
		return ignore("multi_human")
	}

	// Rule 10: AI routing.
	agents := e.Registry.AgentsInRoom(msg.RoomID)
	if len(agents) == 1 {
		return e.resolve(agents[0].ID, "ai_routing")
	}
	if len(agents) >= 2 && e.Router != nil {
		room, _ := e.Snapshot.Room(msg.RoomID)
		timeout := e.RouterTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		routeCtx, cancel := context.WithTimeout(ctx, timeout)
		entityID, ok := e.Router.Suggest(routeCtx, msg, room, e.Registry)
		cancel()
		if ok {
			return e.resolve(entityID, "ai_routing")
		}
	}
	return ignore("ai_routing")
}

// resolve turns a candidate entity id into HandleWith or, if the entity is
// a team, HandleWithTeam.
func (e *Engine) resolve(entityID, rule string) Decision {
	entity, ok := e.Registry.Get(entityID)
	if ok && entity.Kind == models.EntityTeam {
		return handleWithRegisteredTeam(entity.ID, entity.Members, entity.Mode, rule)
	}
	return handleWith(entityID, rule)
}
