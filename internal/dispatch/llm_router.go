package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/mindroom/internal/llm"
	"github.com/haasonsaas/mindroom/internal/registry"
	"github.com/haasonsaas/mindroom/pkg/models"
)

// LLMRouter implements Router by asking the configured Router entity's
// model to pick one of the agents currently in the room. A single
// non-streaming-style call — the pipeline never streams the router's
// output into chat, it only reads the final choice — bounded by the
// Engine's RouterTimeout.
type LLMRouter struct {
	Provider llm.Provider
	Entity   models.Entity
}

// Suggest implements Router.
func (r *LLMRouter) Suggest(ctx context.Context, msg models.Message, room models.Room, reg *registry.Registry) (string, bool) {
	candidates := reg.AgentsInRoom(msg.RoomID)
	if len(candidates) == 0 {
		return "", false
	}

	names := make([]string, 0, len(candidates))
	for _, c := range candidates {
		names = append(names, c.ID)
	}

	instructions := r.Entity.Instructions
	if instructions == "" {
		instructions = "Pick exactly one agent id from the candidate list to handle this message. Reply with only the id."
	}

	prompt := llm.Prompt{
		Instructions: instructions,
		Input:        fmt.Sprintf("Candidates: %s\n\nMessage: %s", strings.Join(names, ", "), msg.Body),
	}

	events, err := r.Provider.Stream(ctx, prompt, nil, llm.Options{ModelRef: r.Entity.ModelRef})
	if err != nil {
		return "", false
	}

	var out strings.Builder
	for {
		select {
		case <-ctx.Done():
			return "", false
		case evt, ok := <-events:
			if !ok {
				choice := strings.TrimSpace(out.String())
				return validateChoice(choice, candidates)
			}
			switch evt.Kind {
			case llm.EventTextDelta:
				out.WriteString(evt.TextDelta)
			case llm.EventFinish:
				choice := strings.TrimSpace(out.String())
				return validateChoice(choice, candidates)
			case llm.EventError:
				return "", false
			}
		}
	}
}

func validateChoice(choice string, candidates []models.Entity) (string, bool) {
	for _, c := range candidates {
		if c.ID == choice {
			return choice, true
		}
	}
	return "", false
}
