// Package dispatch implements the Dispatch Engine: the ordered,
// first-match-wins decision algorithm that decides which entity (if any)
// responds to an incoming chat event, and enforces at-most-one response per
// event via the ResponseTracker.
//
// Decide evaluates its rules in a fixed order because reordering them
// changes behavior: mention routing must precede ping-pong prevention,
// idempotency must precede everything that could start work, and so on.
package dispatch

import "github.com/haasonsaas/mindroom/pkg/models"

// Outcome names the kind of dispatch decision produced for one event.
type Outcome string

const (
	OutcomeIgnore         Outcome = "ignore"
	OutcomeHandleWith     Outcome = "handle_with"
	OutcomeHandleWithTeam Outcome = "handle_with_team"
	OutcomeRouterCommand  Outcome = "router_command"
)

// Decision is the Dispatch Engine's verdict for one chat event.
type Decision struct {
	Outcome Outcome

	// EntityID is set for OutcomeHandleWith.
	EntityID string

	// TeamMembers and TeamMode are set for OutcomeHandleWithTeam.
	TeamMembers []string
	TeamMode    models.TeamMode

	// TeamID is the registered Team entity's id when the team came from
	// resolving a single target (explicit mention or AI routing escalating
	// to a team). Empty for the ad hoc multi-mention case, which has no
	// backing Team entity to key idempotency on.
	TeamID string

	// Rule names which ordered rule produced this decision, for metrics
	// and tests — a diagnostic only, not consumed by any caller logic.
	Rule string

	// TrackerKey is the event id the ResponseTracker idempotency check
	// (and any subsequent Mark) was evaluated against: msg.EventID
	// normally, or msg.Replaces when msg is an edit of an as-yet-unanswered
	// message (rule 3). Callers must Mark using this key, not msg.EventID
	// directly, or a later redelivery of the original message is never
	// recognized as a duplicate.
	TrackerKey string
}

func ignore(rule string) Decision {
	return Decision{Outcome: OutcomeIgnore, Rule: rule}
}

func handleWith(entityID, rule string) Decision {
	return Decision{Outcome: OutcomeHandleWith, EntityID: entityID, Rule: rule}
}

func handleWithTeam(members []string, mode models.TeamMode, rule string) Decision {
	return Decision{Outcome: OutcomeHandleWithTeam, TeamMembers: members, TeamMode: mode, Rule: rule}
}

func handleWithRegisteredTeam(teamID string, members []string, mode models.TeamMode, rule string) Decision {
	return Decision{Outcome: OutcomeHandleWithTeam, TeamID: teamID, TeamMembers: members, TeamMode: mode, Rule: rule}
}

func routerCommand(rule string) Decision {
	return Decision{Outcome: OutcomeRouterCommand, Rule: rule}
}
