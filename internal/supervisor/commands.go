package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/mindroom/internal/matrixclient"
	"github.com/haasonsaas/mindroom/pkg/models"
)

// sender narrows registry.Bot down to the Send capability commandTable
// needs to post its own replies, without importing internal/bot.
type sender interface {
	Send(ctx context.Context, roomID, body string, opts matrixclient.SendOptions) (string, error)
}

// commandTable dispatches "!name args..." messages addressed to the Router
// (OutcomeRouterCommand) to the fixed set of admin operations:
// !help, !stop, !invite, !list_invites, !schedule, !list_schedules,
// !cancel_schedule. The command set is closed, not user-extensible, so a
// plain switch stands in for a pluggable registry.
type commandTable struct {
	s         *Supervisor
	scheduler *scheduler

	mu      sync.Mutex
	invites map[string][]string // roomID -> ad hoc invited entity ids, most recent last
}

func newCommandTable(s *Supervisor) *commandTable {
	ct := &commandTable{s: s, invites: make(map[string][]string)}
	ct.scheduler = newScheduler(s.cron, ct.sendToRoom)
	return ct
}

func (ct *commandTable) sendToRoom(ctx context.Context, roomID, body string) error {
	snap := ct.s.currentSnapshot()
	if snap == nil {
		return fmt.Errorf("supervisor: no config loaded yet")
	}
	b, ok := ct.s.registry.Bot(snap.RouterID)
	if !ok {
		return fmt.Errorf("supervisor: router bot not running")
	}
	snd, ok := b.(sender)
	if !ok {
		return fmt.Errorf("supervisor: router bot cannot send")
	}
	_, err := snd.Send(ctx, roomID, body, matrixclient.SendOptions{})
	return err
}

func (ct *commandTable) reply(ctx context.Context, msg models.Message, body string) {
	if err := ct.sendToRoom(ctx, msg.RoomID, body); err != nil {
		ct.logger().Warn("command reply failed", "error", err)
	}
}

func (ct *commandTable) logger() *slog.Logger {
	if ct.s.logger != nil {
		return ct.s.logger
	}
	return slog.Default()
}

// Handle parses and executes one "!..." message. Unknown commands and
// malformed arguments get a short usage reply rather than being ignored
// silently, since a human typed them expecting a response.
func (ct *commandTable) Handle(ctx context.Context, msg models.Message) {
	fields := strings.Fields(strings.TrimSpace(msg.Body))
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(strings.TrimPrefix(fields[0], "!"))
	args := fields[1:]

	switch name {
	case "help":
		ct.reply(ctx, msg, helpText)
	case "stop":
		ct.handleStop(ctx, msg)
	case "invite":
		ct.handleInvite(ctx, msg, args)
	case "list_invites":
		ct.handleListInvites(ctx, msg)
	case "schedule":
		ct.handleSchedule(ctx, msg, args)
	case "list_schedules":
		ct.handleListSchedules(ctx, msg)
	case "cancel_schedule":
		ct.handleCancelSchedule(ctx, msg, args)
	default:
		ct.reply(ctx, msg, fmt.Sprintf("Unknown command %q. Try !help.", name))
	}
}

const helpText = `Available commands:
!help - show this message
!stop - cancel the in-progress reply in this thread
!invite <entity_id> - invite an agent/team into this room
!list_invites - list ad hoc invites issued in this room
!schedule <duration> <message> - post <message> into this room after <duration> (e.g. 10m, 1h30m)
!list_schedules - list this room's pending scheduled messages
!cancel_schedule <n> - cancel a pending scheduled message by number`

func (ct *commandTable) handleStop(ctx context.Context, msg models.Message) {
	if msg.ThreadID == "" || !ct.s.stop.Stop(msg.ThreadID) {
		ct.reply(ctx, msg, "Nothing is currently running in this thread.")
		return
	}
	ct.reply(ctx, msg, "Stopped.")
}

func (ct *commandTable) handleInvite(ctx context.Context, msg models.Message, args []string) {
	if len(args) != 1 {
		ct.reply(ctx, msg, "Usage: !invite <entity_id>")
		return
	}
	entityID := strings.TrimPrefix(args[0], "@")
	if !ct.s.registry.IsKnownEntity(entityID) {
		ct.reply(ctx, msg, fmt.Sprintf("No such entity %q.", entityID))
		return
	}
	b, ok := ct.s.registry.Bot(entityID)
	if !ok {
		ct.reply(ctx, msg, fmt.Sprintf("%s is not currently running.", entityID))
		return
	}
	if err := joinRoom(ctx, b, msg.RoomID); err != nil {
		ct.reply(ctx, msg, fmt.Sprintf("Failed to invite %s: %v", entityID, err))
		return
	}

	ct.mu.Lock()
	ct.invites[msg.RoomID] = append(ct.invites[msg.RoomID], entityID)
	ct.mu.Unlock()

	ct.reply(ctx, msg, fmt.Sprintf("Invited %s.", entityID))
}

func (ct *commandTable) handleListInvites(ctx context.Context, msg models.Message) {
	ct.mu.Lock()
	ids := append([]string(nil), ct.invites[msg.RoomID]...)
	ct.mu.Unlock()

	if len(ids) == 0 {
		ct.reply(ctx, msg, "No ad hoc invites in this room.")
		return
	}
	ct.reply(ctx, msg, "Invited: "+strings.Join(ids, ", "))
}

func (ct *commandTable) handleSchedule(ctx context.Context, msg models.Message, args []string) {
	if len(args) < 2 {
		ct.reply(ctx, msg, "Usage: !schedule <duration> <message>")
		return
	}
	delay, err := time.ParseDuration(args[0])
	if err != nil || delay <= 0 {
		ct.reply(ctx, msg, fmt.Sprintf("Invalid duration %q.", args[0]))
		return
	}
	body := strings.Join(args[1:], " ")
	num, at := ct.scheduler.Schedule(msg.RoomID, msg.SenderID, body, delay)
	ct.reply(ctx, msg, fmt.Sprintf("Scheduled #%d for %s.", num, at.Format(time.RFC3339)))
}

func (ct *commandTable) handleListSchedules(ctx context.Context, msg models.Message) {
	var lines []string
	for _, e := range ct.scheduler.List() {
		if e.roomID != msg.RoomID {
			continue
		}
		lines = append(lines, fmt.Sprintf("#%d at %s: %s", e.num, e.at.Format(time.RFC3339), e.body))
	}
	if len(lines) == 0 {
		ct.reply(ctx, msg, "No scheduled messages in this room.")
		return
	}
	ct.reply(ctx, msg, strings.Join(lines, "\n"))
}

func (ct *commandTable) handleCancelSchedule(ctx context.Context, msg models.Message, args []string) {
	if len(args) != 1 {
		ct.reply(ctx, msg, "Usage: !cancel_schedule <n>")
		return
	}
	num, err := strconv.Atoi(args[0])
	if err != nil {
		ct.reply(ctx, msg, fmt.Sprintf("Invalid schedule number %q.", args[0]))
		return
	}
	if err := ct.scheduler.Cancel(num); err != nil {
		ct.reply(ctx, msg, err.Error())
		return
	}
	ct.reply(ctx, msg, fmt.Sprintf("Cancelled #%d.", num))
}
