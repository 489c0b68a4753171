// Package matrixclient is a thin adapter over maunium.net/go/mautrix that
// implements the chat client contract: login/session bootstrap, sync,
// send/edit, join/leave. internal/bot is the only consumer; nothing else
// in the orchestrator imports mautrix directly. The client is passive —
// the Bot Runtime owns the sync loop and its reconnect backoff, so the
// client itself never retries.
package matrixclient

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/mindroom/pkg/models"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Handlers bundles the callbacks the Bot Runtime registers before starting
// the sync loop. Both are invoked synchronously from the mautrix syncer's
// dispatch goroutine; the Bot Runtime is responsible for detaching them
// into task wrappers so a slow handler never stalls the sync loop.
type Handlers struct {
	OnMessage func(models.Message)
	OnInvite  func(roomID string)
}

// SendOptions configures an outbound SendMessage call.
type SendOptions struct {
	ReplyToEventID string
	ThreadRootID   string
}

// Client is a single Matrix connection bound to one entity's chat identity.
type Client struct {
	cfg    Config
	client *mautrix.Client
}

// New constructs a Client from cfg, validating and applying defaults.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mc, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrixclient: create client: %w", err)
	}
	if cfg.DeviceID != "" {
		mc.DeviceID = id.DeviceID(cfg.DeviceID)
	}
	return &Client{cfg: cfg, client: mc}, nil
}

// RegisterHandlers wires the bot's message/invite callbacks into the
// underlying mautrix syncer. Must be called once, before the first Sync.
func (c *Client) RegisterHandlers(h Handlers) {
	syncer := c.client.Syncer.(*mautrix.DefaultSyncer)

	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		if h.OnMessage == nil {
			return
		}
		msg, ok := toMessage(evt)
		if !ok {
			return
		}
		h.OnMessage(msg)
	})

	syncer.OnEventType(event.StateMember, func(_ context.Context, evt *event.Event) {
		if h.OnInvite == nil {
			return
		}
		content, ok := evt.Content.Parsed.(*event.MemberEventContent)
		if !ok || content.Membership != event.MembershipInvite {
			return
		}
		if evt.GetStateKey() != c.cfg.UserID {
			return
		}
		h.OnInvite(string(evt.RoomID))
	})
}

func toMessage(evt *event.Event) (models.Message, bool) {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return models.Message{}, false
	}
	if content.MsgType != event.MsgText && content.MsgType != event.MsgNotice {
		return models.Message{}, false
	}

	msg := models.Message{
		EventID:   string(evt.ID),
		RoomID:    string(evt.RoomID),
		SenderID:  string(evt.Sender),
		Body:      content.Body,
		Timestamp: time.UnixMilli(evt.Timestamp),
		Mentions:  extractMentions(content),
	}

	if content.RelatesTo != nil {
		if content.RelatesTo.Type == event.RelThread {
			msg.ThreadID = string(content.RelatesTo.EventID)
		} else if content.RelatesTo.InReplyTo != nil {
			msg.ThreadID = string(content.RelatesTo.InReplyTo.EventID)
		}
		if content.RelatesTo.Type == event.RelReplace {
			msg.IsEdit = true
			msg.Replaces = string(content.RelatesTo.EventID)
			if content.NewContent != nil {
				msg.Body = content.NewContent.Body
			}
		}
	}
	return msg, true
}

func extractMentions(content *event.MessageEventContent) []string {
	if content.Mentions == nil {
		return nil
	}
	out := make([]string, 0, len(content.Mentions.UserIDs))
	for _, u := range content.Mentions.UserIDs {
		out = append(out, string(u))
	}
	return out
}

// SyncOnce blocks for one sync cycle (mautrix's long-poll loop), invoking
// registered handlers as events arrive. It returns when ctx is cancelled or
// the homeserver connection fails; the Bot Runtime's SyncForeverWithRestart
// owns the retry/backoff around repeated calls to this method.
func (c *Client) SyncOnce(ctx context.Context) error {
	return c.client.SyncWithContext(ctx)
}

// StopSync interrupts a blocking SyncOnce call.
func (c *Client) StopSync() {
	c.client.StopSync()
}

// Whoami verifies the access token is still valid — used both as a startup
// login check and as a lightweight health probe.
func (c *Client) Whoami(ctx context.Context) error {
	_, err := c.client.Whoami(ctx)
	return err
}

// SendMessage posts body to roomID and returns the new event id.
func (c *Client) SendMessage(ctx context.Context, roomID, body string, opts SendOptions) (string, error) {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	}
	if opts.ReplyToEventID != "" {
		content.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(opts.ReplyToEventID)},
		}
	}
	if opts.ThreadRootID != "" {
		content.RelatesTo = &event.RelatesTo{
			EventID: id.EventID(opts.ThreadRootID),
			Type:    event.RelThread,
		}
	}
	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("matrixclient: send message to %s: %w", roomID, err)
	}
	return string(resp.EventID), nil
}

// EditMessage rewrites the visible body of messageID in place using the
// standard m.replace relation (content.SetEdit), so every subsequent
// update to a reply stays a single edited message rather than a new one.
func (c *Client) EditMessage(ctx context.Context, roomID, messageID, body string) error {
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "* " + body,
	}
	content.SetEdit(id.EventID(messageID))

	_, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, content)
	if err != nil {
		return fmt.Errorf("matrixclient: edit message %s in %s: %w", messageID, roomID, err)
	}
	return nil
}

// JoinRoom is idempotent: joining an already-joined room is a no-op success
// on the homeserver side, so re-invites are safe to accept repeatedly.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	_, err := c.client.JoinRoom(ctx, roomID, nil)
	if err != nil {
		return fmt.Errorf("matrixclient: join room %s: %w", roomID, err)
	}
	return nil
}

// CreateRoom creates a private room for roomRef, which must be a room
// alias ("#lobby:example.org" or a bare local part); a literal room id
// cannot be created and returns an error. Returns the new room's id.
func (c *Client) CreateRoom(ctx context.Context, roomRef, name string) (string, error) {
	if strings.HasPrefix(roomRef, "!") {
		return "", fmt.Errorf("matrixclient: cannot create room by id %s", roomRef)
	}
	local := strings.TrimPrefix(roomRef, "#")
	if i := strings.IndexByte(local, ':'); i >= 0 {
		local = local[:i]
	}
	resp, err := c.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		RoomAliasName: local,
		Name:          name,
		Preset:        "private_chat",
	})
	if err != nil {
		return "", fmt.Errorf("matrixclient: create room %s: %w", roomRef, err)
	}
	return string(resp.RoomID), nil
}

// InviteUser invites userID into roomID. Inviting a member who already
// joined (or holds a pending invite) is treated as success.
func (c *Client) InviteUser(ctx context.Context, roomID, userID string) error {
	_, err := c.client.InviteUser(ctx, id.RoomID(roomID), &mautrix.ReqInviteUser{UserID: id.UserID(userID)})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "already in the room") {
			return nil
		}
		return fmt.Errorf("matrixclient: invite %s to %s: %w", userID, roomID, err)
	}
	return nil
}

// LeaveRoom is idempotent: leaving a room the account is not in returns
// success from the homeserver.
func (c *Client) LeaveRoom(ctx context.Context, roomID string) error {
	_, err := c.client.LeaveRoom(ctx, id.RoomID(roomID))
	if err != nil {
		return fmt.Errorf("matrixclient: leave room %s: %w", roomID, err)
	}
	return nil
}

// EnsureAccount bootstraps the bot's chat account if its credential store
// has none yet. The orchestrator core only checks reachability via Whoami;
// real account provisioning (registration, SSO) is environment-specific and
// is expected to have produced the access token supplied in Config.
func (c *Client) EnsureAccount(ctx context.Context) error {
	return c.Whoami(ctx)
}
