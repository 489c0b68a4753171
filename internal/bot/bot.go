// Package bot implements the Bot Runtime: one chat-server connection per
// entity, a supervised sync loop with linear backoff (min(60s, 5s*attempt),
// attempts reset after one successful sync batch), and detached
// event-delivery task wrappers so a slow dispatch/reply callback can never
// stall the sync loop itself.
package bot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/mindroom/internal/errkind"
	"github.com/haasonsaas/mindroom/internal/matrixclient"
	"github.com/haasonsaas/mindroom/internal/observability"
	"github.com/haasonsaas/mindroom/pkg/models"
)

// Handler is invoked once per inbound chat event. It is always run inside a
// detached task wrapper, never on the sync loop's own goroutine.
type Handler func(ctx context.Context, msg models.Message)

// InviteHandler is invoked when the bot's account receives a room invite.
type InviteHandler func(ctx context.Context, roomID string)

const (
	minReconnectDelay = 5 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// ChatClient is the subset of the chat client contract the Bot Runtime
// needs. *matrixclient.Client satisfies it; tests supply a fake.
type ChatClient interface {
	EnsureAccount(ctx context.Context) error
	RegisterHandlers(h matrixclient.Handlers)
	SyncOnce(ctx context.Context) error
	StopSync()
	SendMessage(ctx context.Context, roomID, body string, opts matrixclient.SendOptions) (string, error)
	EditMessage(ctx context.Context, roomID, messageID, body string) error
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error
}

// Bot owns one chat identity's connection, sync loop, and the set of
// ReplyTasks it currently has pending.
type Bot struct {
	entityID string
	client   ChatClient
	logger   *slog.Logger
	metrics  *observability.Metrics

	onMessage Handler
	onInvite  InviteHandler

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	pending sync.WaitGroup
}

// Config bundles what New needs to construct a Bot.
type Config struct {
	EntityID string
	Client   ChatClient
	Logger   *slog.Logger
	Metrics  *observability.Metrics

	OnMessage Handler
	OnInvite  InviteHandler
}

// New constructs a Bot bound to one entity's chat connection. Start must be
// called before any chat traffic is observed or sent.
func New(cfg Config) *Bot {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		entityID:  cfg.EntityID,
		client:    cfg.Client,
		logger:    logger.With("entity_id", cfg.EntityID),
		metrics:   cfg.Metrics,
		onMessage: cfg.OnMessage,
		onInvite:  cfg.OnInvite,
	}
}

// EntityID returns the entity this bot's chat identity belongs to.
func (b *Bot) EntityID() string { return b.entityID }

// Start registers event callbacks and enters the supervised sync loop in a
// background goroutine. It returns once EnsureAccount verifies the chat
// account is reachable, or with an error if it is not.
func (b *Bot) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}

	if err := b.client.EnsureAccount(ctx); err != nil {
		b.mu.Unlock()
		return err
	}

	b.client.RegisterHandlers(matrixclient.Handlers{
		OnMessage: b.deliverMessage,
		OnInvite:  b.deliverInvite,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.BotStarted()
	}
	b.logger.Info("bot started")

	go b.syncForeverWithRestart(runCtx)
	return nil
}

// deliverMessage wraps an inbound message in a detached task so the sync
// loop never blocks on dispatch/reply work.
func (b *Bot) deliverMessage(msg models.Message) {
	if b.onMessage == nil {
		return
	}
	if b.metrics != nil {
		b.metrics.MessageReceived(msg.RoomID)
	}
	b.pending.Add(1)
	go func() {
		defer b.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("message handler panicked", "panic", r, "event_id", msg.EventID)
			}
		}()
		b.onMessage(context.Background(), msg)
	}()
}

func (b *Bot) deliverInvite(roomID string) {
	if b.onInvite == nil {
		return
	}
	b.pending.Add(1)
	go func() {
		defer b.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("invite handler panicked", "panic", r, "room_id", roomID)
			}
		}()
		b.onInvite(context.Background(), roomID)
	}()
}

// syncForeverWithRestart is the bot's single-threaded cooperative sync loop.
// On any unexpected fault it sleeps then reconnects with linear backoff
// (min(60s, 5s*attempt)); attempts reset to zero after one successful sync
// batch. The loop exits only when ctx is cancelled (running=false).
func (b *Bot) syncForeverWithRestart(ctx context.Context) {
	defer close(b.done)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := b.client.SyncOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			attempt = 0
			continue
		}

		attempt++
		delay := minReconnectDelay * time.Duration(attempt)
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
		if b.metrics != nil {
			b.metrics.BotReconnected(b.entityID)
		}
		b.logger.Error("sync error, reconnecting",
			"error", errkind.New(errkind.ChatTransient, "bot.sync", err),
			"attempt", attempt, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the sync loop to exit and waits up to timeoutSeconds (default
// 5s) for in-flight event handlers to finish. It never blocks forever.
func (b *Bot) Stop(timeoutSeconds float64) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	cancel()
	b.client.StopSync()

	if timeoutSeconds <= 0 {
		timeoutSeconds = 5
	}
	timeout := time.Duration(timeoutSeconds * float64(time.Second))

	select {
	case <-done:
	case <-time.After(timeout):
		b.logger.Warn("sync loop did not exit before timeout", "timeout", timeout)
	}

	waitCh := make(chan struct{})
	go func() {
		b.pending.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(timeout):
		b.logger.Warn("pending event handlers did not finish before timeout", "timeout", timeout)
	}

	if b.metrics != nil {
		b.metrics.BotStopped()
	}
	b.logger.Info("bot stopped")
	return nil
}

// Send posts body into room and returns the new message id.
func (b *Bot) Send(ctx context.Context, roomID, body string, opts matrixclient.SendOptions) (string, error) {
	return b.client.SendMessage(ctx, roomID, body, opts)
}

// Edit rewrites messageID's visible body in place.
func (b *Bot) Edit(ctx context.Context, roomID, messageID, newBody string) error {
	return b.client.EditMessage(ctx, roomID, messageID, newBody)
}

// JoinRoom is idempotent: re-invites are accepted without error.
func (b *Bot) JoinRoom(ctx context.Context, roomID string) error {
	return b.client.JoinRoom(ctx, roomID)
}

// CreateRoom creates roomRef on the homeserver. Only the router's bot
// exercises this, while reconciling configured rooms that don't exist yet.
func (b *Bot) CreateRoom(ctx context.Context, roomRef, name string) (string, error) {
	creator, ok := b.client.(interface {
		CreateRoom(ctx context.Context, roomRef, name string) (string, error)
	})
	if !ok {
		return "", fmt.Errorf("bot %s: chat client cannot create rooms", b.entityID)
	}
	return creator.CreateRoom(ctx, roomRef, name)
}

// InviteUser invites userID into roomID; inviting an existing member is
// not an error.
func (b *Bot) InviteUser(ctx context.Context, roomID, userID string) error {
	inviter, ok := b.client.(interface {
		InviteUser(ctx context.Context, roomID, userID string) error
	})
	if !ok {
		return nil
	}
	return inviter.InviteUser(ctx, roomID, userID)
}

// LeaveRoom is idempotent.
func (b *Bot) LeaveRoom(ctx context.Context, roomID string) error {
	return b.client.LeaveRoom(ctx, roomID)
}
