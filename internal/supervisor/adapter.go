package supervisor

import (
	"context"

	"github.com/haasonsaas/mindroom/internal/bot"
	"github.com/haasonsaas/mindroom/internal/matrixclient"
)

// chatSenderAdapter narrows a *bot.Bot down to the reply.ChatSender
// interface the Reply Pipeline depends on, translating its two send-time
// options (reply-to vs thread-root) into matrixclient.SendOptions so
// internal/reply never needs to import internal/matrixclient itself.
type chatSenderAdapter struct {
	bot *bot.Bot
}

func (a chatSenderAdapter) Send(ctx context.Context, roomID, body, replyToEventID string) (string, error) {
	return a.bot.Send(ctx, roomID, body, matrixclient.SendOptions{ReplyToEventID: replyToEventID})
}

func (a chatSenderAdapter) Edit(ctx context.Context, roomID, messageID, body string) error {
	return a.bot.Edit(ctx, roomID, messageID, body)
}
