package reply

import (
	"context"
	"log/slog"

	"github.com/haasonsaas/mindroom/internal/debounce"
)

const editBatchKey = "edit"

// editBatcher batches a ReplyTask's text-delta edits through
// internal/debounce.Debouncer so the chat client sees at most one edit per
// interval, while tool-state changes and the terminal finish force an
// immediate flush.
type editBatcher struct {
	task     *ReplyTask
	chat     ChatSender
	logger   *slog.Logger
	debounce *debounce.Debouncer[string]
}

func (p *Pipeline) newEditor(task *ReplyTask) *editBatcher {
	b := &editBatcher{task: task, chat: p.Chat, logger: p.logger()}
	b.debounce = debounce.NewDebouncer[string](
		debounce.WithDebounceDuration[string](p.editInterval()),
		debounce.WithBuildKey[string](func(_ *string) string { return editBatchKey }),
		debounce.WithOnFlush[string](func(items []*string) error {
			if len(items) == 0 {
				return nil
			}
			if err := b.flush(); err != nil {
				return err
			}
			if p.Metrics != nil {
				p.Metrics.ReplyEdited(task.EntityID)
			}
			return nil
		}),
		debounce.WithOnError[string](func(err error, _ []*string) {
			b.logger.Warn("reply edit failed", "entity_id", task.EntityID, "error", err)
		}),
	)
	return b
}

func (b *editBatcher) flush() error {
	body := b.task.Render()
	ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
	defer cancel()
	return b.chat.Edit(ctx, b.task.RoomID, b.task.OutputMessageID, body)
}

// onDelta enqueues a debounced edit after an accumulated text delta.
func (b *editBatcher) onDelta() {
	marker := editBatchKey
	b.debounce.Enqueue(&marker)
}

// onForce flushes immediately — used on tool-state changes, so the chat
// message reflects the pending/completed/failed transition without
// waiting out the debounce interval.
func (b *editBatcher) onForce() {
	marker := editBatchKey
	b.debounce.Enqueue(&marker)
	b.debounce.FlushKey(editBatchKey)
}

// Stop cancels any pending timer without issuing a final edit; the
// guaranteed last edit is issued after Stop by Pipeline.finalize.
func (b *editBatcher) Stop() {
	b.debounce.Stop()
}
