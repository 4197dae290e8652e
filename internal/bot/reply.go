package bot

import (
	"context"
	"errors"
	"fmt"

	"github.com/ImJafran/facto/internal/ai"
	"github.com/ImJafran/facto/internal/memory"
	"github.com/ImJafran/facto/internal/providers"
	"github.com/ImJafran/facto/internal/streaming"
	"github.com/ImJafran/facto/internal/telegram"
	"github.com/ImJafran/facto/internal/tools"
)

// respond runs the AI over the topic's history and records the reply.
// Callers hold the thread lock.
func (b *Bot) respond(ctx context.Context, key memory.ThreadKey) {
	conv, err := b.store.GetConversation(ctx, key)
	if err != nil {
		b.logger.Error("failed to load conversation", "thread_id", key.ThreadID, "error", err)
		return
	}

	messages := make([]ai.PlainMessage, len(conv.History))
	for i, m := range conv.History {
		messages[i] = ai.PlainMessage{Role: m.Role, Content: m.Content}
	}

	ctx = tools.WithOrigin(ctx, tools.Origin{ChatID: key.ChatID, ThreadID: key.ThreadID})
	if err := b.api.SendChatAction(ctx, key.ChatID, key.ThreadID, telegram.ActionTyping); err != nil {
		b.logger.Debug("chat action failed", "thread_id", key.ThreadID, "error", err)
	}

	if b.opts.Streaming {
		b.streamReply(ctx, key, messages)
		return
	}
	b.completeReply(ctx, key, messages)
}

func (b *Bot) streamReply(ctx context.Context, key memory.ThreadKey, messages []ai.PlainMessage) {
	ctrl := streaming.New(&streamTransport{api: b.api, chatID: key.ChatID, threadID: key.ThreadID},
		streaming.Options{
			Interval: b.opts.StreamInterval,
			MinChars: b.opts.StreamMinChars,
			MaxLen:   telegram.MaxMessageLen,
			Split:    telegram.SplitMessage,
		}, b.logger)

	if _, err := ctrl.Start(ctx); err != nil {
		b.logger.Error("streaming error", "thread_id", key.ThreadID, "error", err)
		b.sendNotice(ctx, key, noticeStreamFailed, err)
		return
	}

	var streamErr error
	for chunk, err := range b.ai.StreamResponse(ctx, messages) {
		if err != nil {
			streamErr = err
			break
		}
		if chunk.Content != "" {
			ctrl.Append(ctx, chunk.Content)
		}
	}

	if streamErr != nil {
		b.logger.Error("streaming error", "thread_id", key.ThreadID, "error", streamErr)
		if err := ctrl.Finalize(ctx); err != nil {
			b.logger.Debug("finalize after error failed", "error", err)
		}
		b.sendNotice(ctx, key, noticeStreamFailed, streamErr)
		return
	}

	if err := ctrl.Finalize(ctx); err != nil {
		b.logger.Error("failed to finalize message", "thread_id", key.ThreadID, "error", err)
	}
	b.saveReply(ctx, key, ctrl.Text())
}

func (b *Bot) completeReply(ctx context.Context, key memory.ThreadKey, messages []ai.PlainMessage) {
	text, err := b.ai.GetResponse(ctx, messages)
	if err != nil {
		b.logger.Error("ai error", "thread_id", key.ThreadID, "error", err)
		b.sendNotice(ctx, key, noticeRequestFailed, err)
		return
	}
	b.saveReply(ctx, key, text)

	for _, part := range telegram.SplitMessage(text, telegram.MaxMessageLen) {
		if _, err := b.api.SendMessage(ctx, key.ChatID, key.ThreadID, part, telegram.ParseMarkdown); err != nil {
			if _, err := b.api.SendMessage(ctx, key.ChatID, key.ThreadID, part, ""); err != nil {
				b.logger.Error("failed to send reply", "thread_id", key.ThreadID, "error", err)
			}
		}
	}
}

func (b *Bot) saveReply(ctx context.Context, key memory.ThreadKey, text string) {
	if err := b.store.AddMessage(ctx, key, memory.HistoryMessage{Role: "assistant", Content: text}); err != nil {
		b.logger.Error("failed to save reply", "thread_id", key.ThreadID, "error", err)
	}
}

// sendNotice reports a failed reply in the topic. Provider errors carry a
// message meant for users, so it is appended.
func (b *Bot) sendNotice(ctx context.Context, key memory.ThreadKey, notice string, cause error) {
	var pe *providers.ProviderError
	if errors.As(cause, &pe) {
		notice = fmt.Sprintf("%s\n%s", notice, pe.Error())
	}
	if _, err := b.api.SendMessage(ctx, key.ChatID, key.ThreadID, notice, ""); err != nil {
		b.logger.Error("failed to send error notice", "thread_id", key.ThreadID, "error", err)
	}
}

// streamTransport adapts the Bot API to the streaming controller, mapping
// Telegram errors to the ones the controller handles.
type streamTransport struct {
	api      API
	chatID   int64
	threadID int
}

func (t *streamTransport) Send(ctx context.Context, text, parseMode string) (int, error) {
	msg, err := t.api.SendMessage(ctx, t.chatID, t.threadID, text, parseMode)
	if err != nil {
		return 0, streamError(err)
	}
	return msg.MessageID, nil
}

func (t *streamTransport) Edit(ctx context.Context, messageID int, text, parseMode string) error {
	return streamError(t.api.EditMessageText(ctx, t.chatID, messageID, text, parseMode))
}

func streamError(err error) error {
	var rl *telegram.RetryAfterError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &rl):
		return &streaming.RateLimitError{RetryAfter: rl.RetryAfter()}
	case errors.Is(err, telegram.ErrMessageNotModified):
		return fmt.Errorf("%w: %w", streaming.ErrNotModified, err)
	case errors.Is(err, telegram.ErrMessageNotFound):
		return fmt.Errorf("%w: %w", streaming.ErrNotFound, err)
	case errors.Is(err, telegram.ErrCantParseEntities):
		return fmt.Errorf("%w: %w", streaming.ErrCantParse, err)
	}
	return err
}
