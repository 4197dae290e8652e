package telegram

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ImJafran/facto/internal/bus"
)

const pollRetryDelay = 5 * time.Second

// Channel long-polls Telegram into the bus and delivers outbound bus
// messages back to Telegram.
type Channel struct {
	client     *Client
	allowedIDs []int64 // empty allows every chat
	msgBus     *bus.MessageBus
	logger     *slog.Logger
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewChannel(client *Client, allowedIDs []int64, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{client: client, allowedIDs: allowedIDs, logger: logger}
}

// Start begins polling and subscribes to outbound messages.
func (t *Channel) Start(ctx context.Context, msgBus *bus.MessageBus) {
	t.msgBus = msgBus
	pollCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.pollLoop(pollCtx)
	}()

	sub := msgBus.Subscribe()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-pollCtx.Done():
				return
			case msg, ok := <-sub:
				if !ok {
					return
				}
				t.deliver(pollCtx, msg)
			}
		}
	}()

	t.logger.Info("telegram channel started")
}

func (t *Channel) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Channel) pollLoop(ctx context.Context) {
	offset := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := t.client.GetUpdates(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := pollRetryDelay
			var rl *RetryAfterError
			if errors.As(err, &rl) {
				delay = rl.RetryAfter()
			}
			t.logger.Error("telegram poll error", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		for _, update := range updates {
			if update.UpdateID >= offset {
				offset = update.UpdateID + 1
			}
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *Channel) handleUpdate(ctx context.Context, update Update) {
	msg := update.Message
	if msg == nil || msg.Text == "" {
		return
	}
	if msg.From != nil && msg.From.IsBot {
		return
	}
	if !t.allowed(msg) {
		t.logger.Warn("unauthorized telegram chat", "chat_id", msg.Chat.ID)
		return
	}

	in := bus.InboundMessage{
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Content:   msg.Text,
		Timestamp: time.Unix(msg.Date, 0),
	}
	if msg.IsTopicMessage {
		in.ThreadID = msg.MessageThreadID
	}
	if msg.From != nil {
		in.UserID = msg.From.ID
		in.UserName = msg.From.FirstName
	}
	if !t.msgBus.Publish(ctx, in) {
		t.logger.Debug("dropping update on shutdown", "update_id", update.UpdateID)
	}
}

func (t *Channel) allowed(msg *Message) bool {
	if len(t.allowedIDs) == 0 {
		return true
	}
	for _, id := range t.allowedIDs {
		if msg.Chat.ID == id || (msg.From != nil && msg.From.ID == id) {
			return true
		}
	}
	return false
}

func (t *Channel) deliver(ctx context.Context, msg bus.OutboundMessage) {
	if msg.ChatID == 0 || msg.Content == "" {
		return
	}
	if err := t.client.SendChunked(ctx, msg.ChatID, msg.ThreadID, msg.Content); err != nil {
		t.logger.Error("failed to send telegram message", "error", err, "chat_id", msg.ChatID, "thread_id", msg.ThreadID)
	}
}
