// Package bus decouples the Telegram poller from the bot and carries
// proactive messages (reminders) back out to Telegram.
package bus

import (
	"context"
	"sync"
	"time"
)

// InboundMessage is one text message received from Telegram.
type InboundMessage struct {
	ChatID    int64
	ThreadID  int // 0 outside forum topics
	MessageID int
	UserID    int64
	UserName  string
	Content   string
	Timestamp time.Time
}

// OutboundMessage is text to deliver into a chat thread without a
// triggering update.
type OutboundMessage struct {
	ChatID   int64
	ThreadID int
	Content  string
	Silent   bool
	Metadata map[string]string
}

const MetaReminderID = "reminder_id"

type MessageBus struct {
	inbound     chan InboundMessage
	subscribers []chan OutboundMessage
	mu          sync.RWMutex
}

func New(bufferSize int) *MessageBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &MessageBus{
		inbound: make(chan InboundMessage, bufferSize),
	}
}

// Publish queues msg for the bot. It blocks while the buffer is full and
// reports false if ctx ends first.
func (b *MessageBus) Publish(ctx context.Context, msg InboundMessage) bool {
	select {
	case b.inbound <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *MessageBus) Subscribe() chan OutboundMessage {
	ch := make(chan OutboundMessage, 64)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Send offers msg to every subscriber. It reports whether at least one
// subscriber accepted it; full subscribers are skipped.
func (b *MessageBus) Send(msg OutboundMessage) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	accepted := false
	for _, sub := range b.subscribers {
		select {
		case sub <- msg:
			accepted = true
		default:
		}
	}
	return accepted
}

func (b *MessageBus) Inbound() <-chan InboundMessage {
	return b.inbound
}

func (b *MessageBus) Close() {
	close(b.inbound)
	b.mu.Lock()
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
	b.mu.Unlock()
}

func (b *MessageBus) Drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-b.inbound:
			if !ok {
				return
			}
		}
	}
}
