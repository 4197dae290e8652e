package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(10)
	defer b.Close()

	sub := b.Subscribe()

	b.Publish(context.Background(), InboundMessage{
		ChatID:    -100123,
		ThreadID:  7,
		MessageID: 55,
		Content:   "hello",
		Timestamp: time.Now(),
	})

	select {
	case msg := <-b.Inbound():
		if msg.Content != "hello" || msg.ThreadID != 7 {
			t.Errorf("unexpected inbound message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout reading inbound")
	}

	if !b.Send(OutboundMessage{ChatID: -100123, ThreadID: 7, Content: "world"}) {
		t.Fatal("expected subscriber to accept message")
	}

	select {
	case msg := <-sub:
		if msg.Content != "world" {
			t.Errorf("expected 'world', got '%s'", msg.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout reading subscriber")
	}
}

func TestSendWithoutSubscribers(t *testing.T) {
	b := New(1)
	defer b.Close()

	if b.Send(OutboundMessage{ChatID: 1, Content: "lost"}) {
		t.Error("send with no subscribers should report not accepted")
	}
}

func TestSendSkipsFullSubscriber(t *testing.T) {
	b := New(1)
	defer b.Close()
	b.Subscribe()

	for i := 0; i < 64; i++ {
		if !b.Send(OutboundMessage{ChatID: 1, Content: "fill"}) {
			t.Fatalf("message %d should fit in the buffer", i)
		}
	}
	if b.Send(OutboundMessage{ChatID: 1, Content: "overflow"}) {
		t.Error("full subscriber should not accept more messages")
	}
}

func TestPublishGivesUpWhenCancelled(t *testing.T) {
	b := New(1)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	if !b.Publish(ctx, InboundMessage{Content: "first"}) {
		t.Fatal("first message should fit in the buffer")
	}

	done := make(chan bool)
	go func() { done <- b.Publish(ctx, InboundMessage{Content: "second"}) }()

	select {
	case <-done:
		t.Fatal("publish to a full bus should wait")
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Error("publish after cancel should report false")
		}
	case <-time.After(time.Second):
		t.Fatal("publish did not return after cancel")
	}

	if msg := <-b.Inbound(); msg.Content != "first" {
		t.Errorf("expected 'first', got %q", msg.Content)
	}
}
