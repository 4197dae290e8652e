// Package streaming turns a stream of small text deltas into a bounded
// number of edits on one chat message.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"
)

const (
	DefaultInterval    = 500 * time.Millisecond
	DefaultMinChars    = 50
	DefaultPlaceholder = "..."

	// EmptyReply replaces the body when a reply finishes with no text.
	EmptyReply = "No response generated."

	progressMarker = " ..."
	finalParseMode = "Markdown"
)

// Transport errors the controller understands. Implementations wrap or
// return these so errors.Is / errors.As can detect them.
var (
	ErrNotModified = errors.New("message is not modified")
	ErrNotFound    = errors.New("message to edit not found")
	ErrCantParse   = errors.New("can't parse entities")
)

// RateLimitError asks the caller to wait RetryAfter before retrying.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Transport is the chat side of a streamed reply.
type Transport interface {
	Send(ctx context.Context, text, parseMode string) (int, error)
	Edit(ctx context.Context, messageID int, text, parseMode string) error
}

type Options struct {
	Interval    time.Duration
	MinChars    int
	Placeholder string

	// MaxLen is the longest body one message may hold, in bytes. When it
	// and Split are set, in-progress edits stop at MaxLen and Finalize
	// sends the rest as follow-up messages.
	MaxLen int
	Split  func(text string, maxLen int) []string
}

// Controller drives one streamed message. It is not safe for concurrent use;
// each reply owns its own Controller.
type Controller struct {
	transport   Transport
	logger      *slog.Logger
	interval    time.Duration
	minChars    int
	placeholder string
	maxLen      int
	split       func(text string, maxLen int) []string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	started       bool
	messageID     int
	text          []byte
	chars         int
	lastUpdate    time.Time
	lastSentChars int
	edits         int
	followUps     []int
}

func New(t Transport, opts Options, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MinChars <= 0 {
		opts.MinChars = DefaultMinChars
	}
	if opts.Placeholder == "" {
		opts.Placeholder = DefaultPlaceholder
	}
	return &Controller{
		transport:   t,
		logger:      logger,
		interval:    opts.Interval,
		minChars:    opts.MinChars,
		placeholder: opts.Placeholder,
		maxLen:      opts.MaxLen,
		split:       opts.Split,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Start sends the placeholder message and returns its id.
func (c *Controller) Start(ctx context.Context) (int, error) {
	if c.started {
		return c.messageID, nil
	}
	id, err := c.transport.Send(ctx, c.placeholder, "")
	if err != nil {
		return 0, fmt.Errorf("sending placeholder: %w", err)
	}
	c.started = true
	c.messageID = id
	c.lastUpdate = c.now()
	return id, nil
}

// Append adds delta and edits the message once both the interval has passed
// and at least MinChars new characters have arrived since the last edit.
// Characters are counted as runes. Before Start, text accumulates without
// edits.
func (c *Controller) Append(ctx context.Context, delta string) {
	c.text = append(c.text, delta...)
	c.chars += utf8.RuneCountInString(delta)
	if !c.started {
		return
	}
	if c.now().Sub(c.lastUpdate) < c.interval {
		return
	}
	if c.chars-c.lastSentChars < c.minChars {
		return
	}
	if c.overflows(len(c.text) + len(progressMarker)) {
		return
	}
	c.update(ctx, string(c.text)+progressMarker, "")
}

// Finalize writes the full text with Markdown, falling back to plain text
// when the markup does not parse. Text longer than MaxLen is split: the
// first part replaces the streamed message and the rest follow as new
// messages. It is a no-op before Start.
func (c *Controller) Finalize(ctx context.Context) error {
	if !c.started {
		return nil
	}
	if len(c.text) == 0 {
		c.text = []byte(EmptyReply)
		c.chars = utf8.RuneCount(c.text)
	}
	parts := []string{string(c.text)}
	if c.overflows(len(c.text)) {
		parts = c.split(string(c.text), c.maxLen)
	}

	err := c.edit(ctx, parts[0], finalParseMode)
	if errors.Is(err, ErrCantParse) {
		c.logger.Debug("markdown rejected, finalizing as plain text", "message_id", c.messageID)
		err = c.edit(ctx, parts[0], "")
	}
	switch {
	case err == nil, errors.Is(err, ErrNotModified):
	case errors.Is(err, ErrNotFound):
		c.logger.Warn("streamed message not found", "message_id", c.messageID)
	default:
		return fmt.Errorf("finalizing message %d: %w", c.messageID, err)
	}

	for _, part := range parts[1:] {
		id, err := c.send(ctx, part)
		if err != nil {
			return fmt.Errorf("sending follow-up of message %d: %w", c.messageID, err)
		}
		c.followUps = append(c.followUps, id)
	}
	return nil
}

func (c *Controller) overflows(n int) bool {
	return c.maxLen > 0 && c.split != nil && n > c.maxLen
}

// send posts one follow-up part, retrying rate limits and falling back to
// plain text when Markdown is rejected.
func (c *Controller) send(ctx context.Context, part string) (int, error) {
	var id int
	attempt := func(parseMode string) error {
		return c.retry(ctx, func() error {
			var err error
			id, err = c.transport.Send(ctx, part, parseMode)
			return err
		})
	}
	err := attempt(finalParseMode)
	if errors.Is(err, ErrCantParse) {
		err = attempt("")
	}
	return id, err
}

// Text returns everything appended so far.
func (c *Controller) Text() string {
	return string(c.text)
}

// MessageID is zero until Start succeeds.
func (c *Controller) MessageID() int {
	return c.messageID
}

// FollowUps lists the messages Finalize sent after the streamed one.
func (c *Controller) FollowUps() []int {
	return c.followUps
}

// Edits counts successful in-progress edits.
func (c *Controller) Edits() int {
	return c.edits
}

func (c *Controller) update(ctx context.Context, body, parseMode string) {
	err := c.edit(ctx, body, parseMode)
	switch {
	case err == nil:
		c.edits++
		c.logger.Debug("stream_edit", "message_id", c.messageID, "chars", c.chars, "edits", c.edits)
	case errors.Is(err, ErrNotModified):
	case errors.Is(err, ErrNotFound):
		c.logger.Warn("streamed message not found", "message_id", c.messageID)
	default:
		c.logger.Error("stream_edit failed", "message_id", c.messageID, "error", err)
	}
}

func (c *Controller) edit(ctx context.Context, body, parseMode string) error {
	err := c.retry(ctx, func() error {
		return c.transport.Edit(ctx, c.messageID, body, parseMode)
	})
	if err == nil || errors.Is(err, ErrNotModified) {
		c.lastSentChars = c.chars
		c.lastUpdate = c.now()
	}
	return err
}

// retry runs op for as long as the transport reports a rate limit, waiting
// the interval the server asks for each time.
func (c *Controller) retry(ctx context.Context, op func() error) error {
	for {
		err := op()
		var rl *RateLimitError
		if !errors.As(err, &rl) {
			return err
		}
		c.logger.Warn("rate limited", "message_id", c.messageID, "retry_after", rl.RetryAfter)
		if err := c.sleep(ctx, rl.RetryAfter); err != nil {
			return err
		}
	}
}
