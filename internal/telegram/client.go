// Package telegram is a small Bot API client covering what the bot needs:
// messages, forum topics, chat actions, commands and long polling.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

const (
	DefaultAPIBase = "https://api.telegram.org"
	MaxMessageLen  = 4096

	ParseMarkdown = "Markdown"
	ParseHTML     = "HTML"

	ActionTyping = "typing"
)

var (
	ErrMessageNotModified = errors.New("telegram: message is not modified")
	ErrMessageNotFound    = errors.New("telegram: message not found")
	ErrCantParseEntities  = errors.New("telegram: can't parse entities")
)

// APIError is a Bot API response with ok=false. Err is one of the sentinel
// errors above when the description matches a known case.
type APIError struct {
	Method      string
	Code        int
	Description string
	Err         error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

func (e *APIError) Unwrap() error { return e.Err }

// RetryAfterError is returned on flood control (HTTP 429).
type RetryAfterError struct {
	Method  string
	Seconds int
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("telegram %s: too many requests, retry after %ds", e.Method, e.Seconds)
}

func (e *RetryAfterError) RetryAfter() time.Duration {
	return time.Duration(e.Seconds) * time.Second
}

type Client struct {
	token   string
	base    string
	http    *http.Client
	logger  *slog.Logger
	timeout int
}

// NewClient builds a client. pollTimeout is the long-poll timeout in seconds
// used by GetUpdates; the HTTP timeout is derived from it.
func NewClient(token, baseURL string, pollTimeout int, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultAPIBase
	}
	if pollTimeout <= 0 {
		pollTimeout = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		token:   token,
		base:    strings.TrimRight(baseURL, "/"),
		logger:  logger,
		timeout: pollTimeout,
		http: &http.Client{
			Timeout: time.Duration(pollTimeout+10) * time.Second,
		},
	}
}

func (c *Client) apiURL(method string) string {
	return c.base + "/bot" + c.token + "/" + method
}

// call posts params as JSON and returns the "result" field of a successful
// response.
func (c *Client) call(ctx context.Context, method string, params map[string]any) (gjson.Result, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("encoding %s params: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL(method), bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("telegram %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("reading %s response: %w", method, err)
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("telegram %s: invalid response (status %d)", method, resp.StatusCode)
	}

	res := gjson.ParseBytes(data)
	if !res.Get("ok").Bool() {
		return gjson.Result{}, apiError(method, res)
	}
	return res.Get("result"), nil
}

func apiError(method string, res gjson.Result) error {
	if retry := res.Get("parameters.retry_after"); retry.Exists() {
		return &RetryAfterError{Method: method, Seconds: int(retry.Int())}
	}

	desc := res.Get("description").String()
	e := &APIError{Method: method, Code: int(res.Get("error_code").Int()), Description: desc}
	lower := strings.ToLower(desc)
	switch {
	case strings.Contains(lower, "message is not modified"):
		e.Err = ErrMessageNotModified
	case strings.Contains(lower, "message to edit not found"),
		strings.Contains(lower, "message to delete not found"):
		e.Err = ErrMessageNotFound
	case strings.Contains(lower, "can't parse entities"):
		e.Err = ErrCantParseEntities
	}
	return e
}

func threadParams(chatID int64, threadID int) map[string]any {
	p := map[string]any{"chat_id": chatID}
	if threadID != 0 {
		p["message_thread_id"] = threadID
	}
	return p
}

// SendMessage posts text to a chat, inside threadID when it is non-zero.
func (c *Client) SendMessage(ctx context.Context, chatID int64, threadID int, text, parseMode string) (*Message, error) {
	p := threadParams(chatID, threadID)
	p["text"] = text
	if parseMode != "" {
		p["parse_mode"] = parseMode
	}
	res, err := c.call(ctx, "sendMessage", p)
	if err != nil {
		return nil, err
	}
	var msg Message
	if err := json.Unmarshal([]byte(res.Raw), &msg); err != nil {
		return nil, fmt.Errorf("decoding sent message: %w", err)
	}
	return &msg, nil
}

func (c *Client) EditMessageText(ctx context.Context, chatID int64, messageID int, text, parseMode string) error {
	p := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
	}
	if parseMode != "" {
		p["parse_mode"] = parseMode
	}
	_, err := c.call(ctx, "editMessageText", p)
	return err
}

func (c *Client) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	_, err := c.call(ctx, "deleteMessage", map[string]any{"chat_id": chatID, "message_id": messageID})
	return err
}

// CreateForumTopic returns the new topic's message_thread_id.
func (c *Client) CreateForumTopic(ctx context.Context, chatID int64, name string) (int, error) {
	res, err := c.call(ctx, "createForumTopic", map[string]any{"chat_id": chatID, "name": name})
	if err != nil {
		return 0, err
	}
	id := res.Get("message_thread_id")
	if !id.Exists() {
		return 0, fmt.Errorf("createForumTopic: no message_thread_id in result")
	}
	return int(id.Int()), nil
}

func (c *Client) DeleteForumTopic(ctx context.Context, chatID int64, threadID int) error {
	_, err := c.call(ctx, "deleteForumTopic", map[string]any{"chat_id": chatID, "message_thread_id": threadID})
	return err
}

func (c *Client) SendChatAction(ctx context.Context, chatID int64, threadID int, action string) error {
	p := threadParams(chatID, threadID)
	p["action"] = action
	_, err := c.call(ctx, "sendChatAction", p)
	return err
}

func (c *Client) SetMyCommands(ctx context.Context, commands []BotCommand) error {
	_, err := c.call(ctx, "setMyCommands", map[string]any{"commands": commands})
	return err
}

// GetUpdates long-polls for message updates starting at offset.
func (c *Client) GetUpdates(ctx context.Context, offset int) ([]Update, error) {
	res, err := c.call(ctx, "getUpdates", map[string]any{
		"offset":          offset,
		"timeout":         c.timeout,
		"allowed_updates": []string{"message"},
	})
	if err != nil {
		return nil, err
	}
	var updates []Update
	if err := json.Unmarshal([]byte(res.Raw), &updates); err != nil {
		return nil, fmt.Errorf("parsing updates: %w", err)
	}
	return updates, nil
}

// SendChunked splits text at the message limit and sends each part with
// Markdown, retrying a part as plain text when the markup does not parse.
func (c *Client) SendChunked(ctx context.Context, chatID int64, threadID int, text string) error {
	for _, part := range SplitMessage(text, MaxMessageLen) {
		_, err := c.SendMessage(ctx, chatID, threadID, part, ParseMarkdown)
		if errors.Is(err, ErrCantParseEntities) {
			_, err = c.SendMessage(ctx, chatID, threadID, part, "")
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// SplitMessage cuts text into parts of at most maxLen bytes, preferring a
// newline, then a space, in the second half of each window. Parts never
// end inside a UTF-8 sequence.
func SplitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var parts []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			parts = append(parts, text)
			break
		}

		cut := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		} else if idx := strings.LastIndex(text[:maxLen], " "); idx > maxLen/2 {
			cut = idx + 1
		}
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxLen
		}

		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	return parts
}
