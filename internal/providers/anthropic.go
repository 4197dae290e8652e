package providers

import (
	"context"
	"encoding/json"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	DefaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 4096
)

type AnthropicProvider struct {
	model     string
	maxTokens int64
	client    anthropic.Client
	logger    *slog.Logger
}

func NewAnthropic(opts Options) *AnthropicProvider {
	if opts.Model == "" {
		opts.Model = DefaultAnthropicModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithRequestTimeout(opts.timeout()),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &AnthropicProvider{
		model:     opts.Model,
		maxTokens: int64(opts.MaxTokens),
		client:    anthropic.NewClient(reqOpts...),
		logger:    opts.logger(),
	}
}

func (p *AnthropicProvider) Name() string            { return "anthropic" }
func (p *AnthropicProvider) Model() string           { return p.model }
func (p *AnthropicProvider) SupportsTools() bool     { return true }
func (p *AnthropicProvider) SupportsStreaming() bool { return true }

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	start := time.Now()
	msg, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		err = wrapError(p.Name(), err)
		p.logger.Error("provider request failed", "provider", p.Name(), "error", err, "cause", errorCause(err))
		return CompletionResponse{}, err
	}
	p.logger.Debug("provider response", "provider", p.Name(), "latency_ms", time.Since(start).Milliseconds())

	result := CompletionResponse{
		FinishReason: string(msg.StopReason),
		Provider:     p.Name(),
		Usage: &TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	if result.FinishReason == "" {
		result.FinishReason = "end_turn"
	}

	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: DecodeArguments(string(block.Input)),
			})
		}
	}
	result.Content = text.String()
	return result, nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, req CompletionRequest) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		stream := p.client.Messages.NewStreaming(ctx, p.buildParams(req))
		defer stream.Close()

		// At most one tool_use block is open at a time; its input arrives as
		// partial JSON fragments.
		var current *pendingCall

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_start":
				if event.ContentBlock.Type == "tool_use" {
					current = &pendingCall{id: event.ContentBlock.ID, name: event.ContentBlock.Name}
				}
			case "content_block_delta":
				switch event.Delta.Type {
				case "text_delta":
					if event.Delta.Text == "" {
						continue
					}
					if !yield(StreamChunk{Content: event.Delta.Text}, nil) {
						return
					}
				case "input_json_delta":
					if current != nil {
						current.args.WriteString(event.Delta.PartialJSON)
					}
				}
			case "content_block_stop":
				if current == nil {
					continue
				}
				call := ToolCall{
					ID:        current.id,
					Name:      current.name,
					Arguments: DecodeArguments(current.args.String()),
				}
				current = nil
				if !yield(StreamChunk{ToolCalls: []ToolCall{call}}, nil) {
					return
				}
			case "message_stop":
				yield(StreamChunk{FinishReason: "end_turn", IsComplete: true}, nil)
				return
			}
		}

		if err := stream.Err(); err != nil {
			err = wrapError(p.Name(), err)
			p.logger.Error("provider stream failed", "provider", p.Name(), "error", err, "cause", errorCause(err))
			yield(StreamChunk{}, err)
			return
		}
		yield(StreamChunk{FinishReason: "end_turn", IsComplete: true}, nil)
	}
}

// extractSystem splits system messages out of the conversation. When there
// are several, the last one is used.
func extractSystem(messages []Message) (string, []Message) {
	var system string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

func (p *AnthropicProvider) buildParams(req CompletionRequest) anthropic.MessageNewParams {
	system, conversation := extractSystem(req.Messages)
	conversation = sanitizeToolMessages(conversation)

	msgs := make([]anthropic.MessageParam, 0, len(conversation))
	lastIsToolResults := false
	for _, m := range conversation {
		switch {
		case m.Role == RoleTool:
			block := anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)
			// Consecutive tool results share one user turn.
			if n := len(msgs); n > 0 && lastIsToolResults {
				msgs[n-1].Content = append(msgs[n-1].Content, block)
				continue
			}
			msgs = append(msgs, anthropic.NewUserMessage(block))
			lastIsToolResults = true
			continue

		case m.Role == RoleAssistant && len(m.ToolCalls) > 0:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{ID: tc.ID, Name: tc.Name, Input: input},
				})
			}
			msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))

		case m.Role == RoleAssistant:
			if m.Content == "" {
				continue
			}
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))

		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
		lastIsToolResults = false
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, t := range req.Tools {
		schema := schemaObject(t.Parameters)
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
					Required:   requiredFields(schema),
				},
			},
		})
	}
	return params
}

func requiredFields(schema map[string]any) []string {
	raw, ok := schema["required"]
	if !ok {
		return nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var out []string
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}

// sanitizeToolMessages drops tool results with no matching tool_use in the
// history, and demotes assistant tool-call turns whose results are all gone
// to plain text. Anthropic rejects either kind of orphan.
func sanitizeToolMessages(messages []Message) []Message {
	toolUseIDs := make(map[string]bool)
	for _, m := range messages {
		if m.Role == RoleAssistant {
			for _, tc := range m.ToolCalls {
				toolUseIDs[tc.ID] = true
			}
		}
	}

	out := make([]Message, 0, len(messages))
	resultIDs := make(map[string]bool)
	for _, m := range messages {
		if m.Role == RoleTool {
			if !toolUseIDs[m.ToolCallID] {
				continue
			}
			resultIDs[m.ToolCallID] = true
		}
		out = append(out, m)
	}

	final := make([]Message, 0, len(out))
	for _, m := range out {
		if m.Role == RoleAssistant && len(m.ToolCalls) > 0 {
			hasResult := false
			for _, tc := range m.ToolCalls {
				if resultIDs[tc.ID] {
					hasResult = true
					break
				}
			}
			if !hasResult {
				if m.Content != "" {
					final = append(final, Message{Role: RoleAssistant, Content: m.Content})
				}
				continue
			}
		}
		final = append(final, m)
	}
	return final
}
