package providers

import (
	"context"
	"iter"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	DefaultOpenAIModel    = "gpt-4o"
	DefaultDeepSeekModel  = "deepseek-chat"
	DefaultDeepSeekURL    = "https://api.deepseek.com"
	defaultRequestTimeout = 120 * time.Second
)

// Options configures a vendor adapter.
type Options struct {
	APIKey     string
	Model      string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	MaxTokens  int
	Logger     *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return defaultRequestTimeout
}

// OpenAICompatProvider talks to any endpoint speaking the OpenAI chat
// completions protocol. DeepSeek is this adapter with different defaults.
type OpenAICompatProvider struct {
	name   string
	model  string
	client openai.Client
	logger *slog.Logger
}

func NewOpenAICompat(name string, opts Options) *OpenAICompatProvider {
	if opts.Model == "" {
		opts.Model = DefaultOpenAIModel
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithRequestTimeout(opts.timeout()),
		option.WithMaxRetries(opts.MaxRetries),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &OpenAICompatProvider{
		name:   name,
		model:  opts.Model,
		client: openai.NewClient(reqOpts...),
		logger: opts.logger(),
	}
}

func NewDeepSeek(opts Options) *OpenAICompatProvider {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultDeepSeekURL
	}
	if opts.Model == "" {
		opts.Model = DefaultDeepSeekModel
	}
	return NewOpenAICompat("deepseek", opts)
}

func (p *OpenAICompatProvider) Name() string            { return p.name }
func (p *OpenAICompatProvider) Model() string           { return p.model }
func (p *OpenAICompatProvider) SupportsTools() bool     { return true }
func (p *OpenAICompatProvider) SupportsStreaming() bool { return true }

func (p *OpenAICompatProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	start := time.Now()
	completion, err := p.client.Chat.Completions.New(ctx, p.buildParams(req))
	if err != nil {
		err = wrapError(p.name, err)
		p.logger.Error("provider request failed", "provider", p.name, "error", err, "cause", errorCause(err))
		return CompletionResponse{}, err
	}
	p.logger.Debug("provider response", "provider", p.name, "latency_ms", time.Since(start).Milliseconds())

	if len(completion.Choices) == 0 {
		return CompletionResponse{}, wrapError(p.name, errNoChoices)
	}

	choice := completion.Choices[0]
	result := CompletionResponse{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Provider:     p.name,
		Usage: &TokenUsage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: DecodeArguments(tc.Function.Arguments),
		})
	}
	return result, nil
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func (p *OpenAICompatProvider) Stream(ctx context.Context, req CompletionRequest) iter.Seq2[StreamChunk, error] {
	return func(yield func(StreamChunk, error) bool) {
		stream := p.client.Chat.Completions.NewStreaming(ctx, p.buildParams(req))
		defer stream.Close()

		// Tool call fragments arrive keyed by positional index and are only
		// complete once the finish reason says so.
		pending := map[int64]*pendingCall{}

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			for _, d := range choice.Delta.ToolCalls {
				pc, ok := pending[d.Index]
				if !ok {
					pc = &pendingCall{}
					pending[d.Index] = pc
				}
				if d.ID != "" {
					pc.id = d.ID
				}
				if d.Function.Name != "" {
					pc.name = d.Function.Name
				}
				pc.args.WriteString(d.Function.Arguments)
			}

			if choice.Delta.Content != "" {
				if !yield(StreamChunk{Content: choice.Delta.Content}, nil) {
					return
				}
			}

			if choice.FinishReason != "" {
				final := StreamChunk{FinishReason: string(choice.FinishReason), IsComplete: true}
				if choice.FinishReason == "tool_calls" {
					final.ToolCalls = flushPending(pending)
				}
				yield(final, nil)
				return
			}
		}

		if err := stream.Err(); err != nil {
			err = wrapError(p.name, err)
			p.logger.Error("provider stream failed", "provider", p.name, "error", err, "cause", errorCause(err))
			yield(StreamChunk{}, err)
			return
		}

		// The server closed the stream without a finish reason.
		yield(StreamChunk{FinishReason: "stop", IsComplete: true, ToolCalls: flushPending(pending)}, nil)
	}
}

func flushPending(pending map[int64]*pendingCall) []ToolCall {
	if len(pending) == 0 {
		return nil
	}
	indexes := make([]int64, 0, len(pending))
	for idx := range pending {
		indexes = append(indexes, idx)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	calls := make([]ToolCall, 0, len(indexes))
	for _, idx := range indexes {
		pc := pending[idx]
		calls = append(calls, ToolCall{
			ID:        pc.id,
			Name:      pc.name,
			Arguments: DecodeArguments(pc.args.String()),
		})
	}
	return calls
}

func (p *OpenAICompatProvider) buildParams(req CompletionRequest) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			msgs = append(msgs, openai.SystemMessage(m.Content))
		case RoleTool:
			msgs = append(msgs, openai.ToolMessage(m.Content, m.ToolCallID))
		case RoleAssistant:
			if len(m.ToolCalls) == 0 {
				msgs = append(msgs, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: encodeArguments(tc.Arguments),
					},
				})
			}
			msgs = append(msgs, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		default:
			msgs = append(msgs, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: msgs,
	}
	for _, t := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  openai.FunctionParameters(schemaObject(t.Parameters)),
			},
		})
	}
	return params
}
