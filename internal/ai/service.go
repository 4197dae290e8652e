package ai

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ImJafran/facto/internal/providers"
	"github.com/ImJafran/facto/internal/tools"
)

const defaultMaxToolIterations = 5

// ProviderFactory builds providers by name. *providers.Factory satisfies it.
type ProviderFactory interface {
	Create() (providers.Provider, error)
	CreateByName(name string) (providers.Provider, error)
	Names() []string
}

// PlainMessage is a caller-side conversation turn. It carries no tool
// metadata; tool turns only exist inside a single request.
type PlainMessage struct {
	Role    string
	Content string
}

type Options struct {
	ToolsEnabled      bool
	MaxToolIterations int
}

// Service runs the model/tool loop on top of the active provider.
type Service struct {
	factory  ProviderFactory
	registry *tools.Registry
	executor *tools.Executor
	usage    *UsageTracker
	logger   *slog.Logger

	toolsEnabled  bool
	maxIterations int

	mu       sync.RWMutex
	provider providers.Provider
}

// New builds the active provider through factory. registry may be nil, in
// which case no tools are ever offered.
func New(factory ProviderFactory, registry *tools.Registry, opts Options, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p, err := factory.Create()
	if err != nil {
		return nil, fmt.Errorf("creating active provider: %w", err)
	}
	maxIter := opts.MaxToolIterations
	if maxIter <= 0 {
		maxIter = defaultMaxToolIterations
	}

	s := &Service{
		factory:       factory,
		registry:      registry,
		usage:         NewUsageTracker(),
		logger:        logger,
		toolsEnabled:  opts.ToolsEnabled,
		maxIterations: maxIter,
		provider:      p,
	}
	if registry != nil {
		s.executor = tools.NewExecutor(registry, logger)
	}
	logger.Info("ai service ready", "provider", p.Name(), "model", providers.ModelOf(p), "tools", s.toolsEnabled)
	return s, nil
}

// Provider returns the handle used by the next top-level call.
func (s *Service) Provider() providers.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.provider
}

func (s *Service) CurrentProvider() string {
	return s.Provider().Name()
}

func (s *Service) AvailableProviders() []string {
	return s.factory.Names()
}

// SwitchProvider replaces the active provider. Calls already in flight keep
// the provider they started with.
func (s *Service) SwitchProvider(name string) error {
	p, err := s.factory.CreateByName(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	prev := s.provider.Name()
	s.provider = p
	s.mu.Unlock()
	s.logger.Info("provider switched", "from", prev, "to", p.Name(), "model", providers.ModelOf(p))
	return nil
}

func (s *Service) Usage() *UsageTracker {
	return s.usage
}

// GetResponse returns the model's final text for messages, running
// requested tools in between. At most MaxToolIterations tool rounds are run;
// when the cap is hit the content of the last response is returned as is.
func (s *Service) GetResponse(ctx context.Context, messages []PlainMessage) (string, error) {
	p := s.Provider()
	history := toMessages(messages)
	defs := s.toolsFor(p)
	turnStart := time.Now()

	resp, err := s.complete(ctx, p, history, defs, 0)
	if err != nil {
		return "", err
	}

	iteration := 0
	for len(resp.ToolCalls) > 0 {
		iteration++
		if iteration > s.maxIterations {
			s.logger.Warn("max tool iterations reached", "provider", p.Name(), "max", s.maxIterations)
			break
		}
		history, _ = s.runTools(ctx, history, resp.Content, resp.ToolCalls)
		resp, err = s.complete(ctx, p, history, defs, iteration)
		if err != nil {
			return "", err
		}
	}

	s.logger.Info("turn_complete",
		"provider", p.Name(),
		"total_ms", time.Since(turnStart).Milliseconds(),
		"iterations", iteration+1,
		"response_len", len(resp.Content),
	)
	return resp.Content, nil
}

// StreamResponse forwards provider chunks as they arrive. When a provider
// turn ends with tool calls, the tools run, one status chunk per call is
// yielded, and the continuation is streamed under the same iteration cap as
// GetResponse. The sequence is single-use.
func (s *Service) StreamResponse(ctx context.Context, messages []PlainMessage) iter.Seq2[providers.StreamChunk, error] {
	p := s.Provider()
	return func(yield func(providers.StreamChunk, error) bool) {
		history := toMessages(messages)
		defs := s.toolsFor(p)
		turnStart := time.Now()

		for iteration := 0; ; iteration++ {
			var (
				content strings.Builder
				calls   []providers.ToolCall
			)
			llmStart := time.Now()
			for chunk, err := range p.Stream(ctx, providers.CompletionRequest{Messages: history, Tools: defs}) {
				if err != nil {
					s.logger.Error("llm_request",
						"provider", p.Name(),
						"latency_ms", time.Since(llmStart).Milliseconds(),
						"error", err,
						"iteration", iteration,
						"stream", true,
					)
					yield(providers.StreamChunk{}, err)
					return
				}
				content.WriteString(chunk.Content)
				calls = append(calls, chunk.ToolCalls...)
				if !yield(chunk, nil) {
					return
				}
				if chunk.IsComplete {
					break
				}
			}
			s.logger.Info("llm_request",
				"provider", p.Name(),
				"latency_ms", time.Since(llmStart).Milliseconds(),
				"tool_calls", len(calls),
				"iteration", iteration,
				"msg_count", len(history),
				"stream", true,
			)

			if len(calls) == 0 || iteration >= s.maxIterations {
				if len(calls) > 0 {
					s.logger.Warn("max tool iterations reached", "provider", p.Name(), "max", s.maxIterations)
				}
				s.logger.Info("turn_complete",
					"provider", p.Name(),
					"total_ms", time.Since(turnStart).Milliseconds(),
					"iterations", iteration+1,
					"stream", true,
				)
				return
			}

			var execs []tools.Execution
			history, execs = s.runTools(ctx, history, content.String(), calls)
			for _, x := range execs {
				if !yield(providers.StreamChunk{Content: x.StatusLine()}, nil) {
					return
				}
			}
		}
	}
}

func (s *Service) complete(ctx context.Context, p providers.Provider, history []providers.Message, defs []providers.ToolDef, iteration int) (providers.CompletionResponse, error) {
	start := time.Now()
	resp, err := p.Complete(ctx, providers.CompletionRequest{Messages: history, Tools: defs})
	if err != nil {
		s.logger.Error("llm_request",
			"provider", p.Name(),
			"latency_ms", time.Since(start).Milliseconds(),
			"error", err,
			"iteration", iteration,
			"msg_count", len(history),
		)
		return providers.CompletionResponse{}, err
	}

	s.usage.Record(resp.Usage, p.Name())
	attrs := []any{
		"provider", p.Name(),
		"latency_ms", time.Since(start).Milliseconds(),
		"tool_calls", len(resp.ToolCalls),
		"has_text", resp.Content != "",
		"iteration", iteration,
		"msg_count", len(history),
	}
	if resp.Usage != nil {
		attrs = append(attrs, "input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)
	}
	s.logger.Info("llm_request", attrs...)
	return resp, nil
}

// runTools appends the assistant turn carrying calls, executes them, and
// appends one tool turn per call in call order.
func (s *Service) runTools(ctx context.Context, history []providers.Message, content string, calls []providers.ToolCall) ([]providers.Message, []tools.Execution) {
	history = append(history, providers.Message{
		Role:      providers.RoleAssistant,
		Content:   content,
		ToolCalls: calls,
	})

	var execs []tools.Execution
	if s.executor != nil {
		execs = s.executor.ExecuteAll(ctx, calls)
	} else {
		execs = make([]tools.Execution, len(calls))
		for i, c := range calls {
			execs[i] = tools.Execution{Call: c, Result: tools.Failure("Unknown tool: %s", c.Name)}
		}
	}

	for _, x := range execs {
		history = append(history, providers.Message{
			Role:       providers.RoleTool,
			Content:    x.Result.MessageContent(),
			ToolCallID: x.Call.ID,
		})
	}
	return history, execs
}

// toolsFor returns the schemas offered to p. Nil means tools are off for
// this request; an empty registry yields an empty list.
func (s *Service) toolsFor(p providers.Provider) []providers.ToolDef {
	if s.registry == nil || !s.toolsEnabled || !p.SupportsTools() {
		return nil
	}
	return s.registry.ToolDefs()
}

func toMessages(in []PlainMessage) []providers.Message {
	out := make([]providers.Message, 0, len(in))
	for _, m := range in {
		out = append(out, providers.Message{Role: m.Role, Content: m.Content})
	}
	return out
}
