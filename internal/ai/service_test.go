package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ImJafran/facto/internal/providers"
	"github.com/ImJafran/facto/internal/tools"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockProvider replays scripted responses and records every request.
type mockProvider struct {
	name      string
	tools     bool
	responses []providers.CompletionResponse
	streams   [][]providers.StreamChunk
	err       error

	mu       sync.Mutex
	requests []providers.CompletionRequest
}

func (m *mockProvider) Name() string            { return m.name }
func (m *mockProvider) SupportsTools() bool     { return m.tools }
func (m *mockProvider) SupportsStreaming() bool { return true }

func (m *mockProvider) record(req providers.CompletionRequest) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return len(m.requests) - 1
}

func (m *mockProvider) calls() []providers.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]providers.CompletionRequest(nil), m.requests...)
}

func (m *mockProvider) Complete(_ context.Context, req providers.CompletionRequest) (providers.CompletionResponse, error) {
	i := m.record(req)
	if m.err != nil {
		return providers.CompletionResponse{}, m.err
	}
	if i < len(m.responses) {
		return m.responses[i], nil
	}
	return m.responses[len(m.responses)-1], nil
}

func (m *mockProvider) Stream(_ context.Context, req providers.CompletionRequest) iter.Seq2[providers.StreamChunk, error] {
	return func(yield func(providers.StreamChunk, error) bool) {
		i := m.record(req)
		if m.err != nil {
			yield(providers.StreamChunk{}, m.err)
			return
		}
		if i >= len(m.streams) {
			i = len(m.streams) - 1
		}
		for _, c := range m.streams[i] {
			if !yield(c, nil) {
				return
			}
		}
	}
}

type fakeFactory struct {
	active    providers.Provider
	available map[string]providers.Provider
}

func (f *fakeFactory) Create() (providers.Provider, error) { return f.active, nil }

func (f *fakeFactory) CreateByName(name string) (providers.Provider, error) {
	if p, ok := f.available[name]; ok {
		return p, nil
	}
	return nil, &providers.ConfigError{Provider: name, Err: providers.ErrUnknownProvider}
}

func (f *fakeFactory) Names() []string { return []string{"deepseek", "anthropic"} }

type echoTool struct {
	name string
	fail bool
}

func (e *echoTool) Name() string        { return e.name }
func (e *echoTool) Description() string { return "echo" }
func (e *echoTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}}}`)
}
func (e *echoTool) Execute(_ context.Context, params json.RawMessage) (tools.Result, error) {
	if e.fail {
		return tools.Result{}, errors.New("tool broke")
	}
	var args map[string]any
	_ = json.Unmarshal(params, &args)
	return tools.Success(map[string]any{"echo": args["text"]}), nil
}

func newService(t *testing.T, p providers.Provider, maxIter int, ts ...tools.Tool) *Service {
	t.Helper()
	reg := tools.NewRegistry()
	for _, tool := range ts {
		reg.Register(tool)
	}
	svc, err := New(&fakeFactory{active: p}, reg, Options{ToolsEnabled: true, MaxToolIterations: maxIter}, newTestLogger())
	require.NoError(t, err)
	return svc
}

func toolCall(id, name string) providers.ToolCall {
	return providers.ToolCall{ID: id, Name: name, Arguments: map[string]any{"text": id}}
}

func TestGetResponseWithoutToolCalls(t *testing.T) {
	p := &mockProvider{name: "deepseek", tools: true, responses: []providers.CompletionResponse{
		{Content: "Hello!", Usage: &providers.TokenUsage{InputTokens: 10, OutputTokens: 3}},
	}}
	svc := newService(t, p, 5, &echoTool{name: "echo"})

	out, err := svc.GetResponse(context.Background(), []PlainMessage{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", out)

	reqs := p.calls()
	require.Len(t, reqs, 1)
	assert.Len(t, reqs[0].Messages, 2)
	assert.Len(t, reqs[0].Tools, 1)
	assert.Contains(t, svc.Usage().Summary(), "13 tokens (10 in / 3 out)")
}

func TestGetResponseToolRound(t *testing.T) {
	p := &mockProvider{name: "deepseek", tools: true, responses: []providers.CompletionResponse{
		{Content: "checking", ToolCalls: []providers.ToolCall{toolCall("c1", "echo"), toolCall("c2", "broken"), toolCall("c3", "echo")}},
		{Content: "All done."},
	}}
	svc := newService(t, p, 5, &echoTool{name: "echo"}, &echoTool{name: "broken", fail: true})

	out, err := svc.GetResponse(context.Background(), []PlainMessage{{Role: "user", Content: "go"}})
	require.NoError(t, err)
	assert.Equal(t, "All done.", out)

	reqs := p.calls()
	require.Len(t, reqs, 2)
	second := reqs[1].Messages
	require.Len(t, second, 5)

	asst := second[1]
	assert.Equal(t, providers.RoleAssistant, asst.Role)
	assert.Equal(t, "checking", asst.Content)
	for i, call := range asst.ToolCalls {
		msg := second[2+i]
		assert.Equal(t, providers.RoleTool, msg.Role)
		assert.Equal(t, call.ID, msg.ToolCallID)
	}
	assert.JSONEq(t, `{"echo":"c1"}`, second[2].Content)
	assert.Equal(t, "Error: tool broke", second[3].Content)
}

func TestGetResponseStopsAtIterationCap(t *testing.T) {
	p := &mockProvider{name: "deepseek", tools: true, responses: []providers.CompletionResponse{
		{Content: "still working", ToolCalls: []providers.ToolCall{toolCall("c", "echo")}},
	}}
	svc := newService(t, p, 3, &echoTool{name: "echo"})

	out, err := svc.GetResponse(context.Background(), []PlainMessage{{Role: "user", Content: "loop"}})
	require.NoError(t, err)
	assert.Equal(t, "still working", out)
	assert.Len(t, p.calls(), 4)
}

func TestGetResponseToolsOffered(t *testing.T) {
	cases := []struct {
		name     string
		enabled  bool
		supports bool
		register bool
		wantNil  bool
	}{
		{"disabled globally", false, true, true, true},
		{"provider without tools", true, false, true, true},
		{"empty registry", true, true, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := &mockProvider{name: "x", tools: tc.supports, responses: []providers.CompletionResponse{{Content: "ok"}}}
			reg := tools.NewRegistry()
			if tc.register {
				reg.Register(&echoTool{name: "echo"})
			}
			svc, err := New(&fakeFactory{active: p}, reg, Options{ToolsEnabled: tc.enabled}, newTestLogger())
			require.NoError(t, err)

			_, err = svc.GetResponse(context.Background(), []PlainMessage{{Role: "user", Content: "hi"}})
			require.NoError(t, err)
			offered := p.calls()[0].Tools
			if tc.wantNil {
				assert.Nil(t, offered)
			} else {
				assert.NotNil(t, offered)
				assert.Empty(t, offered)
			}
		})
	}
}

func TestGetResponsePropagatesProviderError(t *testing.T) {
	p := &mockProvider{name: "openai", tools: true, err: &providers.ProviderError{Kind: providers.KindTimeout, Provider: "openai"}}
	svc := newService(t, p, 5)

	_, err := svc.GetResponse(context.Background(), []PlainMessage{{Role: "user", Content: "hi"}})
	require.Error(t, err)
	assert.Equal(t, "AI request timed out. Please try again.", err.Error())
}

func collect(t *testing.T, seq iter.Seq2[providers.StreamChunk, error]) ([]providers.StreamChunk, error) {
	t.Helper()
	var out []providers.StreamChunk
	for chunk, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, chunk)
	}
	return out, nil
}

func joined(chunks []providers.StreamChunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Content)
	}
	return b.String()
}

func TestStreamResponseForwardsChunks(t *testing.T) {
	p := &mockProvider{name: "anthropic", tools: true, streams: [][]providers.StreamChunk{{
		{Content: "Hel"},
		{Content: "lo"},
		{FinishReason: "end_turn", IsComplete: true},
	}}}
	svc := newService(t, p, 5)

	chunks, err := collect(t, svc.StreamResponse(context.Background(), []PlainMessage{{Role: "user", Content: "hi"}}))
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Hello", joined(chunks))
	assert.True(t, chunks[2].IsComplete)
	assert.Len(t, p.calls(), 1)
}

func TestStreamResponseRunsToolsAndContinues(t *testing.T) {
	p := &mockProvider{name: "anthropic", tools: true, streams: [][]providers.StreamChunk{
		{
			{Content: "Let me check."},
			{ToolCalls: []providers.ToolCall{toolCall("t1", "echo")}},
			{ToolCalls: []providers.ToolCall{toolCall("t2", "missing")}},
			{FinishReason: "end_turn", IsComplete: true},
		},
		{
			{Content: " Found it."},
			{FinishReason: "end_turn", IsComplete: true},
		},
	}}
	svc := newService(t, p, 5, &echoTool{name: "echo"})

	chunks, err := collect(t, svc.StreamResponse(context.Background(), []PlainMessage{{Role: "user", Content: "search"}}))
	require.NoError(t, err)
	assert.Equal(t,
		"Let me check.\n[Tool: echo - completed]\n\n[Tool: missing - failed]\n Found it.",
		joined(chunks))

	reqs := p.calls()
	require.Len(t, reqs, 2)
	second := reqs[1].Messages
	require.Len(t, second, 4)
	assert.Equal(t, "Let me check.", second[1].Content)
	assert.Equal(t, "t1", second[2].ToolCallID)
	assert.Equal(t, "t2", second[3].ToolCallID)
	assert.Equal(t, "Error: Unknown tool: missing", second[3].Content)
}

func TestStreamResponseStopsAtIterationCap(t *testing.T) {
	p := &mockProvider{name: "openai", tools: true, streams: [][]providers.StreamChunk{{
		{Content: "again"},
		{ToolCalls: []providers.ToolCall{toolCall("c", "echo")}, FinishReason: "tool_calls", IsComplete: true},
	}}}
	svc := newService(t, p, 2, &echoTool{name: "echo"})

	_, err := collect(t, svc.StreamResponse(context.Background(), []PlainMessage{{Role: "user", Content: "loop"}}))
	require.NoError(t, err)
	assert.Len(t, p.calls(), 3)
}

func TestStreamResponseError(t *testing.T) {
	p := &mockProvider{name: "openai", tools: true, err: &providers.ProviderError{Kind: providers.KindConnection, Provider: "openai"}}
	svc := newService(t, p, 5)

	_, err := collect(t, svc.StreamResponse(context.Background(), []PlainMessage{{Role: "user", Content: "hi"}}))
	require.Error(t, err)
	assert.Equal(t, "Could not connect to AI service.", err.Error())
}

func TestStreamResponseEarlyBreak(t *testing.T) {
	p := &mockProvider{name: "openai", tools: true, streams: [][]providers.StreamChunk{{
		{Content: "a"}, {Content: "b"}, {Content: "c"}, {IsComplete: true},
	}}}
	svc := newService(t, p, 5)

	n := 0
	for range svc.StreamResponse(context.Background(), []PlainMessage{{Role: "user", Content: "hi"}}) {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestSwitchProvider(t *testing.T) {
	first := &mockProvider{name: "deepseek", responses: []providers.CompletionResponse{{Content: "from deepseek"}}}
	second := &mockProvider{name: "anthropic", responses: []providers.CompletionResponse{{Content: "from anthropic"}}}
	factory := &fakeFactory{active: first, available: map[string]providers.Provider{"anthropic": second}}

	svc, err := New(factory, nil, Options{}, newTestLogger())
	require.NoError(t, err)
	assert.Equal(t, "deepseek", svc.CurrentProvider())
	assert.Equal(t, []string{"deepseek", "anthropic"}, svc.AvailableProviders())

	err = svc.SwitchProvider("bogus")
	assert.ErrorIs(t, err, providers.ErrUnknownProvider)
	assert.Equal(t, "deepseek", svc.CurrentProvider())

	require.NoError(t, svc.SwitchProvider("anthropic"))
	out, err := svc.GetResponse(context.Background(), []PlainMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "from anthropic", out)
	assert.Empty(t, first.calls())
}

func TestInFlightStreamKeepsProvider(t *testing.T) {
	first := &mockProvider{name: "deepseek", streams: [][]providers.StreamChunk{{{Content: "old"}, {IsComplete: true}}}}
	second := &mockProvider{name: "openai", streams: [][]providers.StreamChunk{{{Content: "new"}, {IsComplete: true}}}}
	svc, err := New(&fakeFactory{active: first, available: map[string]providers.Provider{"openai": second}}, nil, Options{}, newTestLogger())
	require.NoError(t, err)

	seq := svc.StreamResponse(context.Background(), []PlainMessage{{Role: "user", Content: "hi"}})
	require.NoError(t, svc.SwitchProvider("openai"))

	chunks, err := collect(t, seq)
	require.NoError(t, err)
	assert.Equal(t, "old", joined(chunks))
}

func TestUsageTracker(t *testing.T) {
	ut := NewUsageTracker()
	ut.Record(&providers.TokenUsage{InputTokens: 100, OutputTokens: 50}, "deepseek")
	ut.Record(&providers.TokenUsage{InputTokens: 200, OutputTokens: 80}, "deepseek")
	ut.Record(nil, "anthropic")

	summary := ut.Summary()
	assert.Contains(t, summary, "300 in")
	assert.Contains(t, summary, "130 out")
	assert.Contains(t, summary, "Requests: 3")
	assert.Less(t, strings.Index(summary, "anthropic"), strings.Index(summary, "deepseek"))
	assert.Contains(t, summary, fmt.Sprintf("deepseek: %d tokens", 430))

	ut.Reset()
	assert.Contains(t, ut.Summary(), "Total: 0")
}
