package providers

import (
	"context"
	"encoding/json"
	"iter"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a conversation in the provider-neutral shape.
// ToolCalls is only set on assistant turns; ToolCallID only on tool turns.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model request to invoke a tool. Arguments is always a
// non-nil map, even when the model sent malformed JSON.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolDef describes a tool to the model. Parameters is a JSON Schema object.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type CompletionRequest struct {
	Messages []Message
	Tools    []ToolDef
}

type CompletionResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        *TokenUsage
	Provider     string
}

type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// StreamChunk is one increment of a streamed reply. Exactly one chunk per
// stream has IsComplete set, and it is the last one yielded.
type StreamChunk struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	IsComplete   bool
}

type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	// Stream yields chunks lazily. Breaking out of the range stops the
	// underlying request.
	Stream(ctx context.Context, req CompletionRequest) iter.Seq2[StreamChunk, error]
	Name() string
	SupportsTools() bool
	SupportsStreaming() bool
}

// DecodeArguments parses a tool-call argument string. Anything that is not a
// JSON object yields an empty map.
func DecodeArguments(raw string) map[string]any {
	args := map[string]any{}
	if raw == "" {
		return args
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

func encodeArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// schemaObject decodes a tool's JSON schema into a map; a missing or invalid
// schema becomes an empty object schema.
func schemaObject(raw json.RawMessage) map[string]any {
	schema := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &schema)
	}
	if schema == nil {
		schema = map[string]any{}
	}
	if _, ok := schema["type"]; !ok {
		schema["type"] = "object"
	}
	if _, ok := schema["properties"]; !ok {
		schema["properties"] = map[string]any{}
	}
	return schema
}
