package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/ImJafran/facto/internal/providers"
)

type Tool interface {
	Name() string
	Description() string
	// Parameters is a JSON Schema object describing the arguments.
	Parameters() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (Result, error)
}

type Registry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]Tool),
	}
}

// Register adds tool, replacing any tool with the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Tool, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name])
	}
	return out
}

// ToolDefs returns sorted tool definitions for providers (sorted for KV cache stability).
func (r *Registry) ToolDefs() []providers.ToolDef {
	list := r.List()
	defs := make([]providers.ToolDef, 0, len(list))
	for _, tool := range list {
		defs = append(defs, providers.ToolDef{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	return defs
}

// OpenAISchemas exports the tools in the chat-completions function format.
func (r *Registry) OpenAISchemas() []map[string]any {
	out := []map[string]any{}
	for _, tool := range r.List() {
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name(),
				"description": tool.Description(),
				"parameters":  schemaMap(tool.Parameters()),
			},
		})
	}
	return out
}

// AnthropicSchemas exports the tools in the Messages API format.
func (r *Registry) AnthropicSchemas() []map[string]any {
	out := []map[string]any{}
	for _, tool := range r.List() {
		out = append(out, map[string]any{
			"name":         tool.Name(),
			"description":  tool.Description(),
			"input_schema": schemaMap(tool.Parameters()),
		})
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

func schemaMap(raw json.RawMessage) map[string]any {
	m := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &m)
	}
	if m == nil {
		m = map[string]any{}
	}
	if _, ok := m["type"]; !ok {
		m["type"] = "object"
	}
	return m
}
