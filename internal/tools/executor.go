package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ImJafran/facto/internal/providers"
)

// Execution pairs a tool call with its outcome.
type Execution struct {
	Call   providers.ToolCall
	Result Result
}

// Executor runs tool calls against a Registry. It never returns an error:
// every failure mode becomes a failed Result.
type Executor struct {
	registry *Registry
	logger   *slog.Logger
}

func NewExecutor(registry *Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{registry: registry, logger: logger}
}

func (e *Executor) Execute(ctx context.Context, call providers.ToolCall) (result Result) {
	start := time.Now()
	status := "ok"
	defer func() {
		if r := recover(); r != nil {
			result = Failure("tool %s panicked: %v", call.Name, r)
		}
		if !result.Success && status == "ok" {
			status = "error"
		}
		e.logger.Info("tool_exec",
			"tool", call.Name,
			"latency_ms", time.Since(start).Milliseconds(),
			"status", status,
			"error", result.Error,
		)
	}()

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		status = "unknown_tool"
		return Failure("Unknown tool: %s", call.Name)
	}

	args := call.Arguments
	if args == nil {
		args = map[string]any{}
	}
	params, err := json.Marshal(args)
	if err != nil {
		status = "bad_arguments"
		return Failure("invalid arguments for %s: %v", call.Name, err)
	}
	if err := ValidateParams(tool.Parameters(), params); err != nil {
		status = "invalid_params"
		return Failure("%v", err)
	}

	res, err := tool.Execute(ctx, params)
	if err != nil {
		return Failure("%v", err)
	}
	return res
}

// ExecuteAll runs calls concurrently and returns one Execution per call, in
// input order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []providers.ToolCall) []Execution {
	out := make([]Execution, len(calls))
	if len(calls) == 1 {
		out[0] = Execution{Call: calls[0], Result: e.Execute(ctx, calls[0])}
		return out
	}

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, tc providers.ToolCall) {
			defer wg.Done()
			out[idx] = Execution{Call: tc, Result: e.Execute(ctx, tc)}
		}(i, call)
	}
	wg.Wait()
	return out
}

// StatusLine is the progress marker shown in a live message after a tool runs.
func (x Execution) StatusLine() string {
	state := "completed"
	if !x.Result.Success {
		state = "failed"
	}
	return fmt.Sprintf("\n[Tool: %s - %s]\n", x.Call.Name, state)
}
