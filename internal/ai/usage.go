package ai

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ImJafran/facto/internal/providers"
)

// UsageTracker records token usage across provider calls.
type UsageTracker struct {
	mu           sync.Mutex
	inputTokens  int
	outputTokens int
	requests     int
	perProvider  map[string]*providerUsage
}

type providerUsage struct {
	inputTokens  int
	outputTokens int
	requests     int
}

func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		perProvider: make(map[string]*providerUsage),
	}
}

// Record adds a response's token usage. Responses without usage still count
// as a request.
func (ut *UsageTracker) Record(usage *providers.TokenUsage, providerName string) {
	var in, out int
	if usage != nil {
		in, out = usage.InputTokens, usage.OutputTokens
	}

	ut.mu.Lock()
	defer ut.mu.Unlock()

	ut.inputTokens += in
	ut.outputTokens += out
	ut.requests++

	pu, ok := ut.perProvider[providerName]
	if !ok {
		pu = &providerUsage{}
		ut.perProvider[providerName] = pu
	}
	pu.inputTokens += in
	pu.outputTokens += out
	pu.requests++
}

// Summary returns the usage since start (or the last Reset) as chat text.
func (ut *UsageTracker) Summary() string {
	ut.mu.Lock()
	defer ut.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Token usage:\n  Total: %d tokens (%d in / %d out)\n  Requests: %d",
		ut.inputTokens+ut.outputTokens, ut.inputTokens, ut.outputTokens, ut.requests)

	if len(ut.perProvider) > 1 {
		names := make([]string, 0, len(ut.perProvider))
		for name := range ut.perProvider {
			names = append(names, name)
		}
		sort.Strings(names)

		b.WriteString("\n  Per provider:")
		for _, name := range names {
			pu := ut.perProvider[name]
			fmt.Fprintf(&b, "\n    %s: %d tokens (%d in / %d out), %d requests",
				name, pu.inputTokens+pu.outputTokens, pu.inputTokens, pu.outputTokens, pu.requests)
		}
	}
	return b.String()
}

func (ut *UsageTracker) Reset() {
	ut.mu.Lock()
	defer ut.mu.Unlock()
	ut.inputTokens = 0
	ut.outputTokens = 0
	ut.requests = 0
	ut.perProvider = make(map[string]*providerUsage)
}
