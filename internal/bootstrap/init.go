package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ImJafran/facto/internal/config"
)

// SetupInfo records which credentials the environment already provides.
type SetupInfo struct {
	HasDeepSeekKey  bool
	HasOpenAIKey    bool
	HasAnthropicKey bool
	HasTelegram     bool
	HasTestBot      bool
	AllowedChat     string
}

func DetectEnv() *SetupInfo {
	return &SetupInfo{
		HasDeepSeekKey:  os.Getenv("DEEPSEEK_API_KEY") != "",
		HasOpenAIKey:    os.Getenv("OPENAI_API_KEY") != "",
		HasAnthropicKey: os.Getenv("ANTHROPIC_API_KEY") != "",
		HasTelegram:     os.Getenv("FACTO_TOKEN") != "",
		HasTestBot:      os.Getenv("TEST_FACTO_TOKEN") != "",
		AllowedChat:     strings.TrimSpace(os.Getenv("FACTO_CHAT_ID")),
	}
}

// EnsureHome creates the facto home directory and its logs folder.
func EnsureHome() error {
	home := config.FactoHome()
	for _, dir := range []string{home, filepath.Join(home, "logs")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	return nil
}

// WriteDefaultConfig writes a generated config to path unless one exists.
// It reports whether a file was written.
func WriteDefaultConfig(path string, info *SetupInfo) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("checking config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(GenerateDefaultConfig(info)), 0o600); err != nil {
		return false, fmt.Errorf("writing config: %w", err)
	}
	return true, nil
}

// GenerateDefaultConfig renders a YAML config that references credentials
// through ${VAR} placeholders, so secrets stay in the environment.
func GenerateDefaultConfig(info *SetupInfo) string {
	var b strings.Builder
	b.WriteString("# Facto Configuration\n")
	b.WriteString("# Auto-generated by 'facto init'\n\n")

	b.WriteString("telegram:\n")
	if info.HasTelegram {
		b.WriteString("  token: ${FACTO_TOKEN}\n")
	} else {
		b.WriteString("  # token: ${FACTO_TOKEN}\n")
	}
	if info.HasTestBot {
		b.WriteString("  test_token: ${TEST_FACTO_TOKEN}\n")
	}
	b.WriteString("  use_test_bot: false\n")
	b.WriteString("  poll_timeout: 30\n")
	if info.AllowedChat != "" {
		fmt.Fprintf(&b, "  allowed_chats: [%s]\n", info.AllowedChat)
	}

	active := ""
	b.WriteString("\nproviders:\n")
	if info.HasDeepSeekKey {
		active = string(config.ProviderDeepSeek)
		b.WriteString("  deepseek:\n")
		b.WriteString("    api_key: ${DEEPSEEK_API_KEY}\n")
		fmt.Fprintf(&b, "    model: %s\n", config.DefaultDeepSeekModel)
		fmt.Fprintf(&b, "    base_url: %s\n", config.DefaultDeepSeekBaseURL)
	}
	if info.HasOpenAIKey {
		if active == "" {
			active = string(config.ProviderOpenAI)
		}
		b.WriteString("  openai:\n")
		b.WriteString("    api_key: ${OPENAI_API_KEY}\n")
		b.WriteString("    model: gpt-4o\n")
	}
	if info.HasAnthropicKey {
		if active == "" {
			active = string(config.ProviderAnthropic)
		}
		b.WriteString("  anthropic:\n")
		b.WriteString("    api_key: ${ANTHROPIC_API_KEY}\n")
		b.WriteString("    model: claude-sonnet-4-20250514\n")
		b.WriteString("    max_tokens: 4096\n")
	}
	if active == "" {
		b.WriteString("  # No API keys detected. Uncomment one:\n")
		b.WriteString("  # deepseek:\n")
		b.WriteString("  #   api_key: ${DEEPSEEK_API_KEY}\n")
		b.WriteString("  # anthropic:\n")
		b.WriteString("  #   api_key: ${ANTHROPIC_API_KEY}\n")
		active = string(config.ProviderDeepSeek)
	}
	fmt.Fprintf(&b, "\nai_provider: %s\n", active)

	b.WriteString("\nstreaming:\n")
	b.WriteString("  enabled: true\n")
	b.WriteString("  interval_ms: 500\n")
	b.WriteString("  min_chars: 50\n")

	b.WriteString("\ntools:\n")
	b.WriteString("  enabled: true\n")
	b.WriteString("  max_tool_iterations: 5\n")

	b.WriteString("\nscheduler:\n")
	b.WriteString("  tick_interval: 30s\n")

	b.WriteString("\nlog:\n")
	b.WriteString("  level: info\n")

	return b.String()
}
