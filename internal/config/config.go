package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ProviderType string

const (
	ProviderDeepSeek  ProviderType = "deepseek"
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
)

// ProviderOrder is the fallback order used when the active provider has no
// credentials.
var ProviderOrder = []ProviderType{ProviderDeepSeek, ProviderOpenAI, ProviderAnthropic}

func (p ProviderType) Known() bool {
	for _, known := range ProviderOrder {
		if p == known {
			return true
		}
	}
	return false
}

const (
	DefaultDeepSeekBaseURL = "https://api.deepseek.com"
	DefaultDeepSeekModel   = "deepseek-chat"
)

type Config struct {
	Telegram       TelegramConfig                     `yaml:"telegram"`
	ActiveProvider ProviderType                       `yaml:"ai_provider"`
	Providers      map[ProviderType]*ProviderSettings `yaml:"providers"`
	Streaming      StreamingConfig                    `yaml:"streaming"`
	Tools          ToolsConfig                        `yaml:"tools"`
	Storage        StorageConfig                      `yaml:"storage"`
	Scheduler      SchedulerConfig                    `yaml:"scheduler"`
	Log            LogConfig                          `yaml:"log"`
}

type TelegramConfig struct {
	Token       string  `yaml:"token"`
	TestToken   string  `yaml:"test_token"`
	UseTestBot  bool    `yaml:"use_test_bot"`
	PollTimeout int     `yaml:"poll_timeout"` // seconds, long-poll window for getUpdates
	APIBaseURL  string  `yaml:"api_base_url,omitempty"`
	AllowedChat []int64 `yaml:"allowed_chats,omitempty"`
}

// BotToken returns the token for the bot the process should run as.
func (t TelegramConfig) BotToken() string {
	if t.UseTestBot {
		return t.TestToken
	}
	return t.Token
}

type ProviderSettings struct {
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model,omitempty"`
	BaseURL    string `yaml:"base_url,omitempty"`
	Timeout    string `yaml:"timeout,omitempty"`
	MaxRetries int    `yaml:"max_retries,omitempty"`
	MaxTokens  int    `yaml:"max_tokens,omitempty"`
}

// Configured reports whether the settings carry a usable API key.
func (s *ProviderSettings) Configured() bool {
	return s != nil && s.APIKey != "" && !strings.HasPrefix(s.APIKey, "${")
}

func (s *ProviderSettings) TimeoutDuration() time.Duration {
	if s == nil || s.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 0
	}
	return d
}

type StreamingConfig struct {
	Enabled    bool `yaml:"enabled"`
	IntervalMS int  `yaml:"interval_ms"`
	MinChars   int  `yaml:"min_chars"`
}

func (s StreamingConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMS) * time.Millisecond
}

type ToolsConfig struct {
	Enabled           bool   `yaml:"enabled"`
	MaxToolIterations int    `yaml:"max_tool_iterations"`
	SearchEndpoint    string `yaml:"search_endpoint,omitempty"`
}

type StorageConfig struct {
	DBPath string `yaml:"db_path"`
}

type SchedulerConfig struct {
	TickInterval string `yaml:"tick_interval,omitempty"`
}

func (s SchedulerConfig) Tick() time.Duration {
	d, err := time.ParseDuration(s.TickInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

type LogConfig struct {
	Level string `yaml:"level,omitempty"`
	File  string `yaml:"file,omitempty"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		key := match[2 : len(match)-1]
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return match
	})
}

func FactoHome() string {
	if h := os.Getenv("FACTO_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".facto")
	}
	return filepath.Join(home, ".facto")
}

func DefaultConfigPath() string {
	return filepath.Join(FactoHome(), "config.yaml")
}

// Load reads the YAML file at path, applies environment overrides and
// defaults, then validates. A missing file is not an error; the
// configuration then comes from the environment alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		data = []byte(expandEnvVars(string(data)))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, fmt.Errorf("config environment: %w", err)
	}
	applyDefaults(cfg)
	resolveActive(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	provider := func(p ProviderType) *ProviderSettings {
		if cfg.Providers == nil {
			cfg.Providers = make(map[ProviderType]*ProviderSettings)
		}
		if cfg.Providers[p] == nil {
			cfg.Providers[p] = &ProviderSettings{}
		}
		return cfg.Providers[p]
	}
	providerEnv := func(p ProviderType, keyVar, modelVar, urlVar string) {
		if os.Getenv(keyVar) == "" && os.Getenv(modelVar) == "" && os.Getenv(urlVar) == "" {
			return
		}
		s := provider(p)
		setString(&s.APIKey, keyVar)
		setString(&s.Model, modelVar)
		setString(&s.BaseURL, urlVar)
	}

	setString(&cfg.Telegram.Token, "FACTO_TOKEN")
	setString(&cfg.Telegram.TestToken, "TEST_FACTO_TOKEN")

	providerEnv(ProviderDeepSeek, "DEEPSEEK_API_KEY", "DEEPSEEK_MODEL", "DEEPSEEK_BASE_URL")
	providerEnv(ProviderOpenAI, "OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL")
	providerEnv(ProviderAnthropic, "ANTHROPIC_API_KEY", "ANTHROPIC_MODEL", "ANTHROPIC_BASE_URL")

	if v := os.Getenv("AI_PROVIDER"); v != "" {
		cfg.ActiveProvider = ProviderType(strings.ToLower(strings.TrimSpace(v)))
	}
	setString(&cfg.Storage.DBPath, "DB_PATH")
	setString(&cfg.Tools.SearchEndpoint, "SEARCH_ENDPOINT")
	setString(&cfg.Log.Level, "LOG_LEVEL")

	var err error
	if cfg.Streaming.Enabled, err = envBool("STREAMING_ENABLED", cfg.Streaming.Enabled); err != nil {
		return err
	}
	if cfg.Tools.Enabled, err = envBool("TOOLS_ENABLED", cfg.Tools.Enabled); err != nil {
		return err
	}
	if cfg.Streaming.IntervalMS, err = envInt("STREAMING_INTERVAL_MS", cfg.Streaming.IntervalMS); err != nil {
		return err
	}
	if cfg.Streaming.MinChars, err = envInt("STREAMING_MIN_CHARS", cfg.Streaming.MinChars); err != nil {
		return err
	}
	if cfg.Tools.MaxToolIterations, err = envInt("MAX_TOOL_ITERATIONS", cfg.Tools.MaxToolIterations); err != nil {
		return err
	}
	return nil
}

func envBool(key string, fallback bool) (bool, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.ToLower(v))
	if err != nil {
		return fallback, fmt.Errorf("%s: %q is not a boolean", key, v)
	}
	return b, nil
}

func envInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return n, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ActiveProvider == "" {
		cfg.ActiveProvider = ProviderDeepSeek
	}
	if cfg.Telegram.PollTimeout == 0 {
		cfg.Telegram.PollTimeout = 30
	}
	if cfg.Streaming.IntervalMS == 0 {
		cfg.Streaming.IntervalMS = 500
	}
	if cfg.Streaming.MinChars == 0 {
		cfg.Streaming.MinChars = 50
	}
	if cfg.Tools.MaxToolIterations == 0 {
		cfg.Tools.MaxToolIterations = 5
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = filepath.Join(FactoHome(), "facto.db")
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// resolveActive falls back to the first configured provider when the
// requested one has no credentials. Unknown names are left for validate.
func resolveActive(cfg *Config) {
	if !cfg.ActiveProvider.Known() || cfg.Providers[cfg.ActiveProvider].Configured() {
		return
	}
	for _, p := range ProviderOrder {
		if cfg.Providers[p].Configured() {
			cfg.ActiveProvider = p
			return
		}
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log level %q (must be debug/info/warn/error)", cfg.Log.Level)
	}

	if !cfg.ActiveProvider.Known() {
		return fmt.Errorf("unknown ai_provider %q (must be deepseek/openai/anthropic)", cfg.ActiveProvider)
	}
	if !HasProvider(cfg) {
		return fmt.Errorf("no AI provider configured: set an api_key for deepseek, openai or anthropic")
	}

	for name, s := range cfg.Providers {
		if !name.Known() {
			return fmt.Errorf("unknown provider %q in providers", name)
		}
		if s == nil {
			continue
		}
		if strings.HasPrefix(s.APIKey, "${") {
			return fmt.Errorf("%s api_key contains unexpanded env var: %s", name, s.APIKey)
		}
		if s.Timeout != "" {
			if _, err := time.ParseDuration(s.Timeout); err != nil {
				return fmt.Errorf("invalid duration for providers.%s.timeout: %q (%v)", name, s.Timeout, err)
			}
		}
	}

	if cfg.Streaming.IntervalMS < 0 || cfg.Streaming.MinChars < 0 {
		return fmt.Errorf("streaming interval_ms and min_chars must not be negative")
	}
	if cfg.Tools.MaxToolIterations < 0 {
		return fmt.Errorf("max_tool_iterations must not be negative")
	}
	if cfg.Scheduler.TickInterval != "" {
		if _, err := time.ParseDuration(cfg.Scheduler.TickInterval); err != nil {
			return fmt.Errorf("invalid duration for scheduler.tick_interval: %q (%v)", cfg.Scheduler.TickInterval, err)
		}
	}
	return nil
}

// HasProvider returns true if at least one provider has credentials.
func HasProvider(cfg *Config) bool {
	return len(ConfiguredProviders(cfg)) > 0
}

// ConfiguredProviders lists providers with credentials, in ProviderOrder.
func ConfiguredProviders(cfg *Config) []ProviderType {
	var out []ProviderType
	for _, p := range ProviderOrder {
		if cfg.Providers[p].Configured() {
			out = append(out, p)
		}
	}
	return out
}

// Provider returns the settings for p, or nil.
func (c *Config) Provider(p ProviderType) *ProviderSettings {
	return c.Providers[p]
}

// Legacy single-provider accessors. Each prefers the DeepSeek settings,
// then the active provider, then the built-in default.

func (c *Config) DeepSeekAPIKey() string {
	return c.legacy(func(s *ProviderSettings) string { return s.APIKey }, "")
}

func (c *Config) OpenAIBaseURL() string {
	return c.legacy(func(s *ProviderSettings) string { return s.BaseURL }, DefaultDeepSeekBaseURL)
}

func (c *Config) ModelName() string {
	return c.legacy(func(s *ProviderSettings) string { return s.Model }, DefaultDeepSeekModel)
}

func (c *Config) legacy(field func(*ProviderSettings) string, fallback string) string {
	if s := c.Providers[ProviderDeepSeek]; s != nil {
		if v := field(s); v != "" {
			return v
		}
	}
	if s := c.Providers[c.ActiveProvider]; s != nil {
		if v := field(s); v != "" {
			return v
		}
	}
	return fallback
}
