package providers

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ImJafran/facto/internal/config"
)

var (
	ErrUnknownProvider       = errors.New("unknown provider")
	ErrProviderNotConfigured = errors.New("provider not configured")
)

// ConfigError reports a provider that cannot be built from configuration.
// It is returned before any network call is made.
type ConfigError struct {
	Provider string
	Err      error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Provider)
}

func (e *ConfigError) Unwrap() error { return e.Err }

type Factory struct {
	cfg    *config.Config
	logger *slog.Logger
}

func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{cfg: cfg, logger: logger}
}

// Create builds the configured active provider.
func (f *Factory) Create() (Provider, error) {
	return f.CreateByName(string(f.cfg.ActiveProvider))
}

func (f *Factory) CreateByName(name string) (Provider, error) {
	kind := config.ProviderType(name)
	if !kind.Known() {
		return nil, &ConfigError{Provider: name, Err: ErrUnknownProvider}
	}
	settings := f.cfg.Provider(kind)
	if !settings.Configured() {
		return nil, &ConfigError{Provider: name, Err: ErrProviderNotConfigured}
	}

	opts := Options{
		APIKey:     settings.APIKey,
		Model:      settings.Model,
		BaseURL:    settings.BaseURL,
		Timeout:    settings.TimeoutDuration(),
		MaxRetries: settings.MaxRetries,
		MaxTokens:  settings.MaxTokens,
		Logger:     f.logger,
	}

	var p Provider
	switch kind {
	case config.ProviderDeepSeek:
		p = NewDeepSeek(opts)
	case config.ProviderOpenAI:
		p = NewOpenAICompat(string(config.ProviderOpenAI), opts)
	case config.ProviderAnthropic:
		p = NewAnthropic(opts)
	}
	f.logger.Info("provider enabled", "name", p.Name(), "model", ModelOf(p))
	return p, nil
}

// Names lists the providers that have credentials, in fallback order.
func (f *Factory) Names() []string {
	var out []string
	for _, p := range config.ConfiguredProviders(f.cfg) {
		out = append(out, string(p))
	}
	return out
}

// ModelOf returns the model name of p when the adapter exposes one.
func ModelOf(p Provider) string {
	if m, ok := p.(interface{ Model() string }); ok {
		return m.Model()
	}
	return ""
}
