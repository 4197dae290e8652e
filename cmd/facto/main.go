package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ImJafran/facto/internal/bootstrap"
	"github.com/ImJafran/facto/internal/config"
)

var version = "0.1.0"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "facto",
	Short: "Telegram journal and assistant bot",
	Long: `Facto turns Telegram forum topics into AI conversations.

Use 'facto init' to write a starter config, then 'facto serve' to run
the bot against the configured AI provider.`,
	SilenceUsage: true,
}

// --- serve command ---

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cfg.Telegram.BotToken() == "" {
			return fmt.Errorf("no bot token configured: set telegram.token or FACTO_TOKEN")
		}

		logger, closeLog, err := newLogger(cfg.Log)
		if err != nil {
			return err
		}
		defer closeLog()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		deps, err := bootstrap.BuildDeps(cfg, logger)
		if err != nil {
			return fmt.Errorf("starting facto: %w", err)
		}
		defer deps.Close()

		fmt.Printf("Facto v%s running (provider: %s, streaming: %t)\n",
			version, deps.AI.CurrentProvider(), cfg.Streaming.Enabled)
		deps.Run(ctx)
		fmt.Println("\nShutting down...")
		return nil
	},
}

// --- check command ---

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config and list usable providers",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		fmt.Printf("Config: %s\n", cfgPath)
		fmt.Printf("Active provider: %s\n", cfg.ActiveProvider)
		for _, p := range config.ConfiguredProviders(cfg) {
			model := cfg.Provider(p).Model
			if model == "" {
				model = "(default)"
			}
			fmt.Printf("  ✓ %s %s\n", p, model)
		}
		fmt.Printf("Streaming: %t  Tools: %t (max %d iterations)\n",
			cfg.Streaming.Enabled, cfg.Tools.Enabled, cfg.Tools.MaxToolIterations)
		if cfg.Telegram.BotToken() == "" {
			fmt.Println("  ✗ no bot token configured")
		}
		return nil
	},
}

// --- init command ---

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config from the environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		fmt.Printf("\nFacto v%s setup\n", version)
		fmt.Println(strings.Repeat("=", 30))

		info := bootstrap.DetectEnv()
		for _, k := range []struct {
			name string
			ok   bool
		}{
			{"DEEPSEEK_API_KEY", info.HasDeepSeekKey},
			{"OPENAI_API_KEY", info.HasOpenAIKey},
			{"ANTHROPIC_API_KEY", info.HasAnthropicKey},
			{"FACTO_TOKEN", info.HasTelegram},
		} {
			mark := "✗"
			if k.ok {
				mark = "✓"
			}
			fmt.Printf("  %s %s\n", mark, k.name)
		}

		if err := bootstrap.EnsureHome(); err != nil {
			return err
		}
		written, err := bootstrap.WriteDefaultConfig(cfgPath, info)
		if err != nil {
			return err
		}
		if written {
			fmt.Println("  ✓ Config written to", cfgPath)
		} else {
			fmt.Println("  ✓ Config already exists at", cfgPath)
		}
		fmt.Println("\nRun 'facto serve' to start the bot.")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("facto v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().String("config", config.DefaultConfigPath(), "path to config.yaml")
	rootCmd.AddCommand(serveCmd, checkCmd, initCmd, versionCmd)
}

// newLogger builds the process logger. Output goes to stderr and, when
// configured, is also appended to a log file.
func newLogger(cfg config.LogConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log dir: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closeFn = func() { f.Close() }
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), closeFn, nil
}
