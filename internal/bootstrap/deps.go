package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ImJafran/facto/internal/ai"
	"github.com/ImJafran/facto/internal/bot"
	"github.com/ImJafran/facto/internal/bus"
	"github.com/ImJafran/facto/internal/config"
	"github.com/ImJafran/facto/internal/memory"
	"github.com/ImJafran/facto/internal/providers"
	"github.com/ImJafran/facto/internal/scheduler"
	"github.com/ImJafran/facto/internal/telegram"
	"github.com/ImJafran/facto/internal/tools"
)

// Deps holds all shared dependencies for a facto instance.
type Deps struct {
	Bus       *bus.MessageBus
	MemStore  *memory.Store
	Registry  *tools.Registry
	Factory   *providers.Factory
	AI        *ai.Service
	Scheduler *scheduler.Scheduler
	Client    *telegram.Client
	Channel   *telegram.Channel
	Bot       *bot.Bot
	Logger    *slog.Logger
	Cfg       *config.Config
}

// BuildDeps creates all shared dependencies from config.
// The caller is responsible for calling Close() on the returned Deps.
func BuildDeps(cfg *config.Config, logger *slog.Logger) (*Deps, error) {
	d := &Deps{Cfg: cfg, Logger: logger}

	d.Bus = bus.New(64)

	memStore, err := memory.NewStore(cfg.Storage.DBPath)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	d.MemStore = memStore
	logger.Info("memory store ready", "path", cfg.Storage.DBPath)

	sched, err := scheduler.New(memStore.DB(), logger)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("initializing scheduler: %w", err)
	}
	sched.SetTickInterval(cfg.Scheduler.Tick())
	d.Scheduler = sched

	d.Registry = tools.NewRegistry()
	d.Registry.Register(tools.NewWebSearch(cfg.Tools.SearchEndpoint))
	d.Registry.Register(tools.NewSaveNote(memStore))
	d.Registry.Register(tools.NewSetReminder(sched))
	logger.Info("tools registered", "count", d.Registry.Count(), "enabled", cfg.Tools.Enabled)

	d.Factory = providers.NewFactory(cfg, logger)
	d.AI, err = ai.New(d.Factory, d.Registry, ai.Options{
		ToolsEnabled:      cfg.Tools.Enabled,
		MaxToolIterations: cfg.Tools.MaxToolIterations,
	}, logger)
	if err != nil {
		d.Close()
		return nil, err
	}

	d.Client = telegram.NewClient(cfg.Telegram.BotToken(), cfg.Telegram.APIBaseURL, cfg.Telegram.PollTimeout, logger)
	d.Channel = telegram.NewChannel(d.Client, cfg.Telegram.AllowedChat, logger)

	d.Bot = bot.New(d.Client, d.AI, memStore, bot.Options{
		Streaming:      cfg.Streaming.Enabled,
		StreamInterval: cfg.Streaming.Interval(),
		StreamMinChars: cfg.Streaming.MinChars,
	}, logger)

	d.Scheduler.OnTrigger(bot.ReminderTrigger(d.Bus))

	return d, nil
}

// Run starts the channel and scheduler, then serves messages until ctx is
// cancelled.
func (d *Deps) Run(ctx context.Context) {
	if err := d.Bot.RegisterCommands(ctx); err != nil {
		d.Logger.Warn("failed to register commands", "error", err)
	}
	d.Channel.Start(ctx, d.Bus)
	d.Scheduler.Start(ctx)

	d.Bot.Run(ctx, d.Bus)

	d.Channel.Stop()
	d.Logger.Info("token usage at shutdown", "summary", d.AI.Usage().Summary())
}

// Close cleans up all shared dependencies.
func (d *Deps) Close() {
	if d.MemStore != nil {
		d.MemStore.Close()
	}
	if d.Bus != nil {
		d.Bus.Close()
	}
}
