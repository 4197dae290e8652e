// Package bot turns Telegram messages into AI conversations held in forum
// topics.
package bot

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ImJafran/facto/internal/ai"
	"github.com/ImJafran/facto/internal/bus"
	"github.com/ImJafran/facto/internal/memory"
	"github.com/ImJafran/facto/internal/providers"
	"github.com/ImJafran/facto/internal/telegram"
)

// API is the subset of the Bot API the bot uses. *telegram.Client
// satisfies it.
type API interface {
	SendMessage(ctx context.Context, chatID int64, threadID int, text, parseMode string) (*telegram.Message, error)
	EditMessageText(ctx context.Context, chatID int64, messageID int, text, parseMode string) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	CreateForumTopic(ctx context.Context, chatID int64, name string) (int, error)
	DeleteForumTopic(ctx context.Context, chatID int64, threadID int) error
	SendChatAction(ctx context.Context, chatID int64, threadID int, action string) error
	SetMyCommands(ctx context.Context, commands []telegram.BotCommand) error
}

// AI is the orchestration surface the bot drives. *ai.Service satisfies it.
type AI interface {
	GetResponse(ctx context.Context, messages []ai.PlainMessage) (string, error)
	StreamResponse(ctx context.Context, messages []ai.PlainMessage) iter.Seq2[providers.StreamChunk, error]
	CurrentProvider() string
	AvailableProviders() []string
	SwitchProvider(name string) error
	Usage() *ai.UsageTracker
}

type Options struct {
	Streaming      bool
	StreamInterval time.Duration
	StreamMinChars int
}

type Bot struct {
	api    API
	ai     AI
	store  *memory.Store
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	threadLocks map[memory.ThreadKey]*sync.Mutex
	wg          sync.WaitGroup
}

func New(api API, svc AI, store *memory.Store, opts Options, logger *slog.Logger) *Bot {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		api:         api,
		ai:          svc,
		store:       store,
		opts:        opts,
		logger:      logger,
		now:         time.Now,
		threadLocks: make(map[memory.ThreadKey]*sync.Mutex),
	}
}

// Commands is the menu registered with Telegram at startup.
var Commands = []telegram.BotCommand{
	{Command: "journal", Description: "Process diary entry with journal formatting"},
	{Command: "chat", Description: "Start a general chat conversation"},
	{Command: "done", Description: "Finalize conversation and close topic"},
	{Command: "delete", Description: "Delete current topic"},
	{Command: "model", Description: "Switch AI model/provider"},
	{Command: "mode", Description: "Switch chat mode"},
	{Command: "notes", Description: "List or search saved notes"},
	{Command: "cost", Description: "Show token usage"},
	{Command: "help", Description: "Show available commands"},
}

func (b *Bot) RegisterCommands(ctx context.Context) error {
	if err := b.api.SetMyCommands(ctx, Commands); err != nil {
		return fmt.Errorf("registering bot commands: %w", err)
	}
	b.logger.Info("bot commands registered", "count", len(Commands))
	return nil
}

// Run handles inbound messages until ctx is done or the bus closes. Each
// message gets its own goroutine; work inside one topic is serialized.
func (b *Bot) Run(ctx context.Context, msgBus *bus.MessageBus) {
	b.logger.Info("bot started")
	defer b.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("bot stopped")
			return
		case msg, ok := <-msgBus.Inbound():
			if !ok {
				return
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.Handle(ctx, msg)
			}()
		}
	}
}

// Handle processes one inbound message.
func (b *Bot) Handle(ctx context.Context, msg bus.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic handling message", "chat_id", msg.ChatID, "thread_id", msg.ThreadID, "panic", r)
		}
	}()

	b.logger.Info("received message",
		"chat_id", msg.ChatID,
		"thread_id", msg.ThreadID,
		"content_len", len(msg.Content),
	)

	cmd, args, isCmd := parseCommand(msg.Content)
	if !isCmd {
		b.handleConversationFlow(ctx, msg)
		return
	}

	switch cmd {
	case "journal":
		b.handleJournal(ctx, msg, args)
	case "chat":
		b.handleChat(ctx, msg, args)
	case "done":
		b.handleDone(ctx, msg)
	case "delete":
		b.handleDelete(ctx, msg)
	case "model":
		b.handleModel(ctx, msg, args)
	case "mode":
		b.handleMode(ctx, msg, args)
	case "notes":
		b.handleNotes(ctx, msg, args)
	case "cost":
		b.reply(ctx, msg, b.ai.Usage().Summary(), "")
	case "help", "start":
		b.reply(ctx, msg, helpText(), "")
	default:
		b.reply(ctx, msg, fmt.Sprintf("Unknown command: /%s. Type /help for available commands.", cmd), "")
	}
}

// parseCommand splits "/cmd@bot rest" into its name and the text after it.
// Leading blanks and newlines after the command are dropped so multi-line
// entries keep their own line breaks.
func parseCommand(text string) (cmd, args string, ok bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	end := strings.IndexAny(text, " \t\n")
	if end < 0 {
		end = len(text)
	}
	cmd = strings.ToLower(text[1:end])
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	args = strings.TrimSpace(strings.TrimLeft(text[end:], " \t\n"))
	return cmd, args, cmd != ""
}

// lockThread serializes work on one topic so its history stays append-ordered.
func (b *Bot) lockThread(key memory.ThreadKey) func() {
	b.mu.Lock()
	m, ok := b.threadLocks[key]
	if !ok {
		m = &sync.Mutex{}
		b.threadLocks[key] = m
	}
	b.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// forgetThread drops the lock entry of a topic that is gone. The caller may
// still hold the mutex; a later lockThread for the key gets a fresh one.
func (b *Bot) forgetThread(key memory.ThreadKey) {
	b.mu.Lock()
	delete(b.threadLocks, key)
	b.mu.Unlock()
}

// reply answers in the thread the message came from.
func (b *Bot) reply(ctx context.Context, msg bus.InboundMessage, text, parseMode string) {
	if _, err := b.api.SendMessage(ctx, msg.ChatID, msg.ThreadID, text, parseMode); err != nil {
		b.logger.Error("failed to send reply", "chat_id", msg.ChatID, "thread_id", msg.ThreadID, "error", err)
	}
}

func helpText() string {
	return "Commands:\n" +
		"  /journal <entry> - Turn a diary entry into a journal page\n" +
		"  /chat <message>  - Start an assistant conversation\n" +
		"  /done            - Finalize the conversation in this topic\n" +
		"  /delete          - Delete this topic\n" +
		"  /model [name]    - Show or switch the AI provider\n" +
		"  /mode [mode]     - Show or switch the chat mode\n" +
		"  /notes [query]   - List or search saved notes\n" +
		"  /cost            - Show token usage\n" +
		"  /help            - Show this help"
}
