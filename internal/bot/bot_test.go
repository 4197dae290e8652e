package bot

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ImJafran/facto/internal/ai"
	"github.com/ImJafran/facto/internal/bus"
	"github.com/ImJafran/facto/internal/memory"
	"github.com/ImJafran/facto/internal/prompts"
	"github.com/ImJafran/facto/internal/providers"
	"github.com/ImJafran/facto/internal/scheduler"
	"github.com/ImJafran/facto/internal/streaming"
	"github.com/ImJafran/facto/internal/telegram"
	"github.com/ImJafran/facto/internal/tools"
)

const (
	testChat  int64 = -100123
	newThread       = 500
)

type sentMsg struct {
	threadID  int
	text      string
	parseMode string
}

type edited struct {
	messageID int
	text      string
	parseMode string
}

type fakeAPI struct {
	mu             sync.Mutex
	nextID         int
	sent           []sentMsg
	edits          []edited
	deleted        []int
	deletedTopics  []int
	topics         []string
	actions        int
	commands       []telegram.BotCommand
	createTopicErr error
	rejectMarkdown bool
}

func (f *fakeAPI) SendMessage(_ context.Context, _ int64, threadID int, text, parseMode string) (*telegram.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rejectMarkdown && parseMode == telegram.ParseMarkdown {
		return nil, &telegram.APIError{Method: "sendMessage", Code: 400, Err: telegram.ErrCantParseEntities}
	}
	f.nextID++
	f.sent = append(f.sent, sentMsg{threadID: threadID, text: text, parseMode: parseMode})
	return &telegram.Message{MessageID: 1000 + f.nextID}, nil
}

func (f *fakeAPI) EditMessageText(_ context.Context, _ int64, messageID int, text, parseMode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, edited{messageID: messageID, text: text, parseMode: parseMode})
	return nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, _ int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeAPI) CreateForumTopic(_ context.Context, _ int64, name string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createTopicErr != nil {
		return 0, f.createTopicErr
	}
	f.topics = append(f.topics, name)
	return newThread, nil
}

func (f *fakeAPI) DeleteForumTopic(_ context.Context, _ int64, threadID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedTopics = append(f.deletedTopics, threadID)
	return nil
}

func (f *fakeAPI) SendChatAction(context.Context, int64, int, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions++
	return nil
}

func (f *fakeAPI) SetMyCommands(_ context.Context, commands []telegram.BotCommand) error {
	f.commands = commands
	return nil
}

func (f *fakeAPI) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.text
	}
	return out
}

type fakeAI struct {
	mu        sync.Mutex
	reply     string
	err       error
	chunks    []providers.StreamChunk
	streamErr error
	calls     [][]ai.PlainMessage
	origins   []tools.Origin
	current   string
	usage     *ai.UsageTracker
}

func (f *fakeAI) record(ctx context.Context, messages []ai.PlainMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, messages)
	if o, ok := tools.OriginFrom(ctx); ok {
		f.origins = append(f.origins, o)
	}
}

func (f *fakeAI) GetResponse(ctx context.Context, messages []ai.PlainMessage) (string, error) {
	f.record(ctx, messages)
	return f.reply, f.err
}

func (f *fakeAI) StreamResponse(ctx context.Context, messages []ai.PlainMessage) iter.Seq2[providers.StreamChunk, error] {
	return func(yield func(providers.StreamChunk, error) bool) {
		f.record(ctx, messages)
		for _, c := range f.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if f.streamErr != nil {
			yield(providers.StreamChunk{}, f.streamErr)
		}
	}
}

func (f *fakeAI) CurrentProvider() string      { return f.current }
func (f *fakeAI) AvailableProviders() []string { return []string{"deepseek", "anthropic"} }
func (f *fakeAI) Usage() *ai.UsageTracker      { return f.usage }

func (f *fakeAI) SwitchProvider(name string) error {
	if name != "deepseek" && name != "anthropic" {
		return &providers.ConfigError{Provider: name, Err: providers.ErrUnknownProvider}
	}
	f.current = name
	return nil
}

type harness struct {
	bot   *Bot
	api   *fakeAPI
	ai    *fakeAI
	store *memory.Store
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	store, err := memory.NewStore(filepath.Join(t.TempDir(), "facto.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	api := &fakeAPI{}
	fai := &fakeAI{reply: "Draft", current: "deepseek", usage: ai.NewUsageTracker()}
	b := New(api, fai, store, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.now = func() time.Time { return time.Date(2025, 9, 9, 8, 30, 0, 0, time.Local) }
	return &harness{bot: b, api: api, ai: fai, store: store}
}

func (h *harness) send(text string, threadID, messageID int) {
	h.bot.Handle(context.Background(), bus.InboundMessage{
		ChatID:    testChat,
		ThreadID:  threadID,
		MessageID: messageID,
		UserID:    42,
		UserName:  "Sam",
		Content:   text,
	})
	h.bot.wg.Wait()
}

func (h *harness) history(t *testing.T) []memory.HistoryMessage {
	t.Helper()
	conv, err := h.store.GetConversation(context.Background(), memory.ThreadKey{ChatID: testChat, ThreadID: newThread})
	require.NoError(t, err)
	return conv.History
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in    string
		cmd   string
		args  string
		isCmd bool
	}{
		{"/journal Today was long", "journal", "Today was long", true},
		{"/journal@FactoBot\n\nline one\nline two", "journal", "line one\nline two", true},
		{"/DONE", "done", "", true},
		{"hello there", "", "", false},
		{"/", "", "", false},
	}
	for _, tt := range tests {
		cmd, args, ok := parseCommand(tt.in)
		assert.Equal(t, tt.cmd, cmd, tt.in)
		assert.Equal(t, tt.args, args, tt.in)
		assert.Equal(t, tt.isCmd, ok, tt.in)
	}
}

func TestJournalDate(t *testing.T) {
	assert.Equal(t, "9th September, Tuesday", journalDate(time.Date(2025, 9, 9, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "1st January, Wednesday", journalDate(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "22nd March, Saturday", journalDate(time.Date(2025, 3, 22, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "13th June, Friday", journalDate(time.Date(2025, 6, 13, 0, 0, 0, 0, time.UTC)))
}

func TestTopicName(t *testing.T) {
	assert.Equal(t, "short", topicName("short"))
	long := strings.Repeat("é", 70)
	assert.Equal(t, strings.Repeat("é", 60)+"..", topicName(long))
}

func TestJournalCreatesTopicAndReplies(t *testing.T) {
	h := newHarness(t, Options{})
	h.send("/journal Today was long", 0, 1)

	require.Len(t, h.api.topics, 1)
	assert.True(t, strings.HasPrefix(h.api.topics[0], "Today's date is: 9th September, Tuesday"))

	hist := h.history(t)
	require.Len(t, hist, 3)
	assert.Equal(t, prompts.SystemPrompt(prompts.ModeJournal), hist[0].Content)
	assert.Equal(t, "Today's date is: 9th September, Tuesday\n\nMy diary entry:\nToday was long", hist[1].Content)
	assert.Equal(t, memory.HistoryMessage{Role: "assistant", Content: "Draft"}, hist[2])

	require.Len(t, h.api.sent, 2)
	assert.Contains(t, h.api.sent[0].text, `<a href="tg://user?id=42">Sam</a>`)
	assert.Contains(t, h.api.sent[0].text, "(Journal mode)")
	assert.Equal(t, telegram.ParseHTML, h.api.sent[0].parseMode)
	assert.Equal(t, sentMsg{threadID: newThread, text: "Draft", parseMode: telegram.ParseMarkdown}, h.api.sent[1])

	require.Len(t, h.ai.origins, 1)
	assert.Equal(t, tools.Origin{ChatID: testChat, ThreadID: newThread}, h.ai.origins[0])
	assert.Equal(t, 1, h.api.actions)
}

func TestJournalWithoutEntryShowsUsage(t *testing.T) {
	h := newHarness(t, Options{})
	h.send("/journal", 0, 1)

	assert.Empty(t, h.api.topics)
	require.Len(t, h.api.sent, 1)
	assert.Contains(t, h.api.sent[0].text, "Usage: `/journal")
}

func TestChatSwitchesToAssistantMode(t *testing.T) {
	h := newHarness(t, Options{})
	h.send("/chat What is Go?", 0, 1)

	mode, err := h.store.GetChatMode(context.Background(), testChat)
	require.NoError(t, err)
	assert.Equal(t, "assistant", mode)
	assert.Equal(t, prompts.SystemPrompt(prompts.ModeAssistant), h.history(t)[0].Content)
}

func TestTopicCreationFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.api.createTopicErr = errors.New("not enough rights")
	h.send("/chat hi", 0, 1)

	assert.Equal(t, []string{"Error: I need 'Manage Topics' admin rights."}, h.api.texts())
	assert.Empty(t, h.ai.calls)
}

func TestConversationFlowInTopic(t *testing.T) {
	h := newHarness(t, Options{})
	h.send("/chat plan my week", 0, 1)
	h.ai.reply = "Shorter draft"
	h.send("make it shorter", newThread, 7)

	hist := h.history(t)
	require.Len(t, hist, 5)
	assert.Equal(t, "make it shorter", hist[3].Content)
	assert.Equal(t, "Shorter draft", hist[4].Content)
	require.Len(t, h.ai.calls, 2)
	assert.Len(t, h.ai.calls[1], 4)

	ids, err := h.store.MessagesToDelete(context.Background(), memory.ThreadKey{ChatID: testChat, ThreadID: newThread})
	require.NoError(t, err)
	assert.Contains(t, ids, 7)
}

func TestMessagesOutsideActiveTopicsAreIgnored(t *testing.T) {
	h := newHarness(t, Options{})
	h.send("just chatting", 0, 1)
	h.send("unknown topic", 77, 2)

	assert.Empty(t, h.ai.calls)
	assert.Empty(t, h.api.sent)
}

func TestDone(t *testing.T) {
	h := newHarness(t, Options{})
	h.send("/done", 0, 1)
	h.send("/done", 99, 2)
	assert.Equal(t, []string{
		"This command only works inside a topic.",
		"No active conversation in this topic.",
	}, h.api.texts())

	h.send("/journal walked the dog", 0, 3)
	h.ai.reply = "```markdown\nfinal\n```"
	h.send("/done", newThread, 4)

	hist := h.history(t)
	assert.Equal(t, "I'm satisfied with the current version. Please finalize it now.", hist[3].Content)
	assert.Equal(t, "```markdown\nfinal\n```", hist[4].Content)
}

func TestDeleteTopic(t *testing.T) {
	h := newHarness(t, Options{})
	h.send("/chat hello", 0, 1)
	h.send("follow up", newThread, 8)
	h.send("/delete", newThread, 9)

	active, err := h.store.IsActive(context.Background(), memory.ThreadKey{ChatID: testChat, ThreadID: newThread})
	require.NoError(t, err)
	assert.False(t, active)
	assert.Equal(t, []int{newThread}, h.api.deletedTopics)
	assert.Contains(t, h.api.deleted, 8)
	assert.Contains(t, h.api.deleted, 9)
	assert.Contains(t, h.api.deleted, 1001, "welcome message is tracked for deletion")
}

func TestDeleteReleasesThreadLock(t *testing.T) {
	h := newHarness(t, Options{})
	locks := func() int {
		h.bot.mu.Lock()
		defer h.bot.mu.Unlock()
		return len(h.bot.threadLocks)
	}

	h.send("/chat hello", 0, 1)
	h.send("follow up", newThread, 2)
	require.Equal(t, 1, locks())

	h.send("/delete", newThread, 3)
	assert.Zero(t, locks())
}

func TestNonStreamingMarkdownFallback(t *testing.T) {
	h := newHarness(t, Options{})
	h.api.rejectMarkdown = true
	h.send("/chat hi", 0, 1)

	texts := h.api.texts()
	assert.Contains(t, texts, "Draft")
}

func TestNonStreamingErrorNotice(t *testing.T) {
	h := newHarness(t, Options{})
	h.ai.err = &providers.ProviderError{Kind: providers.KindTimeout, Provider: "deepseek"}
	h.send("/chat hi", 0, 1)

	texts := h.api.texts()
	assert.Equal(t, "An error occurred while communicating with the AI.\nAI request timed out. Please try again.", texts[len(texts)-1])
	assert.Len(t, h.history(t), 2, "failed replies are not persisted")
}

func TestStreamingReply(t *testing.T) {
	h := newHarness(t, Options{Streaming: true, StreamInterval: time.Hour, StreamMinChars: 50})
	h.ai.chunks = []providers.StreamChunk{
		{Content: "Hello "},
		{Content: "world"},
		{FinishReason: "stop", IsComplete: true},
	}
	h.send("/chat hi", 0, 1)

	require.Len(t, h.api.sent, 2)
	assert.Equal(t, sentMsg{threadID: newThread, text: "...", parseMode: ""}, h.api.sent[1])
	require.Len(t, h.api.edits, 1)
	assert.Equal(t, edited{messageID: 1002, text: "Hello world", parseMode: "Markdown"}, h.api.edits[0])
	assert.Equal(t, "Hello world", h.history(t)[2].Content)
}

func TestLongStreamingReplyFollowsUp(t *testing.T) {
	h := newHarness(t, Options{Streaming: true, StreamInterval: time.Hour, StreamMinChars: 50})
	long := strings.Repeat("ж", telegram.MaxMessageLen)
	h.ai.chunks = []providers.StreamChunk{
		{Content: long},
		{FinishReason: "stop", IsComplete: true},
	}
	h.send("/chat hi", 0, 1)

	require.Len(t, h.api.edits, 1)
	assert.Equal(t, 1002, h.api.edits[0].messageID)
	assert.LessOrEqual(t, len(h.api.edits[0].text), telegram.MaxMessageLen)

	require.Len(t, h.api.sent, 3)
	follow := h.api.sent[2]
	assert.Equal(t, newThread, follow.threadID)
	assert.Equal(t, telegram.ParseMarkdown, follow.parseMode)
	assert.Equal(t, long, h.api.edits[0].text+follow.text)
	assert.Equal(t, long, h.history(t)[2].Content)
}

func TestStreamingErrorNotice(t *testing.T) {
	h := newHarness(t, Options{Streaming: true})
	h.ai.chunks = []providers.StreamChunk{{Content: "partial"}}
	h.ai.streamErr = &providers.ProviderError{Kind: providers.KindConnection, Provider: "openai"}
	h.send("/chat hi", 0, 1)

	texts := h.api.texts()
	assert.Equal(t, "An error occurred while generating the response.\nCould not connect to AI service.", texts[len(texts)-1])
	assert.Len(t, h.history(t), 2)
}

func TestModelCommand(t *testing.T) {
	h := newHarness(t, Options{})
	h.send("/model", 0, 1)
	h.send("/model Anthropic", 0, 2)
	h.send("/model gemini", 0, 3)

	texts := h.api.texts()
	assert.Equal(t, "Current model: `deepseek`\nAvailable: deepseek, anthropic\n\nUsage: `/model <provider>`", texts[0])
	assert.Equal(t, "Switched to `anthropic`", texts[1])
	assert.Equal(t, "Error: unknown provider: gemini", texts[2])
	assert.Equal(t, "anthropic", h.ai.current)
}

func TestModeCommand(t *testing.T) {
	h := newHarness(t, Options{})
	h.send("/mode", 0, 1)
	h.send("/mode research", 0, 2)
	h.send("/mode poetry", 0, 3)

	texts := h.api.texts()
	assert.Contains(t, texts[0], "Current mode: `journal`")
	assert.Equal(t, "Switched to `research` mode", texts[1])
	assert.Equal(t, "Unknown mode. Available: journal, assistant, code, research", texts[2])

	mode, _ := h.store.GetChatMode(context.Background(), testChat)
	assert.Equal(t, "research", mode)
}

func TestNotesAndCostCommands(t *testing.T) {
	h := newHarness(t, Options{})
	h.send("/notes", 0, 1)
	require.NoError(t, h.store.SaveNote(context.Background(), memory.Note{
		ID: "abc123def456", Title: "Groceries", Content: "eggs", Tags: []string{"home"},
		CreatedAt: time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC),
	}))
	h.send("/notes", 0, 2)
	h.ai.usage.Record(&providers.TokenUsage{InputTokens: 3, OutputTokens: 4}, "deepseek")
	h.send("/cost", 0, 3)
	h.send("/frobnicate", 0, 4)

	texts := h.api.texts()
	assert.Equal(t, "No notes found.", texts[0])
	assert.Equal(t, "Notes:\n- Groceries (2025-09-01) [home]", texts[1])
	assert.Contains(t, texts[2], "Total: 7 tokens")
	assert.Contains(t, texts[3], "Unknown command: /frobnicate")
}

func TestRegisterCommands(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.bot.RegisterCommands(context.Background()))
	assert.Equal(t, Commands, h.api.commands)
}

func TestStreamErrorMapping(t *testing.T) {
	var rl *streaming.RateLimitError
	assert.True(t, errors.As(streamError(&telegram.RetryAfterError{Seconds: 3}), &rl))
	assert.Equal(t, 3*time.Second, rl.RetryAfter)

	assert.ErrorIs(t, streamError(&telegram.APIError{Err: telegram.ErrMessageNotModified}), streaming.ErrNotModified)
	assert.ErrorIs(t, streamError(&telegram.APIError{Err: telegram.ErrMessageNotFound}), streaming.ErrNotFound)
	assert.ErrorIs(t, streamError(&telegram.APIError{Err: telegram.ErrCantParseEntities}), streaming.ErrCantParse)
	assert.NoError(t, streamError(nil))
}

func TestRunDispatchesInbound(t *testing.T) {
	h := newHarness(t, Options{})
	msgBus := bus.New(4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.bot.Run(ctx, msgBus)
		close(done)
	}()

	require.True(t, msgBus.Publish(ctx, bus.InboundMessage{ChatID: testChat, Content: "/help"}))
	require.Eventually(t, func() bool { return len(h.api.texts()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.Contains(t, h.api.texts()[0], "/journal")
}

func TestReminderTrigger(t *testing.T) {
	msgBus := bus.New(1)
	trigger := ReminderTrigger(msgBus)
	r := scheduler.Reminder{ID: 3, ChatID: testChat, ThreadID: 12, Message: "stretch"}

	assert.Error(t, trigger(context.Background(), r), "no subscriber")

	sub := msgBus.Subscribe()
	require.NoError(t, trigger(context.Background(), r))
	out := <-sub
	assert.Equal(t, "⏰ Reminder: stretch", out.Content)
	assert.Equal(t, 12, out.ThreadID)
	assert.Equal(t, "3", out.Metadata[bus.MetaReminderID])
}
