package bot

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/ImJafran/facto/internal/bus"
	"github.com/ImJafran/facto/internal/memory"
	"github.com/ImJafran/facto/internal/prompts"
	"github.com/ImJafran/facto/internal/telegram"
)

const (
	topicNameLimit = 60

	finalizeRequest = "I'm satisfied with the current version. Please finalize it now."

	noticeTopicOnly     = "This command only works inside a topic."
	noticeNoActive      = "No active conversation in this topic."
	noticeManageTopics  = "Error: I need 'Manage Topics' admin rights."
	noticeDeleteFailed  = "Error: Could not delete topic. Check permissions."
	noticeStreamFailed  = "An error occurred while generating the response."
	noticeRequestFailed = "An error occurred while communicating with the AI."
)

func (b *Bot) handleJournal(ctx context.Context, msg bus.InboundMessage, entry string) {
	if entry == "" {
		b.reply(ctx, msg, "Usage: `/journal <your diary entry>`\n\n"+
			"Supports multi-line entries!\n\n"+
			"Example:\n"+
			"`/journal Today I struggled with time management. I realize I need better planning. I will start using a daily planner.`",
			telegram.ParseMarkdown)
		return
	}

	b.setMode(ctx, msg.ChatID, prompts.ModeJournal)
	question := fmt.Sprintf("Today's date is: %s\n\nMy diary entry:\n%s", journalDate(b.now()), entry)
	b.createTopicFlow(ctx, msg, question)
}

func (b *Bot) handleChat(ctx context.Context, msg bus.InboundMessage, text string) {
	if text == "" {
		b.reply(ctx, msg, "Usage: `/chat <your message>`\n\n"+
			"Start a conversation with the AI assistant.\n\n"+
			"Example: `/chat What is the capital of France?`",
			telegram.ParseMarkdown)
		return
	}

	b.setMode(ctx, msg.ChatID, prompts.ModeAssistant)
	b.createTopicFlow(ctx, msg, text)
}

func (b *Bot) handleDone(ctx context.Context, msg bus.InboundMessage) {
	if msg.ThreadID == 0 {
		b.reply(ctx, msg, noticeTopicOnly, "")
		return
	}
	key := memory.ThreadKey{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	unlock := b.lockThread(key)
	defer unlock()

	if !b.isActive(ctx, key) {
		b.reply(ctx, msg, noticeNoActive, "")
		return
	}
	b.markForDeletion(ctx, key, msg.MessageID)
	if err := b.store.AddMessage(ctx, key, memory.HistoryMessage{Role: "user", Content: finalizeRequest}); err != nil {
		b.logger.Error("failed to save message", "thread_id", key.ThreadID, "error", err)
		return
	}
	b.respond(ctx, key)
}

func (b *Bot) handleDelete(ctx context.Context, msg bus.InboundMessage) {
	if msg.ThreadID == 0 {
		b.reply(ctx, msg, noticeTopicOnly, "")
		return
	}
	key := memory.ThreadKey{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	unlock := b.lockThread(key)
	defer unlock()

	ids, err := b.store.MessagesToDelete(ctx, key)
	if err != nil {
		b.logger.Warn("failed to load tracked messages", "thread_id", key.ThreadID, "error", err)
	}
	if len(ids) > 0 {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.deleteHistory(context.WithoutCancel(ctx), key.ChatID, ids)
		}()
	}
	if err := b.store.EndConversation(ctx, key); err != nil {
		b.logger.Error("failed to end conversation", "thread_id", key.ThreadID, "error", err)
	}
	b.forgetThread(key)

	err = b.api.DeleteMessage(ctx, msg.ChatID, msg.MessageID)
	if err == nil {
		err = b.api.DeleteForumTopic(ctx, msg.ChatID, msg.ThreadID)
	}
	if err != nil {
		b.logger.Error("error deleting topic", "thread_id", key.ThreadID, "error", err)
		b.reply(ctx, msg, noticeDeleteFailed, "")
		return
	}
	b.logger.Info("topic deleted", "chat_id", key.ChatID, "thread_id", key.ThreadID)
}

func (b *Bot) deleteHistory(ctx context.Context, chatID int64, ids []int) {
	for _, id := range ids {
		if err := b.api.DeleteMessage(ctx, chatID, id); err != nil {
			b.logger.Debug("could not delete message", "message_id", id, "error", err)
		}
	}
}

func (b *Bot) handleModel(ctx context.Context, msg bus.InboundMessage, args string) {
	if args == "" {
		b.reply(ctx, msg, fmt.Sprintf("Current model: `%s`\nAvailable: %s\n\nUsage: `/model <provider>`",
			b.ai.CurrentProvider(), strings.Join(b.ai.AvailableProviders(), ", ")), telegram.ParseMarkdown)
		return
	}

	name := strings.ToLower(strings.Fields(args)[0])
	if err := b.ai.SwitchProvider(name); err != nil {
		b.reply(ctx, msg, fmt.Sprintf("Error: %v", err), "")
		return
	}
	b.reply(ctx, msg, fmt.Sprintf("Switched to `%s`", name), telegram.ParseMarkdown)
}

func (b *Bot) handleMode(ctx context.Context, msg bus.InboundMessage, args string) {
	available := strings.Join(prompts.ModeNames(), ", ")
	if args == "" {
		b.reply(ctx, msg, fmt.Sprintf("Current mode: `%s`\nAvailable: %s\n\nUsage: `/mode <mode>`",
			b.chatMode(ctx, msg.ChatID), available), telegram.ParseMarkdown)
		return
	}

	mode, ok := prompts.ParseMode(strings.Fields(args)[0])
	if !ok {
		b.reply(ctx, msg, "Unknown mode. Available: "+available, "")
		return
	}
	b.setMode(ctx, msg.ChatID, mode)
	b.reply(ctx, msg, fmt.Sprintf("Switched to `%s` mode", mode), telegram.ParseMarkdown)
}

func (b *Bot) handleNotes(ctx context.Context, msg bus.InboundMessage, query string) {
	var (
		notes []memory.Note
		err   error
	)
	if query == "" {
		notes, err = b.store.ListNotes(ctx, 10)
	} else {
		notes, err = b.store.SearchNotes(ctx, query, 10)
	}
	if err != nil {
		b.logger.Error("failed to load notes", "error", err)
		b.reply(ctx, msg, "Could not load notes.", "")
		return
	}
	if len(notes) == 0 {
		b.reply(ctx, msg, "No notes found.", "")
		return
	}

	var sb strings.Builder
	sb.WriteString("Notes:")
	for _, n := range notes {
		fmt.Fprintf(&sb, "\n- %s (%s)", n.Title, n.CreatedAt.Format("2006-01-02"))
		if len(n.Tags) > 0 {
			fmt.Fprintf(&sb, " [%s]", strings.Join(n.Tags, ", "))
		}
	}
	b.reply(ctx, msg, sb.String(), "")
}

// handleConversationFlow continues the conversation of an active topic.
// Messages outside topics, or in topics with no conversation, are ignored.
func (b *Bot) handleConversationFlow(ctx context.Context, msg bus.InboundMessage) {
	if msg.ThreadID == 0 || strings.TrimSpace(msg.Content) == "" {
		return
	}
	key := memory.ThreadKey{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	unlock := b.lockThread(key)
	defer unlock()

	if !b.isActive(ctx, key) {
		return
	}
	b.markForDeletion(ctx, key, msg.MessageID)
	if err := b.store.AddMessage(ctx, key, memory.HistoryMessage{Role: "user", Content: msg.Content}); err != nil {
		b.logger.Error("failed to save message", "thread_id", key.ThreadID, "error", err)
		return
	}
	b.respond(ctx, key)
}

// createTopicFlow opens a forum topic for question, seeds its history with
// the chat mode's system prompt and runs the first reply.
func (b *Bot) createTopicFlow(ctx context.Context, msg bus.InboundMessage, question string) {
	threadID, err := b.api.CreateForumTopic(ctx, msg.ChatID, topicName(question))
	if err != nil {
		b.logger.Error("error creating topic", "chat_id", msg.ChatID, "error", err)
		b.reply(ctx, msg, noticeManageTopics, "")
		return
	}

	key := memory.ThreadKey{ChatID: msg.ChatID, ThreadID: threadID}
	unlock := b.lockThread(key)
	defer unlock()

	mode := b.chatMode(ctx, msg.ChatID)
	err = b.store.StartConversation(ctx, key, []memory.HistoryMessage{
		{Role: "system", Content: prompts.SystemPrompt(mode)},
		{Role: "user", Content: question},
	})
	if err != nil {
		b.logger.Error("failed to start conversation", "thread_id", threadID, "error", err)
		return
	}
	b.logger.Info("topic created", "chat_id", msg.ChatID, "thread_id", threadID, "mode", mode)

	welcome := fmt.Sprintf("Hi %s! Processing your request (%s mode)...", mention(msg), mode.Title())
	sent, err := b.api.SendMessage(ctx, msg.ChatID, threadID, welcome, telegram.ParseHTML)
	if err != nil {
		b.logger.Warn("failed to send welcome", "thread_id", threadID, "error", err)
	} else {
		b.markForDeletion(ctx, key, sent.MessageID)
	}

	b.respond(ctx, key)
}

func (b *Bot) isActive(ctx context.Context, key memory.ThreadKey) bool {
	active, err := b.store.IsActive(ctx, key)
	if err != nil {
		b.logger.Error("failed to check conversation", "thread_id", key.ThreadID, "error", err)
		return false
	}
	return active
}

func (b *Bot) markForDeletion(ctx context.Context, key memory.ThreadKey, messageID int) {
	if messageID == 0 {
		return
	}
	if err := b.store.MarkForDeletion(ctx, key, messageID); err != nil {
		b.logger.Warn("failed to track message", "message_id", messageID, "error", err)
	}
}

func (b *Bot) chatMode(ctx context.Context, chatID int64) prompts.Mode {
	stored, err := b.store.GetChatMode(ctx, chatID)
	if err != nil {
		b.logger.Warn("failed to load chat mode", "chat_id", chatID, "error", err)
	}
	mode, ok := prompts.ParseMode(stored)
	if !ok {
		return prompts.DefaultMode
	}
	return mode
}

func (b *Bot) setMode(ctx context.Context, chatID int64, mode prompts.Mode) {
	if err := b.store.SetChatMode(ctx, chatID, string(mode)); err != nil {
		b.logger.Error("failed to save chat mode", "chat_id", chatID, "error", err)
	}
}

// topicName keeps the first 60 characters of question.
func topicName(question string) string {
	r := []rune(question)
	if len(r) <= topicNameLimit {
		return question
	}
	return string(r[:topicNameLimit]) + ".."
}

// journalDate renders t like "9th September, Tuesday".
func journalDate(t time.Time) string {
	return fmt.Sprintf("%d%s %s, %s", t.Day(), daySuffix(t.Day()), t.Month(), t.Weekday())
}

func daySuffix(day int) string {
	if day >= 11 && day <= 13 {
		return "th"
	}
	switch day % 10 {
	case 1:
		return "st"
	case 2:
		return "nd"
	case 3:
		return "rd"
	}
	return "th"
}

func mention(msg bus.InboundMessage) string {
	name := msg.UserName
	if name == "" {
		name = "there"
	}
	if msg.UserID == 0 {
		return html.EscapeString(name)
	}
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, msg.UserID, html.EscapeString(name))
}
