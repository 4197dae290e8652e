package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ImJafran/facto/internal/scheduler"
)

type ReminderScheduler interface {
	Create(ctx context.Context, r scheduler.Reminder) (int64, error)
}

type SetReminderTool struct {
	scheduler ReminderScheduler
	location  *time.Location
}

func NewSetReminder(s ReminderScheduler) *SetReminderTool {
	return &SetReminderTool{scheduler: s, location: time.Local}
}

func (t *SetReminderTool) Name() string { return "set_reminder" }
func (t *SetReminderTool) Description() string {
	return "Set a reminder that is delivered back into this conversation at the given date and time."
}
func (t *SetReminderTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"message": {
				"type": "string",
				"description": "What to remind the user about"
			},
			"datetime_str": {
				"type": "string",
				"description": "When to send the reminder, ISO format like 2024-01-15T14:30:00"
			}
		},
		"required": ["message", "datetime_str"]
	}`)
}

type setReminderParams struct {
	Message     string `json:"message"`
	DatetimeStr string `json:"datetime_str"`
}

var reminderLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

func (t *SetReminderTool) parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range reminderLayouts {
		var (
			at  time.Time
			err error
		)
		if layout == time.RFC3339 {
			at, err = time.Parse(layout, s)
		} else {
			at, err = time.ParseInLocation(layout, s, t.location)
		}
		if err == nil {
			return at, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized datetime %q", s)
}

func (t *SetReminderTool) Execute(ctx context.Context, params json.RawMessage) (Result, error) {
	var p setReminderParams
	if err := json.Unmarshal(params, &p); err != nil {
		return Result{}, fmt.Errorf("parsing params: %w", err)
	}

	dueAt, err := t.parseTime(p.DatetimeStr)
	if err != nil {
		return Failure("Invalid datetime format: %s. Use ISO format like '2024-01-15T14:30:00'", p.DatetimeStr), nil
	}

	origin, ok := OriginFrom(ctx)
	if !ok {
		return Failure("reminders can only be set from a chat"), nil
	}

	id, err := t.scheduler.Create(ctx, scheduler.Reminder{
		ChatID:   origin.ChatID,
		ThreadID: origin.ThreadID,
		Message:  p.Message,
		DueAt:    dueAt,
	})
	if err != nil {
		return Failure("Failed to set reminder: %v", err), nil
	}

	return Success(map[string]any{
		"message":  fmt.Sprintf("Reminder set for %s", dueAt.Format("2006-01-02 15:04")),
		"id":       id,
		"reminder": p.Message,
		"due_at":   dueAt.Format(time.RFC3339),
	}), nil
}
