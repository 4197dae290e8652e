package bot

import (
	"context"
	"errors"
	"strconv"

	"github.com/ImJafran/facto/internal/bus"
	"github.com/ImJafran/facto/internal/scheduler"
)

var errReminderDropped = errors.New("no outbound subscriber accepted the reminder")

// ReminderTrigger returns a scheduler callback that posts due reminders to
// the bus for delivery into their originating topic.
func ReminderTrigger(msgBus *bus.MessageBus) func(ctx context.Context, r scheduler.Reminder) error {
	return func(_ context.Context, r scheduler.Reminder) error {
		ok := msgBus.Send(bus.OutboundMessage{
			ChatID:   r.ChatID,
			ThreadID: r.ThreadID,
			Content:  "⏰ Reminder: " + r.Message,
			Metadata: map[string]string{bus.MetaReminderID: strconv.FormatInt(r.ID, 10)},
		})
		if !ok {
			return errReminderDropped
		}
		return nil
	}
}
