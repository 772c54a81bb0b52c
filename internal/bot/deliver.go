package bot

import (
	"context"

	"taskbot/internal/notifier"
	"taskbot/internal/reminder"
	"taskbot/internal/tasks"
	"taskbot/internal/transport"
)

// Deliverer sends engine notices through the notifier with task actions attached.
func Deliverer(n *notifier.Service) reminder.Deliverer {
	return reminder.DelivererFunc(func(ctx context.Context, nt reminder.Notice) error {
		return n.Deliver(ctx, ReminderDelivery(nt))
	})
}

func ReminderDelivery(nt reminder.Notice) notifier.Delivery {
	return notifier.Delivery{
		ReminderID: nt.ReminderID,
		Target:     transport.ChatTarget{ChatID: nt.OwnerID},
		Text:       nt.Text,
		Options: &transport.SendOptions{
			ParseMode:      "HTML",
			DisablePreview: true,
			Keyboard:       tasks.TaskKeyboard(nt.TaskID).Keyboard(),
		},
	}
}
