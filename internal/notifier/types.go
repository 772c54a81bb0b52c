package notifier

import (
	"time"

	"taskbot/internal/transport"
)

// Config controls both delivery paths.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	SendTimeout     time.Duration
	// DeliveredTTL is how long a delivered reminder key suppresses resends.
	DeliveredTTL time.Duration
}

// Notification is an operator notice for the async pipeline.
type Notification struct {
	Priority int // 0 low.. 10 high
	Target   transport.ChatTarget
	Text     string
	Options  *transport.SendOptions
}

// Delivery is one reminder message for the synchronous path.
type Delivery struct {
	ReminderID int64
	Target     transport.ChatTarget
	Text       string
	Options    *transport.SendOptions
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	ChatID     int64     `json:"chat_id"`
	ThreadID   int       `json:"thread_id,omitempty"`
	ReminderID int64     `json:"reminder_id,omitempty"`
	Key        string    `json:"key"`
	At         time.Time `json:"at"`
	Error      string    `json:"error,omitempty"`
}
