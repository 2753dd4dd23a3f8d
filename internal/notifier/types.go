package notifier

import (
	"context"
	"time"
)

// Sender delivers one text message to one chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// Config controls delivery. Zero values fall back to defaults.
type Config struct {
	Enabled    bool
	ChatIDs    []int64
	RatePerSec int
	// Events holds short event names (started, captured, capture_failed, stopped).
	Events        []string
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

type HistoryItem struct {
	At     time.Time `json:"at"`
	ChatID int64     `json:"chat_id"`
	Text   string    `json:"text"`
}

// NotificationEvent is published on the bus when delivery to a chat fails.
type NotificationEvent struct {
	ChatID int64     `json:"chat_id"`
	At     time.Time `json:"at"`
	Error  string    `json:"error,omitempty"`
}

const (
	EventSent   = "notifier.sent"
	EventFailed = "notifier.failed"
)
