// Package llm turns free-form task text into structured task attributes.
package llm

import (
	"context"
	"errors"
	"time"

	"taskbot/internal/storage"
)

var (
	ErrEmptyResponse = errors.New("empty model response")
	ErrNoProvider    = errors.New("no model provider configured")
)

// Extraction is the structured reading of one task message.
type Extraction struct {
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	Conditions      []string         `json:"conditions"`
	Priority        storage.Priority `json:"priority"`
	DueDate         string           `json:"due_date"`
	DueTime         string           `json:"due_time"`
	HasSpecificTime bool             `json:"has_specific_time"`
	Category        string           `json:"category"`
	Tags            []string         `json:"tags"`
	ReminderNeeded  bool             `json:"reminder_needed"`
	ReminderTime    string           `json:"reminder_time"`

	// Fallback is set when the model could not be used and the text was taken verbatim.
	Fallback bool `json:"-"`
}

type Extractor interface {
	Extract(ctx context.Context, text string, now time.Time) (Extraction, error)
	// ConditionQuestion phrases a short check-in about a task's conditions.
	ConditionQuestion(ctx context.Context, title string, conditions []string) (string, error)
}

// Completer is one chat completion round trip.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Name() string
}

type Config struct {
	Provider    string // deepseek | ollama | none
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}
