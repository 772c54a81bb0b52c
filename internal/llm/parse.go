package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"taskbot/internal/storage"
)

const maxTitleRunes = 50

// Fallback is the extraction used when the model is unavailable or its reply unusable.
func Fallback(text string) Extraction {
	text = strings.TrimSpace(text)
	return Extraction{
		Title:       truncateRunes(text, maxTitleRunes),
		Description: text,
		Priority:    storage.PriorityMedium,
		Fallback:    true,
	}
}

// stripFences removes a surrounding markdown code fence (with optional language tag).
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		if tag := strings.TrimSpace(s[:nl]); tag == "" || !strings.ContainsAny(tag, "{[") {
			s = s[nl+1:]
		}
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// parseExtraction decodes and validates a model reply. Invalid optional
// fields are cleared; a reply without a usable title takes it from text.
func parseExtraction(reply, text string) (Extraction, error) {
	body := stripFences(reply)
	if body == "" {
		return Extraction{}, ErrEmptyResponse
	}
	if i, j := strings.IndexByte(body, '{'), strings.LastIndexByte(body, '}'); i > 0 && j > i {
		body = body[i : j+1]
	}
	var ex Extraction
	if err := json.Unmarshal([]byte(body), &ex); err != nil {
		return Extraction{}, fmt.Errorf("decode extraction: %w", err)
	}

	ex.Title = strings.TrimSpace(nullish(ex.Title))
	if ex.Title == "" {
		ex.Title = truncateRunes(strings.TrimSpace(text), maxTitleRunes)
	}
	ex.Description = strings.TrimSpace(nullish(ex.Description))
	if ex.Description == "" {
		ex.Description = strings.TrimSpace(text)
	}
	switch storage.Priority(strings.ToLower(string(ex.Priority))) {
	case storage.PriorityHigh, storage.PriorityMedium, storage.PriorityLow:
		ex.Priority = storage.Priority(strings.ToLower(string(ex.Priority)))
	default:
		ex.Priority = storage.PriorityMedium
	}

	ex.DueDate = validDate(ex.DueDate)
	ex.DueTime = validClock(ex.DueTime)
	if ex.DueDate == "" {
		ex.DueTime = ""
	}
	ex.HasSpecificTime = ex.DueTime != ""
	ex.ReminderTime = validClock(ex.ReminderTime)
	if ex.ReminderTime != "" {
		ex.ReminderNeeded = true
	}
	ex.Category = strings.ToLower(strings.TrimSpace(nullish(ex.Category)))
	ex.Conditions = cleanList(ex.Conditions)
	ex.Tags = cleanList(ex.Tags)
	return ex, nil
}

func validDate(s string) string {
	s = strings.TrimSpace(nullish(s))
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		return ""
	}
	return d.Format("2006-01-02")
}

func validClock(s string) string {
	s = strings.TrimSpace(nullish(s))
	t, err := time.Parse("15:04", s)
	if err != nil {
		return ""
	}
	return t.Format("15:04")
}

func nullish(s string) string {
	if strings.EqualFold(strings.TrimSpace(s), "null") {
		return ""
	}
	return s
}

func cleanList(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
