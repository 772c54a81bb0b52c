package llm

import (
	"fmt"
	"strings"
	"time"
)

const extractSystem = `You turn a user's note into one structured task.
Reply with ONLY a JSON object, no markdown, no commentary.`

func extractPrompt(text string, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Today is %s (%s), local time %s.\n\n", now.Format("2006-01-02"), now.Weekday(), now.Format("15:04"))
	b.WriteString(`Return this JSON object:
{
  "title": "short task title",
  "description": "full description",
  "conditions": ["condition 1"],
  "priority": "high | medium | low",
  "due_date": "YYYY-MM-DD or null",
  "due_time": "HH:MM or null (only when the task happens at a specific time)",
  "has_specific_time": true,
  "category": "work | home | personal | study | health | shopping | sport | projects | null",
  "tags": ["tag"],
  "reminder_needed": true,
  "reminder_time": "HH:MM or null"
}

Rules:
- Resolve relative dates ("tomorrow", "on Friday", "in two days") against today.
- due_time is set only when the text names a concrete time for the task itself.
- reminder_time is set when the user asks to be reminded at a specific time.
- conditions capture phrases like "when", "if", "after".
- Infer the category from context; use null when unsure.

Text: `)
	b.WriteString(text)
	return b.String()
}

const questionSystem = `You write short, polite check-in questions for a task tracker. One or two sentences, plain text.`

func questionPrompt(title string, conditions []string) string {
	return fmt.Sprintf("Task: %s\nConditions: %s\n\nAsk the user whether these conditions are met so the task can be started.",
		title, strings.Join(conditions, ", "))
}

func fallbackQuestion(title string, conditions []string) string {
	return fmt.Sprintf("Are the conditions for %q met yet? (%s)", title, strings.Join(conditions, ", "))
}
