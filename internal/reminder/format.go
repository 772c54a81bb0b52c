package reminder

import (
	"strconv"
	"strings"

	"taskbot/internal/storage"
	"taskbot/pkg/tgui"
)

// Format renders the default HTML message for e.
func Format(e Entry) string {
	title := tgui.Esc(e.Title).String()
	if strings.TrimSpace(e.Title) == "" {
		title = "Task #" + strconv.FormatInt(e.TaskID, 10)
	}
	switch e.Kind {
	case storage.KindMorning:
		return tgui.B("🌅 Good morning!").String() + "\n\n📋 You have an active task:\n📝 " + title
	case storage.KindTimeBased:
		return tgui.B("⏱️ Coming up soon").String() + "\n\n📝 " + title
	case storage.KindDeadline:
		return tgui.B("🚨 Deadline approaching!").String() + "\n\n📝 " + title
	case storage.KindConditionCheck:
		var b strings.Builder
		b.WriteString(tgui.B("🤔 Condition check").String())
		b.WriteString("\n\n📝 ")
		b.WriteString(title)
		if len(e.Conditions) > 0 {
			b.WriteString("\n\nAre these conditions met?")
			for _, c := range e.Conditions {
				b.WriteString("\n• ")
				b.WriteString(tgui.Esc(c).String())
			}
		}
		return b.String()
	case storage.KindSnoozed:
		return tgui.B("⏰ Reminder").String() + "\n\n📝 " + title
	default:
		return tgui.B("🔔 Reminder").String() + "\n\n📝 " + title
	}
}
