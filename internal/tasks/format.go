package tasks

import (
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"taskbot/internal/reminder"
	"taskbot/internal/storage"
	"taskbot/pkg/tgui"
)

var defaultIcons = map[string]string{
	"work":     "💼",
	"home":     "🏠",
	"personal": "👤",
	"study":    "📚",
	"health":   "🏥",
	"shopping": "🛒",
	"sport":    "⚽",
	"projects": "🚀",
}

const otherIcon = "📁"

// DefaultIcon is the icon a new category gets.
func DefaultIcon(name string) string {
	if ic, ok := defaultIcons[strings.ToLower(strings.TrimSpace(name))]; ok {
		return ic
	}
	return otherIcon
}

func PriorityEmoji(p storage.Priority) string {
	switch p {
	case storage.PriorityHigh:
		return "🔴"
	case storage.PriorityLow:
		return "🟢"
	default:
		return "🟡"
	}
}

func categoryLabel(name, icon string) string {
	if icon == "" {
		icon = DefaultIcon(name)
	}
	if name == "" {
		return icon
	}
	r, size := utf8.DecodeRuneInString(name)
	return icon + " " + string(unicode.ToUpper(r)) + name[size:]
}

// shortDate renders YYYY-MM-DD as DD.MM.
func shortDate(d string) string {
	t, err := time.Parse("2006-01-02", d)
	if err != nil {
		return d
	}
	return t.Format("02.01")
}

func longDate(d string) string {
	t, err := time.Parse("2006-01-02", d)
	if err != nil {
		return d
	}
	return t.Format("02.01.2006")
}

// TaskLine is one listing row: "🔴 #12 Title (17.10 14:00)".
func TaskLine(t storage.Task) string {
	var b strings.Builder
	b.WriteString(PriorityEmoji(t.Priority))
	b.WriteString(" #")
	b.WriteString(strconv.FormatInt(t.ID, 10))
	b.WriteString(" ")
	b.WriteString(tgui.Esc(tgui.TruncRunes(t.Title, 60)).String())
	if t.DueDate != "" {
		b.WriteString(" (")
		b.WriteString(shortDate(t.DueDate))
		if t.DueTime != "" {
			b.WriteString(" " + t.DueTime)
		}
		b.WriteString(")")
	}
	return b.String()
}

// FormatCreated is the confirmation after a task was stored.
func FormatCreated(c Created, voice bool) tgui.Message {
	t := c.Task
	head := "✅ "
	if voice {
		head += "🎤 "
	}
	b := tgui.New().
		RawLine(head + tgui.B("Task #"+strconv.FormatInt(t.ID, 10)+" saved").String()).
		Blank().
		RawLine("📝 " + tgui.B(t.Title).String()).
		Line(PriorityEmoji(t.Priority) + " Priority: " + string(t.Priority))
	if t.DueDate != "" {
		due := longDate(t.DueDate)
		if t.DueTime != "" {
			due += " " + t.DueTime
		}
		b.Line("📅 Due: " + due)
	}
	if t.Category != "" {
		b.Line("📂 Category: " + categoryLabel(t.Category, c.CategoryIcon))
	}
	if len(t.Tags) > 0 {
		b.Line("🏷️ Tags: " + strings.Join(t.Tags, ", "))
	}
	if len(t.Conditions) > 0 {
		b.Line("📌 Conditions: " + strings.Join(t.Conditions, ", "))
	}
	switch {
	case c.Scheduled == 1:
		b.Line("🔔 1 reminder scheduled")
	case c.Scheduled > 1:
		b.Line("🔔 " + strconv.Itoa(c.Scheduled) + " reminders scheduled")
	}
	if c.Fallback {
		b.Blank().RawLine(tgui.I("Saved as written; automatic parsing is unavailable.").String())
	}
	return b.Inline(TaskKeyboard(t.ID)).Build()
}

// FormatTask is the detail view of one task.
func FormatTask(t storage.Task, icon string) tgui.Message {
	b := tgui.New().
		RawLine(PriorityEmoji(t.Priority) + " " + tgui.B("#"+strconv.FormatInt(t.ID, 10)+" "+t.Title).String())
	if t.Description != "" && t.Description != t.Title {
		b.Line(t.Description)
	}
	b.Blank().
		KV("Status", string(t.Status)).
		KV("Due", strings.TrimSpace(t.DueDate+" "+t.DueTime))
	if t.Category != "" {
		b.KV("Category", categoryLabel(t.Category, icon))
	}
	b.KV("Tags", strings.Join(t.Tags, ", "))
	if len(t.Conditions) > 0 {
		b.Section("Conditions").Bullets(t.Conditions...)
	}
	if t.Status == storage.StatusActive {
		b.Inline(TaskKeyboard(t.ID))
	}
	return b.Build()
}

// FormatList groups tasks by category, uncategorized last.
func FormatList(title string, list []storage.Task, cats []storage.Category) string {
	if len(list) == 0 {
		return "📭 " + tgui.Esc(title).String() + ": nothing here"
	}
	icons := map[string]string{}
	for _, c := range cats {
		icons[strings.ToLower(c.Name)] = c.Icon
	}
	groups := map[string][]storage.Task{}
	var names []string
	var loose []storage.Task
	for _, t := range list {
		if t.Category == "" {
			loose = append(loose, t)
			continue
		}
		key := strings.ToLower(t.Category)
		if _, ok := groups[key]; !ok {
			names = append(names, key)
		}
		groups[key] = append(groups[key], t)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("📋 " + tgui.B(title).String() + "\n")
	for _, n := range names {
		b.WriteString("\n" + tgui.B(categoryLabel(n, icons[n])+":").String() + "\n")
		for _, t := range groups[n] {
			b.WriteString(TaskLine(t) + "\n")
		}
	}
	if len(loose) > 0 {
		b.WriteString("\n" + tgui.B(otherIcon+" No category:").String() + "\n")
		for _, t := range loose {
			b.WriteString(TaskLine(t) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func FormatCategories(cats []storage.Category) string {
	if len(cats) == 0 {
		return otherIcon + " You have no categories yet"
	}
	var b strings.Builder
	b.WriteString("📂 " + tgui.B("Your categories").String() + "\n")
	for _, c := range cats {
		b.WriteString("\n" + tgui.Esc(categoryLabel(c.Name, c.Icon)).String())
		if c.ActiveTasks > 0 {
			b.WriteString(" (" + strconv.Itoa(c.ActiveTasks) + ")")
		}
	}
	return b.String()
}

func FormatDigest(list []storage.Task, cats []storage.Category, now time.Time) string {
	title := "Good morning! Today, " + now.Format("02.01.2006")
	return "🌅 " + FormatList(title, list, cats)
}

// FormatConditionCheck renders a condition check with a model-written question.
func FormatConditionCheck(e reminder.Entry, question string) string {
	var b strings.Builder
	b.WriteString(tgui.B("🤔 Condition check").String())
	b.WriteString("\n\n📝 " + tgui.Esc(e.Title).String())
	b.WriteString("\n\n" + tgui.Esc(strings.TrimSpace(question)).String())
	for _, c := range e.Conditions {
		b.WriteString("\n• " + tgui.Esc(c).String())
	}
	return b.String()
}

// TaskKeyboard is the action row attached to task messages and reminders.
func TaskKeyboard(id int64) *tgui.Inline {
	sid := strconv.FormatInt(id, 10)
	return tgui.NewInline().
		Row(
			tgui.Btn("✅ Done", tgui.Data("task", "done", sid)),
			tgui.Btn("⏰ 15m", tgui.Data("task", "snooze", sid, "15")),
			tgui.Btn("⏰ 1h", tgui.Data("task", "snooze", sid, "60")),
		).
		Row(tgui.Btn("🗑 Delete", tgui.Data("task", "delete", sid)))
}

// DeleteConfirmKeyboard asks before a delete.
func DeleteConfirmKeyboard(id int64) *tgui.Inline {
	sid := strconv.FormatInt(id, 10)
	return tgui.ConfirmInline(
		tgui.Btn("🗑 Yes, delete", tgui.Data("task", "confirm_delete", sid)),
		tgui.Btn("↩️ Keep", tgui.Data("task", "view", sid)),
	)
}
