package router

import (
	"strings"
	"unicode"

	"taskbot/internal/transport"
	"taskbot/pkg/tgui"
)

// HelpText lists visible commands; owner-only ones are shown to owners only.
func HelpText(cmds []Command, owner bool) string {
	var b strings.Builder
	b.WriteString("📚 " + tgui.B("Commands").String() + "\n")
	for _, c := range cmds {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString("\n" + tgui.Code(usage).String())
		if c.Description != "" {
			b.WriteString(" - " + tgui.Esc(c.Description).String())
		}
		if c.Access == AccessOwnerOnly {
			b.WriteString(" 🔒")
		}
	}
	b.WriteString("\n\nSend any other text or a voice note to create a task.")
	return b.String()
}

// sanitizeCommand maps a name onto Telegram's [a-z0-9_]{1,32} command alphabet.
func sanitizeCommand(s string) string {
	var b strings.Builder
	under := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			under = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !under {
				b.WriteByte('_')
				under = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	return out
}

// MenuCommands builds the command menu entries.
func MenuCommands(cmds []Command) []transport.BotCommand {
	seen := map[string]bool{}
	out := make([]transport.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		name := sanitizeCommand(c.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		out = append(out, transport.BotCommand{Command: name, Description: desc})
	}
	return out
}
