package tgui

import (
	tele "gopkg.in/telebot.v4"

	"taskbot/internal/transport"
)

// Inline builds an inline keyboard row by row.
type Inline struct {
	rows transport.Keyboard
}

func NewInline() *Inline { return &Inline{} }

// Row appends a row; empty rows are ignored.
func (i *Inline) Row(btn ...transport.Button) *Inline {
	if len(btn) > 0 {
		i.rows = append(i.rows, btn)
	}
	return i
}

func (i *Inline) Keyboard() transport.Keyboard {
	if i == nil {
		return nil
	}
	return i.rows
}

func Btn(text, data string) transport.Button {
	return transport.Button{Text: text, Data: data}
}

// ConfirmInline is a two-button yes/no keyboard.
func ConfirmInline(yes, no transport.Button) *Inline {
	return NewInline().Row(yes, no)
}

// Grid splits buttons into rows of cols.
func Grid(cols int, buttons ...transport.Button) *Inline {
	if cols <= 0 {
		cols = 2
	}
	in := NewInline()
	for start := 0; start < len(buttons); start += cols {
		in.Row(buttons[start:min(start+cols, len(buttons))]...)
	}
	return in
}

// ToTele converts a keyboard to telebot inline markup. It returns nil for an
// empty keyboard.
func ToTele(kb transport.Keyboard) *tele.ReplyMarkup {
	if len(kb) == 0 {
		return nil
	}
	rm := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(kb))
	for _, r := range kb {
		row := make(tele.Row, 0, len(r))
		for _, b := range r {
			row = append(row, tele.Btn{Text: b.Text, Data: b.Data})
		}
		rows = append(rows, row)
	}
	rm.Inline(rows...)
	return rm
}
