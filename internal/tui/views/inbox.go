package views

import (
	"time"

	"github.com/matheus3301/souq/internal/chat"
	"github.com/rivo/tview"
)

// Inbox is the operator's conversation list: one row per counterpart, newest
// first, as produced by the summary aggregator.
type Inbox struct {
	*tview.Table
	entries []chat.SummaryEntry
}

// NewInbox creates the inbox table.
func NewInbox() *Inbox {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true).SetTitle(" Inbox ")
	return &Inbox{Table: table}
}

// Update replaces the rows, keeping the selection on the same counterpart
// when it is still listed.
func (in *Inbox) Update(entries []chat.SummaryEntry) {
	keep := in.Selected()
	in.entries = entries
	in.Clear()

	header := tview.Styles.SecondaryTextColor
	in.SetCell(0, 0, tview.NewTableCell(" Customer").SetSelectable(false).SetTextColor(header))
	in.SetCell(0, 1, tview.NewTableCell(" Last Message").SetSelectable(false).SetTextColor(header))
	in.SetCell(0, 2, tview.NewTableCell(" Time").SetSelectable(false).SetTextColor(header))

	selectRow := 1
	for i, e := range entries {
		row := i + 1
		last := e.LastMessage.Message
		if e.LastMessage.SenderID != e.User.ID {
			last = "you: " + last
		}
		in.SetCell(row, 0, tview.NewTableCell(" "+tview.Escape(clean(e.User.Name))).SetMaxWidth(30).SetExpansion(1))
		in.SetCell(row, 1, tview.NewTableCell(" "+tview.Escape(clean(last))).SetMaxWidth(50).SetExpansion(2))
		in.SetCell(row, 2, tview.NewTableCell(" "+formatTime(e.LastMessage.CreatedAt)).SetMaxWidth(12))
		if e.User.ID == keep {
			selectRow = row
		}
	}
	if len(entries) > 0 {
		in.Select(selectRow, 0)
	}
}

// Selected returns the counterpart id of the highlighted row, or 0.
func (in *Inbox) Selected() int64 {
	if e, ok := in.selectedEntry(); ok {
		return e.User.ID
	}
	return 0
}

// SelectedName returns the display name of the highlighted row.
func (in *Inbox) SelectedName() string {
	if e, ok := in.selectedEntry(); ok {
		return e.User.Name
	}
	return ""
}

func (in *Inbox) selectedEntry() (chat.SummaryEntry, bool) {
	row, _ := in.GetSelection()
	idx := row - 1 // header
	if idx >= 0 && idx < len(in.entries) {
		return in.entries[idx], true
	}
	return chat.SummaryEntry{}, false
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.Local()
	now := time.Now()
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}
