package views

import (
	"fmt"

	"github.com/matheus3301/souq/internal/chat"
	"github.com/rivo/tview"
)

// Thread shows the conversation with one counterpart, oldest first.
type Thread struct {
	*tview.TextView
}

// NewThread creates an empty thread view.
func NewThread() *Thread {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	tv.SetBorder(true).SetTitle(" Conversation ")
	return &Thread{TextView: tv}
}

// Update redraws msgs. operatorID marks the console's own messages.
func (t *Thread) Update(name string, msgs []chat.MessagePayload, operatorID int64) {
	t.SetTitle(fmt.Sprintf(" %s ", tview.Escape(clean(name))))
	t.Clear()
	for _, m := range msgs {
		sender := tview.Escape(clean(m.Sender.Name))
		switch {
		case m.SenderID == operatorID:
			sender = "[green]You[-]"
		case m.Sender.Role != "":
			sender = fmt.Sprintf("%s [::d](%s)[-:-:-]", sender, m.Sender.Role)
		}
		if m.Sender.Deleted {
			sender += " [red](deleted)[-]"
		}
		_, _ = fmt.Fprintf(t, "[::b]%s[-:-:-] [::d]%s[-:-:-]\n%s\n\n",
			sender, formatTime(m.CreatedAt), tview.Escape(clean(m.Message)))
	}
	t.ScrollToEnd()
}
