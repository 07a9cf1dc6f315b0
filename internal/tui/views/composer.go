package views

import (
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Composer is the reply input under the thread.
type Composer struct {
	*tview.InputField
	onSend   func(text string)
	onCancel func()
}

// NewComposer creates a new reply composer.
func NewComposer() *Composer {
	input := tview.NewInputField().
		SetLabel(" reply> ").
		SetFieldWidth(0)

	c := &Composer{InputField: input}

	input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEscape && c.onCancel != nil {
			c.onCancel()
			return
		}
		if key != tcell.KeyEnter || c.onSend == nil {
			return
		}
		// Blank bodies would be rejected by the daemon anyway.
		if text := strings.TrimSpace(c.GetText()); text != "" {
			c.onSend(text)
			c.SetText("")
		}
	})

	return c
}

// SetOnSend sets the callback when a reply is submitted.
func (c *Composer) SetOnSend(fn func(text string)) {
	c.onSend = fn
}

// SetOnCancel sets the callback when Escape leaves the input.
func (c *Composer) SetOnCancel(fn func()) {
	c.onCancel = fn
}
