package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/rivo/tview"
)

// StatusBar displays instance, operator, daemon health and the live link.
type StatusBar struct {
	*tview.TextView
	instance string
	operator string
	status   string
	live     bool
	activity string
	hints    []string
	flash    string
}

// NewStatusBar creates a new status bar.
func NewStatusBar() *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)

	return &StatusBar{TextView: tv}
}

// SetIdentity sets the instance and operator shown on the left.
func (sb *StatusBar) SetIdentity(instance, operator string) {
	sb.instance, sb.operator = instance, operator
	sb.render()
}

// SetStatus updates the daemon health display.
func (sb *StatusBar) SetStatus(status string) {
	sb.status = status
	sb.render()
}

// SetLive updates the WebSocket indicator.
func (sb *StatusBar) SetLive(live bool) {
	sb.live = live
	sb.render()
}

// SetActivity sets the daemon counters summary.
func (sb *StatusBar) SetActivity(activity string) {
	sb.activity = activity
	sb.render()
}

// SetHints sets the key hints for the current page.
func (sb *StatusBar) SetHints(hints []string) {
	sb.hints = hints
	sb.render()
}

// SetFlash sets a temporary message.
func (sb *StatusBar) SetFlash(msg string) {
	sb.flash = msg
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()

	live := "[red]offline[-]"
	if sb.live {
		live = "[green]live[-]"
	}

	line := fmt.Sprintf(" [::b]%s[-:-:-] | %s | %s %s | %s",
		sb.instance, tview.Escape(sb.operator), sb.status, live, time.Now().Format("15:04"))
	if sb.activity != "" {
		line += " | " + sb.activity
	}
	if len(sb.hints) > 0 {
		line += " | " + strings.Join(sb.hints, " ")
	}
	if sb.flash != "" {
		line += fmt.Sprintf(" | [yellow]%s[-]", tview.Escape(sb.flash))
	}

	_, _ = fmt.Fprint(sb, line)
}
