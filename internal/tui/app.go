package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/souq/internal/tui/client"
	"github.com/matheus3301/souq/internal/tui/keys"
	"github.com/matheus3301/souq/internal/tui/model"
	"github.com/matheus3301/souq/internal/tui/views"
	"github.com/rivo/tview"
)

const (
	pageInbox  = "inbox"
	pageThread = "thread"
)

// App is the operator console: an inbox of customers on the left page and a
// conversation with reply box on the right page, kept live over WebSocket.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	vm        *model.ViewModel
	client    *client.Client
	registry  *keys.Registry
	statusBar *views.StatusBar
	inbox     *views.Inbox
	thread    *views.Thread
	composer  *views.Composer
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewApp creates the console acting as operatorID.
func NewApp(c *client.Client, instanceName string, operatorID int64, operatorName string) *App {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		vm:        model.NewViewModel(c, operatorID),
		client:    c,
		registry:  keys.NewRegistry(),
		statusBar: views.NewStatusBar(),
		inbox:     views.NewInbox(),
		thread:    views.NewThread(),
		composer:  views.NewComposer(),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.statusBar.SetIdentity(instanceName, operatorName)
	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()

	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal("quit", &keys.Action{
		Rune: 'q', Key: tcell.KeyRune,
		Description: "q:quit", Visible: true,
		Handler: func() { a.Stop() },
	})
	a.registry.AddGlobal("refresh", &keys.Action{
		Rune: 'r', Key: tcell.KeyRune,
		Description: "r:refresh", Visible: true,
		Handler: func() { go a.reload() },
	})
	a.registry.AddView(pageThread, "reply", &keys.Action{
		Rune: 'i', Key: tcell.KeyRune,
		Description: "i:reply", Visible: true,
		Handler: func() { a.app.SetFocus(a.composer.InputField) },
	})
	a.registry.AddView(pageThread, "back", &keys.Action{
		Key:         tcell.KeyEscape,
		Description: "esc:inbox", Visible: true,
		Handler:     func() { a.showInbox() },
	})
}

func (a *App) setupCallbacks() {
	a.inbox.SetSelectedFunc(func(_, _ int) {
		if id := a.inbox.Selected(); id != 0 {
			a.openThread(id, a.inbox.SelectedName())
		}
	})

	a.composer.SetOnSend(func(text string) {
		go func() {
			if err := a.vm.Reply(a.ctx, text); err != nil {
				a.vm.Flash.Set("Send failed: "+err.Error(), 5*time.Second)
			}
			a.app.QueueUpdateDraw(func() {
				a.statusBar.SetFlash(a.vm.Flash.Get())
			})
		}()
	})

	a.composer.SetOnCancel(func() {
		a.app.SetFocus(a.thread)
	})
}

func (a *App) setupLayout() {
	threadFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.thread, 0, 1, true).
		AddItem(a.composer, 1, 0, false)

	a.pages.AddPage(pageInbox, a.inbox, true, true)
	a.pages.AddPage(pageThread, threadFlex, true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(root, true)
	a.statusBar.SetHints(a.registry.Hints(pageInbox))

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		// Text input handles its own keys, including Enter and Escape.
		if _, ok := a.app.GetFocus().(*tview.InputField); ok {
			return event
		}
		page, _ := a.pages.GetFrontPage()
		if a.registry.HandleEvent(page, event) {
			return nil
		}
		return event
	})
}

func (a *App) openThread(id int64, name string) {
	go func() {
		if err := a.vm.OpenThread(a.ctx, id, name); err != nil {
			a.vm.Flash.Set("Load failed: "+err.Error(), 5*time.Second)
			a.app.QueueUpdateDraw(func() { a.statusBar.SetFlash(a.vm.Flash.Get()) })
			return
		}
		a.app.QueueUpdateDraw(func() {
			a.drawThread()
			a.pages.SwitchToPage(pageThread)
			a.statusBar.SetHints(a.registry.Hints(pageThread))
			a.app.SetFocus(a.thread)
		})
	}()
}

func (a *App) showInbox() {
	a.vm.CloseThread()
	a.vm.Flash.Clear()
	a.pages.SwitchToPage(pageInbox)
	a.statusBar.SetHints(a.registry.Hints(pageInbox))
	a.app.SetFocus(a.inbox)
}

func (a *App) drawThread() {
	msgs, name := a.vm.Thread()
	a.thread.Update(name, msgs, a.vm.OperatorID())
}

// reload refetches status and inbox over HTTP and redraws.
func (a *App) reload() {
	_ = a.vm.LoadStatus(a.ctx)
	if err := a.vm.LoadInbox(a.ctx); err != nil {
		a.vm.Flash.Set("Inbox: "+err.Error(), 5*time.Second)
	}
	a.app.QueueUpdateDraw(func() {
		a.inbox.Update(a.vm.Inbox())
		a.statusBar.SetStatus(a.vm.Status())
		a.statusBar.SetActivity(a.vm.Activity())
		a.statusBar.SetFlash(a.vm.Flash.Get())
	})
}

// Run starts the console. It blocks until the user quits.
func (a *App) Run() error {
	go func() {
		a.reload()
		go a.follow()
		a.startRefreshLoop()
	}()
	return a.app.Run()
}

// follow keeps a WebSocket open as the operator, reconnecting with a fixed
// backoff, and folds live frames into the view model.
func (a *App) follow() {
	for a.ctx.Err() == nil {
		stream, err := a.client.Dial(a.ctx, a.vm.OperatorID())
		if err != nil {
			a.setLive(false, fmt.Sprintf("Live link: %v", err))
			if !a.sleep(3 * time.Second) {
				return
			}
			continue
		}
		a.setLive(true, "")
		// Anything missed while offline.
		go a.reload()

		for f := range stream.Frames() {
			changed, err := a.vm.Apply(f)
			if err != nil {
				a.vm.Flash.Set(err.Error(), 5*time.Second)
			}
			if changed || err != nil {
				a.app.QueueUpdateDraw(a.redraw)
			}
		}
		msg := ""
		if err := stream.Err(); err != nil {
			msg = "Live link lost: " + err.Error()
		}
		a.setLive(false, msg)
		if !a.sleep(3 * time.Second) {
			return
		}
	}
}

func (a *App) redraw() {
	a.inbox.Update(a.vm.Inbox())
	if a.vm.ActiveID() != 0 {
		a.drawThread()
	}
	a.statusBar.SetFlash(a.vm.Flash.Get())
}

func (a *App) setLive(live bool, flash string) {
	if flash != "" {
		a.vm.Flash.Set(flash, 5*time.Second)
	}
	a.app.QueueUpdateDraw(func() {
		a.statusBar.SetLive(live)
		a.statusBar.SetFlash(a.vm.Flash.Get())
	})
}

func (a *App) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-a.ctx.Done():
		return false
	}
}

func (a *App) startRefreshLoop() {
	ticker := time.NewTicker(5 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = a.vm.LoadStatus(a.ctx)
				a.app.QueueUpdateDraw(func() {
					a.statusBar.SetStatus(a.vm.Status())
					a.statusBar.SetActivity(a.vm.Activity())
					a.statusBar.SetFlash(a.vm.Flash.Get())
				})
			case <-a.ctx.Done():
				return
			}
		}
	}()
}

// Stop gracefully shuts down the console.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
