// Package tui is a read-mostly terminal status view for a profile daemon.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/fieldsync/internal/api"
	"github.com/matheus3301/fieldsync/internal/client"
	"github.com/rivo/tview"
)

type binding struct {
	key         rune
	description string
	handler     func()
}

// App is the status view shell.
type App struct {
	app      *tview.Application
	body     *tview.TextView
	footer   *tview.TextView
	grpc     *client.Client
	feed     *Feed
	bindings []binding
	last     *api.Status
	flash    string
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewApp creates the TUI. signalsURL is the daemon's ws://host/signals.
func NewApp(c *client.Client, profileName, signalsURL string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		app:    tview.NewApplication(),
		body:   tview.NewTextView().SetDynamicColors(true),
		footer: tview.NewTextView().SetDynamicColors(true),
		grpc:   c,
		feed:   &Feed{URL: signalsURL},
		ctx:    ctx,
		cancel: cancel,
	}
	a.body.SetBorder(true).SetTitle(fmt.Sprintf(" fieldsync: %s ", profileName))
	a.footer.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)

	a.bindings = []binding{
		{'q', "q:quit", a.app.Stop},
		{'d', "d:drain", a.drain},
		{'r', "r:retry failed", a.retry},
	}

	layout := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(a.body, 0, 1, false).
		AddItem(a.footer, 1, 0, false)
	a.app.SetRoot(layout, true)
	a.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyCtrlC {
			a.app.Stop()
			return nil
		}
		if ev.Key() != tcell.KeyRune {
			return ev
		}
		for _, b := range a.bindings {
			if b.key == ev.Rune() {
				b.handler()
				return nil
			}
		}
		return ev
	})
	a.render()
	return a
}

// Run blocks until the user quits.
func (a *App) Run() error {
	go a.feed.Run(a.ctx,
		func(f api.Frame) {
			a.app.QueueUpdateDraw(func() {
				a.last = f.Status
				a.flash = ""
				a.render()
			})
		},
		func(err error) {
			a.app.QueueUpdateDraw(func() {
				a.flash = "[red]feed: " + err.Error() + "[-]"
				a.render()
			})
		})
	defer a.cancel()
	return a.app.Run()
}

// Stop stops the feed and the application.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}

func (a *App) drain() {
	a.setFlash("[yellow]draining...[-]")
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, time.Minute)
		defer cancel()
		res, err := a.grpc.Drain(ctx)
		var msg string
		if err != nil {
			msg = "[red]drain: " + err.Error() + "[-]"
		} else {
			msg = fmt.Sprintf("[green]synced %d, failed %d, postponed %d[-]", res.Synced, res.Failed, res.Postponed)
		}
		a.app.QueueUpdateDraw(func() { a.flash = msg; a.render() })
	}()
}

func (a *App) retry() {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, 10*time.Second)
		defer cancel()
		n, err := a.grpc.RetryFailed(ctx)
		msg := fmt.Sprintf("[green]re-queued %d[-]", n)
		if err != nil {
			msg = "[red]retry: " + err.Error() + "[-]"
		}
		a.app.QueueUpdateDraw(func() { a.flash = msg; a.render() })
	}()
}

func (a *App) setFlash(msg string) {
	a.flash = msg
	a.render()
}

func (a *App) render() {
	a.body.SetText(Render(a.last, time.Now()))

	hints := make([]string, len(a.bindings))
	for i, b := range a.bindings {
		hints[i] = b.description
	}
	line := " " + strings.Join(hints, "  ")
	if a.flash != "" {
		line += " | " + a.flash
	}
	a.footer.SetText(line)
}
