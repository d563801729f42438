package notify

import (
	"context"
	"testing"

	"github.com/season-tracker/edgeworker/internal/clients"
)

func TestClickFocusesExistingWindow(t *testing.T) {
	tray := NewTray()
	reg := clients.NewRegistry()
	first := reg.Register("https://app.example.com/", clients.TypeWindow, true)
	reg.Register("https://app.example.com/seasons", clients.TypeWindow, true)
	ctx := context.Background()

	s, _ := tray.Show(ctx, Notification{Title: "t", Tag: "season-progress"})
	action, err := NewClickRouter(tray, reg, "/").Handle(ctx, s.ID)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if action != ClickFocused {
		t.Fatalf("action = %s, want focus", action)
	}
	if len(tray.Visible()) != 0 {
		t.Fatal("clicked notification was not closed")
	}

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("clients = %d, a window was opened", len(list))
	}
	for _, c := range list {
		focused := !c.FocusedAt.IsZero()
		if focused != (c.ID == first.ID) {
			t.Fatalf("client %s focused=%v, want only the first window focused", c.URL, focused)
		}
	}
}

func TestClickSkipsUnfocusableWindows(t *testing.T) {
	tray := NewTray()
	reg := clients.NewRegistry()
	reg.Register("https://app.example.com/embed", clients.TypeWindow, false)
	target := reg.Register("https://app.example.com/", clients.TypeWindow, true)
	ctx := context.Background()

	s, _ := tray.Show(ctx, Notification{Title: "t"})
	if action, err := NewClickRouter(tray, reg, "/").Handle(ctx, s.ID); err != nil || action != ClickFocused {
		t.Fatalf("action=%s err=%v", action, err)
	}
	for _, c := range reg.List() {
		if c.ID == target.ID && c.FocusedAt.IsZero() {
			t.Fatal("focusable window was not focused")
		}
	}
}

func TestClickOpensRootWhenNoWindow(t *testing.T) {
	tray := NewTray()
	reg := clients.NewRegistry()
	reg.Register("https://app.example.com/worker.js", clients.TypeWorker, false)
	ctx := context.Background()

	s, _ := tray.Show(ctx, Notification{Title: "t"})
	action, err := NewClickRouter(tray, reg, "").Handle(ctx, s.ID)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if action != ClickOpened {
		t.Fatalf("action = %s, want open", action)
	}

	var windows []clients.Info
	for _, c := range reg.List() {
		if c.Type == clients.TypeWindow {
			windows = append(windows, c)
		}
	}
	if len(windows) != 1 || windows[0].URL != "/" {
		t.Fatalf("windows = %+v, want exactly one at /", windows)
	}
}
