package messaging

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/season-tracker/edgeworker/internal/notify"
)

type failingSurface struct{}

func (failingSurface) Show(context.Context, notify.Notification) (notify.Shown, error) {
	return notify.Shown{}, errors.New("permission denied")
}

func (failingSurface) Close(context.Context, string) error { return nil }

func TestShowNotificationAppliesDefaults(t *testing.T) {
	tray := notify.NewTray()
	b := NewBridge(tray, DefaultDefaults())

	out, err := b.Handle(context.Background(), []byte(`{"type":"SHOW_NOTIFICATION","title":"Week 3","body":"2 games left"}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if out != OutcomeShown {
		t.Fatalf("outcome = %s", out)
	}
	visible := tray.Visible()
	if len(visible) != 1 {
		t.Fatalf("visible = %d, want 1", len(visible))
	}
	n := visible[0].Notification
	if n.Title != "Week 3" || n.Body != "2 games left" {
		t.Fatalf("title/body = %q/%q", n.Title, n.Body)
	}
	if n.Icon != "/icon-192.png" || n.Badge != "/icon-192.png" {
		t.Fatalf("icon/badge = %q/%q", n.Icon, n.Badge)
	}
	if !slices.Equal(n.Vibrate, []int{100, 50, 100}) || n.Tag != "season-progress" || !n.Renotify {
		t.Fatalf("unexpected fixed parameters: %+v", n)
	}
}

func TestShowNotificationIconOverride(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"custom", `{"type":"SHOW_NOTIFICATION","title":"t","body":"b","icon":"/trophy.png"}`, "/trophy.png"},
		{"empty", `{"type":"SHOW_NOTIFICATION","title":"t","body":"b","icon":""}`, "/icon-192.png"},
		{"null", `{"type":"SHOW_NOTIFICATION","title":"t","body":"b","icon":null}`, "/icon-192.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tray := notify.NewTray()
			if _, err := NewBridge(tray, DefaultDefaults()).Handle(context.Background(), []byte(tt.payload)); err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if got := tray.Visible()[0].Notification.Icon; got != tt.want {
				t.Fatalf("icon = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRepeatedNotificationsCollapseAndAlert(t *testing.T) {
	tray := notify.NewTray()
	b := NewBridge(tray, DefaultDefaults())
	ctx := context.Background()

	for _, body := range []string{"first", "second"} {
		payload := []byte(`{"type":"SHOW_NOTIFICATION","title":"Progress","body":"` + body + `"}`)
		if _, err := b.Handle(ctx, payload); err != nil {
			t.Fatalf("Handle: %v", err)
		}
	}

	visible := tray.Visible()
	if len(visible) != 1 {
		t.Fatalf("visible = %d, want 1", len(visible))
	}
	if visible[0].Notification.Body != "second" {
		t.Fatalf("visible body = %q, want second", visible[0].Notification.Body)
	}
	history := tray.History()
	if len(history) != 2 || !history[0].Alerted || !history[1].Alerted {
		t.Fatalf("both notifications should alert: %+v", history)
	}
}

func TestScheduleDailyShowsNothing(t *testing.T) {
	tray := notify.NewTray()
	out, err := NewBridge(tray, DefaultDefaults()).Handle(context.Background(), []byte(`{"type":"SCHEDULE_DAILY"}`))
	if err != nil || out != OutcomeScheduled {
		t.Fatalf("out=%s err=%v", out, err)
	}
	if len(tray.History()) != 0 {
		t.Fatal("SCHEDULE_DAILY displayed a notification")
	}
}

func TestMalformedMessagesAreIgnored(t *testing.T) {
	payloads := []string{
		``,
		`not json`,
		`[]`,
		`{"title":"no type"}`,
		`{"type":42}`,
		`{"type":"PING"}`,
		`{"type":"SHOW_NOTIFICATION"}`,
		`{"type":"SHOW_NOTIFICATION","title":"t"}`,
		`{"type":"SHOW_NOTIFICATION","title":1,"body":"b"}`,
		`{"type":"SHOW_NOTIFICATION","title":"t","body":"b","icon":7}`,
	}
	tray := notify.NewTray()
	b := NewBridge(tray, DefaultDefaults())
	for _, p := range payloads {
		out, err := b.Handle(context.Background(), []byte(p))
		if err != nil {
			t.Fatalf("Handle(%q) error: %v", p, err)
		}
		if out != OutcomeIgnored {
			t.Fatalf("Handle(%q) = %s, want ignored", p, out)
		}
	}
	if len(tray.History()) != 0 {
		t.Fatalf("malformed messages displayed %d notifications", len(tray.History()))
	}
}

func TestSurfaceFailureIsReported(t *testing.T) {
	_, err := NewBridge(failingSurface{}, DefaultDefaults()).Handle(context.Background(),
		[]byte(`{"type":"SHOW_NOTIFICATION","title":"t","body":"b"}`))
	if err == nil {
		t.Fatal("expected surface error")
	}
}

func TestRenotifyDefaultsOn(t *testing.T) {
	off := false
	tests := []struct {
		name     string
		defaults Defaults
		want     bool
	}{
		{"zero value", Defaults{}, true},
		{"stock", DefaultDefaults(), true},
		{"disabled", Defaults{Renotify: &off}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tray := notify.NewTray()
			if _, err := NewBridge(tray, tt.defaults).Handle(context.Background(),
				[]byte(`{"type":"SHOW_NOTIFICATION","title":"t","body":"b"}`)); err != nil {
				t.Fatalf("Handle: %v", err)
			}
			if got := tray.Visible()[0].Notification.Renotify; got != tt.want {
				t.Fatalf("renotify = %v, want %v", got, tt.want)
			}
		})
	}
}
