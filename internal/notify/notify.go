// Package notify models the platform notification surface: the request the
// worker builds, the tray that displays it and the router that handles a
// click on it.
package notify

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/season-tracker/edgeworker/internal/metrics"
)

// Notification is one request to display a notification.
type Notification struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Icon     string `json:"icon,omitempty"`
	Badge    string `json:"badge,omitempty"`
	Vibrate  []int  `json:"vibrate,omitempty"`
	Tag      string `json:"tag,omitempty"`
	Renotify bool   `json:"renotify"`
}

// Shown is a notification currently or previously on the surface.
type Shown struct {
	ID           string       `json:"id"`
	Notification Notification `json:"notification"`
	ShownAt      time.Time    `json:"shown_at"`
	// Alerted is false only for a silent replacement (same tag, renotify off).
	Alerted bool `json:"alerted"`
}

// Surface displays and dismisses notifications.
type Surface interface {
	Show(ctx context.Context, n Notification) (Shown, error)
	Close(ctx context.Context, id string) error
}

// Tray is an in-process Surface. Notifications sharing a non-empty tag
// collapse into one slot; the newest replaces the older one.
type Tray struct {
	mu      sync.Mutex
	visible []Shown
	history []Shown
}

// NewTray creates an empty tray.
func NewTray() *Tray {
	return &Tray{}
}

// Show displays n. A visible notification with the same tag is replaced; the
// user is alerted unless the replacement has Renotify off.
func (t *Tray) Show(_ context.Context, n Notification) (Shown, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n.Vibrate = slices.Clone(n.Vibrate)
	s := Shown{
		ID:           uuid.NewString(),
		Notification: n,
		ShownAt:      time.Now().UTC(),
		Alerted:      true,
	}

	replaced := false
	if n.Tag != "" {
		for i, v := range t.visible {
			if v.Notification.Tag == n.Tag {
				s.Alerted = n.Renotify
				t.visible[i] = s
				replaced = true
				break
			}
		}
	}
	if !replaced {
		t.visible = append(t.visible, s)
	}
	t.history = append(t.history, s)

	alerted := "false"
	if s.Alerted {
		alerted = "true"
	}
	metrics.NotificationsShown.WithLabelValues(alerted).Inc()
	return s, nil
}

// Close dismisses the visible notification with id. Unknown ids are ignored.
func (t *Tray) Close(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.visible = slices.DeleteFunc(t.visible, func(s Shown) bool { return s.ID == id })
	return nil
}

// Visible lists notifications currently displayed, oldest first.
func (t *Tray) Visible() []Shown {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.visible)
}

// Lookup returns the visible notification with id.
func (t *Tray) Lookup(id string) (Shown, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range t.visible {
		if s.ID == id {
			return s, true
		}
	}
	return Shown{}, false
}

// History lists every notification ever shown, oldest first.
func (t *Tray) History() []Shown {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.history)
}
