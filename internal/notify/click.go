package notify

import (
	"context"
	"fmt"

	"github.com/season-tracker/edgeworker/internal/clients"
	"github.com/season-tracker/edgeworker/internal/logging"
	"github.com/season-tracker/edgeworker/internal/metrics"
)

// ClickAction reports what a click led to.
type ClickAction string

// Click actions.
const (
	ClickFocused ClickAction = "focus"
	ClickOpened  ClickAction = "open"
)

// ClickRouter brings the application forward when a notification is clicked.
type ClickRouter struct {
	surface  Surface
	clients  clients.Host
	rootPath string
}

// NewClickRouter creates a router that opens rootPath when no window exists.
func NewClickRouter(surface Surface, host clients.Host, rootPath string) *ClickRouter {
	if rootPath == "" {
		rootPath = "/"
	}
	return &ClickRouter{surface: surface, clients: host, rootPath: rootPath}
}

// Handle closes the clicked notification, then focuses the first window that
// can take focus, in enumeration order. Uncontrolled windows count. Only when
// no such window exists is a new one opened at the root path.
func (r *ClickRouter) Handle(ctx context.Context, id string) (ClickAction, error) {
	if err := r.surface.Close(ctx, id); err != nil {
		return "", fmt.Errorf("close notification: %w", err)
	}

	windows, err := r.clients.MatchAll(ctx, clients.MatchOptions{
		Type:                clients.TypeWindow,
		IncludeUncontrolled: true,
	})
	if err != nil {
		return "", fmt.Errorf("match clients: %w", err)
	}
	for _, c := range windows {
		f, ok := c.(clients.Focuser)
		if !ok {
			continue
		}
		if err := f.Focus(ctx); err != nil {
			return "", fmt.Errorf("focus client %s: %w", c.ID(), err)
		}
		metrics.NotificationClicks.WithLabelValues(string(ClickFocused)).Inc()
		logging.FromContext(ctx).Debug("notification click focused window", "client", c.ID(), "url", c.URL())
		return ClickFocused, nil
	}

	c, err := r.clients.OpenWindow(ctx, r.rootPath)
	if err != nil {
		return "", fmt.Errorf("open window: %w", err)
	}
	metrics.NotificationClicks.WithLabelValues(string(ClickOpened)).Inc()
	logging.FromContext(ctx).Debug("notification click opened window", "client", c.ID(), "url", r.rootPath)
	return ClickOpened, nil
}
