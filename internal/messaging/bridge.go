// Package messaging receives control messages posted by foreground windows
// and turns them into platform notifications.
//
// Recognised messages:
//
//	{"type": "SHOW_NOTIFICATION", "title": "...", "body": "...", "icon": "..."}
//	{"type": "SCHEDULE_DAILY"}
//
// Anything else is dropped without a reply.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"github.com/season-tracker/edgeworker/internal/logging"
	"github.com/season-tracker/edgeworker/internal/metrics"
	"github.com/season-tracker/edgeworker/internal/notify"
)

// Message types.
const (
	TypeShowNotification = "SHOW_NOTIFICATION"
	TypeScheduleDaily    = "SCHEDULE_DAILY"
)

// Outcome reports what Handle did with a message.
type Outcome string

// Outcomes.
const (
	OutcomeShown     Outcome = "shown"
	OutcomeScheduled Outcome = "scheduled"
	OutcomeIgnored   Outcome = "ignored"
)

const showNotificationSchema = `{
	"type": "object",
	"required": ["type", "title", "body"],
	"properties": {
		"type":  {"const": "SHOW_NOTIFICATION"},
		"title": {"type": "string"},
		"body":  {"type": "string"},
		"icon":  {"type": ["string", "null"]}
	}
}`

var showNotification = jsonschema.MustCompileString("show_notification.json", showNotificationSchema)

// Defaults are the fixed notification parameters applied to every
// SHOW_NOTIFICATION message.
type Defaults struct {
	Icon    string `json:"icon" yaml:"icon"`
	Badge   string `json:"badge" yaml:"badge"`
	Vibrate []int  `json:"vibrate" yaml:"vibrate"`
	Tag     string `json:"tag" yaml:"tag"`
	// Renotify alerts the user again when a notification replaces one with
	// the same tag. Nil means on.
	Renotify *bool `json:"renotify,omitempty" yaml:"renotify,omitempty"`
}

// RenotifyEnabled reports whether replacements alert the user.
func (d Defaults) RenotifyEnabled() bool {
	return d.Renotify == nil || *d.Renotify
}

// DefaultDefaults returns the stock parameters: the 192px app icon as icon and
// badge, a short-long-short vibration, one shared tag and renotify on.
func DefaultDefaults() Defaults {
	return Defaults{
		Icon:    "/icon-192.png",
		Badge:   "/icon-192.png",
		Vibrate: []int{100, 50, 100},
		Tag:     "season-progress",
	}
}

type showPayload struct {
	Title string  `json:"title"`
	Body  string  `json:"body"`
	Icon  *string `json:"icon"`
}

// Bridge dispatches control messages. It is safe for concurrent use.
type Bridge struct {
	surface  notify.Surface
	defaults Defaults
}

// NewBridge creates a bridge that shows notifications on surface.
func NewBridge(surface notify.Surface, defaults Defaults) *Bridge {
	return &Bridge{surface: surface, defaults: defaults}
}

// Handle processes one message payload. Unrecognised or malformed payloads
// return OutcomeIgnored and a nil error. The error is non-nil only when the
// surface refused a well-formed notification.
func (b *Bridge) Handle(ctx context.Context, payload []byte) (Outcome, error) {
	log := logging.FromContext(ctx)

	if !gjson.ValidBytes(payload) {
		return b.ignore(ctx, "invalid json")
	}
	typ := gjson.GetBytes(payload, "type")
	if typ.Type != gjson.String {
		return b.ignore(ctx, "missing type")
	}

	switch typ.Str {
	case TypeShowNotification:
		return b.show(ctx, payload)
	case TypeScheduleDaily:
		// No scheduler exists: the next SHOW_NOTIFICATION from an active
		// window is the only delivery path.
		metrics.Messages.WithLabelValues(TypeScheduleDaily).Inc()
		log.Debug("daily schedule acknowledged; no background delivery")
		return OutcomeScheduled, nil
	default:
		return b.ignore(ctx, "unknown type")
	}
}

func (b *Bridge) show(ctx context.Context, payload []byte) (Outcome, error) {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return b.ignore(ctx, "invalid json")
	}
	if err := showNotification.Validate(doc); err != nil {
		return b.ignore(ctx, "schema: "+err.Error())
	}
	var p showPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return b.ignore(ctx, "decode: "+err.Error())
	}

	n := b.build(p)
	metrics.Messages.WithLabelValues(TypeShowNotification).Inc()
	shown, err := b.surface.Show(ctx, n)
	if err != nil {
		return OutcomeShown, fmt.Errorf("show notification: %w", err)
	}
	logging.FromContext(ctx).Debug("notification shown",
		"id", shown.ID, "tag", n.Tag, "alerted", shown.Alerted)
	return OutcomeShown, nil
}

func (b *Bridge) build(p showPayload) notify.Notification {
	icon := b.defaults.Icon
	if p.Icon != nil && *p.Icon != "" {
		icon = *p.Icon
	}
	return notify.Notification{
		Title:    p.Title,
		Body:     p.Body,
		Icon:     icon,
		Badge:    b.defaults.Badge,
		Vibrate:  slices.Clone(b.defaults.Vibrate),
		Tag:      b.defaults.Tag,
		Renotify: b.defaults.RenotifyEnabled(),
	}
}

func (b *Bridge) ignore(ctx context.Context, reason string) (Outcome, error) {
	metrics.Messages.WithLabelValues("ignored").Inc()
	logging.FromContext(ctx).Debug("control message ignored", "reason", reason)
	return OutcomeIgnored, nil
}
