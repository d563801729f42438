// Package metrics registers the Prometheus metrics used by the worker.
// Import this package from the server entry point so every metric is
// registered before the /metrics handler is mounted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Fetch interception.
var (
	// FetchTotal counts intercepted requests labelled by route class
	// ("dynamic", "static") and where the answer came from ("network",
	// "cache", "error").
	FetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_fetch_total",
			Help: "Total intercepted fetches by route class and response source.",
		},
		[]string{"route", "source"},
	)

	// FetchDuration observes how long an intercepted fetch took to answer.
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "worker_fetch_duration_seconds",
			Help:    "Time to answer an intercepted fetch in seconds.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"route"},
	)

	// Revalidations counts background cache refreshes by outcome ("stored",
	// "skipped", "failed").
	Revalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_revalidations_total",
			Help: "Background cache refreshes by outcome.",
		},
		[]string{"outcome"},
	)

	// OriginErrors counts failed origin fetches by type ("transport",
	// "timeout", "canceled", "breaker_open").
	OriginErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_origin_errors_total",
			Help: "Failed origin fetches by error type.",
		},
		[]string{"error_type"},
	)

	// OriginBreakerState is 0 = closed, 1 = open, 2 = probing.
	OriginBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_origin_breaker_state",
			Help: "Origin breaker state (0=closed 1=open 2=probing).",
		},
	)
)

// Cache lifecycle.
var (
	// LifecycleEvents counts install/activate runs by outcome ("ok", "error").
	LifecycleEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_lifecycle_events_total",
			Help: "Install and activate events by outcome.",
		},
		[]string{"event", "outcome"},
	)

	// NamespacesPurged counts cache namespaces deleted on activation.
	NamespacesPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "worker_cache_namespaces_purged_total",
			Help: "Stale cache namespaces deleted on activation.",
		},
	)
)

// Messaging and notifications.
var (
	// Messages counts control messages by recognised type, or "ignored".
	Messages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_messages_total",
			Help: "Control messages received by type.",
		},
		[]string{"type"},
	)

	// NotificationsShown counts notifications handed to the surface,
	// labelled by whether the user was alerted ("true", "false").
	NotificationsShown = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_notifications_shown_total",
			Help: "Notifications shown, by whether the user was alerted.",
		},
		[]string{"alerted"},
	)

	// NotificationClicks counts click routing decisions ("focus", "open").
	NotificationClicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_notification_clicks_total",
			Help: "Notification clicks by routing action.",
		},
		[]string{"action"},
	)
)
