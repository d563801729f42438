// Package edgeworker is the background execution context of the season
// tracker web app. A Worker intercepts requests from application windows,
// keeps a versioned cache of responses, and bridges notification requests
// between windows and the platform notification surface.
//
// Every interaction goes through Worker.Dispatch as an Event; the returned
// Settlement is what the host awaits before treating the event as finished.
package edgeworker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/season-tracker/edgeworker/internal/cache"
	"github.com/season-tracker/edgeworker/internal/clients"
	"github.com/season-tracker/edgeworker/internal/logging"
	"github.com/season-tracker/edgeworker/internal/messaging"
	"github.com/season-tracker/edgeworker/internal/metrics"
	"github.com/season-tracker/edgeworker/internal/notify"
	"github.com/season-tracker/edgeworker/internal/origin"
	"github.com/season-tracker/edgeworker/internal/strategies"
)

// State is the worker's lifecycle position.
type State string

// Lifecycle states.
const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

var (
	// ErrInvalidState is returned when a lifecycle event arrives out of order.
	ErrInvalidState = errors.New("invalid lifecycle state")
	// ErrUnknownEvent is returned for an unrecognised event kind.
	ErrUnknownEvent = errors.New("unknown event kind")
)

// Claimer is implemented by client hosts that can hand every open client to
// a newly activated version.
type Claimer interface {
	Claim(ctx context.Context, version string) error
}

// Deps are the host-provided collaborators of a Worker.
type Deps struct {
	// Store holds cache namespaces. It is shared across versions.
	Store cache.Store
	// Fetcher performs live network fetches.
	Fetcher origin.Fetcher
	// Surface displays notifications.
	Surface notify.Surface
	// Clients enumerates and opens windows. If it implements Claimer, open
	// clients are claimed on activation.
	Clients clients.Host
}

// Worker is one version of the background context.
type Worker struct {
	cfg        Config
	scope      *url.URL
	fetcher    origin.Fetcher
	cache      *cache.Manager
	intercept  *strategies.Interceptor
	bridge     *messaging.Bridge
	router     *notify.ClickRouter
	clients    clients.Host
	background *strategies.Background

	mu    sync.Mutex
	state State
}

// New creates a Worker for cfg. The worker starts in StateParsed and must be
// installed and activated before it intercepts fetches.
func New(cfg Config, deps Deps) (*Worker, error) {
	cfg = cfg.withDefaults()
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Store == nil || deps.Fetcher == nil || deps.Surface == nil || deps.Clients == nil {
		return nil, fmt.Errorf("store, fetcher, surface and clients are required")
	}
	scope, err := url.Parse(cfg.Scope)
	if err != nil {
		return nil, fmt.Errorf("parse scope: %w", err)
	}

	manager := cache.NewManager(deps.Store, cfg.Version, scope, deps.Fetcher)
	manager.Concurrency = cfg.Network.ManifestConcurrency

	bg := &strategies.Background{}
	w := &Worker{
		cfg:        cfg,
		scope:      scope,
		fetcher:    deps.Fetcher,
		cache:      manager,
		background: bg,
		clients:    deps.Clients,
		intercept: strategies.NewInterceptor(manager, deps.Fetcher, strategies.Options{
			APIPrefix:         cfg.APIPrefix,
			RevalidateTimeout: cfg.Network.RevalidateTimeout(),
			Background:        bg,
		}),
		bridge: messaging.NewBridge(deps.Surface, cfg.Notifications),
		router: notify.NewClickRouter(deps.Surface, deps.Clients, cfg.RootPath),
		state:  StateParsed,
	}
	return w, nil
}

// Version returns the cache namespace this worker owns.
func (w *Worker) Version() string { return w.cfg.Version }

// Config returns the worker's effective configuration.
func (w *Worker) Config() Config { return w.cfg }

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Namespaces lists the cache namespaces currently in the shared store.
func (w *Worker) Namespaces(ctx context.Context) ([]string, error) {
	return w.cache.Store().Namespaces(ctx)
}

// Dispatch hands ev to its handler on a new goroutine and returns at once.
func (w *Worker) Dispatch(ctx context.Context, ev Event) *Settlement {
	s := newSettlement(ev.Kind)
	go func() {
		resp, err := w.handle(ctx, ev)
		s.settle(resp, err)
	}()
	return s
}

func (w *Worker) handle(ctx context.Context, ev Event) (*http.Response, error) {
	switch ev.Kind {
	case KindInstall:
		return nil, w.install(ctx)
	case KindActivate:
		return nil, w.activate(ctx)
	case KindFetch:
		return w.fetch(ctx, ev.Request)
	case KindMessage:
		return nil, w.message(ctx, ev.Data)
	case KindNotificationClick:
		return nil, w.notificationClick(ctx, ev.NotificationID)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Kind)
	}
}

// transition moves from one of want to next, or reports ErrInvalidState.
func (w *Worker) transition(next State, want ...State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range want {
		if w.state == s {
			w.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: cannot enter %s from %s", ErrInvalidState, next, w.state)
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// install populates the version namespace from the manifest. A failure makes
// this worker redundant; the host decides whether to try a new one.
func (w *Worker) install(ctx context.Context) error {
	if err := w.transition(StateInstalling, StateParsed); err != nil {
		return err
	}
	log := logging.FromContext(ctx).With("version", w.cfg.Version)
	log.Info("installing worker", "manifest", len(w.cfg.Manifest))

	if err := w.cache.Initialize(ctx, w.cfg.Manifest); err != nil {
		w.setState(StateRedundant)
		metrics.LifecycleEvents.WithLabelValues(string(KindInstall), "error").Inc()
		log.Error("install failed", "error", err)
		return fmt.Errorf("install %s: %w", w.cfg.Version, err)
	}

	// No waiting phase: an installed worker activates as soon as the host asks.
	w.setState(StateInstalled)
	metrics.LifecycleEvents.WithLabelValues(string(KindInstall), "ok").Inc()
	return nil
}

// activate purges stale namespaces and claims open clients.
func (w *Worker) activate(ctx context.Context) error {
	if err := w.transition(StateActivating, StateInstalled); err != nil {
		return err
	}
	log := logging.FromContext(ctx).With("version", w.cfg.Version)

	if _, err := w.cache.Purge(ctx); err != nil {
		w.setState(StateInstalled)
		metrics.LifecycleEvents.WithLabelValues(string(KindActivate), "error").Inc()
		return fmt.Errorf("activate %s: %w", w.cfg.Version, err)
	}
	if c, ok := w.clients.(Claimer); ok {
		if err := c.Claim(ctx, w.cfg.Version); err != nil {
			log.Warn("claiming clients failed", "error", err)
		}
	}

	w.setState(StateActivated)
	metrics.LifecycleEvents.WithLabelValues(string(KindActivate), "ok").Inc()
	log.Info("worker activated")
	return nil
}

// fetch answers an intercepted request. Until activation the worker controls
// nothing and requests go straight to the network.
func (w *Worker) fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("fetch event without request")
	}
	req = w.inScope(ctx, req)
	if w.State() != StateActivated {
		return w.fetcher.Fetch(ctx, req)
	}
	return w.intercept.Handle(ctx, req)
}

// inScope resolves a relative request URL against the scope so cache keys
// match the ones written at install.
func (w *Worker) inScope(ctx context.Context, req *http.Request) *http.Request {
	if req.URL != nil && req.URL.IsAbs() {
		return req.WithContext(ctx)
	}
	out := req.Clone(ctx)
	if req.URL == nil {
		out.URL = w.scope
	} else {
		out.URL = w.scope.ResolveReference(req.URL)
	}
	out.Host = out.URL.Host
	out.RequestURI = ""
	return out
}

func (w *Worker) message(ctx context.Context, data []byte) error {
	_, err := w.bridge.Handle(ctx, data)
	return err
}

func (w *Worker) notificationClick(ctx context.Context, id string) error {
	_, err := w.router.Handle(ctx, id)
	return err
}

// Drain waits for background cache refreshes started by this worker.
func (w *Worker) Drain(ctx context.Context) error {
	return w.background.Wait(ctx)
}

// Lifecycle runs install and then activate, waiting for each to settle.
func (w *Worker) Lifecycle(ctx context.Context) error {
	start := time.Now()
	if err := w.Dispatch(ctx, InstallEvent()).Wait(ctx); err != nil {
		return err
	}
	if err := w.Dispatch(ctx, ActivateEvent()).Wait(ctx); err != nil {
		return err
	}
	logging.FromContext(ctx).Info("worker ready",
		"version", w.cfg.Version, "elapsed", time.Since(start).String())
	return nil
}
