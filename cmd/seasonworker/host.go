package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	edgeworker "github.com/season-tracker/edgeworker"
	"github.com/season-tracker/edgeworker/internal/cache"
	"github.com/season-tracker/edgeworker/internal/clients"
	"github.com/season-tracker/edgeworker/internal/logging"
	"github.com/season-tracker/edgeworker/internal/notify"
	"github.com/season-tracker/edgeworker/internal/origin"
	"github.com/season-tracker/edgeworker/internal/ratelimit"
)

// drainTimeout bounds how long a replaced worker may keep refreshing.
const drainTimeout = 30 * time.Second

// host plays the platform around the worker: it owns the shared cache store,
// the notification tray and the client registry, and swaps worker versions.
type host struct {
	store   cache.Store
	tray    *notify.Tray
	clients *clients.Registry
	// limiter throttles posted messages per sender. Nil disables it.
	limiter *ratelimit.Limiter

	// newFetcher builds the live network for a config. Tests replace it.
	newFetcher func(edgeworker.Config) (origin.Fetcher, error)

	upgrade sync.Mutex
	current atomic.Pointer[edgeworker.Worker]
}

func newHost(store cache.Store) *host {
	return &host{
		store:      store,
		tray:       notify.NewTray(),
		clients:    clients.NewRegistry(),
		newFetcher: buildFetcher,
	}
}

// worker returns the active worker, or nil before the first activation.
func (h *host) worker() *edgeworker.Worker {
	return h.current.Load()
}

// install builds a worker for cfg, runs install and activate, and makes it
// the active worker. When install fails the previous worker stays active.
func (h *host) install(ctx context.Context, cfg edgeworker.Config) (*edgeworker.Worker, error) {
	h.upgrade.Lock()
	defer h.upgrade.Unlock()

	prev := h.current.Load()
	if prev != nil && prev.Version() == cfg.Version {
		logging.FromContext(ctx).Debug("worker version unchanged", "version", cfg.Version)
		return prev, nil
	}

	fetcher, err := h.newFetcher(cfg)
	if err != nil {
		return nil, err
	}
	w, err := edgeworker.New(cfg, edgeworker.Deps{
		Store:   h.store,
		Fetcher: fetcher,
		Surface: h.tray,
		Clients: h.clients,
	})
	if err != nil {
		return nil, err
	}
	if err := w.Lifecycle(ctx); err != nil {
		return nil, err
	}
	h.current.Store(w)

	if prev != nil {
		logging.FromContext(ctx).Info("worker replaced", "from", prev.Version(), "to", w.Version())
		go func() {
			dctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			_ = prev.Drain(dctx)
		}()
	}
	return w, nil
}

// buildFetcher creates the origin fetcher described by cfg.Network.
func buildFetcher(cfg edgeworker.Config) (origin.Fetcher, error) {
	opts := origin.Options{Timeout: cfg.Network.Timeout()}
	if b := cfg.Network.Breaker; b != nil {
		opts.Breaker = origin.NewBreaker(b.Failures, b.Recoveries, time.Duration(b.CooldownMS)*time.Millisecond)
	}
	f, err := origin.NewHTTPFetcher(cfg.Origin, opts)
	if err != nil {
		return nil, fmt.Errorf("origin fetcher: %w", err)
	}
	return f, nil
}

// openStore opens the cache backend named by cfg.
func openStore(cfg edgeworker.StorageConfig) (cache.Store, error) {
	return cache.OpenStore(string(cfg.Driver), cfg.DSN)
}
