package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	edgeworker "github.com/season-tracker/edgeworker"
	"github.com/season-tracker/edgeworker/internal/logging"
	"github.com/season-tracker/edgeworker/internal/ratelimit"
	"github.com/season-tracker/edgeworker/internal/version"
)

// hostEnv is the process configuration read from the environment. Values set
// here override the config file.
type hostEnv struct {
	ConfigPath      string        `env:"WORKER_CONFIG"`
	Port            string        `env:"PORT" envDefault:"8080"`
	Origin          string        `env:"WORKER_ORIGIN"`
	Scope           string        `env:"WORKER_SCOPE"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" envSeparator:","`
	StorageDriver   string        `env:"STORAGE_DRIVER"`
	StorageDSN      string        `env:"STORAGE_DSN"`
	WatchConfig     bool          `env:"WORKER_WATCH_CONFIG" envDefault:"true"`
	MessageRate     float64       `env:"MESSAGE_RATE" envDefault:"0"`
	MessageBurst    float64       `env:"MESSAGE_BURST" envDefault:"5"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

func main() {
	if err := run(); err != nil {
		logging.Logger.Error("seasonworker exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var he hostEnv
	if err := env.Parse(&he); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	cfg, err := loadHostConfig(he)
	if err != nil {
		return err
	}
	log := logging.Logger
	log.Info("config loaded",
		"version", cfg.Version, "scope", cfg.Scope, "origin", cfg.Origin,
		"manifest", len(cfg.Manifest), "storage", cfg.Storage.Driver)

	store, err := openStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("open cache store: %w", err)
	}
	defer store.Close() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := newHost(store)
	if he.MessageRate > 0 {
		h.limiter = ratelimit.NewLimiter(he.MessageRate, he.MessageBurst)
		go pruneLimiter(ctx, h.limiter)
	}
	if _, err := h.install(ctx, cfg); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	if he.WatchConfig && he.ConfigPath != "" {
		go func() {
			err := watchConfig(ctx, he.ConfigPath, func() {
				next, err := loadHostConfig(he)
				if err != nil {
					log.Warn("config reload rejected", "error", err)
					return
				}
				if _, err := h.install(ctx, next); err != nil {
					log.Error("worker upgrade failed; previous version keeps serving",
						"version", next.Version, "error", err)
				}
			})
			if err != nil {
				log.Warn("config watch stopped", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:         ":" + he.Port,
		Handler:      newRouter(h, he.CORSOrigins),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info("seasonworker listening", "build", version.Short(), "addr", srv.Addr, "version", cfg.Version)
	if err := serve(ctx, srv, h, he.ShutdownTimeout); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

// serve runs srv until ctx is done, then shuts it down and drains the active
// worker's background refreshes. It returns only after the drain has finished
// or timed out, so the store can be closed safely afterwards.
func serve(ctx context.Context, srv *http.Server, h *host, timeout time.Duration) error {
	log := logging.Logger
	stopped := make(chan struct{})

	// Graceful shutdown on SIGINT / SIGTERM.
	go func() {
		defer close(stopped)
		<-ctx.Done()
		log.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("shutdown error", "error", err)
		}
		if wk := h.worker(); wk != nil {
			if err := wk.Drain(shutdownCtx); err != nil {
				log.Warn("background refreshes abandoned", "error", err)
			}
		}
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	<-stopped
	return nil
}

// loadHostConfig reads WORKER_CONFIG when set, applies environment overrides
// and validates the result.
func loadHostConfig(he hostEnv) (edgeworker.Config, error) {
	cfg := edgeworker.DefaultConfig()
	cfg.Scope = "http://localhost:" + he.Port + "/"
	if he.ConfigPath != "" {
		loaded, err := edgeworker.LoadConfig(he.ConfigPath)
		if err != nil {
			return edgeworker.Config{}, fmt.Errorf("load config: %w", err)
		}
		cfg = *loaded
	}
	if he.Origin != "" {
		cfg.Origin = he.Origin
	}
	if he.Scope != "" {
		cfg.Scope = he.Scope
	}
	if he.StorageDriver != "" {
		cfg.Storage.Driver = edgeworker.StorageDriver(he.StorageDriver)
	}
	if he.StorageDSN != "" {
		cfg.Storage.DSN = he.StorageDSN
	}
	if err := edgeworker.ValidateConfig(cfg); err != nil {
		return edgeworker.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// pruneLimiter drops idle senders once a minute until ctx is done.
func pruneLimiter(ctx context.Context, l *ratelimit.Limiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune()
		}
	}
}
