package strategies

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/season-tracker/edgeworker/internal/cache"
	"github.com/season-tracker/edgeworker/internal/logging"
	"github.com/season-tracker/edgeworker/internal/metrics"
	"github.com/season-tracker/edgeworker/internal/origin"
)

const defaultRevalidateTimeout = 30 * time.Second

// Background tracks cache writes that outlive the request that started them.
// Go may be called while a Wait is in progress. The zero value is ready to use.
type Background struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

// Go runs fn on its own goroutine and tracks it until it returns.
func (b *Background) Go(fn func()) {
	b.mu.Lock()
	if b.n == 0 {
		b.idle = make(chan struct{})
	}
	b.n++
	b.mu.Unlock()

	go func() {
		defer b.done()
		fn()
	}()
}

func (b *Background) done() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.n--
	if b.n == 0 {
		close(b.idle)
		b.idle = nil
	}
}

// Pending returns the number of tracked tasks still running.
func (b *Background) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

// Wait blocks until no tracked task is running or ctx is done. Tasks started
// while waiting are waited for too.
func (b *Background) Wait(ctx context.Context) error {
	b.mu.Lock()
	idle := b.idle
	b.mu.Unlock()
	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StaleWhileRevalidate answers from the cache when it can and refreshes the
// snapshot from the network in the background. Concurrent refreshes of the
// same key race; the last completed write wins.
type StaleWhileRevalidate struct {
	cache      Cache
	fetcher    origin.Fetcher
	background *Background
	timeout    time.Duration
}

// NewStaleWhileRevalidate creates the strategy. timeout bounds each
// background refresh; zero means 30s.
func NewStaleWhileRevalidate(c Cache, f origin.Fetcher, bg *Background, timeout time.Duration) *StaleWhileRevalidate {
	if timeout <= 0 {
		timeout = defaultRevalidateTimeout
	}
	return &StaleWhileRevalidate{
		cache:      c,
		fetcher:    f,
		background: bg,
		timeout:    timeout,
	}
}

// Execute returns the cached snapshot immediately on a hit and refreshes it in
// the background. On a miss it returns the live response and captures a copy;
// a failed live fetch on a miss is returned to the caller.
func (s *StaleWhileRevalidate) Execute(ctx context.Context, req *http.Request) (*http.Response, Source, error) {
	log := logging.FromContext(ctx)
	key := cache.KeyFor(req)

	if cacheable(req) {
		entry, ok, err := s.cache.Get(ctx, key)
		if err != nil {
			log.Warn("cache lookup failed, going to network", "key", string(key), "error", err)
		}
		if ok {
			s.revalidate(ctx, req, key)
			return entry.Response(req), SourceCache, nil
		}
	}

	resp, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, SourceError, fmt.Errorf("%w: %w", ErrNoCachedResponse, err)
	}
	if !cacheable(req) || !storable(resp) {
		return resp, SourceNetwork, nil
	}

	out, snapshot, err := cache.Duplicate(resp)
	if err != nil {
		return nil, SourceError, err
	}
	bgctx := context.WithoutCancel(ctx)
	s.background.Go(func() {
		s.store(bgctx, key, snapshot)
	})
	return out, SourceNetwork, nil
}

// revalidate refreshes key from the network without holding up the caller.
// Failures are logged and otherwise invisible.
func (s *StaleWhileRevalidate) revalidate(ctx context.Context, req *http.Request, key cache.Key) {
	bgctx := context.WithoutCancel(ctx)
	live := req.Clone(bgctx)
	s.background.Go(func() {
		fctx, cancel := context.WithTimeout(bgctx, s.timeout)
		defer cancel()

		resp, err := s.fetcher.Fetch(fctx, live.WithContext(fctx))
		if err != nil {
			metrics.Revalidations.WithLabelValues("failed").Inc()
			logging.FromContext(bgctx).Debug("background refresh failed", "key", string(key), "error", err)
			return
		}
		if !storable(resp) {
			_ = resp.Body.Close()
			metrics.Revalidations.WithLabelValues("skipped").Inc()
			return
		}
		s.store(fctx, key, resp)
	})
}

func (s *StaleWhileRevalidate) store(ctx context.Context, key cache.Key, resp *http.Response) {
	err := s.cache.Put(ctx, key, resp)
	if errors.Is(err, cache.ErrNamespaceNotFound) {
		// This version's namespace was purged by a newer worker.
		metrics.Revalidations.WithLabelValues("skipped").Inc()
		return
	}
	if err != nil {
		metrics.Revalidations.WithLabelValues("failed").Inc()
		logging.FromContext(ctx).Warn("cache write failed", "key", string(key), "error", err)
		return
	}
	metrics.Revalidations.WithLabelValues("stored").Inc()
}
