// Package strategies implements the retrieval strategies applied to
// intercepted requests.
//
// Available strategies:
//   - NetworkFirst:          live fetch, cache only when the network fails.
//   - StaleWhileRevalidate:  cached snapshot now, refresh in the background.
//
// The Interceptor classifies each request by path prefix and hands it to the
// matching strategy.
package strategies

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/season-tracker/edgeworker/internal/cache"
	"github.com/season-tracker/edgeworker/internal/metrics"
	"github.com/season-tracker/edgeworker/internal/origin"
)

// ErrNoCachedResponse is joined to the network error when a failed fetch has
// no cached snapshot to fall back on.
var ErrNoCachedResponse = errors.New("no cached response")

// Source reports where a strategy's answer came from.
type Source string

// Source values.
const (
	SourceNetwork Source = "network"
	SourceCache   Source = "cache"
	SourceError   Source = "error"
)

// Strategy answers one intercepted request.
type Strategy interface {
	// Execute returns the response for req and where it came from.
	Execute(ctx context.Context, req *http.Request) (*http.Response, Source, error)
}

// Cache is the slice of cache.Manager the strategies need.
type Cache interface {
	Get(ctx context.Context, key cache.Key) (*cache.Entry, bool, error)
	Put(ctx context.Context, key cache.Key, resp *http.Response) error
}

// Route is the class a request falls into.
type Route string

// Route classes.
const (
	RouteDynamic Route = "dynamic"
	RouteStatic  Route = "static"
)

// DefaultAPIPrefix marks dynamic requests when none is configured.
const DefaultAPIPrefix = "/api/"

// Interceptor routes requests to network-first or stale-while-revalidate.
type Interceptor struct {
	apiPrefix string
	dynamic   Strategy
	static    Strategy
}

// Options configures NewInterceptor.
type Options struct {
	// APIPrefix is the path prefix of dynamic requests.
	APIPrefix string
	// RevalidateTimeout bounds background refreshes. Zero means 30s.
	RevalidateTimeout time.Duration
	// Background tracks detached refreshes. Nil allocates a private tracker.
	Background *Background
}

// NewInterceptor wires both strategies over the same cache and fetcher.
func NewInterceptor(c Cache, f origin.Fetcher, opts Options) *Interceptor {
	prefix := opts.APIPrefix
	if prefix == "" {
		prefix = DefaultAPIPrefix
	}
	bg := opts.Background
	if bg == nil {
		bg = &Background{}
	}
	return &Interceptor{
		apiPrefix: prefix,
		dynamic:   NewNetworkFirst(c, f),
		static:    NewStaleWhileRevalidate(c, f, bg, opts.RevalidateTimeout),
	}
}

// Classify returns RouteDynamic when the request path starts with the API
// prefix and RouteStatic otherwise.
func (i *Interceptor) Classify(req *http.Request) Route {
	if req.URL != nil && strings.HasPrefix(req.URL.Path, i.apiPrefix) {
		return RouteDynamic
	}
	return RouteStatic
}

// Handle classifies req and runs the matching strategy.
func (i *Interceptor) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	start := time.Now()
	route := i.Classify(req)
	strategy := i.static
	if route == RouteDynamic {
		strategy = i.dynamic
	}

	resp, source, err := strategy.Execute(ctx, req)
	if err != nil {
		source = SourceError
	}
	metrics.FetchTotal.WithLabelValues(string(route), string(source)).Inc()
	metrics.FetchDuration.WithLabelValues(string(route)).Observe(time.Since(start).Seconds())
	return resp, err
}

// cacheable reports whether req may be looked up in or written to the cache.
// Only GET requests are.
func cacheable(req *http.Request) bool {
	return req.Method == "" || req.Method == http.MethodGet
}

// storable reports whether a live response may be captured: a complete 2xx
// answer that does not vary on everything.
func storable(resp *http.Response) bool {
	if resp.StatusCode < 200 || resp.StatusCode > 299 || resp.StatusCode == http.StatusPartialContent {
		return false
	}
	for _, v := range resp.Header.Values("Vary") {
		if strings.TrimSpace(v) == "*" {
			return false
		}
	}
	return true
}
