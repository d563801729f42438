// Package origin performs the live network fetches behind the worker. An
// HTTPFetcher rewrites intercepted request URLs from the public scope to the
// upstream origin, bounds each call with a timeout and reports failures to a
// Breaker so an unreachable origin fails fast.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/season-tracker/edgeworker/internal/metrics"
)

// Fetcher performs a live network fetch. A returned error means the network
// was unreachable; any HTTP status, including 5xx, is a completed fetch.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch calls f(ctx, req).
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// ErrOriginUnavailable is returned without touching the network while the
// breaker is open.
var ErrOriginUnavailable = errors.New("origin unavailable")

// hopHeaders are connection-scoped and never forwarded upstream.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Options configures an HTTPFetcher.
type Options struct {
	// Timeout bounds a single fetch. Zero means no per-fetch timeout.
	Timeout time.Duration
	// Client is the HTTP client used for upstream calls. Defaults to a client
	// that does not follow redirects, so redirects reach the caller as-is.
	Client *http.Client
	// Breaker guards the origin. Nil disables fail-fast.
	Breaker *Breaker
}

// HTTPFetcher forwards requests to a single upstream origin.
type HTTPFetcher struct {
	target  *url.URL
	client  *http.Client
	timeout time.Duration
	breaker *Breaker
}

// NewHTTPFetcher creates a fetcher for the given origin base URL.
func NewHTTPFetcher(originURL string, opts Options) (*HTTPFetcher, error) {
	target, err := url.Parse(strings.TrimSpace(originURL))
	if err != nil {
		return nil, fmt.Errorf("parse origin url: %w", err)
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, fmt.Errorf("origin url %q must be absolute", originURL)
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &HTTPFetcher{
		target:  target,
		client:  client,
		timeout: opts.Timeout,
		breaker: opts.Breaker,
	}, nil
}

// Fetch sends req to the origin. The request URL keeps its path and query;
// scheme and host are replaced with the origin's.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if f.breaker != nil && !f.breaker.Allow() {
		metrics.OriginErrors.WithLabelValues("breaker_open").Inc()
		return nil, ErrOriginUnavailable
	}

	var cancel context.CancelFunc
	if f.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
	}

	out := f.outbound(ctx, req)
	resp, err := f.client.Do(out)
	if err != nil {
		if cancel != nil {
			cancel()
		}
		f.recordFailure(ctx, err)
		return nil, fmt.Errorf("fetch %s: %w", req.URL.Path, err)
	}
	if f.breaker != nil {
		f.breaker.RecordSuccess()
	}
	if cancel != nil {
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	}
	return resp, nil
}

func (f *HTTPFetcher) outbound(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	u := *req.URL
	u.Scheme = f.target.Scheme
	u.Host = f.target.Host
	if base := strings.TrimSuffix(f.target.Path, "/"); base != "" {
		u.Path = base + u.Path
		u.RawPath = ""
	}
	u.Fragment = ""
	out.URL = &u
	out.Host = f.target.Host
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	if out.Header.Get("X-Forwarded-Host") == "" && req.Host != "" {
		out.Header.Set("X-Forwarded-Host", req.Host)
	}
	return out
}

func (f *HTTPFetcher) recordFailure(ctx context.Context, err error) {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		metrics.OriginErrors.WithLabelValues("timeout").Inc()
	case errors.Is(err, context.Canceled):
		// The caller went away; that says nothing about the origin.
		metrics.OriginErrors.WithLabelValues("canceled").Inc()
		return
	default:
		metrics.OriginErrors.WithLabelValues("transport").Inc()
	}
	if f.breaker != nil {
		f.breaker.RecordFailure()
	}
}

// cancelOnClose releases the per-fetch timeout once the body is consumed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
