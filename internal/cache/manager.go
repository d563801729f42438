package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/season-tracker/edgeworker/internal/logging"
	"github.com/season-tracker/edgeworker/internal/metrics"
	"github.com/season-tracker/edgeworker/internal/origin"
)

// ErrFetchFailed marks a manifest resource that could not be fetched or
// answered with a non-2xx status.
var ErrFetchFailed = errors.New("manifest fetch failed")

// Manager owns a Store on behalf of one worker version. Writes go to the
// namespace named after the version; reads search every namespace.
type Manager struct {
	store   Store
	version string
	scope   *url.URL
	fetcher origin.Fetcher

	// Concurrency bounds parallel manifest fetches. Zero means unbounded.
	Concurrency int
}

// NewManager creates a Manager pinned to version. Manifest paths are resolved
// against scope before fetching and keying.
func NewManager(store Store, version string, scope *url.URL, fetcher origin.Fetcher) *Manager {
	return &Manager{
		store:   store,
		version: version,
		scope:   scope,
		fetcher: fetcher,
	}
}

// Version returns the namespace this manager writes to.
func (m *Manager) Version() string { return m.version }

// Store returns the underlying store.
func (m *Manager) Store() Store { return m.store }

// Initialize fetches every manifest resource and then opens the version
// namespace and stores them. It is all-or-nothing: any failed fetch fails the
// call and the store is left untouched.
func (m *Manager) Initialize(ctx context.Context, manifest []string) error {
	entries := make([]Entry, len(manifest))
	g, gctx := errgroup.WithContext(ctx)
	if m.Concurrency > 0 {
		g.SetLimit(m.Concurrency)
	}
	for i, path := range manifest {
		g.Go(func() error {
			e, err := m.fetchManifestEntry(gctx, path)
			if err != nil {
				return err
			}
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := m.store.Open(ctx, m.version); err != nil {
		return err
	}
	if err := m.store.Put(ctx, m.version, entries...); err != nil {
		return fmt.Errorf("store manifest: %w", err)
	}
	logging.FromContext(ctx).Info("cache namespace populated",
		"namespace", m.version, "entries", len(entries))
	return nil
}

func (m *Manager) fetchManifestEntry(ctx context.Context, path string) (Entry, error) {
	req, err := m.Request(ctx, http.MethodGet, path)
	if err != nil {
		return Entry{}, err
	}
	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %s: %w", ErrFetchFailed, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Entry{}, fmt.Errorf("%w: %s returned status %d", ErrFetchFailed, path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %s: read body: %w", ErrFetchFailed, path, err)
	}
	return Entry{
		Key:      KeyFor(req),
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// Request builds a request for path resolved against the manager's scope.
func (m *Manager) Request(ctx context.Context, method, path string) (*http.Request, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse manifest path %q: %w", path, err)
	}
	target := ref
	if m.scope != nil {
		target = m.scope.ResolveReference(ref)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %q: %w", path, err)
	}
	return req, nil
}

// Purge deletes every namespace other than the manager's version and returns
// the names it removed.
func (m *Manager) Purge(ctx context.Context) ([]string, error) {
	deleted, err := m.store.Retain(ctx, m.version)
	if err != nil {
		return nil, fmt.Errorf("purge stale namespaces: %w", err)
	}
	if len(deleted) > 0 {
		metrics.NamespacesPurged.Add(float64(len(deleted)))
		logging.FromContext(ctx).Info("stale cache namespaces deleted",
			"keep", m.version, "deleted", strings.Join(deleted, ","))
	}
	return deleted, nil
}

// Get looks key up in every namespace in creation order and returns the first
// hit.
func (m *Manager) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	names, err := m.store.Namespaces(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, name := range names {
		e, ok, err := m.store.Get(ctx, name, key)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return e, true, nil
		}
	}
	return nil, false, nil
}

// Put consumes resp and stores its snapshot under key in the version
// namespace, replacing any earlier entry. Pass one half of Duplicate when the
// original response is still owed to a caller.
func (m *Manager) Put(ctx context.Context, key Key, resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response for %q: %w", key, err)
	}
	e := Entry{
		Key:      key,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}
	if err := m.store.Put(ctx, m.version, e); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Duplicate reads resp's body once and returns two independent responses over
// the same bytes. resp's body is closed.
func Duplicate(resp *http.Response) (*http.Response, *http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("duplicate response body: %w", err)
	}
	first := cloneResponse(resp, body)
	second := cloneResponse(resp, body)
	return first, second, nil
}

func cloneResponse(resp *http.Response, body []byte) *http.Response {
	c := *resp
	c.Header = resp.Header.Clone()
	c.Body = io.NopCloser(bytes.NewReader(body))
	c.ContentLength = int64(len(body))
	c.TransferEncoding = nil
	return &c
}
