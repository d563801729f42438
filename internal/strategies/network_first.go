package strategies

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/season-tracker/edgeworker/internal/cache"
	"github.com/season-tracker/edgeworker/internal/logging"
	"github.com/season-tracker/edgeworker/internal/origin"
)

// NetworkFirst prefers the live response and reads the cache only when the
// network is unreachable. Live responses are never written to the cache.
type NetworkFirst struct {
	cache   Cache
	fetcher origin.Fetcher
}

// NewNetworkFirst creates a network-first strategy.
func NewNetworkFirst(c Cache, f origin.Fetcher) *NetworkFirst {
	return &NetworkFirst{cache: c, fetcher: f}
}

// Execute fetches req live; on a network failure it answers with the cached
// snapshot, or returns the network error joined with ErrNoCachedResponse.
func (n *NetworkFirst) Execute(ctx context.Context, req *http.Request) (*http.Response, Source, error) {
	resp, netErr := n.fetcher.Fetch(ctx, req)
	if netErr == nil {
		return resp, SourceNetwork, nil
	}

	log := logging.FromContext(ctx)
	entry, ok, err := n.cache.Get(ctx, cache.KeyFor(req))
	if err != nil {
		log.Warn("cache lookup failed during network fallback", "url", req.URL.String(), "error", err)
		return nil, SourceError, errors.Join(netErr, err)
	}
	if !ok {
		return nil, SourceError, fmt.Errorf("%w: %w", ErrNoCachedResponse, netErr)
	}
	log.Debug("network unreachable, serving cached response", "url", req.URL.String(), "error", netErr)
	return entry.Response(req), SourceCache, nil
}
