package origin

import (
	"sync"
	"time"

	"github.com/season-tracker/edgeworker/internal/metrics"
)

// BreakerState is the reachability verdict for the origin.
type BreakerState int

const (
	// BreakerClosed lets fetches through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects fetches with ErrOriginUnavailable until the cool-down ends.
	BreakerOpen
	// BreakerProbing lets fetches through to test whether the origin is back.
	BreakerProbing
)

// String implements fmt.Stringer.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// Breaker tracks consecutive transport failures against the origin. After
// Failures consecutive failures it opens for Cooldown, then probes; Recoveries
// consecutive probe successes close it again and any probe failure reopens it.
//
// An open breaker turns fetches into immediate network failures, which the
// strategies already treat as "offline" and answer from cache.
type Breaker struct {
	mu         sync.Mutex
	state      BreakerState
	failures   int
	recoveries int

	maxFailures   int
	maxRecoveries int
	cooldown      time.Duration
	reopenAt      time.Time
}

// NewBreaker creates a Breaker. Zero or negative values fall back to
// failures=5, recoveries=1, cooldown=30s.
func NewBreaker(failures, recoveries int, cooldown time.Duration) *Breaker {
	if failures <= 0 {
		failures = 5
	}
	if recoveries <= 0 {
		recoveries = 1
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	b := &Breaker{
		maxFailures:   failures,
		maxRecoveries: recoveries,
		cooldown:      cooldown,
	}
	b.publish()
	return b
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current()
}

// current must be called with b.mu held.
func (b *Breaker) current() BreakerState {
	if b.state == BreakerOpen && !time.Now().Before(b.reopenAt) {
		b.state = BreakerProbing
		b.recoveries = 0
		b.publish()
	}
	return b.state
}

// Allow reports whether a fetch may go to the network.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current() != BreakerOpen
}

// RecordSuccess notes a completed fetch.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.current() {
	case BreakerProbing:
		b.recoveries++
		if b.recoveries >= b.maxRecoveries {
			b.state = BreakerClosed
			b.failures = 0
			b.recoveries = 0
			b.publish()
		}
	case BreakerClosed:
		b.failures = 0
	}
}

// RecordFailure notes a transport failure.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.current() {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.maxFailures {
			b.trip()
		}
	case BreakerProbing:
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.reopenAt = time.Now().Add(b.cooldown)
	b.recoveries = 0
	b.publish()
}

func (b *Breaker) publish() {
	metrics.OriginBreakerState.Set(float64(b.state))
}
