// Package ratelimit throttles control messages posted to the worker so a
// misbehaving window cannot flood the notification surface.
package ratelimit

import (
	"net/http"
	"sync"
	"time"
)

// Bucket is a token bucket refilled continuously at a fixed rate.
type Bucket struct {
	mu       sync.Mutex
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
	now      func() time.Time
}

// NewBucket creates a full bucket refilled at perSecond tokens per second.
// capacity <= 0 means capacity equals perSecond.
func NewBucket(perSecond, capacity float64) *Bucket {
	if capacity <= 0 {
		capacity = perSecond
	}
	b := &Bucket{rate: perSecond, capacity: capacity, tokens: capacity, now: time.Now}
	b.last = b.now()
	return b
}

// Take removes one token and reports whether one was available.
func (b *Bucket) Take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.tokens = min(b.capacity, b.tokens+now.Sub(b.last).Seconds()*b.rate)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// idle reports whether the bucket has refilled completely.
func (b *Bucket) idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens+b.now().Sub(b.last).Seconds()*b.rate >= b.capacity
}

// Limiter keeps one Bucket per sender. A zero rate disables limiting.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*Bucket
	rate     float64
	capacity float64
}

// NewLimiter creates a Limiter whose buckets share rate and capacity.
func NewLimiter(perSecond, capacity float64) *Limiter {
	return &Limiter{
		buckets:  make(map[string]*Bucket),
		rate:     perSecond,
		capacity: capacity,
	}
}

// Allow reports whether sender may post another message now.
func (l *Limiter) Allow(sender string) bool {
	if l == nil || l.rate <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[sender]
	if !ok {
		b = NewBucket(l.rate, l.capacity)
		l.buckets[sender] = b
	}
	l.mu.Unlock()
	return b.Take()
}

// Prune forgets senders whose buckets are full again.
func (l *Limiter) Prune() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if b.idle() {
			delete(l.buckets, k)
		}
	}
}

// Len returns the number of tracked senders.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Sender identifies the poster of r: the X-Client-ID header set by the
// window when present, else the remote address.
func Sender(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	return r.RemoteAddr
}
