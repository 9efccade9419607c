// Package ratelimit implements a per-client token bucket used to throttle job intake.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleAfter is how long an untouched client bucket is kept.
const idleAfter = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages one token bucket per client key.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	rate     rate.Limit
	burst    int
	now      func() time.Time
	lastTrim time.Time
}

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the sustained request rate per client. Zero or less disables limiting.
	RPS   float64
	Burst int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    r,
		burst:   burst,
		now:     time.Now,
	}
}

// Enabled reports whether the limiter can ever reject a request.
func (l *Limiter) Enabled() bool {
	return l != nil && l.rate != rate.Inf
}

// Allow consumes one token for key and reports whether the request may proceed.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.trim(now)
	return b.limiter.AllowN(now, 1)
}

// Clients returns how many client buckets are tracked.
func (l *Limiter) Clients() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// trim drops idle buckets at most once per idleAfter. Callers hold mu.
func (l *Limiter) trim(now time.Time) {
	if now.Sub(l.lastTrim) < idleAfter {
		return
	}
	l.lastTrim = now
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) >= idleAfter {
			delete(l.buckets, key)
		}
	}
}
