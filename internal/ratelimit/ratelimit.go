// Package ratelimit throttles RPC traffic per key using token buckets.
// Keys are arbitrary (session id, username, remote address); each key
// gets its own bucket, created on first use and pruned when idle.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nugget/odoo-bridge/internal/odooerr"
)

// idleTTL is how long an untouched bucket survives before pruning.
const idleTTL = 10 * time.Minute

// Limiter throttles requests per key.
type Limiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter allowing requestsPerMinute sustained requests
// per key. Burst capacity equals the per-minute rate so short spikes
// pass. A non-positive rate disables limiting entirely.
func New(requestsPerMinute int) *Limiter {
	l := &Limiter{
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	if requestsPerMinute > 0 {
		l.limit = rate.Limit(float64(requestsPerMinute) / 60.0)
		l.burst = requestsPerMinute
	} else {
		l.limit = rate.Inf
		l.burst = 1
	}
	return l
}

func (l *Limiter) bucketFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = l.now()
	return b.limiter
}

// Allow reports whether a request for key may proceed now.
func (l *Limiter) Allow(key string) bool {
	return l.bucketFor(key).Allow()
}

// Wait blocks until a request for key may proceed or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if err := l.bucketFor(key).Wait(ctx); err != nil {
		return odooerr.Network("rate limit wait cancelled: "+err.Error(), err)
	}
	return nil
}

// Prune drops buckets idle longer than idleTTL and returns how many
// were removed.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idleTTL)
	n := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// Tracked returns the number of live buckets.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
