// Package ratelimit provides keyed token buckets, one per caller.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether the caller identified by key may proceed.
type Limiter interface {
	Allow(key string) bool
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Keyed holds one token bucket per key.
type Keyed struct {
	mu      sync.Mutex
	buckets map[string]*entry
	rate    rate.Limit
	burst   int
	now     func() time.Time
}

// New creates a limiter refilling at rps tokens per second with the given burst.
func New(rps float64, burst int) *Keyed {
	return &Keyed{
		buckets: make(map[string]*entry),
		rate:    rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
	}
}

// PerMinute creates a limiter allowing n requests per minute per key.
func PerMinute(n int, burst int) *Keyed {
	return New(float64(n)/60, burst)
}

func (k *Keyed) Allow(key string) bool {
	now := k.now()

	k.mu.Lock()
	e, ok := k.buckets[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(k.rate, k.burst)}
		k.buckets[key] = e
	}
	e.lastSeen = now
	k.mu.Unlock()

	return e.limiter.AllowN(now, 1)
}

// Cleanup drops buckets idle for longer than maxAge and returns how many
// were removed. An idle bucket has refilled, so dropping it loses nothing.
func (k *Keyed) Cleanup(maxAge time.Duration) int {
	cutoff := k.now().Add(-maxAge)

	k.mu.Lock()
	defer k.mu.Unlock()
	removed := 0
	for key, e := range k.buckets {
		if e.lastSeen.Before(cutoff) {
			delete(k.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}
