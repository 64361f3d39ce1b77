package policy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateLimiter paces calls per agent using token buckets.
type rateLimiter struct {
	limiters sync.Map   // agent → *limiterEntry
	r        rate.Limit // refill rate (requests per second)
	burst    int        // max burst size

	lastCleanup atomic.Int64 // unix nanos
}

const staleLimiterAge = 10 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	mu       sync.Mutex
	lastSeen time.Time
}

// newRateLimiter creates a limiter. If rps <= 0 it never waits.
func newRateLimiter(rps float64, burst int) *rateLimiter {
	if burst <= 0 {
		burst = 5
	}
	r := rate.Limit(0)
	if rps > 0 {
		r = rate.Limit(rps)
	}
	rl := &rateLimiter{r: r, burst: burst}
	rl.lastCleanup.Store(time.Now().UnixNano())
	return rl
}

// Wait blocks until a call for key is allowed or ctx is done.
func (rl *rateLimiter) Wait(ctx context.Context, key string) error {
	if rl.r == 0 {
		return nil // disabled
	}
	now := time.Now()
	if last := rl.lastCleanup.Load(); now.Sub(time.Unix(0, last)) > staleLimiterAge &&
		rl.lastCleanup.CompareAndSwap(last, now.UnixNano()) {
		rl.cleanup(now.Add(-staleLimiterAge))
	}

	entry := rl.getOrCreate(key)
	entry.mu.Lock()
	entry.lastSeen = now
	entry.mu.Unlock()
	return entry.limiter.Wait(ctx)
}

func (rl *rateLimiter) getOrCreate(key string) *limiterEntry {
	if v, ok := rl.limiters.Load(key); ok {
		return v.(*limiterEntry)
	}
	entry := &limiterEntry{
		limiter:  rate.NewLimiter(rl.r, rl.burst),
		lastSeen: time.Now(),
	}
	actual, _ := rl.limiters.LoadOrStore(key, entry)
	return actual.(*limiterEntry)
}

// cleanup drops limiters idle since before cutoff.
func (rl *rateLimiter) cleanup(cutoff time.Time) {
	rl.limiters.Range(func(key, value any) bool {
		entry := value.(*limiterEntry)
		entry.mu.Lock()
		stale := entry.lastSeen.Before(cutoff)
		entry.mu.Unlock()
		if stale {
			rl.limiters.Delete(key)
		}
		return true
	})
}
