package api

import (
	"math"
	"sync"
	"time"
)

const limiterSweepInterval = time.Minute

// rateLimiter is a keyed token bucket. Each key gets its own bucket
// sized by the caller per call site, so one limiter serves every
// throttled surface.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	sweepOnce sync.Once
	done      chan struct{}
}

type bucket struct {
	tokens     int
	max        int
	window     time.Duration
	lastRefill time.Time
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
}

// Allow consumes one token from the bucket for key, creating it full
// on first sight. When the bucket is empty it returns false and the
// whole seconds to wait before retrying.
func (rl *rateLimiter) Allow(key string, max int, window time.Duration) (bool, int) {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: max, max: max, window: window, lastRefill: now}
		rl.buckets[key] = b
		rl.startSweeper()
	}

	// Refill in whole tokens proportional to elapsed time. The refill
	// clock only advances when at least one token was earned, so
	// fractional progress is never lost.
	elapsed := now.Sub(b.lastRefill)
	if elapsed > 0 {
		refill := int(float64(b.max) * (float64(elapsed) / float64(b.window)))
		if refill > 0 {
			b.tokens += refill
			if b.tokens > b.max {
				b.tokens = b.max
			}
			b.lastRefill = now
		}
	}

	if b.tokens > 0 {
		b.tokens--
		return true, 0
	}

	retryAfter := int(math.Ceil(b.window.Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return false, retryAfter
}

func (rl *rateLimiter) startSweeper() {
	rl.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(limiterSweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					rl.sweep(time.Now())
				case <-rl.done:
					return
				}
			}
		}()
	})
}

// sweep drops buckets idle for more than twice their window.
func (rl *rateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if now.Sub(b.lastRefill) > 2*b.window {
			delete(rl.buckets, key)
		}
	}
}

// Close stops the sweeper goroutine.
func (rl *rateLimiter) Close() {
	close(rl.done)
}
