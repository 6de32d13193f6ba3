package resilience

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RateLimiter is a token bucket with a secondary sliding-window cap, used to
// bound how many coalesced operations a batcher is allowed to push through
// a single batch call against an external system in a given window. Unlike
// a per-call limiter, tokens here are spent per operation folded into the
// batch (via AllowN(len(ops))), so a batcher that happens to coalesce ten
// operations into one call consumes the same budget ten single-operation
// batches would have. Refill happens lazily on each Allow check based on
// elapsed time.
type RateLimiter struct {
	name string

	mu           sync.Mutex
	capacity     int64
	fillRate     float64
	available    float64
	lastRefill   time.Time
	windowStart  time.Time
	windowDur    time.Duration
	windowCount  int64
	maxPerWindow int64
}

// NewRateLimiter creates a combined token bucket + sliding window limiter
// for the batcher identified by name; name is attached to every dropped-
// request metric this limiter records, so a shared dashboard can tell which
// batcher is actually getting throttled.
func NewRateLimiter(name string, capacity int64, fillRate float64, windowDur time.Duration, maxPerWindow int64) *RateLimiter {
	return &RateLimiter{
		name:         name,
		capacity:     capacity,
		fillRate:     fillRate,
		available:    float64(capacity),
		lastRefill:   time.Now(),
		windowStart:  time.Now(),
		windowDur:    windowDur,
		maxPerWindow: maxPerWindow,
	}
}

// Allow consumes one token, as a convenience for callers issuing a single
// operation rather than a coalesced batch.
func (r *RateLimiter) Allow() bool {
	return r.AllowN(1)
}

// AllowN attempts to consume n tokens - one per operation folded into the
// batch this call is guarding.
func (r *RateLimiter) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	now := time.Now()
	meter := otel.GetMeterProvider().Meter("coalesce")
	attrs := metric.WithAttributes(attribute.String("coalesce.batcher", r.name))

	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed > 0 {
		refill := elapsed * r.fillRate
		if refill > 0 {
			r.available = minFloat(float64(r.capacity), r.available+refill)
			r.lastRefill = now
		}
	}

	if now.Sub(r.windowStart) >= r.windowDur {
		r.windowStart = now
		r.windowCount = 0
	}

	if r.maxPerWindow > 0 && r.windowCount+n > r.maxPerWindow {
		counter, _ := meter.Int64Counter("coalesce_resilience_ratelimit_window_drops_total")
		counter.Add(context.Background(), n, attrs)
		return false
	}

	if float64(n) <= r.available {
		r.available -= float64(n)
		r.windowCount += n
		return true
	}
	counter, _ := meter.Int64Counter("coalesce_resilience_ratelimit_token_drops_total")
	counter.Add(context.Background(), n, attrs)
	return false
}

// ReserveAfter returns the duration after which n tokens will be available.
func (r *RateLimiter) ReserveAfter(n int64) time.Duration {
	if n <= 0 {
		return 0
	}
	now := time.Now()
	need := float64(n)

	r.mu.Lock()
	defer r.mu.Unlock()

	elapsed := now.Sub(r.lastRefill).Seconds()
	if elapsed > 0 {
		refill := elapsed * r.fillRate
		if refill > 0 {
			r.available = minFloat(float64(r.capacity), r.available+refill)
			r.lastRefill = now
		}
	}

	if r.available >= need {
		return 0
	}
	shortfall := need - r.available
	seconds := shortfall / r.fillRate
	return time.Duration(seconds * float64(time.Second))
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
