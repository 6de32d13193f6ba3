package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Retry calls fn until it succeeds, attempts is exhausted, or ctx is
// cancelled, backing off exponentially (doubling, capped at 60s) with full
// jitter between attempts. It is the general-purpose retry helper used by
// code in this module that isn't already wrapping a dedicated HTTP client
// retry policy (see batchers.HTTPBatcher, which uses
// github.com/cenkalti/backoff/v4 instead since it is calling into a client
// that already speaks that library's retry hook).
//
// batcherName and operationCount identify which coalesced batch call is
// being retried, so the recorded counters can tell a batcher that retries
// constantly on small batches apart from one that only retries on its
// rare large ones.
func Retry[T any](ctx context.Context, batcherName string, operationCount int, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	meter := otel.GetMeterProvider().Meter("coalesce")
	attemptsCounter, _ := meter.Int64Counter("coalesce_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("coalesce_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("coalesce_resilience_retry_fail_total")
	attrs := metric.WithAttributes(
		attribute.String("coalesce.batcher", batcherName),
		attribute.Int("coalesce.batch_size", operationCount),
	)

	var zero T
	cur := delay
	var lastErr error
	for i := 0; i < attempts; i++ {
		attemptsCounter.Add(ctx, 1, attrs)
		result, err := fn()
		if err == nil {
			successCounter.Add(ctx, 1, attrs)
			return result, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		jittered := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1, attrs)
			return zero, ctx.Err()
		case <-time.After(jittered):
		}
		cur *= 2
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
	}
	failCounter.Add(ctx, 1, attrs)
	return zero, lastErr
}
