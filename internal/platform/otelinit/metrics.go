package otelinit

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Metrics holds the module's coalescing-specific instruments.
type Metrics struct {
	BatchesStarted     metric.Int64Counter
	OperationsBatched  metric.Int64Counter
	OperationsPerBatch metric.Float64Histogram
	RetryAttempts      metric.Int64Counter
}

// InitMetrics sets up a global OTLP/gRPC metrics exporter (push model) and
// returns a shutdown func plus the Metrics instrument set. The batchers do
// not record against these instruments, and resilience.Retry creates its
// own counters from the global meter provider. If the exporter cannot be reached,
// metrics degrade to no-op instruments rather than failing startup.
func InitMetrics(ctx context.Context, service string) (shutdown func(context.Context) error, m Metrics) {
	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT")
	if endpoint == "" {
		endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = "localhost:4317"
	}
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		slog.Warn("otel metrics exporter init failed, metrics disabled", "error", err)
		return func(context.Context) error { return nil }, createCommonInstruments()
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	slog.Info("otel metrics initialized", "endpoint", endpoint)
	return mp.Shutdown, createCommonInstruments()
}

func createCommonInstruments() Metrics {
	meter := otel.Meter(TracerName)
	batches, _ := meter.Int64Counter("coalesce_batches_started_total")
	ops, _ := meter.Int64Counter("coalesce_operations_batched_total")
	perBatch, _ := meter.Float64Histogram("coalesce_operations_per_batch")
	retry, _ := meter.Int64Counter("coalesce_resilience_retry_attempts_total")
	return Metrics{
		BatchesStarted:     batches,
		OperationsBatched:  ops,
		OperationsPerBatch: perBatch,
		RetryAttempts:      retry,
	}
}
