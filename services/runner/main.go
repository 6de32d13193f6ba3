package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/coalesce"
	"github.com/swarmguard/coalesce/batchers"
	"github.com/swarmguard/coalesce/internal/platform/logging"
	"github.com/swarmguard/coalesce/internal/platform/otelinit"
)

// exampleJob demonstrates three independently-failing HTTP lookups against
// the same upstream endpoint being folded into one request whenever the
// scheduler fires; replace it with real Job functions wired to the
// batchers relevant to your workload.
func exampleJob(endpoint string) Job {
	return func() []any {
		paths := []string{"/accounts/1", "/accounts/2", "/accounts/3"}
		specs := make([]any, len(paths))
		for i, p := range paths {
			p := p
			specs[i] = coalesce.NewTask(func(y coalesce.Yielder) (any, error) {
				return y.Yield(batchers.HTTPOperation{Endpoint: endpoint, Path: p})
			})
		}
		return specs
	}
}

func main() {
	logging.Init("coalesce-runner")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTrace := otelinit.InitTracer(ctx, "coalesce-runner")
	shutdownMetrics, metrics := otelinit.InitMetrics(ctx, "coalesce-runner")
	_ = metrics

	dbPath := os.Getenv("COALESCE_RUN_DB")
	if dbPath == "" {
		dbPath = "runner.db"
	}
	scheduler, err := NewScheduler(dbPath, otel.Meter(otelinit.TracerName))
	if err != nil {
		slog.Error("failed to start scheduler", "error", err)
		os.Exit(1)
	}

	endpoint := os.Getenv("COALESCE_EXAMPLE_ENDPOINT")
	if endpoint != "" {
		if err := scheduler.AddJob("fetch-accounts", "*/30 * * * * *", exampleJob(endpoint)); err != nil {
			slog.Error("failed to register job", "error", err)
			os.Exit(1)
		}
	}
	scheduler.Start()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/runs/", func(w http.ResponseWriter, r *http.Request) {
		job := r.URL.Path[len("/v1/runs/"):]
		records, err := scheduler.History(job)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(records)
	})

	srv := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			stop()
		}
	}()

	slog.Info("runner started")
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = scheduler.Stop(shutdownCtx)
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}
