package logging

import (
	"log/slog"
	"os"
	"strings"
	"time"
)

// Init configures the global slog logger. JSON if COALESCE_JSON_LOG=1/true,
// else text.
func Init(service string) *slog.Logger {
	mode := strings.ToLower(os.Getenv("COALESCE_JSON_LOG"))
	var handler slog.Handler
	if mode == "1" || mode == "true" || mode == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{AddSource: false, Level: levelFromEnv()})
	}
	logger := slog.New(handler).With("service", service)
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", mode == "1" || mode == "true" || mode == "json")
	return logger
}

// LogBatchOutcome records a batcher's GenBatch call at the level its result
// warrants: Error on failure, Warn when it succeeded but took long enough to
// be worth flagging (see slowBatchThreshold), Debug otherwise - a coalescing
// scheduler can drive hundreds of these a second, so routine fast batches
// shouldn't compete for attention with the ones that actually need it.
func LogBatchOutcome(batcher string, operationCount int, duration time.Duration, err error) {
	fields := []any{"batcher", batcher, "operation_count", operationCount, "duration", duration}
	switch {
	case err != nil:
		slog.Error("batch call failed", append(fields, "error", err)...)
	case duration >= slowBatchThreshold:
		slog.Warn("batch call completed slowly", fields...)
	default:
		slog.Debug("batch call completed", fields...)
	}
}

// slowBatchThreshold is the duration above which a successful batch call is
// logged at Warn instead of Debug.
const slowBatchThreshold = 2 * time.Second

func levelFromEnv() slog.Leveler {
	lvl := strings.ToLower(os.Getenv("COALESCE_LOG_LEVEL"))
	switch lvl {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info", "":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}
