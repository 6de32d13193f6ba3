// Package main runs a small daemon that periodically drives a coalescing
// scheduler run over a fixed set of jobs, on a cron schedule, persisting a
// history of each run to disk.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/coalesce"
)

var bucketRuns = []byte("runs")

// Job produces the top-level specs for one coalescing run. It is called
// fresh each time the job fires, so a Job is free to build new *Task values
// referencing request-scoped state (a deadline, a user id) every tick.
type Job func() []any

// RunRecord is what gets persisted for every completed job execution.
type RunRecord struct {
	ID        string    `json:"id"`
	Job       string    `json:"job"`
	StartedAt time.Time `json:"started_at"`
	Duration  string    `json:"duration"`
	SpecCount int       `json:"spec_count"`
	Error     string    `json:"error,omitempty"`
}

// Scheduler wraps a cron.Cron, running each registered Job's specs through
// coalesce.ExecuteSeq and recording the outcome.
type Scheduler struct {
	cron *cron.Cron
	db   *bbolt.DB

	mu   sync.Mutex
	jobs map[string]Job

	runsStarted  metric.Int64Counter
	runsFailed   metric.Int64Counter
	runDuration  metric.Float64Histogram
	tracer       trace.Tracer
}

// NewScheduler opens (creating if needed) a bbolt database at dbPath for
// run history and prepares a seconds-precision cron scheduler.
func NewScheduler(dbPath string, meter metric.Meter) (*Scheduler, error) {
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open run-history db: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create runs bucket: %w", err)
	}

	runsStarted, _ := meter.Int64Counter("coalesce_scheduler_runs_started_total")
	runsFailed, _ := meter.Int64Counter("coalesce_scheduler_runs_failed_total")
	runDuration, _ := meter.Float64Histogram("coalesce_scheduler_run_duration_ms")

	return &Scheduler{
		cron:        cron.New(cron.WithSeconds()),
		db:          db,
		jobs:        map[string]Job{},
		runsStarted: runsStarted,
		runsFailed:  runsFailed,
		runDuration: runDuration,
		tracer:      otel.Tracer("coalesce-scheduler"),
	}, nil
}

// AddJob registers job under name to run on the given cron expression
// (seconds-precision, as in "*/30 * * * * *" for every 30 seconds).
func (s *Scheduler) AddJob(name, cronExpr string, job Job) error {
	s.mu.Lock()
	s.jobs[name] = job
	s.mu.Unlock()

	_, err := s.cron.AddFunc(cronExpr, func() {
		s.runOnce(name, job)
	})
	if err != nil {
		return fmt.Errorf("schedule job %q: %w", name, err)
	}
	return nil
}

// Start begins firing scheduled jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started")
}

// Stop waits for in-flight job runs to finish, up to ctx's deadline, then
// closes the run-history database.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		slog.Warn("scheduler stop timed out waiting for in-flight runs")
	}
	return s.db.Close()
}

func (s *Scheduler) runOnce(name string, job Job) {
	ctx, span := s.tracer.Start(context.Background(), "scheduler.run",
		trace.WithAttributes(attribute.String("job", name)))
	defer span.End()
	_ = ctx

	started := time.Now()
	s.runsStarted.Add(context.Background(), 1, metric.WithAttributes(attribute.String("job", name)))

	specs := job()
	_, err := coalesce.ExecuteSeq(specs)

	elapsed := time.Since(started)
	s.runDuration.Record(context.Background(), float64(elapsed.Milliseconds()), metric.WithAttributes(attribute.String("job", name)))

	record := RunRecord{
		ID:        uuid.NewString(),
		Job:       name,
		StartedAt: started,
		Duration:  elapsed.String(),
		SpecCount: len(specs),
	}
	if err != nil {
		record.Error = err.Error()
		s.runsFailed.Add(context.Background(), 1, metric.WithAttributes(attribute.String("job", name)))
		slog.Error("scheduled run failed", "job", name, "error", err, "run_id", record.ID)
	} else {
		slog.Info("scheduled run completed", "job", name, "run_id", record.ID, "duration", elapsed)
	}

	if putErr := s.putRecord(record); putErr != nil {
		slog.Error("failed to persist run record", "error", putErr)
	}
}

func (s *Scheduler) putRecord(record RunRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(record.Job+"/"+record.ID), raw)
	})
}

// History returns every persisted run record for the given job name in
// bbolt key order. Run ids are random (version 4) UUIDs, so that order is
// not chronological; sort on StartedAt for run order.
func (s *Scheduler) History(job string) ([]RunRecord, error) {
	var records []RunRecord
	prefix := []byte(job + "/")
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var r RunRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			records = append(records, r)
		}
		return nil
	})
	return records, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
