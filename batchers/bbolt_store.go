package batchers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"
)

var bucketResults = []byte("results")

// BoltResultStore durably records resolved values under caller-chosen keys,
// so a process restart doesn't throw away work a batch already paid for:
// callers can check Get before issuing an operation and skip the round trip
// entirely on a hit. No batcher in this package writes to it on its own;
// values are stored only by explicit calls to Put.
type BoltResultStore struct {
	db *bbolt.DB

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// OpenBoltResultStore opens (creating if necessary) a bbolt database at
// path and prepares its single bucket.
func OpenBoltResultStore(path string, meter metric.Meter) (*BoltResultStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketResults)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create results bucket: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("coalesce_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("coalesce_store_write_ms")
	return &BoltResultStore{db: db, readLatency: readLatency, writeLatency: writeLatency}, nil
}

// Close releases the underlying database file.
func (s *BoltResultStore) Close() error {
	return s.db.Close()
}

// Get returns the previously stored value for key, if any.
func (s *BoltResultStore) Get(key string) (value any, found bool, err error) {
	start := time.Now()
	defer func() { s.readLatency.Record(context.Background(), float64(time.Since(start).Milliseconds())) }()

	err = s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketResults).Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &value)
	})
	return value, found, err
}

// Put durably records value under key, overwriting any previous entry.
func (s *BoltResultStore) Put(key string, value any) error {
	start := time.Now()
	defer func() { s.writeLatency.Record(context.Background(), float64(time.Since(start).Milliseconds())) }()

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %q: %w", key, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketResults).Put([]byte(key), raw)
	})
}
