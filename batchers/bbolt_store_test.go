package batchers_test

import (
	"path/filepath"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/coalesce/batchers"
)

func TestBoltResultStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := batchers.OpenBoltResultStore(filepath.Join(dir, "results.db"), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if _, found, err := store.Get("missing"); err != nil || found {
		t.Fatalf("expected miss, got found=%v err=%v", found, err)
	}

	if err := store.Put("greeting", map[string]any{"text": "hello"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, found, err := store.Get("greeting")
	if err != nil || !found {
		t.Fatalf("expected hit, got found=%v err=%v", found, err)
	}
	m, ok := value.(map[string]any)
	if !ok || m["text"] != "hello" {
		t.Fatalf("got %v, want map with text=hello", value)
	}
}
