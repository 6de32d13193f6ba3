package batchers_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/swarmguard/coalesce"
	"github.com/swarmguard/coalesce/batchers"
)

func TestHTTPBatcherCoalescesConcurrentOperations(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		var req struct {
			Paths []string `json:"paths"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)

		results := make([]json.RawMessage, len(req.Paths))
		for i, p := range req.Paths {
			raw, _ := json.Marshal(p + "-resolved")
			results[i] = raw
		}
		resp, _ := json.Marshal(struct {
			Results []json.RawMessage `json:"results"`
		}{Results: results})
		w.Header().Set("Content-Type", "application/json")
		w.Write(resp)
	}))
	defer srv.Close()

	specs := []any{
		batchTask(batchers.HTTPOperation{Endpoint: srv.URL, Path: "/a"}),
		batchTask(batchers.HTTPOperation{Endpoint: srv.URL, Path: "/b"}),
		batchTask(batchers.HTTPOperation{Endpoint: srv.URL, Path: "/c"}),
	}
	results, err := coalesce.ExecuteSeq(specs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"/a-resolved", "/b-resolved", "/c-resolved"}
	for i, w := range want {
		if results[i] != w {
			t.Fatalf("result[%d] = %v, want %v", i, results[i], w)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("batch endpoint called %d times, want 1", got)
	}
}

func batchTask(op batchers.HTTPOperation) *coalesce.Task {
	return coalesce.NewTask(func(y coalesce.Yielder) (any, error) {
		return y.Yield(op)
	})
}
