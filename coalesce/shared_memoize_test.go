package coalesce_test

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/swarmguard/coalesce"
)

func TestSharedTaskReplaysAcrossInvocations(t *testing.T) {
	var runs int32
	shared := coalesce.NewShared(coalesce.NewTask(func(coalesce.Yielder) (any, error) {
		atomic.AddInt32(&runs, 1)
		return "computed-once", nil
	}))

	first, err := coalesce.Execute(shared.Gen())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := coalesce.Execute(shared.Gen())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != "computed-once" || second != "computed-once" {
		t.Fatalf("got %v, %v", first, second)
	}
	if atomic.LoadInt32(&runs) != 1 {
		t.Fatalf("underlying task ran %d times, want 1", runs)
	}
}

// TestSharedTaskSiblingsInOneInvocation checks that two sibling tasks in a
// single ExecuteSeq call, both awaiting the same SharedTask via Gen(),
// share the one underlying run instead of one of them getting
// ErrForeignExecutor - that error is reserved for a genuinely different,
// concurrently-running executor invocation, not another awaiter of the same
// invocation racing the tick loop's resume order.
func TestSharedTaskSiblingsInOneInvocation(t *testing.T) {
	var runs int32
	shared := coalesce.NewShared(coalesce.NewTask(func(coalesce.Yielder) (any, error) {
		atomic.AddInt32(&runs, 1)
		return "shared-once", nil
	}))

	siblingA := coalesce.NewTask(func(y coalesce.Yielder) (any, error) {
		return y.Yield(shared.Gen())
	})
	siblingB := coalesce.NewTask(func(y coalesce.Yielder) (any, error) {
		return y.Yield(shared.Gen())
	})

	results, err := coalesce.ExecuteSeq([]any{siblingA, siblingB})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if results[0] != "shared-once" || results[1] != "shared-once" {
		t.Fatalf("got %v, %v", results[0], results[1])
	}
	if atomic.LoadInt32(&runs) != 1 {
		t.Fatalf("underlying task ran %d times, want 1", runs)
	}
}

func TestMemoizeCachesConstructionErrorForever(t *testing.T) {
	var calls int32
	bad := errors.New("invalid argument")
	memoized := coalesce.Memoize(func(args ...any) (*coalesce.Task, error) {
		atomic.AddInt32(&calls, 1)
		return nil, bad
	})

	if _, err := coalesce.Execute(memoized("x")); !errors.Is(err, bad) {
		t.Fatalf("got error %v, want %v", err, bad)
	}
	if _, err := coalesce.Execute(memoized("x")); !errors.Is(err, bad) {
		t.Fatalf("got error %v, want %v", err, bad)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("factory invoked %d times for the same key, want 1", calls)
	}
}

func TestMemoizeWithCacheClear(t *testing.T) {
	var calls int32
	cache := coalesce.NewCache()
	memoized := coalesce.MemoizeWithCache(cache, func(args ...any) (*coalesce.Task, error) {
		n := atomic.AddInt32(&calls, 1)
		return coalesce.NewTask(func(coalesce.Yielder) (any, error) {
			return n, nil
		}), nil
	})

	first, err := coalesce.Execute(memoized("k"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := coalesce.Execute(memoized("k"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached result to be replayed: %v != %v", first, second)
	}

	cache.Clear()
	third, err := coalesce.Execute(memoized("k"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if third == first {
		t.Fatalf("expected Clear to force recomputation, got same value %v", third)
	}
}

func TestCacheKeyDistinguishesSetOrderAndMapOrder(t *testing.T) {
	var calls int32
	memoized := coalesce.Memoize(func(args ...any) (*coalesce.Task, error) {
		atomic.AddInt32(&calls, 1)
		return coalesce.NewTask(func(coalesce.Yielder) (any, error) { return nil, nil }), nil
	})

	// A Set's element order must not affect the key.
	if _, err := coalesce.Execute(memoized(coalesce.Set{1, 2, 3})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := coalesce.Execute(memoized(coalesce.Set{3, 2, 1})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("Set permutation produced a distinct cache entry: %d calls", calls)
	}

	// An OrderedMap's order must affect the key.
	if _, err := coalesce.Execute(memoized(coalesce.OrderedMap{{Key: "a", Value: 1}, {Key: "b", Value: 2}})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := coalesce.Execute(memoized(coalesce.OrderedMap{{Key: "b", Value: 2}, {Key: "a", Value: 1}})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("OrderedMap permutation did not produce a distinct cache entry: %d calls", calls)
	}
}
