package coalesce_test

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/swarmguard/coalesce"
)

func TestEcho(t *testing.T) {
	result, err := coalesce.Execute(coalesce.Identity("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "hello" {
		t.Fatalf("got %v, want %q", result, "hello")
	}
}

func TestFibonacciMemoized(t *testing.T) {
	var calls int32
	var fib func(args ...any) *coalesce.Task
	fib = coalesce.Memoize(func(args ...any) (*coalesce.Task, error) {
		n := args[0].(int)
		atomic.AddInt32(&calls, 1)
		return coalesce.NewTask(func(y coalesce.Yielder) (any, error) {
			if n < 2 {
				return 1, nil
			}
			vals, err := y.YieldAll([]any{fib(n - 1), fib(n - 2)})
			if err != nil {
				return nil, err
			}
			return vals[0].(int) + vals[1].(int), nil
		}), nil
	})

	result, err := coalesce.Execute(fib(12))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 233 {
		t.Fatalf("fib(12) = %v, want 233", result)
	}
	// fib(0) through fib(12): 13 distinct arguments, each constructed once
	// thanks to memoization; without it the naive recursion would run into
	// the hundreds of calls.
	if calls != 13 {
		t.Fatalf("factory invoked %d times, want 13 (one per distinct n)", calls)
	}
}

// hashBatcher resolves simple string keys against a fixed table in a single
// call, tracking how many times GenBatch actually ran so tests can assert
// operations were coalesced rather than issued one at a time.
type hashBatcher struct {
	calls int32
	data  map[string]any
}

type hashOp struct {
	b   *hashBatcher
	key string
}

func (o hashOp) Batcher() (coalesce.Batcher, error) { return o.b, nil }

func (b *hashBatcher) Equal(other coalesce.Batcher) bool {
	o, ok := other.(*hashBatcher)
	return ok && o == b
}

func (b *hashBatcher) Hash() uint64 { return 0x4a5ba7c4e }

func (b *hashBatcher) GenBatch(ops []coalesce.Operation) (*coalesce.Task, error) {
	atomic.AddInt32(&b.calls, 1)
	return coalesce.NewTask(func(coalesce.Yielder) (any, error) {
		results := make([]any, len(ops))
		for i, op := range ops {
			h := op.(hashOp)
			v, ok := b.data[h.key]
			if !ok {
				return nil, fmt.Errorf("no such key %q", h.key)
			}
			results[i] = v
		}
		return results, nil
	}), nil
}

// TestSpouses walks the coolest user to their spouse and back, fetching
// each person's favorite food, and checks that the two favorite-food
// lookups - issued from two independently-running subtasks - land in a
// single GenBatch call instead of two.
func TestSpouses(t *testing.T) {
	batcher := &hashBatcher{data: map[string]any{
		"coolUserId":      42,
		"spouseId:42":     12,
		"favoriteFood:42": "pizza",
		"favoriteFood:12": "sushi",
	}}

	genFood := func(userID int) *coalesce.Task {
		return coalesce.NewTask(func(y coalesce.Yielder) (any, error) {
			return y.Yield(hashOp{batcher, fmt.Sprintf("favoriteFood:%d", userID)})
		})
	}

	gen := coalesce.NewTask(func(y coalesce.Yielder) (any, error) {
		uidAny, err := y.Yield(hashOp{batcher, "coolUserId"})
		if err != nil {
			return nil, err
		}
		uid := uidAny.(int)

		spouseAny, err := y.Yield(hashOp{batcher, fmt.Sprintf("spouseId:%d", uid)})
		if err != nil {
			return nil, err
		}
		spouse := spouseAny.(int)

		foods, err := y.YieldAll([]any{genFood(uid), genFood(spouse)})
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("%v likes %v, and their spouse likes %v", uid, foods[0], foods[1]), nil
	})

	result, err := coalesce.Execute(gen)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "42 likes pizza, and their spouse likes sushi"
	if result != want {
		t.Fatalf("got %q, want %q", result, want)
	}
	// coolUserId, spouseId:42, and the two favoriteFood lookups coalesced
	// into one call: three GenBatch calls total for four operations.
	if got := atomic.LoadInt32(&batcher.calls); got != 3 {
		t.Fatalf("GenBatch called %d times, want 3", got)
	}
}

// rowOp/rowBatcher stand in for a lower-level lookup that a higher-level
// batcher needs in order to answer its own operations - exercising a
// GenBatch implementation that itself yields to another batcher before
// producing its result.
type rowBatcher struct {
	calls int32
	rows  map[int]string
}

type rowOp struct {
	b  *rowBatcher
	id int
}

func (o rowOp) Batcher() (coalesce.Batcher, error) { return o.b, nil }
func (b *rowBatcher) Equal(other coalesce.Batcher) bool {
	o, ok := other.(*rowBatcher)
	return ok && o == b
}
func (b *rowBatcher) Hash() uint64 { return 0x40fba7c4 }
func (b *rowBatcher) GenBatch(ops []coalesce.Operation) (*coalesce.Task, error) {
	atomic.AddInt32(&b.calls, 1)
	return coalesce.NewTask(func(coalesce.Yielder) (any, error) {
		results := make([]any, len(ops))
		for i, op := range ops {
			results[i] = b.rows[op.(rowOp).id]
		}
		return results, nil
	}), nil
}

type objectBatcher struct {
	calls int32
	rows  *rowBatcher
}

type objectOp struct {
	b  *objectBatcher
	id int
}

func (o objectOp) Batcher() (coalesce.Batcher, error) { return o.b, nil }
func (b *objectBatcher) Equal(other coalesce.Batcher) bool {
	o, ok := other.(*objectBatcher)
	return ok && o == b
}
func (b *objectBatcher) Hash() uint64 { return 0x0b1ec7ba7c }
func (b *objectBatcher) GenBatch(ops []coalesce.Operation) (*coalesce.Task, error) {
	atomic.AddInt32(&b.calls, 1)
	return coalesce.NewTask(func(y coalesce.Yielder) (any, error) {
		rowSpecs := make([]any, len(ops))
		for i, op := range ops {
			rowSpecs[i] = rowOp{b.rows, op.(objectOp).id}
		}
		types, err := y.YieldAll(rowSpecs)
		if err != nil {
			return nil, err
		}
		results := make([]any, len(ops))
		for i, op := range ops {
			results[i] = fmt.Sprintf("object#%d:%v", op.(objectOp).id, types[i])
		}
		return results, nil
	}), nil
}

func TestBatcherThatYields(t *testing.T) {
	rows := &rowBatcher{rows: map[int]string{1: "chair", 2: "table", 3: "chair"}}
	objects := &objectBatcher{rows: rows}

	specs := []any{objectOp{objects, 1}, objectOp{objects, 2}, objectOp{objects, 3}}
	results, err := coalesce.ExecuteSeq(specs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"object#1:chair", "object#2:table", "object#3:chair"}
	for i, w := range want {
		if results[i] != w {
			t.Fatalf("result[%d] = %v, want %v", i, results[i], w)
		}
	}
	if got := atomic.LoadInt32(&objects.calls); got != 1 {
		t.Fatalf("objectBatcher.GenBatch called %d times, want 1", got)
	}
	if got := atomic.LoadInt32(&rows.calls); got != 1 {
		t.Fatalf("rowBatcher.GenBatch called %d times, want 1", got)
	}
}

// TestSiblingSurvivesException checks that a task running alongside one
// that fails keeps running to completion, and that the exception is
// delivered to - and may be caught by - whichever task yielded on both of
// them.
func TestSiblingSurvivesException(t *testing.T) {
	var completed int32
	boom := errors.New("boom")

	taskA := coalesce.NewTask(func(coalesce.Yielder) (any, error) {
		atomic.AddInt32(&completed, 1)
		return "a-done", nil
	})
	taskB := coalesce.NewTask(func(coalesce.Yielder) (any, error) {
		return nil, boom
	})

	parent := coalesce.NewTask(func(y coalesce.Yielder) (any, error) {
		_, err := y.YieldAll([]any{taskA, taskB})
		if err != nil {
			return "caught:" + err.Error(), nil
		}
		return "no error", nil
	})

	result, err := coalesce.Execute(parent)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "caught:boom" {
		t.Fatalf("got %v, want %q", result, "caught:boom")
	}
	if atomic.LoadInt32(&completed) != 1 {
		t.Fatalf("sibling task did not complete before the exception propagated")
	}
}

func TestCycleDetection(t *testing.T) {
	var taskA, taskB *coalesce.Task
	taskA = coalesce.NewTask(func(y coalesce.Yielder) (any, error) {
		return y.Yield(taskB)
	})
	taskB = coalesce.NewTask(func(y coalesce.Yielder) (any, error) {
		return y.Yield(taskA)
	})

	_, err := coalesce.Execute(taskA)
	if !errors.Is(err, coalesce.ErrCycle) {
		t.Fatalf("got error %v, want ErrCycle", err)
	}
}

func TestBadTopLevelSpec(t *testing.T) {
	_, err := coalesce.Execute(42)
	if !errors.Is(err, coalesce.ErrBadChildSpec) {
		t.Fatalf("got error %v, want ErrBadChildSpec", err)
	}
}
