package coalesce

import (
	"errors"
	"sync"
)

// SharedTask lets a single underlying *Task be awaited from more than one
// Executor invocation - something the graph-level sharing built into
// Executor cannot do on its own, since that sharing only recognizes a *Task
// yielded twice within the *same* ExecuteSeq call. SharedTask is the
// building block Memoize is implemented on top of: wrap the task once,
// store the SharedTask somewhere long-lived, and hand out Gen() on every
// subsequent request instead of the raw task.
//
// The first caller to drive a SharedTask's Gen() task actually runs the
// wrapped task; every later caller - whether from the same executor
// invocation or a different one entirely - replays the cached terminal
// value or error without touching the underlying task again.
type SharedTask struct {
	inner *Task

	mu     sync.Mutex
	done   bool
	result any
	err    error
}

// NewShared wraps inner so it can be awaited more than once across separate
// executor invocations.
func NewShared(inner *Task) *SharedTask {
	return &SharedTask{inner: inner}
}

// Gen returns a fresh *Task that, when driven, either replays this
// SharedTask's cached outcome or drives the wrapped task and caches
// whatever it produces. Each call returns a distinct *Task value, since a
// *Task can only ever be driven once; what they share is the SharedTask's
// state, not task identity.
//
// Two Gen() tasks awaiting the same still-running SharedTask within one
// executor invocation (e.g. two sibling tasks in one ExecuteSeq call both
// referencing this SharedTask) both yield the identical s.inner pointer, so
// Executor's own pointer-identity task-node sharing fans them in as two
// parents of the same node - no bookkeeping needed here. A second
// invocation on a different goroutine trying to drive that same s.inner
// concurrently instead collides with inner's own guard in Start against
// being started twice, which reports ErrConcurrentUse; Gen() translates
// that into ErrForeignExecutor
// so callers see a SharedTask-specific error rather than a raw Task one.
func (s *SharedTask) Gen() *Task {
	return NewTask(func(y Yielder) (any, error) {
		s.mu.Lock()
		if s.done {
			result, err := s.result, s.err
			s.mu.Unlock()
			return result, err
		}
		s.mu.Unlock()

		result, err := y.Yield(s.inner)
		if errors.Is(err, ErrConcurrentUse) {
			return nil, ErrForeignExecutor
		}

		s.mu.Lock()
		s.done = true
		s.result, s.err = result, err
		s.mu.Unlock()

		return result, err
	})
}
