package coalesce

import "errors"

// Sentinel errors surfaced to the caller of Execute/ExecuteSeq. Use
// errors.Is against these to distinguish scheduler-detected shape problems
// from errors produced by user Task/Operation/Batcher code.
var (
	// ErrBadChildSpec is returned when a value yielded by a task (or passed
	// to Execute/ExecuteSeq directly) is neither a *Task nor an Operation.
	ErrBadChildSpec = errors.New("coalesce: child spec must be a *Task or an Operation")

	// ErrBatchShape is returned when a Batcher.GenBatch task finishes with a
	// value that is not an ordered sequence of the same length as the
	// operations it was given.
	ErrBatchShape = errors.New("coalesce: batch result does not match operation count")

	// ErrBatchNoTask is returned when Batcher.GenBatch returns a nil *Task
	// without an error.
	ErrBatchNoTask = errors.New("coalesce: GenBatch returned no task")

	// ErrCycle is returned when the dependency graph cannot reach
	// quiescence because a cycle of tasks are each waiting on the other.
	ErrCycle = errors.New("coalesce: dependency cycle detected")

	// ErrConcurrentUse is returned by a Task that is started again while it
	// is already suspended inside a yield (as happens when two separate
	// executor invocations drive the same task), or resumed while another
	// resume of it is still in progress. SharedTask's generator reports it
	// to its awaiters as ErrForeignExecutor.
	ErrConcurrentUse = errors.New("coalesce: task is already being driven")

	// ErrForeignExecutor is returned when a SharedTask's underlying task is
	// already being driven by a different, still-running executor
	// invocation. It is SharedTask's translation of the lower-level
	// ErrConcurrentUse a *Task itself raises in that situation; two
	// awaiters of the same SharedTask within a single invocation never see
	// this, since they share one taskNode instead of colliding.
	ErrForeignExecutor = errors.New("coalesce: shared task driven from two executor invocations at once")
)
