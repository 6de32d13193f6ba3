package coalesce

// Operation is a single unit of work that is eligible to be folded into a
// batch with other, equivalent operations. It carries no result-fetching
// logic itself; all it can say is which Batcher is responsible for it.
//
// Operation implementations are typically small value types (a row id, a
// cache key, a query) with no exported behavior beyond Batcher. The actual
// fetch happens inside the Batcher's GenBatch, once all operations destined
// for the same batch have been collected.
type Operation interface {
	// Batcher returns the Batcher responsible for resolving this operation.
	// Two operations are folded into the same batch call iff their
	// batchers compare equal via Batcher.Equal.
	//
	// Batcher may return an error instead of raising a panic; a panic
	// inside Batcher is treated as a programming error and is not
	// recovered.
	Batcher() (Batcher, error)
}

// Batcher resolves a group of Operations that share its identity in a
// single call. Two distinct Batcher values that report themselves as Equal
// MUST behave identically: the scheduler is free to coalesce their
// operations into either one's GenBatch call, and may do so in any order,
// so the decision of which operations land in which batch must never be
// observable from the result.
type Batcher interface {
	// Equal reports whether other belongs to the same batching group as
	// this Batcher. Implementations should base this on the identity of
	// the underlying resource being batched (a shard, a table, a remote
	// endpoint), not on incidental operation-specific fields.
	Equal(other Batcher) bool

	// Hash returns a value consistent with Equal: if a.Equal(b) then
	// a.Hash() == b.Hash(). It is used purely to bucket batchers cheaply
	// before falling back to Equal; it need not be cryptographically
	// strong.
	Hash() uint64

	// GenBatch returns a Task that resolves every operation in ops at
	// once. The task's terminal value must be an ordered sequence (a
	// []any, or anything acceptable to asSequence) of exactly len(ops)
	// elements, positionally aligned with ops. GenBatch may itself yield
	// to other tasks or operations - including operations that belong to
	// this same batcher - before producing that sequence; the scheduler
	// keeps accepting newly-arriving operations for this batcher's group
	// until the batch actually starts, not merely until GenBatch is
	// called.
	//
	// GenBatch may return a nil task together with a non-nil error if the
	// operations themselves cannot be resolved; it must not return (nil,
	// nil).
	GenBatch(ops []Operation) (*Task, error)
}
