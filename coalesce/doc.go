// Package coalesce implements a single-threaded cooperative scheduler for
// data-fetching workloads that share a common bottleneck: many independent
// call sites each want one record, one row, one remote value, and the cheap
// thing to do is always to ask for all of them at once instead of one at a
// time.
//
// Callers express a computation as a Task: a function that runs until it
// needs the result of some other Task or Operation, yields that dependency,
// and is resumed with the resolved value once it is available. The scheduler
// drives a whole dependency graph of these to completion, and whenever two or
// more Operations in flight at the same moment agree (via Batcher.Equal) that
// they belong to the same batch, it collapses them into a single call to
// Batcher.GenBatch instead of issuing them one at a time.
//
// Nothing here spawns OS threads beyond the one goroutine-per-Task plumbing
// used to emulate a resumable coroutine; Execute and ExecuteSeq are each
// driven by a single tick loop and return once every task in the graph has
// reported a terminal value or error.
package coalesce
