package coalesce

import (
	"fmt"
	"reflect"
)

// Executor drives a single dependency graph to quiescence. Callers never
// construct one directly; Execute and ExecuteSeq each create a fresh
// Executor scoped to one call, exactly as a new BatchExecutor is created per
// top-level request in the design this package is modeled on. Nothing
// prevents a task from itself calling Execute/ExecuteSeq reentrantly (a
// fresh, independent Executor is created for that nested call too), but
// doing so from inside a task that is being driven by an *outer* Executor
// concurrently with this one is exactly the misuse ErrConcurrentUse and
// ErrForeignExecutor exist to catch.
type Executor struct {
	root *rootNode

	// taskNodes lets a *Task yielded more than once within this one
	// Executor's graph resolve to the same node (graph-level sharing,
	// invariant 3). Sharing a *Task across two different Executor
	// invocations is a separate concern, handled by SharedTask.
	taskNodes map[*Task]*taskNode

	ready []*taskNode

	// pendingGroups buckets not-yet-started operations by Batcher.Hash,
	// with Batcher.Equal used to disambiguate hash collisions - the same
	// two-level scheme a Go map would use internally if Batcher were a
	// comparable key type, which it cannot be since Equal/Hash are
	// user-defined.
	pendingGroups map[uint64][]*batcherGroup
}

type batcherGroup struct {
	batcher Batcher
	ops     []*opNode
}

// Execute runs a single top-level spec (a *Task or an Operation) to
// completion and returns its resolved value.
func Execute(spec any) (any, error) {
	results, err := ExecuteSeq([]any{spec})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// ExecuteSeq runs an ordered list of top-level specs (each a *Task or an
// Operation) to completion and returns their resolved values in the same
// order. A single Executor drives every spec in the list, so operations
// belonging to the same batcher across different specs are coalesced just
// as they would be if yielded from within one task.
func ExecuteSeq(specs []any) ([]any, error) {
	e := &Executor{
		root:          &rootNode{results: make([]any, len(specs)), children: map[node]struct{}{}},
		taskNodes:     map[*Task]*taskNode{},
		pendingGroups: map[uint64][]*batcherGroup{},
	}
	for i, spec := range specs {
		if _, err := e.childNode(spec, e.root, i); err != nil {
			return nil, err
		}
	}
	if err := e.run(); err != nil {
		return nil, err
	}
	return e.root.results, nil
}

func (e *Executor) pushReady(tn *taskNode) {
	if tn.inReady {
		return
	}
	tn.inReady = true
	e.ready = append(e.ready, tn)
}

func (e *Executor) popReady() *taskNode {
	n := len(e.ready) - 1
	tn := e.ready[n]
	e.ready = e.ready[:n]
	tn.inReady = false
	return tn
}

func (e *Executor) addPendingOp(on *opNode) {
	h := on.batcher.Hash()
	buckets := e.pendingGroups[h]
	for _, bg := range buckets {
		if bg.batcher.Equal(on.batcher) {
			bg.ops = append(bg.ops, on)
			return
		}
	}
	e.pendingGroups[h] = append(buckets, &batcherGroup{batcher: on.batcher, ops: []*opNode{on}})
}

func (e *Executor) removePendingOp(on *opNode) {
	h := on.batcher.Hash()
	buckets := e.pendingGroups[h]
	for gi, bg := range buckets {
		for oi, o := range bg.ops {
			if o == on {
				bg.ops = append(bg.ops[:oi], bg.ops[oi+1:]...)
				if len(bg.ops) == 0 {
					buckets = append(buckets[:gi], buckets[gi+1:]...)
					if len(buckets) == 0 {
						delete(e.pendingGroups, h)
					} else {
						e.pendingGroups[h] = buckets
					}
				}
				return
			}
		}
	}
}

func (e *Executor) popGroup() *batcherGroup {
	for h, buckets := range e.pendingGroups {
		if len(buckets) == 0 {
			delete(e.pendingGroups, h)
			continue
		}
		bg := buckets[len(buckets)-1]
		buckets = buckets[:len(buckets)-1]
		if len(buckets) == 0 {
			delete(e.pendingGroups, h)
		} else {
			e.pendingGroups[h] = buckets
		}
		return bg
	}
	return nil
}

// childNode resolves spec (a *Task or an Operation) into a node with parent
// as one of its parents at the given result index, constructing it if this
// is the first time it has been seen in this graph.
func (e *Executor) childNode(spec any, parent node, index int) (node, error) {
	switch v := spec.(type) {
	case *Task:
		if tn, ok := e.taskNodes[v]; ok {
			tn.parentToResultIdx[parent] = index
			addChild(parent, tn)
			return tn, nil
		}
		tn := &taskNode{
			task:              v,
			children:          map[node]struct{}{},
			parentToResultIdx: map[node]int{parent: index},
		}
		e.taskNodes[v] = tn
		addChild(parent, tn)
		e.pushReady(tn)
		return tn, nil
	case Operation:
		b, err := v.Batcher()
		if err != nil {
			return nil, err
		}
		on := &opNode{op: v, batcher: b, parent: parent, resultIndex: index}
		addChild(parent, on)
		e.addPendingOp(on)
		return on, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrBadChildSpec, spec)
	}
}

// run is the tick loop: drain every ready task, then start exactly one
// pending batch, repeating until nothing is left. Ready tasks always run
// ahead of starting a new batch so that a task which can make progress
// without creating more batcher work never waits behind one that merely
// enlarges a pending group.
func (e *Executor) run() error {
	for len(e.ready) > 0 || len(e.pendingGroups) > 0 {
		for len(e.ready) > 0 {
			tn := e.popReady()
			if err := e.iterateTaskNode(tn); err != nil {
				return err
			}
		}
		if len(e.pendingGroups) > 0 {
			bg := e.popGroup()
			if err := e.startBatch(bg); err != nil {
				return err
			}
		}
	}
	if len(e.root.children) > 0 {
		return ErrCycle
	}
	return nil
}

// iterateTaskNode resumes tn exactly once - via Start, Send, or Throw
// depending on what it is currently holding for it - and processes the
// result: either more children to wait on, or a terminal value/error to
// deliver to every parent.
func (e *Executor) iterateTaskNode(tn *taskNode) error {
	var msg yieldMsg
	switch {
	case tn.pendingErr != nil:
		errInfo := tn.pendingErr
		tn.pendingErr = nil
		msg = tn.task.Throw(errInfo)
	case tn.hasPendingValues:
		vals := tn.pendingValues
		tn.pendingValues = nil
		tn.hasPendingValues = false
		if tn.isResultList {
			msg = tn.task.Send(vals)
		} else {
			var v any
			if len(vals) > 0 {
				v = vals[0]
			}
			msg = tn.task.Send(v)
		}
	default:
		msg = tn.task.Start()
	}

	if msg.done {
		delete(e.taskNodes, tn.task)
		if msg.err != nil {
			var bubble error
			for parent := range tn.parentToResultIdx {
				if err := e.transmitException(tn, parent, msg.err); err != nil && bubble == nil {
					bubble = err
				}
			}
			return bubble
		}
		for parent, idx := range tn.parentToResultIdx {
			if err := e.transmitResult(tn, parent, idx, msg.value); err != nil {
				return err
			}
		}
		return nil
	}

	return e.resolveChildren(tn, msg)
}

// resolveChildren constructs the node(s) for whatever tn just yielded. On a
// construction failure partway through a multi-child yield it rolls back
// the children already constructed from this same yield before attributing
// the error to tn, which keeps invariant 1 (ready iff childless) exactly
// true instead of leaving stale parent links the way the generator-based
// original can when a later child in the same yield fails to construct.
func (e *Executor) resolveChildren(tn *taskNode, msg yieldMsg) error {
	var specs []any
	if msg.isList {
		if l, ok := msg.value.([]any); ok {
			specs = l
		}
	} else {
		specs = []any{msg.value}
	}

	if len(specs) == 0 {
		tn.hasPendingValues = true
		tn.isResultList = true
		tn.pendingValues = []any{}
		e.pushReady(tn)
		return nil
	}

	created := make([]node, 0, len(specs))
	for i, spec := range specs {
		child, err := e.childNode(spec, tn, i)
		if err != nil {
			for _, c := range created {
				e.disown(c, tn)
			}
			tn.pendingErr = err
			e.pushReady(tn)
			return nil
		}
		created = append(created, child)
	}

	tn.isResultList = msg.isList
	tn.pendingValues = make([]any, len(specs))
	tn.hasPendingValues = false
	return nil
}

// disown detaches a freshly-created child from parent without affecting any
// other parent that may already have been sharing it.
func (e *Executor) disown(child node, parent node) {
	removeChild(parent, child)
	switch c := child.(type) {
	case *taskNode:
		delete(c.parentToResultIdx, parent)
		if len(c.parentToResultIdx) == 0 {
			delete(e.taskNodes, c.task)
			c.inReady = false
		}
	case *opNode:
		e.removePendingOp(c)
	}
}

// transmitResult delivers child's resolved value to parent at idx. For a
// batcherNode parent, the "value" is the terminal result of a GenBatch task
// and is fanned out to every operation in the batch instead of being stored
// directly.
func (e *Executor) transmitResult(child node, parent node, idx int, value any) error {
	switch p := parent.(type) {
	case *rootNode:
		p.results[idx] = value
		delete(p.children, child)
		return nil
	case *taskNode:
		p.pendingValues[idx] = value
		delete(p.children, child)
		if len(p.children) == 0 {
			if p.pendingErr == nil {
				p.hasPendingValues = true
			}
			e.pushReady(p)
		}
		return nil
	case *batcherNode:
		return e.completeBatch(p, value)
	}
	panic("coalesce: unreachable node kind")
}

// transmitException attributes an error to parent on behalf of child. A
// rootNode parent means the error is caller-visible and is returned so the
// tick loop aborts and bubbles it out of Execute/ExecuteSeq; a taskNode
// parent instead receives it as a pending exception to be thrown into it on
// its next resumption, with any siblings it is still waiting on continuing
// to run to completion unaffected (no cancellation propagates). A
// batcherNode parent fans the same error out to every operation's own
// parent, since a batch failing is equivalent to every operation in it
// failing.
func (e *Executor) transmitException(child node, parent node, errInfo error) error {
	switch p := parent.(type) {
	case *rootNode:
		delete(p.children, child)
		return errInfo
	case *taskNode:
		p.pendingErr = errInfo
		delete(p.children, child)
		if len(p.children) == 0 {
			e.pushReady(p)
		}
		return nil
	case *batcherNode:
		var bubble error
		for on := range p.parentToOperationIdx {
			gp := on.parent
			switch g := gp.(type) {
			case *rootNode:
				delete(g.children, on)
				if bubble == nil {
					bubble = errInfo
				}
			case *taskNode:
				g.pendingErr = errInfo
				delete(g.children, on)
				if len(g.children) == 0 {
					e.pushReady(g)
				}
			}
		}
		return bubble
	}
	panic("coalesce: unreachable node kind")
}

// startBatch begins a single Batcher.GenBatch call for every operation
// collected into bg. The resulting task is driven just like any other task
// node; its sole parent is the new batcherNode.
func (e *Executor) startBatch(bg *batcherGroup) error {
	bn := &batcherNode{
		batcher:              bg.batcher,
		operationCount:       len(bg.ops),
		parentToOperationIdx: map[*opNode]int{},
	}
	ops := make([]Operation, len(bg.ops))
	for i, on := range bg.ops {
		bn.parentToOperationIdx[on] = i
		on.child = bn
		ops[i] = on.op
	}

	task, err := bg.batcher.GenBatch(ops)
	if err != nil {
		return e.transmitException(nil, bn, err)
	}
	if task == nil {
		return e.transmitException(nil, bn, ErrBatchNoTask)
	}

	tn := &taskNode{
		task:              task,
		children:          map[node]struct{}{},
		parentToResultIdx: map[node]int{bn: -1},
	}
	e.taskNodes[task] = tn
	bn.child = tn
	e.pushReady(tn)
	return nil
}

// completeBatch validates the terminal value of a GenBatch task and
// distributes it positionally to every operation's waiting parent.
func (e *Executor) completeBatch(bn *batcherNode, value any) error {
	seq, ok := asSequence(value)
	if !ok {
		return e.transmitException(nil, bn, ErrBatchShape)
	}
	if len(seq) != bn.operationCount {
		return e.transmitException(nil, bn, ErrBatchShape)
	}
	for on, i := range bn.parentToOperationIdx {
		if err := e.transmitResult(on, on.parent, on.resultIndex, seq[i]); err != nil {
			return err
		}
	}
	return nil
}

// asSequence converts an ordered-sequence-shaped value into a []any,
// accepting both []any directly and any other slice/array kind via
// reflection so batchers are free to return, say, a []string.
func asSequence(value any) ([]any, bool) {
	if v, ok := value.([]any); ok {
		return v, true
	}
	rv := reflect.ValueOf(value)
	if !rv.IsValid() {
		return nil, false
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, true
	default:
		return nil, false
	}
}
