package coalesce

// Structured returns a *Task that resolves an arbitrarily nested value -
// any mix of map[string]any and []any containing *Task and Operation
// leaves - into the same shape with every leaf replaced by its resolved
// value. It flattens every leaf into a single YieldAll call first, so
// leaves scattered across the structure are still coalesced with each
// other exactly as if they had been yielded as one flat list.
func Structured(value any) *Task {
	return NewTask(func(y Yielder) (any, error) {
		var leaves []any
		indices := unpackage(value, &leaves)
		results, err := y.YieldAll(leaves)
		if err != nil {
			return nil, err
		}
		return pack(indices, results), nil
	})
}

// Identity returns a *Task whose terminal value is value, resolved without
// yielding to anything. Useful where an API expects a *Task and the value
// is already in hand.
func Identity(value any) *Task {
	return NewTask(func(y Yielder) (any, error) {
		return value, nil
	})
}

func unpackage(value any, leaves *[]any) any {
	switch v := value.(type) {
	case map[string]any:
		indices := make(map[string]any, len(v))
		for k, val := range v {
			indices[k] = unpackage(val, leaves)
		}
		return indices
	case []any:
		indices := make([]any, len(v))
		for i, el := range v {
			indices[i] = unpackage(el, leaves)
		}
		return indices
	default:
		i := len(*leaves)
		*leaves = append(*leaves, v)
		return i
	}
}

func pack(indices any, results []any) any {
	switch idx := indices.(type) {
	case map[string]any:
		value := make(map[string]any, len(idx))
		for k, ind := range idx {
			value[k] = pack(ind, results)
		}
		return value
	case []any:
		value := make([]any, len(idx))
		for i, ind := range idx {
			value[i] = pack(ind, results)
		}
		return value
	case int:
		return results[idx]
	default:
		return nil
	}
}
