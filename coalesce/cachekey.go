package coalesce

import (
	"fmt"
	"sort"
	"strings"
)

// Set marks a collection of arguments as order-independent for the purposes
// of cache-key construction: two Sets with the same elements in a different
// order hash identically. Use it for a Memoize argument whose identity, as
// far as the computation is concerned, doesn't depend on iteration order -
// the same distinction the original draws between freezing a list into an
// ordered tuple and freezing a set into a frozenset.
type Set []any

// OrderedPair is one entry of an OrderedMap.
type OrderedPair struct {
	Key   string
	Value any
}

// OrderedMap marks a sequence of key/value pairs as order-*dependent* for
// cache-key construction, as opposed to a plain map[string]any argument
// (unordered: keys are sorted before hashing, mirroring how the original
// freezes an ordinary dict).
type OrderedMap []OrderedPair

// cacheKey builds a canonical string key for an argument list so that two
// calls are treated as the same cache entry iff their arguments are
// "the same value" under this package's freezing rules: []any and arrays
// are ordered, map[string]any and Set are unordered (canonicalized by
// sorting), OrderedMap preserves exactly the order given, and everything
// else falls back to a %#v representation tagged with its Go type so that
// e.g. the int 5 and the string "5" never collide.
func cacheKey(args []any) string {
	var b strings.Builder
	writeArgs(&b, args)
	return b.String()
}

func writeArgs(b *strings.Builder, args []any) {
	b.WriteByte('(')
	for i, a := range args {
		if i > 0 {
			b.WriteByte(',')
		}
		writeValue(b, a)
	}
	b.WriteByte(')')
}

func writeValue(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteString("n")
	case Set:
		parts := make([]string, len(t))
		for i, e := range t {
			var eb strings.Builder
			writeValue(&eb, e)
			parts[i] = eb.String()
		}
		sort.Strings(parts)
		b.WriteString("S{")
		b.WriteString(strings.Join(parts, ","))
		b.WriteString("}")
	case OrderedMap:
		b.WriteString("O{")
		for i, p := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(p.Key)
			b.WriteByte(':')
			writeValue(b, p.Value)
		}
		b.WriteString("}")
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("M{")
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte(':')
			writeValue(b, t[k])
		}
		b.WriteString("}")
	case []any:
		writeArgs(b, t)
	default:
		fmt.Fprintf(b, "G%T:%#v", v, v)
	}
}
