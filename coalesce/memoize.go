package coalesce

import "sync"

// Factory builds the *Task for one memoized call. It may fail outright -
// before any task exists - by returning a non-nil error, which is treated
// differently from a failure reported by the task itself once running: a
// Factory error is cached forever for that argument combination, while an
// error produced by actually running the task is cached only as a normal
// SharedTask outcome and is never retried (successes and task-level errors
// are treated identically here - both are terminal, both get replayed).
// This mirrors a deliberate asymmetry in the system this package's Batcher
// model is drawn from: bad inputs you'll never stop being bad, but a
// transient failure from the task body itself is not assumed permanent by
// construction failing, only by the task having already run once.
type Factory func(args ...any) (*Task, error)

type cacheEntry struct {
	shared *SharedTask
	err    error
}

type cacheGroup struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

func newCacheGroup() *cacheGroup {
	return &cacheGroup{entries: map[string]*cacheEntry{}}
}

func (g *cacheGroup) clear() {
	g.mu.Lock()
	g.entries = map[string]*cacheEntry{}
	g.mu.Unlock()
}

// Cache holds the memoized entries for every function built with
// MemoizeWithCache that shares it. Clearing a Cache drops every cached
// result and construction error across all of them at once - useful for a
// request-scoped cache that must not leak state between unrelated requests
// sharing the same process.
type Cache struct {
	mu     sync.Mutex
	groups []*cacheGroup
}

// NewCache creates an empty, ready-to-use Cache.
func NewCache() *Cache {
	return &Cache{}
}

func (c *Cache) newGroup() *cacheGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := newCacheGroup()
	c.groups = append(c.groups, g)
	return g
}

// Clear empties every group registered with this cache. A function built
// with MemoizeWithCache lazily re-registers a fresh group with the cache
// the next time it is called after a Clear, so it keeps participating in
// future clears too.
func (c *Cache) Clear() {
	c.mu.Lock()
	groups := c.groups
	c.groups = nil
	c.mu.Unlock()
	for _, g := range groups {
		g.clear()
	}
}

// Memoize wraps factory so that repeated calls with arguments that freeze
// to the same cache key return a Task sharing the first call's outcome
// instead of invoking factory again. The cache backing it is private to the
// returned function and is never cleared.
func Memoize(factory Factory) func(args ...any) *Task {
	group := newCacheGroup()
	return memoizeOn(group, factory)
}

// MemoizeWithCache is like Memoize, but registers its entries with cache so
// that cache.Clear() can drop them alongside every other function sharing
// that cache.
func MemoizeWithCache(cache *Cache, factory Factory) func(args ...any) *Task {
	var mu sync.Mutex
	var group *cacheGroup

	currentGroup := func() *cacheGroup {
		mu.Lock()
		defer mu.Unlock()
		registered := false
		if group != nil {
			cache.mu.Lock()
			for _, g := range cache.groups {
				if g == group {
					registered = true
					break
				}
			}
			cache.mu.Unlock()
		}
		if !registered {
			group = cache.newGroup()
		}
		return group
	}

	return func(args ...any) *Task {
		return memoizeOn(currentGroup(), factory)(args...)
	}
}

func memoizeOn(group *cacheGroup, factory Factory) func(args ...any) *Task {
	return func(args ...any) *Task {
		key := cacheKey(args)

		group.mu.Lock()
		entry, ok := group.entries[key]
		group.mu.Unlock()
		if ok {
			return replayEntry(entry)
		}

		task, err := factory(args...)

		group.mu.Lock()
		defer group.mu.Unlock()
		if entry, ok := group.entries[key]; ok {
			return replayEntry(entry)
		}
		if err != nil {
			entry := &cacheEntry{err: err}
			group.entries[key] = entry
			return replayEntry(entry)
		}
		entry = &cacheEntry{shared: NewShared(task)}
		group.entries[key] = entry
		return entry.shared.Gen()
	}
}

func replayEntry(entry *cacheEntry) *Task {
	if entry.err != nil {
		return NewTask(func(y Yielder) (any, error) { return nil, entry.err })
	}
	return entry.shared.Gen()
}
