package enhancers

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/delaneyj/signaltree/tree"
)

// Memoizer caches computations between mutations. Every flush empties the
// cache, and while notifications are pending results are computed but not
// cached.
type Memoizer struct {
	mu     sync.Mutex
	cache  map[uint64]any
	hits   int
	misses int
	stale  func() bool
	stop   func()
}

// Memo returns the cached result for key or computes and caches it.
func (m *Memoizer) Memo(key string, fn func() any) any {
	if m.stale() {
		m.mu.Lock()
		m.misses++
		m.mu.Unlock()
		return fn()
	}
	h := xxhash.Sum64String(key)
	m.mu.Lock()
	if v, ok := m.cache[h]; ok {
		m.hits++
		m.mu.Unlock()
		return v
	}
	m.misses++
	m.mu.Unlock()

	v := fn()
	m.mu.Lock()
	m.cache[h] = v
	m.mu.Unlock()
	return v
}

// Invalidate empties the cache.
func (m *Memoizer) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.cache)
}

// Stats returns cache hits and misses.
func (m *Memoizer) Stats() (hits, misses int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits, m.misses
}

// Close stops listening for flushes.
func (m *Memoizer) Close() { m.stop() }

// MemoOf is Memo with a typed result.
func MemoOf[T any](m *Memoizer, key string, fn func() T) T {
	v, _ := m.Memo(key, func() any { return fn() }).(T)
	return v
}

// Memoization provides a *Memoizer. It requires batching so that a batch of
// writes invalidates the cache once.
func Memoization() tree.Enhancer {
	return tree.Enhancer{
		Name:     NameMemoization,
		Requires: []string{NameBatching},
		Apply: func(t *tree.Tree) (*tree.Tree, error) {
			m := &Memoizer{cache: map[uint64]any{}, stale: t.Notifier().HasPending}
			offFlush := t.Notifier().OnFlush(m.Invalidate)
			// Without batching there are no flush cycles; invalidate on every write.
			offWrite := t.Subscribe("**", func(any, any, string) {
				if !t.Notifier().Batching() {
					m.Invalidate()
				}
			})
			m.stop = func() {
				offFlush()
				offWrite()
			}
			t.Provide(NameMemoization, m)
			return t, nil
		},
	}
}
