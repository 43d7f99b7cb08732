// Package cache implements a two-tier file cache: a byte-bounded memory
// LRU and a disk LRU that rebuilds its index from the cache directory
// on cold start.
//
// Grounded on the teacher's storage.CacheManager (storage/cache.go): its
// single-goroutine opChan serializer is generalized here from a generic
// soft-reference manager into the byte-budget accountant sitting on top
// of hashicorp/golang-lru/v2's count-bounded LRU, and its 75%-of-budget
// batch-eviction strategy becomes the ~100x-entry-size eviction chunking
// used here.
package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lakesignal/corepipe/internal/obslog"
)

// evictChunkFactor mirrors the teacher's cleanup() batch strategy: once
// eviction is triggered, free roughly this many multiples of the
// triggering entry's size in one pass, so the amortized eviction cost per
// byte stays low under sustained churn.
const evictChunkFactor = 100

type memEntry struct {
	size int64
}

// Memory is the byte-bounded memory tier. hashicorp/golang-lru/v2 is
// count-bounded, not byte-bounded, so Memory sizes the underlying cache
// generously (effectively unbounded by count) and instead evicts via
// RemoveOldest whenever the tracked byte total exceeds budget.
type Memory struct {
	mu     sync.Mutex
	budget int64
	used   int64
	lru    *lru.Cache[string, []byte]
	sizes  map[string]int64
}

// NewMemory builds a memory tier bounded by budgetBytes.
func NewMemory(budgetBytes int64) *Memory {
	// The count capacity is a generous upper bound; byte accounting does
	// the real eviction work in Put. 1<<20 entries before hashicorp's own
	// count eviction would ever kick in is far more than any byte budget
	// in practice allows.
	c, _ := lru.New[string, []byte](1 << 20)
	return &Memory{budget: budgetBytes, lru: c, sizes: make(map[string]int64)}
}

// Get returns the cached bytes for path and whether they were present.
func (m *Memory) Get(path string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Get(path)
}

// Put inserts path's bytes into the memory tier, evicting older entries
// in ~100x-entry-size chunks to stay under budget. An entry larger than
// the whole budget is never cached; Put is then a deliberate no-op and
// the caller keeps serving the bytes it already has in hand.
func (m *Memory) Put(path string, data []byte) {
	size := int64(len(data))
	if size > m.budget {
		obslog.L().WithField("path", path).Warn("cache: entry exceeds memory budget, not cached")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.sizes[path]; ok {
		m.used -= old
		delete(m.sizes, path)
		m.lru.Remove(path)
	}
	target := size * evictChunkFactor
	if target > m.budget {
		target = m.budget
	}
	if m.used+size > m.budget {
		for m.budget-m.used < target {
			oldestKey, _, ok := m.lru.GetOldest()
			if !ok {
				break
			}
			m.lru.Remove(oldestKey)
			m.used -= m.sizes[oldestKey]
			delete(m.sizes, oldestKey)
		}
	}
	m.lru.Add(path, data)
	m.sizes[path] = size
	m.used += size
}

// Remove evicts path immediately, used when the disk tier or an upstream
// invalidation event (cluster component I) tells us the object changed.
func (m *Memory) Remove(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size, ok := m.sizes[path]; ok {
		m.used -= size
		delete(m.sizes, path)
	}
	m.lru.Remove(path)
}

// UsedBytes reports the tier's current tracked byte total.
func (m *Memory) UsedBytes() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Len reports the number of resident entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lru.Len()
}
