package cache

import (
	"sync"
)

// ResultCache stores attention outputs keyed by a request digest.
type ResultCache interface {
	// Get retrieves a copy of a cached output.
	Get(key uint64) ([]float32, bool)
	// Put stores a copy of out.
	Put(key uint64, out []float32)
	// Size returns the number of cached outputs.
	Size() int
}

// MapCache is an in-memory ResultCache. Once it holds maxEntries
// outputs it is cleared before the next insert.
type MapCache struct {
	data       map[uint64][]float32
	maxEntries int
	mu         sync.RWMutex
}

// NewMapCache returns a MapCache holding at most maxEntries outputs.
// maxEntries <= 0 means no limit.
func NewMapCache(maxEntries int) *MapCache {
	return &MapCache{
		data:       make(map[uint64][]float32),
		maxEntries: maxEntries,
	}
}

func (c *MapCache) Get(key uint64) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if v, ok := c.data[key]; ok {
		dst := make([]float32, len(v))
		copy(dst, v)
		return dst, true
	}
	return nil, false
}

func (c *MapCache) Put(key uint64, out []float32) {
	dst := make([]float32, len(out))
	copy(dst, out)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.data[key]; !ok && c.maxEntries > 0 && len(c.data) >= c.maxEntries {
		clear(c.data)
	}
	c.data[key] = dst
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
