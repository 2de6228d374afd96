package cache

import (
	"sync"
	"sync/atomic"
)

// BufferPool recycles float32 scratch buffers by length. Buffers handed out
// by Get are always zeroed.
type BufferPool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool

	hits   atomic.Int64
	misses atomic.Int64
}

func NewBufferPool() *BufferPool {
	return &BufferPool{pools: make(map[int]*sync.Pool)}
}

func (p *BufferPool) pool(n int) *sync.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()

	sp, ok := p.pools[n]
	if !ok {
		sp = &sync.Pool{}
		p.pools[n] = sp
	}
	return sp
}

// Get returns a zeroed buffer of exactly n elements.
func (p *BufferPool) Get(n int) []float32 {
	if n <= 0 {
		return nil
	}
	if v := p.pool(n).Get(); v != nil {
		p.hits.Add(1)
		poolHits.Inc()
		buf := *(v.(*[]float32))
		clear(buf)
		return buf
	}
	p.misses.Add(1)
	poolMisses.Inc()
	return make([]float32, n)
}

// Put makes buf available to a later Get of the same length.
func (p *BufferPool) Put(buf []float32) {
	if len(buf) == 0 {
		return
	}
	buf = buf[:len(buf):len(buf)]
	p.pool(len(buf)).Put(&buf)
}

// Stats reports how many Gets were served from the pool and how many
// allocated.
func (p *BufferPool) Stats() (hits, misses int64) {
	return p.hits.Load(), p.misses.Load()
}
