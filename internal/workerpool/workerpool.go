// Package workerpool provides a persistent pool of worker goroutines for the
// attention kernels. Each worker has a stable index in [0, NumWorkers) that is
// passed to every work function, so callers can hand each worker its own
// scratch buffer without locking.
//
//	pool := workerpool.New(runtime.NumCPU())
//	defer pool.Close()
//
//	rows := make([][]float32, pool.NumWorkers())
//	pool.ParallelFor(units, func(worker, start, end int) {
//	    scratch := rows[worker]
//	    ...
//	})
package workerpool

import (
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Pool is a fixed-size set of workers reused across kernel calls.
type Pool struct {
	numWorkers int
	workC      []chan workItem
	slots      []slot

	// mu is held shared while a loop is dispatching to workers and
	// exclusively by Close, so channels never close under a sender.
	mu     sync.RWMutex
	closed bool
}

type workItem struct {
	fn      func(worker int)
	barrier *sync.WaitGroup
}

// slot holds per-worker counters, padded so neighbouring workers never
// share a cache line.
type slot struct {
	units atomic.Int64
	_     cpu.CacheLinePad
}

// New creates a pool with numWorkers workers. If numWorkers <= 0, uses
// runtime.NumCPU().
func New(numWorkers int) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	p := &Pool{
		numWorkers: numWorkers,
		workC:      make([]chan workItem, numWorkers),
		slots:      make([]slot, numWorkers),
	}
	for w := range numWorkers {
		p.workC[w] = make(chan workItem, 2)
		go p.worker(w)
	}
	return p
}

func (p *Pool) worker(id int) {
	for item := range p.workC[id] {
		item.fn(id)
		item.barrier.Done()
	}
}

// NumWorkers returns the number of workers in the pool.
func (p *Pool) NumWorkers() int {
	return p.numWorkers
}

// Close shuts down the pool, waiting for running loops to finish. Calling
// Close more than once is safe; after Close, parallel loops run inline on
// worker 0.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, c := range p.workC {
		close(c)
	}
}

// ParallelFor splits [0, n) into at most NumWorkers contiguous ranges and
// runs fn(worker, start, end) for each, one range per worker. Blocks until all
// ranges complete.
func (p *Pool) ParallelFor(n int, fn func(worker, start, end int)) {
	if n <= 0 {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	workers := min(p.numWorkers, n)
	if workers == 1 || p.closed {
		fn(0, 0, n)
		p.slots[0].units.Add(int64(n))
		return
	}

	chunkSize := (n + workers - 1) / workers

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		start := w * chunkSize
		if start >= n {
			break
		}
		end := min(start+chunkSize, n)

		wg.Add(1)
		p.workC[w] <- workItem{
			fn: func(worker int) {
				fn(worker, start, end)
				p.slots[worker].units.Add(int64(end - start))
			},
			barrier: &wg,
		}
	}
	wg.Wait()
}

// ParallelForAtomic runs fn(worker, i) for every i in [0, n), with workers
// claiming indices through a shared atomic counter. Use it when units are few
// or uneven.
func (p *Pool) ParallelForAtomic(n int, fn func(worker, i int)) {
	if n <= 0 {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	workers := min(p.numWorkers, n)
	if workers == 1 || p.closed {
		for i := range n {
			fn(0, i)
		}
		p.slots[0].units.Add(int64(n))
		return
	}

	var next atomic.Int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		p.workC[w] <- workItem{
			fn: func(worker int) {
				for {
					i := int(next.Add(1)) - 1
					if i >= n {
						return
					}
					fn(worker, i)
					p.slots[worker].units.Add(1)
				}
			},
			barrier: &wg,
		}
	}
	wg.Wait()
}

// Units returns how many work units each worker has processed since the pool
// was created.
func (p *Pool) Units() []int64 {
	out := make([]int64, p.numWorkers)
	for i := range p.slots {
		out[i] = p.slots[i].units.Load()
	}
	return out
}
