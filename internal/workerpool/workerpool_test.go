package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParallelFor_CoversRange(t *testing.T) {
	pool := New(4)
	defer pool.Close()

	for _, n := range []int{1, 3, 4, 7, 100} {
		hits := make([]int32, n)
		pool.ParallelFor(n, func(worker, start, end int) {
			for i := start; i < end; i++ {
				atomic.AddInt32(&hits[i], 1)
			}
		})
		for i, h := range hits {
			require.Equalf(t, int32(1), h, "n=%d index %d visited %d times", n, i, h)
		}
	}
}

func TestParallelFor_WorkerExclusive(t *testing.T) {
	pool := New(4)
	defer pool.Close()

	// A worker index must never be active in two ranges at once.
	active := make([]atomic.Int32, pool.NumWorkers())
	var violations atomic.Int32

	pool.ParallelFor(64, func(worker, start, end int) {
		if active[worker].Add(1) != 1 {
			violations.Add(1)
		}
		defer active[worker].Add(-1)
		for i := start; i < end; i++ {
			_ = i * i
		}
	})

	assert.Zero(t, violations.Load())
}

func TestParallelForAtomic(t *testing.T) {
	pool := New(3)
	defer pool.Close()

	var sum atomic.Int64
	seen := make([]int32, 50)
	pool.ParallelForAtomic(50, func(worker, i int) {
		assert.Less(t, worker, pool.NumWorkers())
		atomic.AddInt32(&seen[i], 1)
		sum.Add(int64(i))
	})

	assert.Equal(t, int64(49*50/2), sum.Load())
	for i, s := range seen {
		assert.Equalf(t, int32(1), s, "index %d", i)
	}
}

func TestUnits(t *testing.T) {
	pool := New(2)
	defer pool.Close()

	pool.ParallelFor(10, func(worker, start, end int) {})
	pool.ParallelForAtomic(5, func(worker, i int) {})

	var total int64
	for _, u := range pool.Units() {
		total += u
	}
	assert.Equal(t, int64(15), total)
}

func TestClose_FallsBackInline(t *testing.T) {
	pool := New(4)
	pool.Close()
	pool.Close() // idempotent

	var calls int
	pool.ParallelFor(10, func(worker, start, end int) {
		calls++
		assert.Equal(t, 0, worker)
		assert.Equal(t, 0, start)
		assert.Equal(t, 10, end)
	})
	assert.Equal(t, 1, calls)
}

func TestNew_DefaultWorkers(t *testing.T) {
	pool := New(0)
	defer pool.Close()
	assert.Positive(t, pool.NumWorkers())
}

func TestParallelFor_Empty(t *testing.T) {
	pool := New(2)
	defer pool.Close()

	pool.ParallelFor(0, func(worker, start, end int) {
		t.Fatal("fn called for empty range")
	})
}

func TestClose_WhileLoopsRun(t *testing.T) {
	pool := New(4)

	var wg sync.WaitGroup
	var done atomic.Int64
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for iter := 0; iter < 200; iter++ {
				pool.ParallelFor(16, func(_, start, end int) {
					done.Add(int64(end - start))
				})
				pool.ParallelForAtomic(4, func(int, int) {
					done.Add(1)
				})
			}
		}()
	}

	// Close races with the loops above; none of them may send on a closed
	// worker channel.
	pool.Close()
	wg.Wait()
	pool.Close()

	assert.Equal(t, int64(8*200*(16+4)), done.Load())
}
