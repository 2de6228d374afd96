package attention

import (
	"fmt"

	"github.com/23skdu/longbow-attend/internal/simd"
	"github.com/23skdu/longbow-attend/internal/tensor"
	"github.com/23skdu/longbow-attend/internal/workerpool"
)

// FlashScratch holds the tile buffers for one worker running Flash. Tiles are
// sized for full Br×Bc blocks; boundary tiles use a prefix of each buffer.
type FlashScratch struct {
	Br, Bc int
	N, D   int

	Qi, Oi, PV []float32 // Br×D
	Kj, Vj     []float32 // Bc×D
	Sij, Pij   []float32 // Br×Bc

	// L is the running softmax denominator of every query row in the
	// current pair.
	L []float32

	Li, Lij, Lnew []float32 // Br
}

// FlashScratchLen is the number of float32 values one FlashScratch needs.
func FlashScratchLen(br, bc, n, d int) int {
	return 3*br*d + 2*bc*d + 2*br*bc + n + 3*br
}

// NewFlashScratch allocates scratch for tiles of br query rows by bc key rows
// over sequences of length n and head width d.
func NewFlashScratch(br, bc, n, d int) *FlashScratch {
	if br <= 0 || bc <= 0 || n <= 0 || d <= 0 {
		panic(fmt.Sprintf("attention: invalid flash scratch br=%d bc=%d n=%d d=%d", br, bc, n, d))
	}
	return NewFlashScratchIn(make([]float32, FlashScratchLen(br, bc, n, d)), br, bc, n, d)
}

// NewFlashScratchIn carves a FlashScratch out of buf, which must hold at least
// FlashScratchLen(br, bc, n, d) values.
func NewFlashScratchIn(buf []float32, br, bc, n, d int) *FlashScratch {
	if br <= 0 || bc <= 0 || n <= 0 || d <= 0 {
		panic(fmt.Sprintf("attention: invalid flash scratch br=%d bc=%d n=%d d=%d", br, bc, n, d))
	}
	mustMinLen("flash scratch", buf, FlashScratchLen(br, bc, n, d))

	take := func(size int) []float32 {
		part := buf[:size:size]
		buf = buf[size:]
		return part
	}
	return &FlashScratch{
		Br:   br,
		Bc:   bc,
		N:    n,
		D:    d,
		Qi:   take(br * d),
		Oi:   take(br * d),
		PV:   take(br * d),
		Kj:   take(bc * d),
		Vj:   take(bc * d),
		Sij:  take(br * bc),
		Pij:  take(br * bc),
		L:    take(n),
		Li:   take(br),
		Lij:  take(br),
		Lnew: take(br),
	}
}

// Reset zeroes every buffer. Flash does not depend on it.
func (fs *FlashScratch) Reset() {
	for _, buf := range [][]float32{fs.Qi, fs.Oi, fs.PV, fs.Kj, fs.Vj, fs.Sij, fs.Pij, fs.L, fs.Li, fs.Lij, fs.Lnew} {
		simd.Zero(buf)
	}
}

func (fs *FlashScratch) fits(s tensor.Shape) bool {
	return fs != nil && fs.N >= s.N && fs.D == s.D && fs.Br > 0 && fs.Bc > 0
}

// Flash computes attention without materialising any N×N matrix. Each
// (batch, head) pair sweeps its key/value tiles in order and folds each into
// the output rows with a running denominator, so o never needs a separate
// normalisation pass.
//
// Pairs are claimed by pool workers; worker w uses scratch[w]. With a nil pool
// all pairs run on scratch[0].
func Flash(q, k, v, o []float32, s tensor.Shape, scratch []*FlashScratch, pool *workerpool.Pool) {
	FlashWithStats(q, k, v, o, nil, s, scratch, pool)
}

// FlashWithStats is Flash that also copies each pair's final denominators
// into stats, laid out as (B, H, N). stats may be nil.
func FlashWithStats(q, k, v, o, stats []float32, s tensor.Shape, scratch []*FlashScratch, pool *workerpool.Pool) {
	mustQKVO(q, k, v, o, s)
	if stats != nil {
		mustLen("stats", stats, s.Pairs()*s.N)
	}

	workers := 1
	if pool != nil {
		workers = pool.NumWorkers()
	}
	if len(scratch) < workers {
		panic(fmt.Sprintf("attention: flash needs %d scratch sets, got %d", workers, len(scratch)))
	}
	for w := 0; w < workers; w++ {
		if !scratch[w].fits(s) {
			panic(fmt.Sprintf("attention: flash scratch[%d] does not fit shape %s", w, s))
		}
	}

	pair := func(worker, p int) {
		b, h := p/s.H, p%s.H
		st := newFlashState(q, k, v, o, s, b, h, scratch[worker])
		st.run()
		if stats != nil {
			copy(stats[p*s.N:(p+1)*s.N], st.l)
		}
	}

	if pool == nil {
		for p := 0; p < s.Pairs(); p++ {
			pair(0, p)
		}
		return
	}
	pool.ParallelForAtomic(s.Pairs(), pair)
}

// flashState is the accumulator for one (batch, head) pair: its output slab
// and the running denominators, carried from one key tile to the next.
type flashState struct {
	q, k, v, o []float32 // N×D slabs of the pair
	l          []float32
	n, d       int
	fs         *FlashScratch
}

func newFlashState(q, k, v, o []float32, s tensor.Shape, b, h int, fs *FlashScratch) *flashState {
	return &flashState{
		q:  s.Head(q, b, h),
		k:  s.Head(k, b, h),
		v:  s.Head(v, b, h),
		o:  s.Head(o, b, h),
		l:  fs.L[:s.N],
		n:  s.N,
		d:  s.D,
		fs: fs,
	}
}

func (st *flashState) run() {
	simd.Zero(st.l)
	simd.Zero(st.o)
	tc := (st.n + st.fs.Bc - 1) / st.fs.Bc
	for j := 0; j < tc; j++ {
		st.accumulateKeyTile(j)
	}
}

// accumulateKeyTile loads key/value tile j and merges it into every row tile.
func (st *flashState) accumulateKeyTile(j int) {
	fs, d := st.fs, st.d
	start := j * fs.Bc
	cols := min(fs.Bc, st.n-start)

	copy(fs.Kj[:cols*d], st.k[start*d:(start+cols)*d])
	copy(fs.Vj[:cols*d], st.v[start*d:(start+cols)*d])

	tr := (st.n + fs.Br - 1) / fs.Br
	for i := 0; i < tr; i++ {
		st.accumulateRowTile(i, cols)
	}
}

// accumulateRowTile folds the current key tile (cols rows wide) into row
// tile i:
//
//	Lnew = Li + rowsum(exp(Qi·Kjᵗ))
//	Oi   = (Li·Oi + exp(Qi·Kjᵗ)·Vj) / Lnew
func (st *flashState) accumulateRowTile(i, cols int) {
	fs, d, bc := st.fs, st.d, st.fs.Bc
	start := i * fs.Br
	rows := min(fs.Br, st.n-start)

	copy(fs.Qi[:rows*d], st.q[start*d:(start+rows)*d])
	copy(fs.Oi[:rows*d], st.o[start*d:(start+rows)*d])
	copy(fs.Li[:rows], st.l[start:start+rows])

	for r := 0; r < rows; r++ {
		qRow := fs.Qi[r*d : (r+1)*d]
		for c := 0; c < cols; c++ {
			tensor.Write2(fs.Sij, r, c, bc, simd.DotProduct(qRow, fs.Kj[c*d:(c+1)*d]))
		}
	}

	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			tensor.Write2(fs.Pij, r, c, bc, simd.Exp(tensor.Read2(fs.Sij, r, c, bc)))
		}
		fs.Lij[r] = simd.Sum(fs.Pij[r*bc : r*bc+cols])
		fs.Lnew[r] = fs.Li[r] + fs.Lij[r]
	}

	for r := 0; r < rows; r++ {
		pv := fs.PV[r*d : (r+1)*d]
		simd.Zero(pv)
		for x := 0; x < cols; x++ {
			simd.VecAddScaled(pv, fs.Vj[x*d:(x+1)*d], tensor.Read2(fs.Pij, r, x, bc))
		}
	}

	for r := 0; r < rows; r++ {
		li, lnew := fs.Li[r], fs.Lnew[r]
		for c := 0; c < d; c++ {
			prev := tensor.Read2(fs.Oi, r, c, d)
			tensor.Write2(fs.Oi, r, c, d, (li*prev+tensor.Read2(fs.PV, r, c, d))/lnew)
		}
	}

	copy(st.o[start*d:(start+rows)*d], fs.Oi[:rows*d])
	copy(st.l[start:start+rows], fs.Lnew[:rows])
}
