package attention

import (
	"fmt"

	"github.com/23skdu/longbow-attend/internal/simd"
	"github.com/23skdu/longbow-attend/internal/tensor"
	"github.com/23skdu/longbow-attend/internal/workerpool"
)

// Fused computes each output row end to end (score row, softmax, weighted sum
// of V) without storing an N×N matrix. The B·H·N rows are independent and are
// split across pool; worker w uses rows[w] (length at least N) as its private
// score row. With a nil pool every row runs inline on rows[0].
func Fused(q, k, v, o []float32, s tensor.Shape, rows [][]float32, pool *workerpool.Pool) {
	mustQKVO(q, k, v, o, s)

	workers := 1
	if pool != nil {
		workers = pool.NumWorkers()
	}
	if len(rows) < workers {
		panic(fmt.Sprintf("attention: fused needs %d scratch rows, got %d", workers, len(rows)))
	}
	for w := 0; w < workers; w++ {
		mustMinLen(fmt.Sprintf("rows[%d]", w), rows[w], s.N)
	}

	units := s.B * s.H * s.N
	run := func(worker, start, end int) {
		row := rows[worker][:s.N]
		for u := start; u < end; u++ {
			b := u / (s.H * s.N)
			h := (u / s.N) % s.H
			i := u % s.N
			fusedRow(q, k, v, o, row, s, b, h, i)
		}
	}

	if pool == nil {
		run(0, 0, units)
		return
	}
	pool.ParallelFor(units, run)
}

func fusedRow(q, k, v, o, row []float32, s tensor.Shape, b, h, i int) {
	n, d := s.N, s.D
	qh := s.Head(q, b, h)
	kh := s.Head(k, b, h)
	vh := s.Head(v, b, h)
	oh := s.Head(o, b, h)

	qRow := qh[i*d : (i+1)*d]
	for j := 0; j < n; j++ {
		row[j] = simd.DotProduct(qRow, kh[j*d:(j+1)*d])
	}

	simd.Softmax(row)

	oRow := oh[i*d : (i+1)*d]
	simd.Zero(oRow)
	for x := 0; x < n; x++ {
		simd.VecAddScaled(oRow, vh[x*d:(x+1)*d], row[x])
	}
}
