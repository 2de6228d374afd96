// Package verify checks attention outputs against an independent oracle built
// on gonum's BLAS, and measures how far two outputs drift apart.
package verify

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-attend/internal/tensor"
)

// Reference computes softmax(Q·Kᵗ)·V with two SGEMM calls per (batch, head)
// pair. Softmax is unstabilised, matching the kernels.
func Reference(q, k, v []float32, s tensor.Shape) ([]float32, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	for name, buf := range map[string][]float32{"q": q, "k": k, "v": v} {
		if err := tensor.CheckLen(name, buf, s.Len()); err != nil {
			return nil, err
		}
	}

	out := make([]float32, s.Len())
	scores := blas32.General{Rows: s.N, Cols: s.N, Stride: s.N, Data: make([]float32, s.N*s.N)}
	head := func(buf []float32, b, h int) blas32.General {
		return blas32.General{Rows: s.N, Cols: s.D, Stride: s.D, Data: s.Head(buf, b, h)}
	}

	for b := 0; b < s.B; b++ {
		for h := 0; h < s.H; h++ {
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, head(q, b, h), head(k, b, h), 0, scores)
			for i := 0; i < s.N; i++ {
				softmax(scores.Data[i*s.N : (i+1)*s.N])
			}
			blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, scores, head(v, b, h), 0, head(out, b, h))
		}
	}
	return out, nil
}

func softmax(row []float32) {
	var sum float64
	for i, x := range row {
		e := math.Exp(float64(x))
		row[i] = float32(e)
		sum += e
	}
	for i := range row {
		row[i] = float32(float64(row[i]) / sum)
	}
}

// Report summarises the difference between an expected and an actual output.
type Report struct {
	MaxAbs    float64
	MaxRel    float64
	NonFinite int
}

func (r Report) String() string {
	return fmt.Sprintf("max_abs=%.3g max_rel=%.3g non_finite=%d", r.MaxAbs, r.MaxRel, r.NonFinite)
}

// Within reports whether every element agrees to tol absolute and nothing
// overflowed.
func (r Report) Within(tol float64) bool {
	return r.NonFinite == 0 && r.MaxAbs <= tol
}

// Compare measures got against want. The slices must have equal length.
func Compare(want, got []float32) Report {
	return Report{
		MaxAbs:    MaxAbsDiff(want, got),
		MaxRel:    MaxRelDiff(want, got, 1e-6),
		NonFinite: countNonFinite(got),
	}
}
