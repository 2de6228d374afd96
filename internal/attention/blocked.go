package attention

import (
	"github.com/23skdu/longbow-attend/internal/simd"
	"github.com/23skdu/longbow-attend/internal/tensor"
)

// Blocked computes the same result as Naive but runs both matrix products as
// tiled loops of edge blockSize, so each inner loop touches only a tile's
// worth of rows. blockSize <= 0 selects CacheLineFloats().
//
// qkT (at least N×N) is zeroed per pair before scores are accumulated into it.
func Blocked(q, k, v, qkT, o []float32, s tensor.Shape, blockSize int) {
	mustQKVO(q, k, v, o, s)
	mustMinLen("qkT", qkT, s.N*s.N)
	if blockSize <= 0 {
		blockSize = CacheLineFloats()
	}

	n := s.N
	scores := qkT[:n*n]

	for b := 0; b < s.B; b++ {
		for h := 0; h < s.H; h++ {
			qh := s.Head(q, b, h)
			kh := s.Head(k, b, h)
			vh := s.Head(v, b, h)
			oh := s.Head(o, b, h)

			simd.Zero(scores)
			blockedScores(qh, kh, scores, n, s.D, blockSize)
			for i := 0; i < n; i++ {
				simd.Softmax(scores[i*n : (i+1)*n])
			}
			blockedOutput(scores, vh, oh, n, s.D, blockSize)
		}
	}
}

// blockedScores accumulates scores[i, j] += Σ_x q[i, x]·k[j, x] tile by tile.
// scores must be zero on entry.
func blockedScores(q, k, scores []float32, n, d, bs int) {
	for i0 := 0; i0 < n; i0 += bs {
		iEnd := min(i0+bs, n)
		for j0 := 0; j0 < n; j0 += bs {
			jEnd := min(j0+bs, n)
			for x0 := 0; x0 < d; x0 += bs {
				xEnd := min(x0+bs, d)
				for i := i0; i < iEnd; i++ {
					for j := j0; j < jEnd; j++ {
						sum := tensor.Read2(scores, i, j, n)
						for x := x0; x < xEnd; x++ {
							sum += tensor.Read2(q, i, x, d) * tensor.Read2(k, j, x, d)
						}
						tensor.Write2(scores, i, j, n, sum)
					}
				}
			}
		}
	}
}

// blockedOutput computes o = p·v tile by tile. Each output cell is zeroed the
// first time it is touched, on the first reduction tile.
func blockedOutput(p, v, o []float32, n, d, bs int) {
	for i0 := 0; i0 < n; i0 += bs {
		iEnd := min(i0+bs, n)
		for j0 := 0; j0 < d; j0 += bs {
			jEnd := min(j0+bs, d)
			for x0 := 0; x0 < n; x0 += bs {
				xEnd := min(x0+bs, n)
				for i := i0; i < iEnd; i++ {
					for j := j0; j < jEnd; j++ {
						if x0 == 0 {
							tensor.Write2(o, i, j, d, 0)
						}
						sum := tensor.Read2(o, i, j, d)
						for x := x0; x < xEnd; x++ {
							sum += tensor.Read2(p, i, x, n) * tensor.Read2(v, x, j, d)
						}
						tensor.Write2(o, i, j, d, sum)
					}
				}
			}
		}
	}
}
