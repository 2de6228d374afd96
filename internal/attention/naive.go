package attention

import (
	"github.com/23skdu/longbow-attend/internal/simd"
	"github.com/23skdu/longbow-attend/internal/tensor"
)

// Naive is the reference kernel. For each (batch, head) pair it fills qkT
// (at least N×N) with raw scores, applies row-wise softmax in place and
// multiplies the probabilities by V into o.
//
// After the call qkT holds the probability matrix of the last pair.
func Naive(q, k, v, qkT, o []float32, s tensor.Shape) {
	mustQKVO(q, k, v, o, s)
	mustMinLen("qkT", qkT, s.N*s.N)

	n, d := s.N, s.D
	H, N, D := s.H, s.N, s.D
	scores := qkT[:n*n]

	for b := 0; b < s.B; b++ {
		for h := 0; h < s.H; h++ {
			// 1. Q·Kᵗ
			for i := 0; i < n; i++ {
				for j := 0; j < n; j++ {
					var sum float32
					for x := 0; x < d; x++ {
						sum += tensor.Read4(q, b, h, i, x, H, N, D) * tensor.Read4(k, b, h, j, x, H, N, D)
					}
					tensor.Write2(scores, i, j, n, sum)
				}
			}

			// 2. Row softmax
			for i := 0; i < n; i++ {
				simd.Softmax(scores[i*n : (i+1)*n])
			}

			// 3. P·V
			for i := 0; i < n; i++ {
				for j := 0; j < d; j++ {
					var sum float32
					for x := 0; x < n; x++ {
						sum += tensor.Read2(scores, i, x, n) * tensor.Read4(v, b, h, x, j, H, N, D)
					}
					tensor.Write4(o, b, h, i, j, H, N, D, sum)
				}
			}
		}
	}
}
