// Package attention computes softmax(Q·Kᵗ)·V for a batch of independent
// (batch, head) pairs using four strategies that produce the same result up
// to float rounding:
//
//   - Naive materialises the full N×N score matrix per pair.
//   - Blocked does the same in cache-line sized tiles.
//   - Fused computes one output row at a time from a private score row,
//     spreading rows across a worker pool.
//   - Flash sweeps key/value tiles and keeps only a Br×Bc score tile, merging
//     each tile into the output with a running softmax denominator.
//
// All buffers are flat row-major float32 slices of shape (B, H, N, D) owned by
// the caller; kernels never allocate. Scores are not max-subtracted before
// exponentiation, so inputs with large dot products overflow to +Inf/NaN.
package attention

import (
	"errors"
	"fmt"
	"strings"

	"github.com/23skdu/longbow-attend/internal/tensor"
)

// Kernel names one attention strategy.
type Kernel string

const (
	KernelNaive   Kernel = "naive"
	KernelBlocked Kernel = "blocked"
	KernelFused   Kernel = "fused"
	KernelFlash   Kernel = "flash"
)

// Kernels lists every strategy in order of sophistication.
var Kernels = []Kernel{KernelNaive, KernelBlocked, KernelFused, KernelFlash}

var ErrUnknownKernel = errors.New("unknown kernel")

// ParseKernel maps a name (case-insensitive) to a Kernel.
func ParseKernel(name string) (Kernel, error) {
	k := Kernel(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Kernels {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKernel, name)
}

func (k Kernel) String() string {
	return string(k)
}

func mustShape(s tensor.Shape) {
	if err := s.Validate(); err != nil {
		panic(fmt.Sprintf("attention: %v", err))
	}
}

func mustLen(name string, buf []float32, want int) {
	if len(buf) != want {
		panic(fmt.Sprintf("attention: %s has %d elements, want %d", name, len(buf), want))
	}
}

func mustMinLen(name string, buf []float32, want int) {
	if len(buf) < want {
		panic(fmt.Sprintf("attention: %s has %d elements, need at least %d", name, len(buf), want))
	}
}

func mustQKVO(q, k, v, o []float32, s tensor.Shape) {
	mustShape(s)
	n := s.Len()
	mustLen("q", q, n)
	mustLen("k", k, n)
	mustLen("v", v, n)
	mustLen("o", o, n)
}
