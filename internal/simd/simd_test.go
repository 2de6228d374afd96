package simd

import (
	"math"
	"testing"
)

func TestVecAddScaled(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}
	expected := []float32{6, 12, 18, 24, 30}

	VecAddScaled(dst, src, 0.5)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAddScaled(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestDotProduct(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{2, 3, 4, 5, 6}
	// 2 + 6 + 12 + 20 + 30 = 70
	if got := DotProduct(a, b); got != 70 {
		t.Errorf("DotProduct = %f, want 70", got)
	}
}

func TestSum(t *testing.T) {
	if got := Sum([]float32{1, 2, 3, 4, 5, 6, 7}); got != 28 {
		t.Errorf("Sum = %f, want 28", got)
	}
	if got := Sum(nil); got != 0 {
		t.Errorf("Sum(nil) = %f, want 0", got)
	}
}

func TestSoftmax(t *testing.T) {
	row := []float32{1, 0}
	Softmax(row)

	want0 := float32(math.E / (math.E + 1))
	if math.Abs(float64(row[0]-want0)) > 1e-6 {
		t.Errorf("Softmax[0] = %f, want %f", row[0], want0)
	}
	if math.Abs(float64(row[0]+row[1]-1)) > 1e-6 {
		t.Errorf("Softmax row sums to %f", row[0]+row[1])
	}
}

func TestExpInPlace_Overflow(t *testing.T) {
	// No stabilisation: large scores overflow rather than being rescaled.
	row := []float32{100, 0}
	sum := ExpInPlace(row)
	if !math.IsInf(float64(row[0]), 1) || !math.IsInf(float64(sum), 1) {
		t.Errorf("expected +Inf for exp(100) in float32, got %f (sum %f)", row[0], sum)
	}
}

func TestZero(t *testing.T) {
	v := []float32{1, 2, 3}
	Zero(v)
	for i, x := range v {
		if x != 0 {
			t.Errorf("Zero left v[%d] = %f", i, x)
		}
	}
}

// Benchmarks

func BenchmarkDotProduct(b *testing.B) {
	size := 128
	v1 := make([]float32, size)
	v2 := make([]float32, size)
	for i := range v1 {
		v1[i] = float32(i)
		v2[i] = float32(i)
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		DotProduct(v1, v2)
	}
}

func BenchmarkVecAddScaled(b *testing.B) {
	size := 128
	v1 := make([]float32, size)
	v2 := make([]float32, size)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		VecAddScaled(v1, v2, 0.5)
	}
}

func BenchmarkExpInPlace(b *testing.B) {
	row := make([]float32, 256)
	for i := 0; i < b.N; i++ {
		for j := range row {
			row[j] = 0.01
		}
		ExpInPlace(row)
	}
}
