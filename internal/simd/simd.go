// Package simd holds unrolled float32 loops shaped so the compiler can keep
// them in registers. Nothing here allocates.
package simd

import "math"

// Exp returns e**x in float32, computed in float64.
func Exp(x float32) float32 {
	return float32(math.Exp(float64(x)))
}

// ExpInPlace replaces every element of row by its exponential and returns the
// sum of the results. No max subtraction is applied: large inputs overflow to
// +Inf exactly as the unstabilised softmax does.
func ExpInPlace(row []float32) float32 {
	var sum float32
	for i, v := range row {
		e := Exp(v)
		row[i] = e
		sum += e
	}
	return sum
}

// Softmax applies the two-pass softmax in place: exponentiate, sum, divide.
func Softmax(row []float32) {
	sum := ExpInPlace(row)
	for i := range row {
		row[i] /= sum
	}
}

// Sum returns the sum of v.
func Sum(v []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(v)-4; i += 4 {
		sum += v[i]
		sum += v[i+1]
		sum += v[i+2]
		sum += v[i+3]
	}
	for ; i < len(v); i++ {
		sum += v[i]
	}
	return sum
}

// VecAddScaled performs dst += src * scale.
func VecAddScaled(dst, src []float32, scale float32) {
	i := 0
	for ; i <= len(dst)-4; i += 4 {
		dst[i] += src[i] * scale
		dst[i+1] += src[i+1] * scale
		dst[i+2] += src[i+2] * scale
		dst[i+3] += src[i+3] * scale
	}
	for ; i < len(dst); i++ {
		dst[i] += src[i] * scale
	}
}

// DotProduct computes the dot product of a and b[:len(a)].
func DotProduct(a, b []float32) float32 {
	var sum float32
	i := 0
	for ; i <= len(a)-4; i += 4 {
		sum += a[i] * b[i]
		sum += a[i+1] * b[i+1]
		sum += a[i+2] * b[i+2]
		sum += a[i+3] * b[i+3]
	}
	for ; i < len(a); i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// Zero clears v.
func Zero(v []float32) {
	for i := range v {
		v[i] = 0
	}
}
