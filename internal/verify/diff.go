package verify

import "math"

// MaxAbsDiff returns max |a[i] - b[i]|. NaN anywhere yields NaN.
func MaxAbsDiff(a, b []float32) float64 {
	mustSameLen(a, b)
	var worst float64
	for i := range a {
		d := math.Abs(float64(a[i]) - float64(b[i]))
		if math.IsNaN(d) {
			return math.NaN()
		}
		worst = math.Max(worst, d)
	}
	return worst
}

// MaxRelDiff returns max |a[i] - b[i]| / max(|a[i]|, floor).
func MaxRelDiff(a, b []float32, floor float64) float64 {
	mustSameLen(a, b)
	var worst float64
	for i := range a {
		d := math.Abs(float64(a[i]) - float64(b[i]))
		if math.IsNaN(d) {
			return math.NaN()
		}
		worst = math.Max(worst, d/math.Max(math.Abs(float64(a[i])), floor))
	}
	return worst
}

// RowSums returns the sum of each row of a rows×cols matrix.
func RowSums(m []float32, rows, cols int) []float32 {
	if len(m) != rows*cols {
		panic("verify: matrix length does not match rows×cols")
	}
	sums := make([]float32, rows)
	for r := range sums {
		var s float64
		for _, x := range m[r*cols : (r+1)*cols] {
			s += float64(x)
		}
		sums[r] = float32(s)
	}
	return sums
}

func countNonFinite(buf []float32) int {
	n := 0
	for _, x := range buf {
		if f := float64(x); math.IsNaN(f) || math.IsInf(f, 0) {
			n++
		}
	}
	return n
}

func mustSameLen(a, b []float32) {
	if len(a) != len(b) {
		panic("verify: length mismatch")
	}
}
