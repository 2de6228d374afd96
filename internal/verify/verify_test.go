package verify

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-attend/internal/attention"
	"github.com/23skdu/longbow-attend/internal/provider"
	"github.com/23skdu/longbow-attend/internal/tensor"
	"github.com/23skdu/longbow-attend/internal/workerpool"
)

func TestReference_MatchesKernels(t *testing.T) {
	pool := workerpool.New(2)
	defer pool.Close()
	p := provider.New(pool)

	s := tensor.Shape{B: 2, H: 2, N: 23, D: 7}
	for _, k := range attention.Kernels {
		req := provider.RandomRequest(k, s, 99)
		want, err := Reference(req.Q, req.K, req.V, s)
		require.NoError(t, err)

		res, err := p.Run(t.Context(), req)
		require.NoError(t, err)

		rep := Compare(want, res.O)
		assert.Truef(t, rep.Within(1e-4), "%s: %s", k, rep)
	}
}

func TestReference_TwoByTwo(t *testing.T) {
	identity := []float32{1, 0, 0, 1}
	got, err := Reference(identity, identity, identity, tensor.Shape{B: 1, H: 1, N: 2, D: 2})
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.7311, 0.2689, 0.2689, 0.7311}, got, 1e-4)
}

func TestReference_Rejects(t *testing.T) {
	_, err := Reference(nil, nil, nil, tensor.Shape{})
	assert.ErrorIs(t, err, tensor.ErrInvalidShape)

	_, err = Reference(make([]float32, 3), make([]float32, 4), make([]float32, 4), tensor.Shape{B: 1, H: 1, N: 2, D: 2})
	assert.ErrorIs(t, err, tensor.ErrBufferLength)
}

func TestDiffs(t *testing.T) {
	a := []float32{1, -2, 0, 4}
	b := []float32{1.5, -2, 0.001, 4}

	assert.InDelta(t, 0.5, MaxAbsDiff(a, b), 1e-7)
	assert.InDelta(t, 0.001/1e-3, MaxRelDiff(a, b, 1e-3), 1e-3)
	assert.InDelta(t, 0.5, MaxRelDiff(a, b, 1), 1e-7)

	nan := []float32{1, float32(math.NaN()), 0, 4}
	assert.True(t, math.IsNaN(MaxAbsDiff(a, nan)))

	rep := Compare(a, nan)
	assert.Equal(t, 1, rep.NonFinite)
	assert.False(t, rep.Within(1))

	assert.Panics(t, func() { MaxAbsDiff(a, b[:2]) })
}

func TestRowSums(t *testing.T) {
	assert.Equal(t, []float32{3, 7}, RowSums([]float32{1, 2, 3, 4}, 2, 2))
	assert.Panics(t, func() { RowSums([]float32{1, 2, 3}, 2, 2) })
}
