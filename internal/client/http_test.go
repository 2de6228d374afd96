package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-attend/internal/attention"
	"github.com/23skdu/longbow-attend/internal/codec"
	"github.com/23skdu/longbow-attend/internal/provider"
	"github.com/23skdu/longbow-attend/internal/tensor"
)

type arrowHandler struct {
	provider *provider.Provider
	down     atomic.Bool
	calls    atomic.Int32
}

func (h *arrowHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.calls.Add(1)
	if h.down.Load() {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	mem := memory.NewGoAllocator()
	reqs, err := codec.ReadRequests(r.Body, mem)
	if err != nil || len(reqs) != 1 {
		http.Error(w, "bad stream", http.StatusBadRequest)
		return
	}
	res, err := h.provider.Run(r.Context(), reqs[0])
	if err != nil && !errors.Is(err, provider.ErrNonFinite) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", ArrowContentType)
	_ = codec.WriteResult(w, mem, res)
}

func startHTTPServer(t *testing.T) (*arrowHandler, *HTTPClient) {
	t.Helper()

	h := &arrowHandler{provider: provider.New(nil)}
	mux := http.NewServeMux()
	mux.Handle("/attention/arrow", h)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	c := NewHTTPClient(ts.URL + "/")
	t.Cleanup(func() { _ = c.Close() })
	return h, c
}

func TestHTTPClient_Compute(t *testing.T) {
	_, c := startHTTPServer(t)

	s := tensor.Shape{B: 1, H: 3, N: 10, D: 4}
	req := provider.RandomRequest(attention.KernelFlash, s, 3)
	req.WithStats = true

	res, err := c.Compute(context.Background(), req)
	require.NoError(t, err)

	want := make([]float32, s.Len())
	attention.Naive(req.Q, req.K, req.V, make([]float32, s.N*s.N), want, s)
	assert.InDeltaSlice(t, want, res.O, 1e-3)
	assert.Len(t, res.Stats, s.Pairs()*s.N)
}

func TestHTTPClient_Rejected(t *testing.T) {
	h, c := startHTTPServer(t)
	c.SetBreaker(NewCircuitBreaker(1, time.Hour))

	req := provider.RandomRequest(attention.KernelNaive, tensor.Shape{B: 1, H: 1, N: 2, D: 2}, 1)
	req.Kernel = "sparse"
	for i := 0; i < 3; i++ {
		_, err := c.Compute(context.Background(), req)
		assert.ErrorIs(t, err, ErrRejected)
	}
	assert.Equal(t, int32(3), h.calls.Load())
	assert.Equal(t, StateClosed, c.breaker.State())
}

func TestHTTPClient_NonFinite(t *testing.T) {
	_, c := startHTTPServer(t)

	req := provider.Request{
		Kernel: "naive",
		B:      1, H: 1, N: 2, D: 1,
		Q: []float32{20, 20},
		K: []float32{20, 20},
		V: []float32{1, 2},
	}
	res, err := c.Compute(context.Background(), req)
	assert.ErrorIs(t, err, provider.ErrNonFinite)
	assert.Len(t, res.O, 2)
}

func TestHTTPClient_BreakerOpens(t *testing.T) {
	h, c := startHTTPServer(t)
	c.SetBreaker(NewCircuitBreaker(2, time.Hour))
	h.down.Store(true)

	req := provider.RandomRequest(attention.KernelBlocked, tensor.Shape{B: 1, H: 1, N: 3, D: 2}, 2)
	for i := 0; i < 2; i++ {
		_, err := c.Compute(context.Background(), req)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}

	_, err := c.Compute(context.Background(), req)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(2), h.calls.Load())
}
