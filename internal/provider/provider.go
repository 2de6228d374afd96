// Package provider wraps the attention kernels behind a validated, pooled,
// instrumented entry point. The kernels themselves trust their inputs; the
// provider is where requests from the network or the CLI are checked.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/23skdu/longbow-attend/internal/attention"
	"github.com/23skdu/longbow-attend/internal/cache"
	"github.com/23skdu/longbow-attend/internal/tensor"
	"github.com/23skdu/longbow-attend/internal/workerpool"
)

// DefaultTile is the flash row and column tile edge used when a request
// leaves Br or Bc unset. It is clipped to N.
const DefaultTile = 32

var (
	ErrInvalidShape  = tensor.ErrInvalidShape
	ErrBufferLength  = tensor.ErrBufferLength
	ErrUnknownKernel = attention.ErrUnknownKernel
	ErrInvalidTile   = errors.New("invalid tile size")
	ErrNonFinite     = errors.New("output contains non-finite values")
)

var tracer = otel.Tracer("attend-provider")

// Limits caps the problems a Provider accepts. Zero fields are unlimited.
// The naive and blocked kernels need N*N scratch, so MaxSeqLen bounds memory
// even when the tensors themselves are small.
type Limits struct {
	MaxSeqLen   int
	MaxElements int
}

// Provider runs attention requests on a shared worker pool, drawing kernel
// scratch from a buffer pool.
type Provider struct {
	pool    *workerpool.Pool
	buffers *cache.BufferPool
	results cache.ResultCache
	limits  Limits
}

type Option func(*Provider)

// WithResultCache makes the provider answer repeated requests from c.
func WithResultCache(c cache.ResultCache) Option {
	return func(p *Provider) { p.results = c }
}

// WithLimits rejects requests larger than l with ErrInvalidShape.
func WithLimits(l Limits) Option {
	return func(p *Provider) { p.limits = l }
}

// WithBufferPool shares a scratch buffer pool between providers.
func WithBufferPool(b *cache.BufferPool) Option {
	return func(p *Provider) { p.buffers = b }
}

// New returns a Provider using pool for the parallel kernels. A nil pool runs
// everything on the calling goroutine.
func New(pool *workerpool.Pool, opts ...Option) *Provider {
	p := &Provider{pool: pool}
	for _, opt := range opts {
		opt(p)
	}
	if p.buffers == nil {
		p.buffers = cache.NewBufferPool()
	}
	return p
}

func (p *Provider) workers() int {
	if p.pool == nil {
		return 1
	}
	return p.pool.NumWorkers()
}

// plan is a validated request with defaults filled in.
type plan struct {
	kernel    attention.Kernel
	shape     tensor.Shape
	blockSize int
	br, bc    int
}

func reject(reason string, err error) error {
	validationErrors.WithLabelValues(reason).Inc()
	return err
}

// Validate reports whether r can be run, without running it. No size limits
// apply.
func (r *Request) Validate() error {
	_, err := resolve(r, Limits{})
	return err
}

// resolve checks req against lim and fills in its defaults.
func resolve(req *Request, lim Limits) (plan, error) {
	kernel, err := attention.ParseKernel(req.Kernel)
	if err != nil {
		return plan{}, reject("kernel", err)
	}
	s := req.Shape()
	if err := s.Validate(); err != nil {
		return plan{}, reject("shape", err)
	}
	if lim.MaxSeqLen > 0 && s.N > lim.MaxSeqLen {
		return plan{}, reject("limit", fmt.Errorf("%w: seq_len %d exceeds %d", ErrInvalidShape, s.N, lim.MaxSeqLen))
	}
	if lim.MaxElements > 0 && s.Len() > lim.MaxElements {
		return plan{}, reject("limit", fmt.Errorf("%w: %s has %d elements, limit %d",
			ErrInvalidShape, s, s.Len(), lim.MaxElements))
	}
	for _, in := range []struct {
		name string
		buf  []float32
	}{{"q", req.Q}, {"k", req.K}, {"v", req.V}} {
		if err := tensor.CheckLen(in.name, in.buf, s.Len()); err != nil {
			return plan{}, reject("length", err)
		}
	}
	if req.BlockSize < 0 || req.Br < 0 || req.Bc < 0 {
		return plan{}, reject("tile", fmt.Errorf("%w: block=%d br=%d bc=%d (must not be negative)",
			ErrInvalidTile, req.BlockSize, req.Br, req.Bc))
	}

	pl := plan{kernel: kernel, shape: s, blockSize: req.BlockSize, br: req.Br, bc: req.Bc}
	if pl.blockSize == 0 {
		pl.blockSize = attention.CacheLineFloats()
	}
	if pl.br == 0 {
		pl.br = DefaultTile
	}
	if pl.bc == 0 {
		pl.bc = DefaultTile
	}
	pl.br = min(pl.br, s.N)
	pl.bc = min(pl.bc, s.N)
	return pl, nil
}

// Run computes attention for req. On ErrNonFinite the result is still
// returned alongside the error.
func (p *Provider) Run(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracer.Start(ctx, "provider.Run")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	pl, err := resolve(&req, p.limits)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		return Result{}, fmt.Errorf("provider: %w", err)
	}
	span.SetAttributes(
		attribute.String("kernel", string(pl.kernel)),
		attribute.String("shape", pl.shape.String()),
	)

	res := Result{
		Kernel: string(pl.kernel),
		B:      pl.shape.B,
		H:      pl.shape.H,
		N:      pl.shape.N,
		D:      pl.shape.D,
	}

	var key uint64
	useCache := p.results != nil && !req.WithStats
	if useCache {
		key = req.Digest()
		if out, ok := p.results.Get(key); ok {
			resultCacheLookups.WithLabelValues("hit").Inc()
			res.O = out
			res.Cached = true
			return res, nil
		}
		resultCacheLookups.WithLabelValues("miss").Inc()
	}

	res.O = make([]float32, pl.shape.Len())
	if req.WithStats && pl.kernel == attention.KernelFlash {
		res.Stats = make([]float32, pl.shape.Pairs()*pl.shape.N)
	}

	start := time.Now()
	p.dispatch(pl, req.Q, req.K, req.V, res.O, res.Stats)
	res.Elapsed = time.Since(start)

	kernelDuration.WithLabelValues(res.Kernel).Observe(res.Elapsed.Seconds())
	kernelCalls.WithLabelValues(res.Kernel).Inc()
	elementsProcessed.Add(float64(len(res.O)))

	log.Debug().
		Str("kernel", res.Kernel).
		Str("shape", pl.shape.String()).
		Dur("elapsed", res.Elapsed).
		Msg("Attention computed")

	if err := CheckFinite(res.O); err != nil {
		numericalInstability.WithLabelValues(res.Kernel).Inc()
		log.Warn().
			Err(err).
			Str("kernel", res.Kernel).
			Msg("Attention output overflowed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "non-finite output")
		return res, fmt.Errorf("provider: %w", err)
	}

	if useCache {
		p.results.Put(key, res.O)
	}
	return res, nil
}

func (p *Provider) dispatch(pl plan, q, k, v, o, stats []float32) {
	s := pl.shape
	switch pl.kernel {
	case attention.KernelNaive:
		qkT := p.buffers.Get(s.N * s.N)
		defer p.buffers.Put(qkT)
		attention.Naive(q, k, v, qkT, o, s)

	case attention.KernelBlocked:
		qkT := p.buffers.Get(s.N * s.N)
		defer p.buffers.Put(qkT)
		attention.Blocked(q, k, v, qkT, o, s, pl.blockSize)

	case attention.KernelFused:
		workers := p.workers()
		buf := p.buffers.Get(workers * s.N)
		defer p.buffers.Put(buf)
		rows := make([][]float32, workers)
		for w := range rows {
			rows[w] = buf[w*s.N : (w+1)*s.N]
		}
		attention.Fused(q, k, v, o, s, rows, p.pool)

	case attention.KernelFlash:
		workers := p.workers()
		per := attention.FlashScratchLen(pl.br, pl.bc, s.N, s.D)
		buf := p.buffers.Get(workers * per)
		defer p.buffers.Put(buf)
		scratch := make([]*attention.FlashScratch, workers)
		for w := range scratch {
			scratch[w] = attention.NewFlashScratchIn(buf[w*per:(w+1)*per], pl.br, pl.bc, s.N, s.D)
		}
		attention.FlashWithStats(q, k, v, o, stats, s, scratch, p.pool)
	}
}

// CheckFinite returns ErrNonFinite if out holds any NaN or Inf.
func CheckFinite(out []float32) error {
	bad := 0
	for _, x := range out {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			bad++
		}
	}
	if bad > 0 {
		return fmt.Errorf("%w (%d of %d)", ErrNonFinite, bad, len(out))
	}
	return nil
}
