package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-attend/internal/codec"
	"github.com/23skdu/longbow-attend/internal/provider"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attend_requests_total",
		Help: "Requests handled by endpoint and status code",
	}, []string{"endpoint", "code"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "attend_request_duration_seconds",
		Help:    "Time spent serving attention requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

// NonFiniteHeader is set on responses whose output overflowed.
const NonFiniteHeader = "X-Attend-Non-Finite"

// Engine computes attention locally or on a remote server.
type Engine interface {
	Run(ctx context.Context, req provider.Request) (provider.Result, error)
}

type Server struct {
	engine  Engine
	alloc   memory.Allocator
	sem     *semaphore.Weighted
	dec     cbor.DecMode
	maxBody int64
}

// NewServer builds the HTTP front end. maxElements is the largest Q, K or V
// a request may carry; it sizes the CBOR array limit and the body cap.
func NewServer(engine Engine, maxConcurrent, maxElements int) *Server {
	dec, err := cbor.DecOptions{
		MaxArrayElements: min(max(maxElements, 16), math.MaxInt32),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("attend: cbor decode mode: %v", err))
	}
	return &Server{
		engine:  engine,
		alloc:   memory.NewGoAllocator(),
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		dec:     dec,
		maxBody: maxPayload(maxElements),
	}
}

// maxPayload bounds an encoded request: three tensors of at most five bytes
// per element (a CBOR float32), plus room for framing and metadata.
func maxPayload(maxElements int) int64 {
	return 3*5*int64(maxElements) + 1<<20
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/attention", s.handleAttention)
	mux.HandleFunc("/attention/arrow", s.handleAttentionArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// serveHTTP runs the HTTP server until ctx is done.
func serveHTTP(ctx context.Context, addr string, srv *Server) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Starting Attend HTTP Server")
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

var tracer = otel.Tracer("attend-server")

// isClientError reports whether err was caused by the request rather than
// the server.
func isClientError(err error) bool {
	for _, target := range []error{
		provider.ErrInvalidShape,
		provider.ErrBufferLength,
		provider.ErrUnknownKernel,
		provider.ErrInvalidTile,
		codec.ErrSchema,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// bodyError maps a body read failure to a status code.
func bodyError(err error) int {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// compute runs req under the concurrency limit. A non-finite result is
// returned with a nil error; the caller flags it.
func (s *Server) compute(ctx context.Context, req provider.Request) (provider.Result, bool, int, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return provider.Result{}, false, http.StatusServiceUnavailable, err
	}
	defer s.sem.Release(1)

	res, err := s.engine.Run(ctx, req)
	switch {
	case err == nil:
		return res, false, http.StatusOK, nil
	case errors.Is(err, provider.ErrNonFinite):
		return res, true, http.StatusOK, nil
	case isClientError(err):
		return provider.Result{}, false, http.StatusBadRequest, err
	default:
		return provider.Result{}, false, http.StatusInternalServerError, err
	}
}

func (s *Server) fail(ctx context.Context, w http.ResponseWriter, endpoint string, code int, err error) {
	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	if code >= http.StatusInternalServerError {
		log.Error().
			Err(err).
			Str("endpoint", endpoint).
			Str("trace_id", span.SpanContext().TraceID().String()).
			Msg("Request failed")
	}
	http.Error(w, err.Error(), code)
}

func (s *Server) handleAttention(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/attention"
	ctx, span := tracer.Start(r.Context(), "handleAttention")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		s.fail(ctx, w, endpoint, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	var req provider.Request
	body := http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := s.dec.NewDecoder(body).Decode(&req); err != nil {
		s.fail(ctx, w, endpoint, bodyError(err), fmt.Errorf("invalid CBOR: %w", err))
		return
	}
	span.SetAttributes(attribute.String("kernel", req.Kernel), attribute.String("shape", req.Shape().String()))

	res, nonFinite, code, err := s.compute(ctx, req)
	if err != nil {
		s.fail(ctx, w, endpoint, code, err)
		return
	}

	w.Header().Set("Content-Type", "application/cbor")
	if nonFinite {
		w.Header().Set(NonFiniteHeader, "true")
	}
	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	if err := cbor.NewEncoder(w).Encode(res); err != nil {
		log.Error().Err(err).Msg("Failed to write CBOR response")
	}
}

func (s *Server) handleAttentionArrow(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/attention/arrow"
	ctx, span := tracer.Start(r.Context(), "handleAttentionArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		s.fail(ctx, w, endpoint, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	// Shape and kernel travel as schema metadata, so a stream carries exactly
	// one problem.
	reqs, err := codec.ReadRequests(http.MaxBytesReader(w, r.Body, s.maxBody), s.alloc)
	if err != nil {
		s.fail(ctx, w, endpoint, bodyError(err), err)
		return
	}
	if len(reqs) != 1 {
		s.fail(ctx, w, endpoint, http.StatusBadRequest, fmt.Errorf("expected 1 request record, got %d", len(reqs)))
		return
	}
	req := reqs[0]
	span.SetAttributes(attribute.String("kernel", req.Kernel), attribute.String("shape", req.Shape().String()))

	res, nonFinite, code, err := s.compute(ctx, req)
	if err != nil {
		s.fail(ctx, w, endpoint, code, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	if nonFinite {
		w.Header().Set(NonFiniteHeader, "true")
	}
	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	if err := codec.WriteResult(w, s.alloc, res); err != nil {
		log.Error().Err(err).Msg("Failed to write Arrow response")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
