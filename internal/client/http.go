package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-attend/internal/codec"
	"github.com/23skdu/longbow-attend/internal/provider"
)

// ArrowContentType is the media type of an Arrow IPC stream body.
const ArrowContentType = "application/vnd.apache.arrow.stream"

// HTTPClient computes attention on a remote server by posting Arrow IPC
// streams to its /attention/arrow endpoint.
type HTTPClient struct {
	url     string
	http    *http.Client
	breaker *CircuitBreaker
	alloc   memory.Allocator
}

// NewHTTPClient creates a client for the server at baseURL
// (e.g. http://localhost:8080).
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		url:     strings.TrimRight(baseURL, "/") + "/attention/arrow",
		http:    &http.Client{},
		breaker: NewCircuitBreaker(5, 10*time.Second),
		alloc:   memory.NewGoAllocator(),
	}
}

// SetBreaker replaces the default circuit breaker.
func (c *HTTPClient) SetBreaker(cb *CircuitBreaker) {
	c.breaker = cb
}

// Compute posts req and decodes the result. 4xx answers are returned as
// ErrRejected and do not count against the circuit breaker.
func (c *HTTPClient) Compute(ctx context.Context, req provider.Request) (provider.Result, error) {
	if !c.breaker.Allow() {
		return provider.Result{}, ErrCircuitOpen
	}

	var body bytes.Buffer
	if err := codec.WriteRequest(&body, c.alloc, req); err != nil {
		c.breaker.Success()
		return provider.Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		c.breaker.Success()
		return provider.Result{}, err
	}
	httpReq.Header.Set("Content-Type", ArrowContentType)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.breaker.Failure()
		return provider.Result{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		c.breaker.Success()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return provider.Result{}, fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(string(msg)))
	default:
		c.breaker.Failure()
		return provider.Result{}, fmt.Errorf("attention request failed: %s", resp.Status)
	}

	res, err := codec.ReadResult(resp.Body, c.alloc)
	if err != nil {
		c.breaker.Failure()
		return provider.Result{}, err
	}
	c.breaker.Success()

	if err := provider.CheckFinite(res.O); err != nil {
		return res, err
	}
	return res, nil
}

// Close releases idle connections.
func (c *HTTPClient) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
