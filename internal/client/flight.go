package client

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-attend/internal/codec"
	"github.com/23skdu/longbow-attend/internal/provider"
)

// ExchangeCommand is the Flight descriptor command for an attention
// exchange.
const ExchangeCommand = "attention"

var (
	ErrCircuitOpen   = errors.New("circuit breaker open")
	ErrRejected      = errors.New("request rejected by server")
	ErrEmptyResponse = errors.New("empty response")
)

// FlightClient computes attention on a remote server over Flight DoExchange.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
	alloc   memory.Allocator
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(math.MaxInt32)),
	)
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client:  client,
		conn:    conn,
		breaker: NewCircuitBreaker(5, 10*time.Second),
		alloc:   memory.NewGoAllocator(),
	}, nil
}

// SetBreaker replaces the default circuit breaker.
func (c *FlightClient) SetBreaker(cb *CircuitBreaker) {
	c.breaker = cb
}

// Compute sends req and waits for the result. Requests the server rejects as
// invalid do not count against the circuit breaker. A result with NaN or Inf
// values is returned together with provider.ErrNonFinite.
func (c *FlightClient) Compute(ctx context.Context, req provider.Request) (provider.Result, error) {
	if !c.breaker.Allow() {
		return provider.Result{}, ErrCircuitOpen
	}

	res, err := c.exchange(ctx, req)
	if err != nil {
		if status.Code(err) == codes.InvalidArgument {
			c.breaker.Success()
			return provider.Result{}, fmt.Errorf("%w: %s", ErrRejected, status.Convert(err).Message())
		}
		c.breaker.Failure()
		return provider.Result{}, err
	}
	c.breaker.Success()

	if err := provider.CheckFinite(res.O); err != nil {
		return res, err
	}
	return res, nil
}

func (c *FlightClient) exchange(ctx context.Context, req provider.Request) (provider.Result, error) {
	rec, err := codec.EncodeRequest(req)
	if err != nil {
		return provider.Result{}, err
	}
	defer rec.Release()

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return provider.Result{}, err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  []byte(ExchangeCommand),
	})
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return provider.Result{}, err
	}
	if err := writer.Close(); err != nil {
		return provider.Result{}, err
	}
	if err := stream.CloseSend(); err != nil {
		return provider.Result{}, err
	}

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.alloc))
	if err != nil {
		return provider.Result{}, err
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return provider.Result{}, err
		}
		return provider.Result{}, ErrEmptyResponse
	}
	return codec.DecodeResult(reader.Record())
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
