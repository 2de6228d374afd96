package main

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-attend/internal/codec"
	"github.com/23skdu/longbow-attend/internal/provider"
)

// AttendFlightServer answers DoExchange calls: the client streams one request
// record and receives one result record.
type AttendFlightServer struct {
	flight.BaseFlightServer
	engine Engine
	alloc  memory.Allocator
	sem    *semaphore.Weighted
}

func NewAttendFlightServer(engine Engine, maxConcurrent int) *AttendFlightServer {
	return &AttendFlightServer{
		engine: engine,
		alloc:  memory.NewGoAllocator(),
		sem:    semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func (s *AttendFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoExchange")
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "read request: %v", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return status.Errorf(codes.InvalidArgument, "read request: %v", err)
		}
		return status.Error(codes.InvalidArgument, "no request record")
	}
	req, err := codec.DecodeRequest(reader.Record())
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	span.SetAttributes(attribute.String("kernel", req.Kernel), attribute.String("shape", req.Shape().String()))

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return status.FromContextError(err).Err()
	}
	res, err := s.engine.Run(ctx, req)
	s.sem.Release(1)

	switch {
	case err == nil, errors.Is(err, provider.ErrNonFinite):
	case isClientError(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		log.Error().Err(err).Msg("DoExchange compute failed")
		return status.Error(codes.Internal, err.Error())
	}

	rec, err := codec.EncodeResult(res)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	defer rec.Release()

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.alloc))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	log.Debug().Str("kernel", res.Kernel).Int("rows", int(rec.NumRows())).Msg("DoExchange answered")
	return writer.Close()
}

// serveFlight runs the Flight server until ctx is done. Incoming messages are
// capped at the payload of a maxElements request.
func serveFlight(ctx context.Context, addr string, svc *AttendFlightServer, maxElements int) error {
	server := flight.NewServerWithMiddleware(nil, grpc.MaxRecvMsgSize(flightMsgSize(maxElements)))
	server.RegisterFlightService(svc)

	if err := server.Init(addr); err != nil {
		return fmt.Errorf("flight init: %w", err)
	}

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	log.Info().Str("addr", server.Addr().String()).Msg("Starting Attend Flight Server")
	if err := server.Serve(); err != nil {
		return fmt.Errorf("flight server: %w", err)
	}
	return nil
}

func flightMsgSize(maxElements int) int {
	return int(min(maxPayload(maxElements), math.MaxInt32))
}
