package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-attend/internal/cache"
	"github.com/23skdu/longbow-attend/internal/client"
	"github.com/23skdu/longbow-attend/internal/config"
	"github.com/23skdu/longbow-attend/internal/logger"
	"github.com/23skdu/longbow-attend/internal/provider"
	"github.com/23skdu/longbow-attend/internal/workerpool"
)

var benchMode = flag.Bool("bench", false, "Benchmark every kernel on the configured shape")

func main() {
	cfg := config.Default()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("attend failed")
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.EnableOTel {
		shutdown, err := initTracer()
		if err != nil {
			return err
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if cfg.CPUProfile != "" {
		f, err := os.Create(cfg.CPUProfile)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, cleanup, err := newEngine(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	switch {
	case cfg.Serving():
		return serve(ctx, cfg, engine)
	case *benchMode:
		return runBench(ctx, cfg, engine, os.Stdout)
	default:
		return runOnce(ctx, cfg, engine)
	}
}

// remoteClient is a client that computes attention on another server.
type remoteClient interface {
	Compute(ctx context.Context, req provider.Request) (provider.Result, error)
	SetBreaker(cb *client.CircuitBreaker)
	Close() error
}

type remoteEngine struct {
	rc remoteClient
}

func (e remoteEngine) Run(ctx context.Context, req provider.Request) (provider.Result, error) {
	return e.rc.Compute(ctx, req)
}

// newEngine computes on a remote Flight or HTTP server when one is
// configured and on a local worker pool otherwise.
func newEngine(cfg config.Config) (Engine, func(), error) {
	if cfg.ServerAddr != "" {
		var rc remoteClient
		if cfg.RemoteHTTP() {
			rc = client.NewHTTPClient(cfg.ServerAddr)
		} else {
			fc, err := client.NewFlightClient(cfg.ServerAddr)
			if err != nil {
				return nil, nil, err
			}
			rc = fc
		}
		rc.SetBreaker(client.NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerCooldown))
		log.Info().
			Str("addr", cfg.ServerAddr).
			Bool("http", cfg.RemoteHTTP()).
			Msg("Computing on remote server")
		return remoteEngine{rc: rc}, func() { _ = rc.Close() }, nil
	}

	pool := workerpool.New(cfg.Workers)
	opts := []provider.Option{provider.WithLimits(cfg.Limits())}
	if cfg.Serving() && cfg.ResultCacheSize > 0 {
		opts = append(opts, provider.WithResultCache(cache.NewMapCache(cfg.ResultCacheSize)))
	}
	log.Info().Int("workers", pool.NumWorkers()).Msg("Local worker pool ready")
	return provider.New(pool, opts...), pool.Close, nil
}

func serve(ctx context.Context, cfg config.Config, engine Engine) error {
	g, gctx := errgroup.WithContext(ctx)
	if cfg.ListenAddr != "" {
		g.Go(func() error {
			return serveHTTP(gctx, cfg.ListenAddr, NewServer(engine, cfg.MaxConcurrent, cfg.MaxElements))
		})
	}
	if cfg.FlightAddr != "" {
		g.Go(func() error {
			return serveFlight(gctx, cfg.FlightAddr, NewAttendFlightServer(engine, cfg.MaxConcurrent), cfg.MaxElements)
		})
	}
	return g.Wait()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("attend"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
