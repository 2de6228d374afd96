package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-attend/internal/attention"
	"github.com/23skdu/longbow-attend/internal/codec"
	"github.com/23skdu/longbow-attend/internal/config"
	"github.com/23skdu/longbow-attend/internal/provider"
	"github.com/23skdu/longbow-attend/internal/verify"
)

const verifyTolerance = 1e-3

func requestFor(cfg config.Config, kernel attention.Kernel) provider.Request {
	req := provider.RandomRequest(kernel, cfg.Shape(), cfg.Seed)
	req.BlockSize = cfg.BlockSize
	req.Br = cfg.Br
	req.Bc = cfg.Bc
	return req
}

// runOnce computes one random problem, optionally checks it against the BLAS
// reference and writes the output.
func runOnce(ctx context.Context, cfg config.Config, engine Engine) error {
	kernel, err := attention.ParseKernel(cfg.Kernel)
	if err != nil {
		return err
	}
	req := requestFor(cfg, kernel)

	res, err := engine.Run(ctx, req)
	switch {
	case errors.Is(err, provider.ErrNonFinite):
		log.Warn().Err(err).Msg("Output contains NaN or Inf")
	case err != nil:
		return err
	}

	log.Info().
		Str("kernel", res.Kernel).
		Str("shape", res.Shape().String()).
		Dur("elapsed", res.Elapsed).
		Msg("Attention complete")

	if cfg.Verify {
		want, err := verify.Reference(req.Q, req.K, req.V, req.Shape())
		if err != nil {
			return err
		}
		rep := verify.Compare(want, res.O)
		if !rep.Within(verifyTolerance) {
			return fmt.Errorf("verification failed: %s", rep)
		}

		drift, err := rowSumDrift(ctx, engine, req)
		if err != nil {
			return err
		}
		if drift > verifyTolerance {
			return fmt.Errorf("verification failed: attention rows sum to 1 within %.3g only", drift)
		}
		log.Info().
			Float64("max_abs", rep.MaxAbs).
			Float64("max_rel", rep.MaxRel).
			Float64("row_sum_drift", drift).
			Msg("Output matches reference")
	}

	if cfg.OutPath != "" {
		return writeOutput(cfg.OutPath, res)
	}
	return nil
}

// rowSumDrift reruns req with V set to ones. Every output row then sums to D
// exactly when each attention row sums to 1; the result is the largest
// relative deviation from that.
func rowSumDrift(ctx context.Context, engine Engine, req provider.Request) (float64, error) {
	ones := req
	ones.WithStats = false
	ones.V = make([]float32, len(req.V))
	for i := range ones.V {
		ones.V[i] = 1
	}

	res, err := engine.Run(ctx, ones)
	if err != nil {
		return 0, err
	}
	s := res.Shape()
	var drift float64
	for _, sum := range verify.RowSums(res.O, s.Pairs()*s.N, s.D) {
		drift = max(drift, math.Abs(float64(sum)/float64(s.D)-1))
	}
	return drift, nil
}

func writeOutput(path string, res provider.Result) error {
	var w io.Writer = os.Stdout
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if err := codec.WriteResult(w, memory.NewGoAllocator(), res); err != nil {
		return err
	}
	log.Info().Str("path", path).Msg("Output written as Arrow IPC stream")
	return nil
}
