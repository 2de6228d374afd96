package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-attend/internal/attention"
	"github.com/23skdu/longbow-attend/internal/config"
	"github.com/23skdu/longbow-attend/internal/provider"
	"github.com/23skdu/longbow-attend/internal/verify"
)

// benchRow is one line of the benchmark table.
type benchRow struct {
	Kernel     attention.Kernel
	MeanMs     float64
	StdDevMs   float64
	ElemsPerS  float64
	MaxAbsDiff float64
}

// benchKernels runs every kernel cfg.Iterations times on the same inputs.
// MaxAbsDiff is measured against the naive kernel's output.
func benchKernels(ctx context.Context, cfg config.Config, engine Engine) ([]benchRow, error) {
	s := cfg.Shape()
	var reference []float32
	rows := make([]benchRow, 0, len(attention.Kernels))

	for _, k := range attention.Kernels {
		req := requestFor(cfg, k)
		samples := make([]float64, 0, cfg.Iterations)
		var last provider.Result

		for i := 0; i < cfg.Iterations; i++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			res, err := engine.Run(ctx, req)
			if err != nil && !errors.Is(err, provider.ErrNonFinite) {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			samples = append(samples, float64(res.Elapsed.Nanoseconds())/1e6)
			last = res
		}

		mean, std := stat.MeanStdDev(samples, nil)
		if len(samples) < 2 {
			std = 0
		}
		if reference == nil {
			reference = last.O
		}
		row := benchRow{
			Kernel:     k,
			MeanMs:     mean,
			StdDevMs:   std,
			MaxAbsDiff: verify.MaxAbsDiff(reference, last.O),
		}
		if mean > 0 {
			row.ElemsPerS = float64(s.Len()) / (mean / 1e3)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func runBench(ctx context.Context, cfg config.Config, engine Engine, w io.Writer) error {
	rows, err := benchKernels(ctx, cfg, engine)
	if err != nil {
		return err
	}

	p := message.NewPrinter(language.English)
	p.Fprintf(w, "shape %s, %d iterations per kernel\n\n", cfg.Shape(), cfg.Iterations)
	p.Fprintf(w, "%-8s %12s %12s %18s %10s\n", "kernel", "mean ms", "stddev ms", "elements/s", "max diff")
	for _, r := range rows {
		p.Fprintf(w, "%-8s %12.3f %12.3f %18.0f %10.2e\n", r.Kernel, r.MeanMs, r.StdDevMs, r.ElemsPerS, r.MaxAbsDiff)
	}
	return nil
}
