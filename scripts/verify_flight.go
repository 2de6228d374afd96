//go:build ignore

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-attend/internal/attention"
	"github.com/23skdu/longbow-attend/internal/client"
	"github.com/23skdu/longbow-attend/internal/provider"
	"github.com/23skdu/longbow-attend/internal/tensor"
	"github.com/23skdu/longbow-attend/internal/verify"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to Attend Flight Server")

	var c *client.FlightClient
	var err error
	for i := 0; i < 10; i++ {
		c, err = client.NewFlightClient(addr)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Connection failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect after retries")
	}
	defer c.Close()

	s := tensor.Shape{B: 2, H: 4, N: 65, D: 16}
	for _, k := range attention.Kernels {
		req := provider.RandomRequest(k, s, 7)

		start := time.Now()
		res, err := c.Compute(context.Background(), req)
		if err != nil {
			log.Fatal().Err(err).Str("kernel", string(k)).Msg("Compute failed")
		}

		want, err := verify.Reference(req.Q, req.K, req.V, s)
		if err != nil {
			log.Fatal().Err(err).Msg("Reference failed")
		}
		rep := verify.Compare(want, res.O)
		if !rep.Within(1e-3) {
			log.Fatal().Str("kernel", string(k)).Str("report", rep.String()).Msg("Output mismatch")
		}
		log.Info().
			Str("kernel", string(k)).
			Dur("roundtrip", time.Since(start)).
			Dur("kernel_time", res.Elapsed).
			Float64("max_abs", rep.MaxAbs).
			Msg("Output valid")
	}

	fmt.Println("VERIFICATION PASSED")
}
