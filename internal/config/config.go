// Package config holds the runtime settings of the attend command.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/23skdu/longbow-attend/internal/attention"
	"github.com/23skdu/longbow-attend/internal/provider"
	"github.com/23skdu/longbow-attend/internal/tensor"
)

type Config struct {
	Kernel string
	B      int
	H      int
	N      int
	D      int

	BlockSize int
	Br        int
	Bc        int
	Workers   int

	Iterations int
	Seed       int64
	Verify     bool
	OutPath    string

	ListenAddr      string
	FlightAddr      string
	ServerAddr      string
	MaxConcurrent   int
	ResultCacheSize int
	MaxSeqLen       int
	MaxElements     int
	BreakerFailures int
	BreakerCooldown time.Duration

	LogLevel   string
	LogFormat  string
	EnableOTel bool
	CPUProfile string
}

func Default() Config {
	return Config{
		Kernel:        string(attention.KernelFlash),
		B:             1,
		H:             8,
		N:             256,
		D:             64,
		Iterations:    10,
		Seed:          42,
		MaxConcurrent: 4,
		MaxSeqLen:     8192,
		MaxElements:   1 << 24,

		BreakerFailures: 5,
		BreakerCooldown: 10 * time.Second,
		LogLevel:      "info",
		LogFormat:     "console",
	}
}

// RegisterFlags binds every field to a flag on fs, using the current values
// as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Kernel, "kernel", c.Kernel, "Attention kernel: naive, blocked, fused or flash")
	fs.IntVar(&c.B, "batch", c.B, "Batch size (B)")
	fs.IntVar(&c.H, "heads", c.H, "Number of heads (H)")
	fs.IntVar(&c.N, "seq-len", c.N, "Sequence length (N)")
	fs.IntVar(&c.D, "dim", c.D, "Head dimension (D)")

	fs.IntVar(&c.BlockSize, "block-size", c.BlockSize, "Blocked kernel tile edge (0 = cache line)")
	fs.IntVar(&c.Br, "br", c.Br, "Flash query tile rows (0 = default)")
	fs.IntVar(&c.Bc, "bc", c.Bc, "Flash key tile rows (0 = default)")
	fs.IntVar(&c.Workers, "workers", c.Workers, "Worker goroutines (0 = NumCPU)")

	fs.IntVar(&c.Iterations, "iters", c.Iterations, "Iterations per kernel in bench mode")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "Seed for random Q/K/V")
	fs.BoolVar(&c.Verify, "verify", c.Verify, "Check the output against the BLAS reference")
	fs.StringVar(&c.OutPath, "out", c.OutPath, "Write the output as an Arrow IPC stream to this file (- for stdout)")

	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "Run the HTTP server on this address (e.g. :8080)")
	fs.StringVar(&c.FlightAddr, "flight", c.FlightAddr, "Run the Flight server on this address (e.g. :8081)")
	fs.StringVar(&c.ServerAddr, "server", c.ServerAddr, "Compute remotely on this Flight server (host:port) or HTTP server (http://host:port)")
	fs.IntVar(&c.BreakerFailures, "breaker-failures", c.BreakerFailures, "Consecutive remote failures before the client stops calling")
	fs.DurationVar(&c.BreakerCooldown, "breaker-cooldown", c.BreakerCooldown, "Wait before probing a failed remote server again")
	fs.IntVar(&c.MaxConcurrent, "max-concurrent", c.MaxConcurrent, "Maximum concurrent requests per server")
	fs.IntVar(&c.ResultCacheSize, "result-cache", c.ResultCacheSize, "Cache up to this many outputs (0 = off)")
	fs.IntVar(&c.MaxSeqLen, "max-seq-len", c.MaxSeqLen, "Reject problems with a longer sequence")
	fs.IntVar(&c.MaxElements, "max-elements", c.MaxElements, "Reject problems whose Q, K or V holds more elements")

	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Log format: console or json")
	fs.BoolVar(&c.EnableOTel, "otel", c.EnableOTel, "Enable OpenTelemetry tracing (stdout)")
	fs.StringVar(&c.CPUProfile, "cpuprofile", c.CPUProfile, "Write cpu profile to file")
}

func (c *Config) Shape() tensor.Shape {
	return tensor.Shape{B: c.B, H: c.H, N: c.N, D: c.D}
}

func (c *Config) Validate() error {
	if _, err := attention.ParseKernel(c.Kernel); err != nil {
		return fmt.Errorf("invalid kernel: %w", err)
	}
	if c.B <= 0 {
		return fmt.Errorf("invalid batch: %d (must be positive)", c.B)
	}
	if c.H <= 0 {
		return fmt.Errorf("invalid heads: %d (must be positive)", c.H)
	}
	if c.N <= 0 {
		return fmt.Errorf("invalid seq_len: %d (must be positive)", c.N)
	}
	if c.D <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", c.D)
	}
	if c.BlockSize < 0 {
		return fmt.Errorf("invalid block_size: %d (must be non-negative)", c.BlockSize)
	}
	if c.Br < 0 {
		return fmt.Errorf("invalid br: %d (must be non-negative)", c.Br)
	}
	if c.Bc < 0 {
		return fmt.Errorf("invalid bc: %d (must be non-negative)", c.Bc)
	}
	if c.Workers < 0 {
		return fmt.Errorf("invalid workers: %d (must be non-negative)", c.Workers)
	}
	if c.Iterations <= 0 {
		return fmt.Errorf("invalid iters: %d (must be positive)", c.Iterations)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("invalid max_concurrent: %d (must be positive)", c.MaxConcurrent)
	}
	if c.ResultCacheSize < 0 {
		return fmt.Errorf("invalid result_cache: %d (must be non-negative)", c.ResultCacheSize)
	}
	if c.MaxSeqLen <= 0 {
		return fmt.Errorf("invalid max_seq_len: %d (must be positive)", c.MaxSeqLen)
	}
	if c.MaxElements <= 0 {
		return fmt.Errorf("invalid max_elements: %d (must be positive)", c.MaxElements)
	}
	if c.BreakerFailures <= 0 {
		return fmt.Errorf("invalid breaker_failures: %d (must be positive)", c.BreakerFailures)
	}
	if c.BreakerCooldown <= 0 {
		return fmt.Errorf("invalid breaker_cooldown: %s (must be positive)", c.BreakerCooldown)
	}
	switch strings.ToLower(c.LogFormat) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q (must be console or json)", c.LogFormat)
	}
	return nil
}

// Limits returns the problem size caps for a provider.
func (c *Config) Limits() provider.Limits {
	return provider.Limits{MaxSeqLen: c.MaxSeqLen, MaxElements: c.MaxElements}
}

// RemoteHTTP reports whether ServerAddr names an HTTP server rather than a
// Flight endpoint.
func (c *Config) RemoteHTTP() bool {
	return strings.HasPrefix(c.ServerAddr, "http://") || strings.HasPrefix(c.ServerAddr, "https://")
}

// Serving reports whether any server mode is requested.
func (c *Config) Serving() bool {
	return c.ListenAddr != "" || c.FlightAddr != ""
}
