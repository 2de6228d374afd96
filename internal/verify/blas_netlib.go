//go:build cgo && netlib

package verify

// Built with -tags netlib, the oracle runs on the system BLAS (Accelerate on
// macOS, OpenBLAS on Linux) instead of gonum's pure Go SGEMM.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas32"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas32.Use(netlib.Implementation{})
	log.Debug().Msg("Verification BLAS: netlib")
}
