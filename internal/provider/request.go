package provider

import (
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/longbow-attend/internal/attention"
	"github.com/23skdu/longbow-attend/internal/tensor"
)

// Request is one attention problem. Q, K and V are row-major (B, H, N, D).
// Zero tile sizes select the defaults.
type Request struct {
	Kernel    string    `cbor:"kernel" json:"kernel"`
	B         int       `cbor:"b" json:"b"`
	H         int       `cbor:"h" json:"h"`
	N         int       `cbor:"n" json:"n"`
	D         int       `cbor:"d" json:"d"`
	BlockSize int       `cbor:"block_size,omitempty" json:"block_size,omitempty"`
	Br        int       `cbor:"br,omitempty" json:"br,omitempty"`
	Bc        int       `cbor:"bc,omitempty" json:"bc,omitempty"`
	WithStats bool      `cbor:"with_stats,omitempty" json:"with_stats,omitempty"`
	Q         []float32 `cbor:"q" json:"q"`
	K         []float32 `cbor:"k" json:"k"`
	V         []float32 `cbor:"v" json:"v"`
}

// Result is the attention output for a Request.
type Result struct {
	Kernel  string        `cbor:"kernel" json:"kernel"`
	B       int           `cbor:"b" json:"b"`
	H       int           `cbor:"h" json:"h"`
	N       int           `cbor:"n" json:"n"`
	D       int           `cbor:"d" json:"d"`
	O       []float32     `cbor:"o" json:"o"`
	Stats   []float32     `cbor:"stats,omitempty" json:"stats,omitempty"`
	Elapsed time.Duration `cbor:"elapsed_ns" json:"elapsed_ns"`
	Cached  bool          `cbor:"cached,omitempty" json:"cached,omitempty"`
}

func (r *Request) Shape() tensor.Shape {
	return tensor.Shape{B: r.B, H: r.H, N: r.N, D: r.D}
}

func (r *Result) Shape() tensor.Shape {
	return tensor.Shape{B: r.B, H: r.H, N: r.N, D: r.D}
}

// Digest hashes everything that determines the output of r.
func (r *Request) Digest() uint64 {
	h := xxhash.New()
	var hdr []byte
	hdr = append(hdr, r.Kernel...)
	for _, n := range []int{r.B, r.H, r.N, r.D, r.BlockSize, r.Br, r.Bc} {
		hdr = append(hdr, '|')
		hdr = strconv.AppendInt(hdr, int64(n), 10)
	}
	_, _ = h.Write(hdr)
	for _, buf := range [][]float32{r.Q, r.K, r.V} {
		_, _ = h.Write([]byte{'|'})
		_, _ = h.Write(arrow.Float32Traits.CastToBytes(buf))
	}
	return h.Sum64()
}

func (r *Request) String() string {
	return fmt.Sprintf("%s %s", r.Kernel, r.Shape())
}

// RandomRequest builds a request whose Q, K and V are drawn uniformly from
// [-1, 1) with the given seed.
func RandomRequest(kernel attention.Kernel, s tensor.Shape, seed int64) Request {
	rng := rand.New(rand.NewSource(seed))
	fill := func() []float32 {
		buf := make([]float32, s.Len())
		for i := range buf {
			buf[i] = rng.Float32()*2 - 1
		}
		return buf
	}
	return Request{
		Kernel: string(kernel),
		B:      s.B,
		H:      s.H,
		N:      s.N,
		D:      s.D,
		Q:      fill(),
		K:      fill(),
		V:      fill(),
	}
}
