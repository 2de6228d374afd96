package codec

import (
	"bytes"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-attend/internal/attention"
	"github.com/23skdu/longbow-attend/internal/provider"
	"github.com/23skdu/longbow-attend/internal/tensor"
)

func TestEncodeRequest_Layout(t *testing.T) {
	s := tensor.Shape{B: 2, H: 3, N: 4, D: 5}
	req := provider.RandomRequest(attention.KernelFlash, s, 1)
	req.Br, req.Bc = 2, 3

	rec, err := EncodeRequest(req)
	require.NoError(t, err)
	defer rec.Release()

	assert.Equal(t, int64(s.Pairs()*s.N), rec.NumRows())
	assert.Equal(t, int64(3), rec.NumCols())

	// Row r of column q is row (b, h, i) of the flat buffer.
	fsl := rec.Column(0).(*array.FixedSizeList)
	values := fsl.ListValues().(*array.Float32)
	b, h, i := 1, 2, 3
	row := (b*s.H+h)*s.N + i
	for j := 0; j < s.D; j++ {
		assert.Equal(t, s.At(req.Q, b, h, i, j), values.Value(row*s.D+j))
	}

	md := rec.Schema().Metadata()
	assert.Equal(t, "flash", metaString(md, MetaKernel))
	assert.Equal(t, "3", metaString(md, MetaBc))
}

func TestRequest_IPCRoundTrip(t *testing.T) {
	mem := memory.NewGoAllocator()

	req := provider.RandomRequest(attention.KernelBlocked, tensor.Shape{B: 1, H: 2, N: 7, D: 3}, 2)
	req.BlockSize = 4
	req.WithStats = true

	var buf bytes.Buffer
	require.NoError(t, WriteRequest(&buf, mem, req))

	got, err := ReadRequests(&buf, mem)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, req, got[0])
}

func TestResult_IPCRoundTrip(t *testing.T) {
	mem := memory.NewGoAllocator()
	s := tensor.Shape{B: 2, H: 1, N: 3, D: 2}
	res := provider.Result{
		Kernel:  "flash",
		B:       s.B,
		H:       s.H,
		N:       s.N,
		D:       s.D,
		O:       []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
		Stats:   []float32{1.5, 2.5, 3.5, 4.5, 5.5, 6.5},
		Elapsed: 1500 * time.Microsecond,
		Cached:  true,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteResult(&buf, mem, res))

	got, err := ReadResult(&buf, mem)
	require.NoError(t, err)
	assert.Equal(t, res, got)

	res.Stats = nil
	res.Cached = false
	buf.Reset()
	require.NoError(t, WriteResult(&buf, mem, res))
	got, err = ReadResult(&buf, mem)
	require.NoError(t, err)
	assert.Nil(t, got.Stats)
	assert.False(t, got.Cached)
}

func TestEncode_RejectsBadBuffers(t *testing.T) {
	req := provider.RandomRequest(attention.KernelNaive, tensor.Shape{B: 1, H: 1, N: 2, D: 2}, 1)
	req.K = req.K[:3]
	_, err := EncodeRequest(req)
	assert.ErrorIs(t, err, provider.ErrBufferLength)

	req.N = 0
	_, err = EncodeRequest(req)
	assert.ErrorIs(t, err, provider.ErrInvalidShape)

	_, err = EncodeResult(provider.Result{Kernel: "naive", B: 1, H: 1, N: 2, D: 2, O: make([]float32, 4), Stats: make([]float32, 3)})
	assert.ErrorIs(t, err, provider.ErrBufferLength)
}

func TestDecodeRequest_SchemaErrors(t *testing.T) {
	mem := memory.NewGoAllocator()

	build := func(md arrow.Metadata, width int32) arrow.RecordBatch {
		typ := arrow.FixedSizeListOf(width, arrow.PrimitiveTypes.Float32)
		fields := []arrow.Field{{Name: ColQ, Type: typ}, {Name: ColK, Type: typ}, {Name: ColV, Type: typ}}
		cols := make([]arrow.Array, 3)
		for c := range cols {
			b := array.NewFixedSizeListBuilder(mem, width, arrow.PrimitiveTypes.Float32)
			vb := b.ValueBuilder().(*array.Float32Builder)
			for r := 0; r < 2; r++ {
				b.Append(true)
				for j := int32(0); j < width; j++ {
					vb.Append(float32(r))
				}
			}
			cols[c] = b.NewArray()
			b.Release()
		}
		rec := array.NewRecordBatch(arrow.NewSchema(fields, &md), cols, 2)
		for _, c := range cols {
			c.Release()
		}
		return rec
	}

	full := arrow.NewMetadata(
		[]string{MetaKernel, MetaB, MetaH, MetaN, MetaD},
		[]string{"naive", "1", "1", "2", "2"},
	)
	rec := build(full, 2)
	req, err := DecodeRequest(rec)
	rec.Release()
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 1, 1}, req.Q)
	assert.Zero(t, req.Br)

	missing := arrow.NewMetadata([]string{MetaKernel, MetaB, MetaH, MetaN}, []string{"naive", "1", "1", "2"})
	rec = build(missing, 2)
	_, err = DecodeRequest(rec)
	rec.Release()
	assert.ErrorIs(t, err, ErrSchema)

	rec = build(full, 3)
	_, err = DecodeRequest(rec)
	rec.Release()
	assert.ErrorIs(t, err, ErrSchema)

	wrongRows := arrow.NewMetadata(
		[]string{MetaKernel, MetaB, MetaH, MetaN, MetaD},
		[]string{"naive", "1", "1", "3", "2"},
	)
	rec = build(wrongRows, 2)
	_, err = DecodeRequest(rec)
	rec.Release()
	assert.ErrorIs(t, err, provider.ErrBufferLength)

	garbled := arrow.NewMetadata(
		[]string{MetaKernel, MetaB, MetaH, MetaN, MetaD, MetaBr},
		[]string{"naive", "1", "1", "2", "2", "wide"},
	)
	rec = build(garbled, 2)
	_, err = DecodeRequest(rec)
	rec.Release()
	assert.ErrorIs(t, err, ErrSchema)
}

func TestReadResult_EmptyStream(t *testing.T) {
	mem := memory.NewGoAllocator()
	var buf bytes.Buffer
	req := provider.RandomRequest(attention.KernelNaive, tensor.Shape{B: 1, H: 1, N: 1, D: 1}, 1)
	require.NoError(t, WriteRequest(&buf, mem, req))

	// A request stream has no "o" column.
	_, err := ReadResult(&buf, mem)
	assert.ErrorIs(t, err, ErrSchema)

	_, err = ReadResult(bytes.NewReader(nil), mem)
	assert.Error(t, err)
}
