// Package codec converts attention requests and results to and from Arrow
// record batches. A problem of shape (B, H, N, D) travels as one record with
// B·H·N rows; each of the q, k and v columns is a FixedSizeList<float32>[D]
// whose rows follow the row-major (b, h, i) order of the flat buffers. The
// shape, kernel and tile sizes ride along as schema metadata.
package codec

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-attend/internal/provider"
)

const (
	MetaKernel    = "attend.kernel"
	MetaB         = "attend.b"
	MetaH         = "attend.h"
	MetaN         = "attend.n"
	MetaD         = "attend.d"
	MetaBlockSize = "attend.block_size"
	MetaBr        = "attend.br"
	MetaBc        = "attend.bc"
	MetaWithStats = "attend.with_stats"
	MetaElapsed   = "attend.elapsed_ns"
	MetaCached    = "attend.cached"

	ColQ     = "q"
	ColK     = "k"
	ColV     = "v"
	ColO     = "o"
	ColStats = "l"
)

var ErrSchema = errors.New("unexpected record schema")

func float32Column(data []float32, d int) arrow.Array {
	rows := len(data) / d
	buf := memory.NewBufferBytes(arrow.Float32Traits.CastToBytes(data))

	valuesData := array.NewData(arrow.PrimitiveTypes.Float32, len(data), []*memory.Buffer{nil, buf}, nil, 0, 0)
	defer valuesData.Release()

	fslData := array.NewData(
		arrow.FixedSizeListOf(int32(d), arrow.PrimitiveTypes.Float32),
		rows,
		[]*memory.Buffer{nil},
		[]arrow.ArrayData{valuesData},
		0,
		0,
	)
	defer fslData.Release()
	return array.NewFixedSizeListData(fslData)
}

func flatColumn(data []float32) arrow.Array {
	buf := memory.NewBufferBytes(arrow.Float32Traits.CastToBytes(data))
	valuesData := array.NewData(arrow.PrimitiveTypes.Float32, len(data), []*memory.Buffer{nil, buf}, nil, 0, 0)
	defer valuesData.Release()
	return array.NewFloat32Data(valuesData)
}

func shapeMeta(kernel string, b, h, n, d int) ([]string, []string) {
	keys := []string{MetaKernel, MetaB, MetaH, MetaN, MetaD}
	vals := []string{kernel, strconv.Itoa(b), strconv.Itoa(h), strconv.Itoa(n), strconv.Itoa(d)}
	return keys, vals
}

// EncodeRequest wraps req in a record without copying its buffers. The record
// must be released before req's buffers are reused.
func EncodeRequest(req provider.Request) (arrow.RecordBatch, error) {
	s := req.Shape()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	for name, buf := range map[string][]float32{ColQ: req.Q, ColK: req.K, ColV: req.V} {
		if len(buf) != s.Len() {
			return nil, fmt.Errorf("codec: %w: %s has %d elements, want %d", provider.ErrBufferLength, name, len(buf), s.Len())
		}
	}

	keys, vals := shapeMeta(req.Kernel, req.B, req.H, req.N, req.D)
	keys = append(keys, MetaBlockSize, MetaBr, MetaBc, MetaWithStats)
	vals = append(vals, strconv.Itoa(req.BlockSize), strconv.Itoa(req.Br), strconv.Itoa(req.Bc), strconv.FormatBool(req.WithStats))
	md := arrow.NewMetadata(keys, vals)

	fslType := arrow.FixedSizeListOf(int32(s.D), arrow.PrimitiveTypes.Float32)
	schema := arrow.NewSchema(
		[]arrow.Field{
			{Name: ColQ, Type: fslType},
			{Name: ColK, Type: fslType},
			{Name: ColV, Type: fslType},
		},
		&md,
	)

	cols := []arrow.Array{
		float32Column(req.Q, s.D),
		float32Column(req.K, s.D),
		float32Column(req.V, s.D),
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(schema, cols, int64(s.Pairs()*s.N)), nil
}

// DecodeRequest copies a request out of rec.
func DecodeRequest(rec arrow.RecordBatch) (provider.Request, error) {
	md := rec.Schema().Metadata()
	var req provider.Request
	var err error

	req.Kernel = metaString(md, MetaKernel)
	if req.B, req.H, req.N, req.D, err = metaShape(md); err != nil {
		return provider.Request{}, err
	}
	for key, dst := range map[string]*int{MetaBlockSize: &req.BlockSize, MetaBr: &req.Br, MetaBc: &req.Bc} {
		if *dst, err = metaInt(md, key, 0); err != nil {
			return provider.Request{}, err
		}
	}
	if v := metaString(md, MetaWithStats); v != "" {
		if req.WithStats, err = strconv.ParseBool(v); err != nil {
			return provider.Request{}, fmt.Errorf("codec: %w: %s=%q", ErrSchema, MetaWithStats, v)
		}
	}

	rows := req.B * req.H * req.N
	if req.Q, err = column(rec, ColQ, req.D, rows); err != nil {
		return provider.Request{}, err
	}
	if req.K, err = column(rec, ColK, req.D, rows); err != nil {
		return provider.Request{}, err
	}
	if req.V, err = column(rec, ColV, req.D, rows); err != nil {
		return provider.Request{}, err
	}
	return req, nil
}

// EncodeResult wraps res in a record without copying its buffers.
func EncodeResult(res provider.Result) (arrow.RecordBatch, error) {
	s := res.Shape()
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	if len(res.O) != s.Len() {
		return nil, fmt.Errorf("codec: %w: o has %d elements, want %d", provider.ErrBufferLength, len(res.O), s.Len())
	}
	rows := s.Pairs() * s.N
	if res.Stats != nil && len(res.Stats) != rows {
		return nil, fmt.Errorf("codec: %w: stats has %d elements, want %d", provider.ErrBufferLength, len(res.Stats), rows)
	}

	keys, vals := shapeMeta(res.Kernel, res.B, res.H, res.N, res.D)
	keys = append(keys, MetaElapsed, MetaCached)
	vals = append(vals, strconv.FormatInt(int64(res.Elapsed), 10), strconv.FormatBool(res.Cached))
	md := arrow.NewMetadata(keys, vals)

	fields := []arrow.Field{{Name: ColO, Type: arrow.FixedSizeListOf(int32(s.D), arrow.PrimitiveTypes.Float32)}}
	cols := []arrow.Array{float32Column(res.O, s.D)}
	if res.Stats != nil {
		fields = append(fields, arrow.Field{Name: ColStats, Type: arrow.PrimitiveTypes.Float32})
		cols = append(cols, flatColumn(res.Stats))
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(arrow.NewSchema(fields, &md), cols, int64(rows)), nil
}

// DecodeResult copies a result out of rec.
func DecodeResult(rec arrow.RecordBatch) (provider.Result, error) {
	md := rec.Schema().Metadata()
	var res provider.Result
	var err error

	res.Kernel = metaString(md, MetaKernel)
	if res.B, res.H, res.N, res.D, err = metaShape(md); err != nil {
		return provider.Result{}, err
	}
	elapsed, err := metaInt(md, MetaElapsed, 0)
	if err != nil {
		return provider.Result{}, err
	}
	res.Elapsed = time.Duration(elapsed)
	res.Cached = metaString(md, MetaCached) == "true"

	rows := res.B * res.H * res.N
	if res.O, err = column(rec, ColO, res.D, rows); err != nil {
		return provider.Result{}, err
	}
	if idx := rec.Schema().FieldIndices(ColStats); len(idx) > 0 {
		arr, ok := rec.Column(idx[0]).(*array.Float32)
		if !ok || arr.Len() != rows {
			return provider.Result{}, fmt.Errorf("codec: %w: column %q", ErrSchema, ColStats)
		}
		res.Stats = append([]float32(nil), arr.Float32Values()...)
	}
	return res, nil
}

// WriteResult writes res to w as a single-record Arrow IPC stream.
func WriteResult(w io.Writer, mem memory.Allocator, res provider.Result) error {
	rec, err := EncodeResult(res)
	if err != nil {
		return err
	}
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return fmt.Errorf("codec: write result: %w", err)
	}
	return writer.Close()
}

// WriteRequest writes req to w as a single-record Arrow IPC stream.
func WriteRequest(w io.Writer, mem memory.Allocator, req provider.Request) error {
	rec, err := EncodeRequest(req)
	if err != nil {
		return err
	}
	defer rec.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return fmt.Errorf("codec: write request: %w", err)
	}
	return writer.Close()
}

// ReadRequests decodes every record of an Arrow IPC stream as a request.
func ReadRequests(r io.Reader, mem memory.Allocator) ([]provider.Request, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("codec: open stream: %w", err)
	}
	defer reader.Release()

	var reqs []provider.Request
	for reader.Next() {
		req, err := DecodeRequest(reader.Record())
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("codec: read stream: %w", err)
	}
	return reqs, nil
}

// ReadResult decodes the first record of an Arrow IPC stream as a result.
func ReadResult(r io.Reader, mem memory.Allocator) (provider.Result, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return provider.Result{}, fmt.Errorf("codec: open stream: %w", err)
	}
	defer reader.Release()

	if !reader.Next() {
		if err := reader.Err(); err != nil {
			return provider.Result{}, fmt.Errorf("codec: read stream: %w", err)
		}
		return provider.Result{}, fmt.Errorf("codec: %w: empty stream", ErrSchema)
	}
	return DecodeResult(reader.Record())
}

func metaString(md arrow.Metadata, key string) string {
	if i := md.FindKey(key); i >= 0 {
		return md.Values()[i]
	}
	return ""
}

func metaInt(md arrow.Metadata, key string, def int) (int, error) {
	v := metaString(md, key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("codec: %w: %s=%q", ErrSchema, key, v)
	}
	return n, nil
}

func metaShape(md arrow.Metadata) (b, h, n, d int, err error) {
	dims := []*int{&b, &h, &n, &d}
	for i, key := range []string{MetaB, MetaH, MetaN, MetaD} {
		if metaString(md, key) == "" {
			return 0, 0, 0, 0, fmt.Errorf("codec: %w: missing %s", ErrSchema, key)
		}
		if *dims[i], err = metaInt(md, key, 0); err != nil {
			return 0, 0, 0, 0, err
		}
	}
	if b <= 0 || h <= 0 || n <= 0 || d <= 0 {
		return 0, 0, 0, 0, fmt.Errorf("codec: %w: %dx%dx%dx%d", provider.ErrInvalidShape, b, h, n, d)
	}
	return b, h, n, d, nil
}

// column copies the FixedSizeList<float32>[d] column name out of rec.
func column(rec arrow.RecordBatch, name string, d, rows int) ([]float32, error) {
	idx := rec.Schema().FieldIndices(name)
	if len(idx) == 0 {
		return nil, fmt.Errorf("codec: %w: missing column %q", ErrSchema, name)
	}
	fsl, ok := rec.Column(idx[0]).(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("codec: %w: column %q is %s, want fixed_size_list<float32>", ErrSchema, name, rec.Column(idx[0]).DataType())
	}
	if width := fsl.DataType().(*arrow.FixedSizeListType).Len(); int(width) != d {
		return nil, fmt.Errorf("codec: %w: column %q has width %d, want %d", ErrSchema, name, width, d)
	}
	if fsl.Len() != rows {
		return nil, fmt.Errorf("codec: %w: column %q has %d rows, want %d", provider.ErrBufferLength, name, fsl.Len(), rows)
	}
	values, ok := fsl.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("codec: %w: column %q values are %s", ErrSchema, name, fsl.ListValues().DataType())
	}

	raw := values.Float32Values()
	start := fsl.Offset() * d
	out := make([]float32, rows*d)
	copy(out, raw[start:start+rows*d])
	return out, nil
}
