// Package tensor defines the row-major addressing law shared by every
// attention kernel. Buffers are plain []float32 slices owned by the caller.
package tensor

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidShape = errors.New("invalid shape")
	ErrBufferLength = errors.New("buffer length mismatch")
)

// Index2 returns the flat offset of (r, c) in a matrix with cols columns.
func Index2(r, c, cols int) int {
	return r*cols + c
}

// Read2 returns t[r, c] for a row-major matrix with cols columns.
func Read2(t []float32, r, c, cols int) float32 {
	return t[r*cols+c]
}

// Write2 sets t[r, c] for a row-major matrix with cols columns.
func Write2(t []float32, r, c, cols int, v float32) {
	t[r*cols+c] = v
}

// Index4 returns the flat offset of (a, b, c, e) in a tensor whose trailing
// dimensions are (dimB, dimC, dimD). The leading dimension does not take part
// in addressing.
func Index4(a, b, c, e, dimB, dimC, dimD int) int {
	return a*(dimB*dimC*dimD) + b*(dimC*dimD) + c*dimD + e
}

// Read4 returns t[a, b, c, e].
func Read4(t []float32, a, b, c, e, dimB, dimC, dimD int) float32 {
	return t[Index4(a, b, c, e, dimB, dimC, dimD)]
}

// Write4 sets t[a, b, c, e].
func Write4(t []float32, a, b, c, e, dimB, dimC, dimD int, v float32) {
	t[Index4(a, b, c, e, dimB, dimC, dimD)] = v
}

// Shape describes an attention problem instance: batch size, head count,
// sequence length and embedding dimension. Q, K, V and O all have shape
// (B, H, N, D) in batch-major order.
type Shape struct {
	B int
	H int
	N int
	D int
}

// Len is the number of elements in a B×H×N×D tensor.
func (s Shape) Len() int {
	return s.B * s.H * s.N * s.D
}

// Pairs is the number of independent (batch, head) pairs.
func (s Shape) Pairs() int {
	return s.B * s.H
}

// HeadLen is the number of elements in one (batch, head) N×D slab.
func (s Shape) HeadLen() int {
	return s.N * s.D
}

// HeadOffset is the offset of the first element of the (b, h) slab.
func (s Shape) HeadOffset(b, h int) int {
	return Index4(b, h, 0, 0, s.H, s.N, s.D)
}

// Offset is the offset of element (b, h, i, j).
func (s Shape) Offset(b, h, i, j int) int {
	return Index4(b, h, i, j, s.H, s.N, s.D)
}

// At returns t[b, h, i, j].
func (s Shape) At(t []float32, b, h, i, j int) float32 {
	return t[s.Offset(b, h, i, j)]
}

// Set sets t[b, h, i, j].
func (s Shape) Set(t []float32, b, h, i, j int, v float32) {
	t[s.Offset(b, h, i, j)] = v
}

// Head returns the N×D slab of t belonging to pair (b, h).
func (s Shape) Head(t []float32, b, h int) []float32 {
	off := s.HeadOffset(b, h)
	return t[off : off+s.HeadLen()]
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%dx%d", s.B, s.H, s.N, s.D)
}

// Validate reports whether every dimension is positive.
func (s Shape) Validate() error {
	switch {
	case s.B <= 0:
		return fmt.Errorf("%w: batch %d (must be positive)", ErrInvalidShape, s.B)
	case s.H <= 0:
		return fmt.Errorf("%w: heads %d (must be positive)", ErrInvalidShape, s.H)
	case s.N <= 0:
		return fmt.Errorf("%w: seq_len %d (must be positive)", ErrInvalidShape, s.N)
	case s.D <= 0:
		return fmt.Errorf("%w: dim %d (must be positive)", ErrInvalidShape, s.D)
	}
	return nil
}

// CheckLen returns ErrBufferLength if buf does not hold exactly want elements.
func CheckLen(name string, buf []float32, want int) error {
	if len(buf) != want {
		return fmt.Errorf("%w: %s has %d elements, want %d", ErrBufferLength, name, len(buf), want)
	}
	return nil
}
