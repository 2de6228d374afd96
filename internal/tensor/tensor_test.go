package tensor

import (
	"errors"
	"testing"
)

func TestIndex2(t *testing.T) {
	buf := make([]float32, 6)
	Write2(buf, 1, 2, 3, 7)

	if buf[5] != 7 {
		t.Errorf("Write2(1, 2) landed at wrong offset: %v", buf)
	}
	if got := Read2(buf, 1, 2, 3); got != 7 {
		t.Errorf("Read2(1, 2) = %f, want 7", got)
	}
	if got := Index2(0, 2, 3); got != 2 {
		t.Errorf("Index2(0, 2, 3) = %d, want 2", got)
	}
}

func TestIndex4(t *testing.T) {
	s := Shape{B: 2, H: 3, N: 4, D: 5}
	buf := make([]float32, s.Len())

	// Every coordinate maps to a distinct offset, in row-major order.
	want := 0
	for b := 0; b < s.B; b++ {
		for h := 0; h < s.H; h++ {
			for i := 0; i < s.N; i++ {
				for j := 0; j < s.D; j++ {
					got := Index4(b, h, i, j, s.H, s.N, s.D)
					if got != want {
						t.Fatalf("Index4(%d,%d,%d,%d) = %d, want %d", b, h, i, j, got, want)
					}
					Write4(buf, b, h, i, j, s.H, s.N, s.D, float32(want))
					want++
				}
			}
		}
	}

	for i, v := range buf {
		if v != float32(i) {
			t.Fatalf("buf[%d] = %f, want %d", i, v, i)
		}
	}
	if got := Read4(buf, 1, 2, 3, 4, s.H, s.N, s.D); got != float32(s.Len()-1) {
		t.Errorf("Read4(last) = %f, want %d", got, s.Len()-1)
	}
}

func TestShapeHelpers(t *testing.T) {
	s := Shape{B: 2, H: 2, N: 3, D: 2}
	buf := make([]float32, s.Len())
	s.Set(buf, 1, 0, 2, 1, 9)

	if got := s.At(buf, 1, 0, 2, 1); got != 9 {
		t.Errorf("At = %f, want 9", got)
	}
	head := s.Head(buf, 1, 0)
	if len(head) != s.HeadLen() {
		t.Fatalf("Head len = %d, want %d", len(head), s.HeadLen())
	}
	if head[2*s.D+1] != 9 {
		t.Errorf("Head slab does not alias the (1,0) pair")
	}
	if s.Pairs() != 4 {
		t.Errorf("Pairs = %d, want 4", s.Pairs())
	}
	if s.String() != "2x2x3x2" {
		t.Errorf("String = %q", s.String())
	}
}

func TestShapeValidate(t *testing.T) {
	tests := []struct {
		name    string
		shape   Shape
		wantErr bool
	}{
		{"valid", Shape{1, 1, 1, 1}, false},
		{"zero batch", Shape{0, 1, 1, 1}, true},
		{"negative heads", Shape{1, -1, 1, 1}, true},
		{"zero seq", Shape{1, 1, 0, 1}, true},
		{"zero dim", Shape{1, 1, 1, 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.shape.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidShape) {
				t.Errorf("error %v does not wrap ErrInvalidShape", err)
			}
		})
	}
}

func TestCheckLen(t *testing.T) {
	if err := CheckLen("q", make([]float32, 4), 4); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := CheckLen("q", make([]float32, 3), 4)
	if !errors.Is(err, ErrBufferLength) {
		t.Errorf("CheckLen short buffer = %v, want ErrBufferLength", err)
	}
}
