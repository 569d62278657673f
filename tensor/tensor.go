// Package tensor provides dense, shape-carrying numeric buffers for the
// diffrast pipeline.
//
// A Dense value couples a flat backing slice with an explicit row-major
// shape (last axis fastest). The pipeline moves float32 payloads and int32
// index buffers; both share one generic implementation.
//
// Kernels operate on the raw backing slice via Data and compute offsets
// themselves; At/Set exist for construction and tests, not hot loops.
package tensor

import (
	"fmt"
)

// Element is the set of payload types a Dense buffer can hold.
type Element interface {
	~float32 | ~int32
}

// Float is a dense float32 buffer.
type Float = Dense[float32]

// Int is a dense int32 buffer.
type Int = Dense[int32]

// Dense is a row-major dense buffer with an explicit shape.
// The zero value is an empty rank-0 buffer; use New or FromSlice.
type Dense[T Element] struct {
	shape []int
	data  []T
}

// New returns a zero-filled buffer with the given shape.
// It panics if any dimension is negative; a zero dimension yields an
// empty buffer, which is valid (derivative outputs use zero channels).
func New[T Element](shape ...int) *Dense[T] {
	n := checkShape(shape)
	return &Dense[T]{
		shape: append([]int(nil), shape...),
		data:  make([]T, n),
	}
}

// FromSlice wraps data in a buffer with the given shape. The slice is
// used directly, not copied. It returns an error if the shape does not
// cover len(data) exactly.
func FromSlice[T Element](data []T, shape ...int) (*Dense[T], error) {
	n := checkShape(shape)
	if n != len(data) {
		return nil, fmt.Errorf("tensor: shape %v wants %d elements, data has %d", shape, n, len(data))
	}
	return &Dense[T]{
		shape: append([]int(nil), shape...),
		data:  data,
	}, nil
}

func checkShape(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic(fmt.Sprintf("tensor: negative dimension in shape %v", shape))
		}
		n *= d
	}
	return n
}

// NewFloat returns a zero-filled float32 buffer.
func NewFloat(shape ...int) *Float { return New[float32](shape...) }

// NewInt returns a zero-filled int32 buffer.
func NewInt(shape ...int) *Int { return New[int32](shape...) }

// FloatFrom wraps a float32 slice. See FromSlice.
func FloatFrom(data []float32, shape ...int) (*Float, error) {
	return FromSlice(data, shape...)
}

// IntFrom wraps an int32 slice. See FromSlice.
func IntFrom(data []int32, shape ...int) (*Int, error) {
	return FromSlice(data, shape...)
}

// Shape returns the dimensions. The returned slice is shared; callers
// must not modify it.
func (d *Dense[T]) Shape() []int { return d.shape }

// Rank returns the number of dimensions.
func (d *Dense[T]) Rank() int { return len(d.shape) }

// Dim returns the size of dimension i.
func (d *Dense[T]) Dim(i int) int { return d.shape[i] }

// Len returns the total element count.
func (d *Dense[T]) Len() int { return len(d.data) }

// Data returns the backing slice.
func (d *Dense[T]) Data() []T { return d.data }

// Index returns the flat offset of the given multi-index.
// It panics if the index rank does not match the buffer rank.
func (d *Dense[T]) Index(idx ...int) int {
	if len(idx) != len(d.shape) {
		panic(fmt.Sprintf("tensor: index rank %d against shape %v", len(idx), d.shape))
	}
	off := 0
	for i, x := range idx {
		off = off*d.shape[i] + x
	}
	return off
}

// At returns the element at the given multi-index.
func (d *Dense[T]) At(idx ...int) T { return d.data[d.Index(idx...)] }

// Set stores v at the given multi-index.
func (d *Dense[T]) Set(v T, idx ...int) { d.data[d.Index(idx...)] = v }

// Clone returns a deep copy.
func (d *Dense[T]) Clone() *Dense[T] {
	return &Dense[T]{
		shape: append([]int(nil), d.shape...),
		data:  append([]T(nil), d.data...),
	}
}

// ZerosLike returns a zero-filled buffer with the same shape.
func (d *Dense[T]) ZerosLike() *Dense[T] {
	return New[T](d.shape...)
}

// ShapeIs reports whether the buffer has exactly the given shape.
func (d *Dense[T]) ShapeIs(shape ...int) bool {
	if len(shape) != len(d.shape) {
		return false
	}
	for i, s := range shape {
		if s != d.shape[i] {
			return false
		}
	}
	return true
}

// SameShape reports whether a and b have identical shapes.
func SameShape[T, U Element](a *Dense[T], b *Dense[U]) bool {
	if a.Rank() != b.Rank() {
		return false
	}
	for i, s := range a.shape {
		if s != b.shape[i] {
			return false
		}
	}
	return true
}

// ShapeString formats a shape for error messages, e.g. "[4 512 512 4]".
func ShapeString(shape []int) string {
	return fmt.Sprintf("%v", shape)
}
