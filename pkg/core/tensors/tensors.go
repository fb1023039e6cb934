// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a dense, row-major float64 tensor used across the trainer.
//
// Tensors here are host-side values: images (height, width, channels), model
// parameters and gradients. Element-wise arithmetic is delegated to gonum's floats package.
package tensors

import (
	"fmt"
	"math"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Shape holds the dimensions of a tensor, outermost axis first.
type Shape []int

// Size returns the number of elements of a tensor with this shape. A scalar (rank 0) has size 1.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s {
		size *= dim
	}
	return size
}

// Rank returns the number of axes.
func (s Shape) Rank() int { return len(s) }

// Equal returns whether both shapes have the same dimensions.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for ii, dim := range s {
		if other[ii] != dim {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (s Shape) String() string {
	parts := make([]string, len(s))
	for ii, dim := range s {
		parts[ii] = fmt.Sprintf("%d", dim)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	return append(Shape(nil), s...)
}

// Tensor is a dense float64 multi-dimensional array.
type Tensor struct {
	shape Shape
	data  []float64
}

// New creates a zero-initialized tensor with the given dimensions.
// It panics if any dimension is <= 0.
func New(dims ...int) *Tensor {
	shape := Shape(dims).Clone()
	for _, dim := range shape {
		if dim <= 0 {
			exceptions.Panicf("tensors.New%s: dimensions must be > 0", shape)
		}
	}
	return &Tensor{shape: shape, data: make([]float64, shape.Size())}
}

// FromData creates a tensor that takes ownership of data.
// It returns an error if len(data) doesn't match the shape.
func FromData(data []float64, dims ...int) (*Tensor, error) {
	shape := Shape(dims).Clone()
	if shape.Size() != len(data) {
		return nil, errors.Errorf("tensors.FromData: shape %s requires %d elements, got %d", shape, shape.Size(), len(data))
	}
	return &Tensor{shape: shape, data: data}, nil
}

// Like creates a zero-initialized tensor with the same shape as t.
func Like(t *Tensor) *Tensor {
	return New(t.shape...)
}

// Shape returns the tensor's shape. It must not be modified.
func (t *Tensor) Shape() Shape { return t.shape }

// Size returns the number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Data returns the underlying flat data, in row-major order. It is not a copy.
func (t *Tensor) Data() []float64 { return t.data }

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), data: append([]float64(nil), t.data...)}
}

// CopyFrom copies the values of src into t. Shapes must match.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !t.shape.Equal(src.shape) {
		return errors.Errorf("Tensor.CopyFrom: shape mismatch %s != %s", t.shape, src.shape)
	}
	copy(t.data, src.data)
	return nil
}

// Zero sets all elements to 0.
func (t *Tensor) Zero() {
	for ii := range t.data {
		t.data[ii] = 0
	}
}

// Add accumulates other into t, element-wise. Shapes must match.
func (t *Tensor) Add(other *Tensor) error {
	if !t.shape.Equal(other.shape) {
		return errors.Errorf("Tensor.Add: shape mismatch %s != %s", t.shape, other.shape)
	}
	floats.Add(t.data, other.data)
	return nil
}

// AddScaled accumulates alpha*other into t, element-wise. Shapes must match.
func (t *Tensor) AddScaled(alpha float64, other *Tensor) error {
	if !t.shape.Equal(other.shape) {
		return errors.Errorf("Tensor.AddScaled: shape mismatch %s != %s", t.shape, other.shape)
	}
	floats.AddScaled(t.data, alpha, other.data)
	return nil
}

// Scale multiplies every element by c.
func (t *Tensor) Scale(c float64) {
	floats.Scale(c, t.data)
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float64 {
	return floats.Sum(t.data)
}

// HasNaN reports whether any element is NaN.
func (t *Tensor) HasNaN() bool {
	return floats.HasNaN(t.data)
}

// IsFinite reports whether all elements are finite: no NaN nor ±Inf.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// AllClose reports whether t and other have the same shape and all elements are within tol.
func (t *Tensor) AllClose(other *Tensor, tol float64) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	return floats.EqualApprox(t.data, other.data, tol)
}

// String implements fmt.Stringer, printing only the shape and a few values.
func (t *Tensor) String() string {
	const maxValues = 6
	if len(t.data) <= maxValues {
		return fmt.Sprintf("Tensor%s%v", t.shape, t.data)
	}
	return fmt.Sprintf("Tensor%s%v...", t.shape, t.data[:maxValues])
}
