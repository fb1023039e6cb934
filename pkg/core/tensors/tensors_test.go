// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	x := New(2, 3)
	assert.Equal(t, Shape{2, 3}, x.Shape())
	assert.Equal(t, 6, x.Size())
	assert.Equal(t, 0.0, x.Sum())
	assert.Panics(t, func() { New(2, 0) })

	_, err := FromData([]float64{1, 2, 3}, 2, 2)
	require.Error(t, err)
	y, err := FromData([]float64{1, 2, 3, 4}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, "(2, 2)", y.Shape().String())
}

func TestArithmetic(t *testing.T) {
	x, err := FromData([]float64{1, 2, 3, 4}, 4)
	require.NoError(t, err)
	y := x.Clone()
	require.NoError(t, y.Add(x))
	assert.Equal(t, []float64{2, 4, 6, 8}, y.Data())
	require.NoError(t, y.AddScaled(-0.5, x))
	assert.Equal(t, []float64{1.5, 3, 4.5, 6}, y.Data())
	y.Scale(2)
	assert.Equal(t, 30.0, y.Sum())
	assert.Error(t, y.Add(New(2, 2)))

	// Clone is a deep copy.
	assert.Equal(t, []float64{1, 2, 3, 4}, x.Data())

	assert.True(t, x.IsFinite())
	x.Data()[2] = math.Inf(1)
	assert.False(t, x.IsFinite())
	assert.False(t, x.HasNaN())
	x.Data()[2] = math.NaN()
	assert.True(t, x.HasNaN())

	z := Like(y)
	require.NoError(t, z.CopyFrom(y))
	assert.True(t, z.AllClose(y, 0))
	z.Zero()
	assert.False(t, z.AllClose(y, 1e-3))
}

func TestImage(t *testing.T) {
	img := FromPixels([]uint8{0, 255, 51, 255, 0, 0}, 1, 2, 1.0/255)
	require.True(t, img.IsImage())
	h, w := img.ImageDims()
	assert.Equal(t, 1, h)
	assert.Equal(t, 2, w)
	assert.InDelta(t, 0.2, img.Data()[2], 1e-9)
	assert.Panics(t, func() { FromPixels([]uint8{1, 2}, 1, 1, 1) })
	assert.Panics(t, func() { New(2, 2).ImageDims() })
}
