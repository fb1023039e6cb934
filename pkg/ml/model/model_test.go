// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"math/rand"
	"testing"

	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomTensor(rng *rand.Rand, dims ...int) *tensors.Tensor {
	t := tensors.New(dims...)
	for ii := range t.Data() {
		t.Data()[ii] = rng.NormFloat64()
	}
	return t
}

// dot returns the sum of the element-wise product: used as a scalar loss whose gradient is `weights`.
func dot(a, weights *tensors.Tensor) float64 {
	var sum float64
	for ii, v := range a.Data() {
		sum += v * weights.Data()[ii]
	}
	return sum
}

func TestResidualCNNShapes(t *testing.T) {
	m := NewResidualCNN(4, 1)
	assert.Equal(t, "residual_cnn_4", m.Name())
	assert.Len(t, m.Parameters(), 4)
	assert.Equal(t, 3*3*3*4+4+3*3*4*3+3, NumParameters(m))

	input := randomTensor(rand.New(rand.NewSource(2)), 5, 7, 3)
	output, backprop := m.Forward(input)
	assert.Equal(t, tensors.Shape{5, 7, 3}, output.Shape())
	grads := backprop(tensors.Like(output))
	require.Len(t, grads, 4)
	for ii, g := range grads {
		assert.True(t, g.Shape().Equal(m.Parameters()[ii].Value.Shape()))
		assert.Equal(t, 0.0, g.Sum())
	}

	assert.Panics(t, func() { m.Forward(tensors.New(5, 7, 2)) })
	assert.Panics(t, func() { NewResidualCNN(0, 1) })
}

func TestResidualCNNGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	m := NewResidualCNN(2, 4)
	input := randomTensor(rng, 3, 4, 3)
	gradOutput := randomTensor(rng, 3, 4, 3)

	_, backprop := m.Forward(input)
	grads := backprop(gradOutput)

	const epsilon = 1e-6
	for pIdx, param := range m.Parameters() {
		data := param.Value.Data()
		for _, ii := range []int{0, len(data) / 2, len(data) - 1} {
			original := data[ii]
			data[ii] = original + epsilon
			plus, _ := m.Forward(input)
			data[ii] = original - epsilon
			minus, _ := m.Forward(input)
			data[ii] = original
			numeric := (dot(plus, gradOutput) - dot(minus, gradOutput)) / (2 * epsilon)
			assert.InDelta(t, numeric, grads[pIdx].Data()[ii], 1e-4, "parameter %q, element %d", param.Name, ii)
		}
	}
}

func TestZeroGradients(t *testing.T) {
	m := NewResidualCNN(3, 1)
	grads := ZeroGradients(m)
	values := ParameterValues(m)
	require.Len(t, grads, len(values))
	for ii := range grads {
		assert.True(t, grads[ii].Shape().Equal(values[ii].Shape()))
		assert.Equal(t, 0.0, grads[ii].Sum())
	}
}
