// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
	"testing"

	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdamMinimizesQuadratic(t *testing.T) {
	// Minimize (x-3)^2 + (y+1)^2.
	x, err := tensors.FromData([]float64{0, 0}, 2)
	require.NoError(t, err)
	params := []*tensors.Tensor{x}
	opt := Adam().Betas(0.9, 0.999).Epsilon(1e-8).Done(params)
	target := []float64{3, -1}
	for step := 0; step < 2000; step++ {
		grad := tensors.Like(x)
		for ii := range target {
			grad.Data()[ii] = 2 * (x.Data()[ii] - target[ii])
		}
		require.NoError(t, opt.Apply(params, []*tensors.Tensor{grad}, 0.05))
	}
	assert.Equal(t, 2000, opt.State.Step)
	assert.InDelta(t, 3.0, x.Data()[0], 1e-2)
	assert.InDelta(t, -1.0, x.Data()[1], 1e-2)
}

func TestAdamFirstStep(t *testing.T) {
	// After debiasing, the first step moves every value by -lr*sign(grad).
	x, _ := tensors.FromData([]float64{1, 1}, 2)
	opt := Adam().Done([]*tensors.Tensor{x})
	grad, _ := tensors.FromData([]float64{10, -0.5}, 2)
	require.NoError(t, opt.Apply([]*tensors.Tensor{x}, []*tensors.Tensor{grad}, 0.1))
	assert.InDelta(t, 0.9, x.Data()[0], 1e-6)
	assert.InDelta(t, 1.1, x.Data()[1], 1e-6)

	assert.Error(t, opt.Apply([]*tensors.Tensor{x}, nil, 0.1))
	assert.Error(t, opt.Apply([]*tensors.Tensor{x}, []*tensors.Tensor{tensors.New(3)}, 0.1))
}

func TestExponentialDecay(t *testing.T) {
	s := ExponentialDecay{Initial: 0.1, Factor: 0.1, DecaySteps: 100, Staircase: true}
	assert.InDelta(t, 0.1, s.LearningRate(0), 1e-12)
	assert.InDelta(t, 0.1, s.LearningRate(99), 1e-12)
	assert.InDelta(t, 0.01, s.LearningRate(100), 1e-12)
	assert.InDelta(t, 0.001, s.LearningRate(250), 1e-12)

	s.Staircase = false
	assert.InDelta(t, 0.1*math.Pow(0.1, 0.5), s.LearningRate(50), 1e-12)
}

func TestDecaySteps(t *testing.T) {
	// 50000 examples, batch 32: 1562 batches per epoch (integer division), 10 epochs per decay.
	assert.Equal(t, 15620, DecaySteps(50000, 32, 10))
	assert.Equal(t, 1, DecaySteps(4, 2, 0.1))
	assert.Equal(t, 1, DecaySteps(1, 2, 10))
	assert.Equal(t, 4, DecaySteps(10, 3, 1.5))
}

func TestMovingAverage(t *testing.T) {
	x, _ := tensors.FromData([]float64{0}, 1)
	ma := NewMovingAverage(0.9999, []*tensors.Tensor{x})
	assert.InDelta(t, 0.1, ma.EffectiveDecay(0), 1e-12)
	assert.InDelta(t, 0.9999, ma.EffectiveDecay(1_000_000), 1e-12)

	x.Data()[0] = 10
	require.NoError(t, ma.Update([]*tensors.Tensor{x}, 0))
	// decay = 0.1: shadow = 0 - 0.9*(0-10) = 9.
	assert.InDelta(t, 9.0, ma.Shadows[0].Data()[0], 1e-12)
	// Parameters are not modified.
	assert.Equal(t, 10.0, x.Data()[0])

	assert.Error(t, ma.Update(nil, 1))
}
