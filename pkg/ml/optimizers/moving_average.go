// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/pkg/errors"
)

// MovingAverage keeps exponential moving averages ("shadows") of a list of parameters.
// The shadows are the weights used for inference.
type MovingAverage struct {
	Decay   float64
	Shadows []*tensors.Tensor
}

// NewMovingAverage creates shadows initialized to the current values of params.
func NewMovingAverage(decay float64, params []*tensors.Tensor) *MovingAverage {
	ma := &MovingAverage{Decay: decay, Shadows: make([]*tensors.Tensor, len(params))}
	for ii, p := range params {
		ma.Shadows[ii] = p.Clone()
	}
	return ma
}

// EffectiveDecay is min(Decay, (1+step)/(10+step)): early in training the averages move faster.
func (ma *MovingAverage) EffectiveDecay(step int) float64 {
	return min(ma.Decay, float64(1+step)/float64(10+step))
}

// Update moves each shadow towards its parameter: shadow -= (1-decay) * (shadow - param).
func (ma *MovingAverage) Update(params []*tensors.Tensor, step int) error {
	if len(params) != len(ma.Shadows) {
		return errors.Errorf("MovingAverage: %d shadows, got %d parameters", len(ma.Shadows), len(params))
	}
	decay := ma.EffectiveDecay(step)
	for ii, p := range params {
		shadow := ma.Shadows[ii]
		if !shadow.Shape().Equal(p.Shape()) {
			return errors.Errorf("MovingAverage: parameter #%d shape %s != shadow shape %s", ii, p.Shape(), shadow.Shape())
		}
		s, v := shadow.Data(), p.Data()
		for jj := range s {
			s[jj] -= (1 - decay) * (s[jj] - v[jj])
		}
	}
	return nil
}
