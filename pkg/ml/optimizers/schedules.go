// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
)

// Schedule returns the learning rate to use at a given global step.
type Schedule interface {
	LearningRate(step int) float64
}

// ExponentialDecay multiplies the initial learning rate by Factor every DecaySteps steps.
// If Staircase is false the decay is continuous.
type ExponentialDecay struct {
	Initial    float64
	Factor     float64
	DecaySteps int
	Staircase  bool
}

var _ Schedule = ExponentialDecay{}

// LearningRate implements Schedule: Initial * Factor^(step/DecaySteps), with integer division if Staircase.
func (s ExponentialDecay) LearningRate(step int) float64 {
	decaySteps := max(s.DecaySteps, 1)
	var exponent float64
	if s.Staircase {
		exponent = float64(step / decaySteps)
	} else {
		exponent = float64(step) / float64(decaySteps)
	}
	return s.Initial * math.Pow(s.Factor, exponent)
}

// DecaySteps returns the number of steps between decays: (examplesPerEpoch / batchSize) * epochsPerDecay,
// where the first division is integer division, truncated to an int and at least 1.
func DecaySteps(examplesPerEpoch, batchSize int, epochsPerDecay float64) int {
	if batchSize <= 0 {
		return 1
	}
	batchesPerEpoch := examplesPerEpoch / batchSize
	return max(int(float64(batchesPerEpoch)*epochsPerDecay), 1)
}
