// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements the Adam optimizer, learning-rate schedules and the exponential moving
// average of the trained parameters.
package optimizers

import (
	"math"

	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Adam optimization is a stochastic gradient descent method that is based on adaptive estimation of first-order and
// second-order moments. See [Kingma et al., 2014](http://arxiv.org/abs/1412.6980).
//
// It returns a configuration object that can be used to set its parameters. Once configured call Done.
func Adam() *AdamConfig {
	return &AdamConfig{
		beta1:   0.9,
		beta2:   0.999,
		epsilon: 1e-8,
	}
}

// AdamConfig holds the configuration for Adam, create using Adam(), and once configured
// call Done to create the optimizer.
type AdamConfig struct {
	beta1, beta2 float64
	epsilon      float64
}

// Betas sets the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Done creates the optimizer for the given parameters, with zero moments.
func (c *AdamConfig) Done(params []*tensors.Tensor) *AdamOptimizer {
	o := &AdamOptimizer{config: *c}
	o.State.Moment1 = make([]*tensors.Tensor, len(params))
	o.State.Moment2 = make([]*tensors.Tensor, len(params))
	for ii, p := range params {
		o.State.Moment1[ii] = tensors.Like(p)
		o.State.Moment2[ii] = tensors.Like(p)
	}
	return o
}

// AdamState is the state of the optimizer saved in checkpoints.
type AdamState struct {
	// Step is the number of updates applied so far.
	Step             int
	Moment1, Moment2 []*tensors.Tensor
}

// AdamOptimizer updates a fixed list of parameters.
type AdamOptimizer struct {
	config AdamConfig
	State  AdamState
}

// Apply one update to params given their gradients and the learning rate.
// params and grads must be in the same order as the params given to Done.
func (o *AdamOptimizer) Apply(params, grads []*tensors.Tensor, learningRate float64) error {
	if len(params) != len(o.State.Moment1) || len(grads) != len(params) {
		return errors.Errorf("Adam: optimizer has %d parameters, got %d parameters and %d gradients",
			len(o.State.Moment1), len(params), len(grads))
	}
	for ii, p := range params {
		if !p.Shape().Equal(grads[ii].Shape()) || !p.Shape().Equal(o.State.Moment1[ii].Shape()) {
			return errors.Errorf("Adam: parameter #%d shape %s, gradient shape %s, moments shape %s",
				ii, p.Shape(), grads[ii].Shape(), o.State.Moment1[ii].Shape())
		}
	}
	o.State.Step++
	beta1, beta2 := o.config.beta1, o.config.beta2
	debias1 := 1 / (1 - math.Pow(beta1, float64(o.State.Step)))
	debias2 := 1 / (1 - math.Pow(beta2, float64(o.State.Step)))
	for ii, p := range params {
		value, grad := p.Data(), grads[ii].Data()
		m1, m2 := o.State.Moment1[ii].Data(), o.State.Moment2[ii].Data()
		for jj, g := range grad {
			m1[jj] = beta1*m1[jj] + (1-beta1)*g
			m2[jj] = beta2*m2[jj] + (1-beta2)*g*g
			value[jj] -= learningRate * (m1[jj] * debias1) / (math.Sqrt(m2[jj]*debias2) + o.config.epsilon)
		}
	}
	return nil
}
