// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model defines the interface the trainer uses to drive a network, and the default
// haze-removal network, ResidualCNN.
//
// The trainer only needs to run the network forward on one image and to back-propagate the gradient
// of the loss with respect to the output: the layer composition is up to the implementation.
package model

import (
	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/gomlx/exceptions"
)

// Parameter is a named trainable tensor of a model.
type Parameter struct {
	Name  string
	Value *tensors.Tensor
}

// Backprop takes the gradient of the loss with respect to the output of a Forward call and returns the
// gradient with respect to each of the model parameters, in the order of Model.Parameters.
type Backprop func(gradOutput *tensors.Tensor) []*tensors.Tensor

// Model is a trainable network mapping a hazed image (height, width, 3) to a dehazed image of the same shape.
//
// Forward must only read the parameters: it is called concurrently by many devices.
// Parameters are updated by the trainer between steps, in place.
type Model interface {
	Name() string
	Parameters() []*Parameter
	Forward(input *tensors.Tensor) (output *tensors.Tensor, backprop Backprop)
}

// ParameterValues returns the values of the parameters of m.
func ParameterValues(m Model) []*tensors.Tensor {
	params := m.Parameters()
	values := make([]*tensors.Tensor, len(params))
	for ii, p := range params {
		values[ii] = p.Value
	}
	return values
}

// NumParameters returns the total number of scalar values in the parameters of m.
func NumParameters(m Model) int {
	var n int
	for _, p := range m.Parameters() {
		n += p.Value.Size()
	}
	return n
}

// ZeroGradients returns zero tensors shaped like each of the parameters of m.
func ZeroGradients(m Model) []*tensors.Tensor {
	params := m.Parameters()
	grads := make([]*tensors.Tensor, len(params))
	for ii, p := range params {
		grads[ii] = tensors.Like(p.Value)
	}
	return grads
}

// checkImage panics if t is not an image with the expected number of channels.
func checkImage(t *tensors.Tensor, channels int) (height, width int) {
	shape := t.Shape()
	if shape.Rank() != 3 || shape[2] != channels {
		exceptions.Panicf("expected image shaped (height, width, %d), got %s", channels, shape)
	}
	return shape[0], shape[1]
}
