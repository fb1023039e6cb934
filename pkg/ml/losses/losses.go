// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package losses implements the losses used to train dehazing models, with their gradients.
package losses

import (
	"fmt"
	"strings"

	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Loss computes a scalar value comparing a prediction to its target, and the gradient of that value
// with respect to the prediction.
type Loss interface {
	Name() string
	Compute(prediction, target *tensors.Tensor) (value float64, gradPrediction *tensors.Tensor, err error)
}

// MeanSquaredError is the mean over all elements of (prediction - target)^2.
type MeanSquaredError struct{}

var _ Loss = MeanSquaredError{}

// Name implements Loss.
func (MeanSquaredError) Name() string { return "mse" }

// Compute implements Loss.
func (MeanSquaredError) Compute(prediction, target *tensors.Tensor) (float64, *tensors.Tensor, error) {
	if !prediction.Shape().Equal(target.Shape()) {
		return 0, nil, errors.Errorf("mse: prediction shape %s != target shape %s", prediction.Shape(), target.Shape())
	}
	n := float64(prediction.Size())
	grad := tensors.Like(prediction)
	diff := grad.Data()
	floats.SubTo(diff, prediction.Data(), target.Data())
	value := floats.Dot(diff, diff) / n
	floats.Scale(2/n, diff)
	return value, grad, nil
}

// Term is one weighted component of a Weighted loss.
type Term struct {
	Weight float64
	Loss   Loss
}

// Weighted is the weighted sum of other losses. It is used to add, for instance, a perceptual loss
// computed by a frozen feature network to a pixel loss.
type Weighted []Term

var _ Loss = Weighted{}

// Name implements Loss.
func (w Weighted) Name() string {
	parts := make([]string, len(w))
	for ii, term := range w {
		parts[ii] = fmt.Sprintf("%g*%s", term.Weight, term.Loss.Name())
	}
	return strings.Join(parts, "+")
}

// Compute implements Loss.
func (w Weighted) Compute(prediction, target *tensors.Tensor) (float64, *tensors.Tensor, error) {
	if len(w) == 0 {
		return 0, nil, errors.New("weighted loss with no terms")
	}
	var total float64
	grad := tensors.Like(prediction)
	for _, term := range w {
		value, termGrad, err := term.Loss.Compute(prediction, target)
		if err != nil {
			return 0, nil, errors.WithMessagef(err, "loss term %q", term.Loss.Name())
		}
		total += term.Weight * value
		if err = grad.AddScaled(term.Weight, termGrad); err != nil {
			return 0, nil, err
		}
	}
	return total, grad, nil
}
