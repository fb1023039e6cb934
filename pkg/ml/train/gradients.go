// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// AverageGradients returns the element-wise mean over devices of each parameter's gradient.
//
// perDevice[d][p] is the gradient of parameter p computed by device d. All devices must
// report the same number of gradients with matching shapes. The inputs are not modified.
func AverageGradients(perDevice [][]*tensors.Tensor) ([]*tensors.Tensor, error) {
	if len(perDevice) == 0 {
		return nil, errors.New("AverageGradients: no device gradients given")
	}
	numParams := len(perDevice[0])
	for d, grads := range perDevice {
		if len(grads) != numParams {
			return nil, errors.Errorf("AverageGradients: device #%d reported %d gradients, device #0 reported %d",
				d, len(grads), numParams)
		}
	}
	averaged := make([]*tensors.Tensor, numParams)
	for p := range numParams {
		first := perDevice[0][p]
		if first == nil {
			return nil, errors.Errorf("AverageGradients: device #0 has no gradient for parameter #%d", p)
		}
		sum := first.Clone()
		for d := 1; d < len(perDevice); d++ {
			g := perDevice[d][p]
			if g == nil || !g.Shape().Equal(first.Shape()) {
				var shape tensors.Shape
				if g != nil {
					shape = g.Shape()
				}
				return nil, errors.Errorf("AverageGradients: device #%d gradient for parameter #%d has shape %s, device #0 has %s",
					d, p, shape, first.Shape())
			}
			floats.Add(sum.Data(), g.Data())
		}
		floats.Scale(1/float64(len(perDevice)), sum.Data())
		averaged[p] = sum
	}
	return averaged, nil
}
