// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/gomlx/exceptions"
)

// ResidualCNN is a small fully convolutional network that predicts a correction added to its input:
//
//	output = input + conv3x3(relu(conv3x3(input)))
//
// Convolutions use "same" padding with zeros, so any resolution works.
type ResidualCNN struct {
	channels int
	params   []*Parameter

	// Views of params.
	w1, b1, w2, b2 *tensors.Tensor
}

var _ Model = (*ResidualCNN)(nil)

// NewResidualCNN creates a ResidualCNN with the given number of hidden channels, with weights initialized
// with He-normal values drawn from seed.
func NewResidualCNN(channels int, seed int64) *ResidualCNN {
	if channels <= 0 {
		exceptions.Panicf("NewResidualCNN: channels must be > 0, got %d", channels)
	}
	rng := rand.New(rand.NewSource(seed))
	in := tensors.ImageChannels
	m := &ResidualCNN{
		channels: channels,
		w1:       tensors.New(3, 3, in, channels),
		b1:       tensors.New(channels),
		w2:       tensors.New(3, 3, channels, in),
		b2:       tensors.New(in),
	}
	heNormal(m.w1, 9*in, rng)
	heNormal(m.w2, 9*channels, rng)
	// Start close to the identity.
	m.w2.Scale(0.1)
	m.params = []*Parameter{
		{Name: "conv_1/weights", Value: m.w1},
		{Name: "conv_1/biases", Value: m.b1},
		{Name: "conv_2/weights", Value: m.w2},
		{Name: "conv_2/biases", Value: m.b2},
	}
	return m
}

func heNormal(t *tensors.Tensor, fanIn int, rng *rand.Rand) {
	stddev := math.Sqrt(2 / float64(fanIn))
	for ii := range t.Data() {
		t.Data()[ii] = rng.NormFloat64() * stddev
	}
}

// Name implements Model.
func (m *ResidualCNN) Name() string { return fmt.Sprintf("residual_cnn_%d", m.channels) }

// Parameters implements Model.
func (m *ResidualCNN) Parameters() []*Parameter { return m.params }

// Forward implements Model.
func (m *ResidualCNN) Forward(input *tensors.Tensor) (*tensors.Tensor, Backprop) {
	height, width := checkImage(input, tensors.ImageChannels)
	hidden := conv3x3(input, m.w1, m.b1)
	activations := hidden.Clone()
	for ii, v := range activations.Data() {
		if v < 0 {
			activations.Data()[ii] = 0
		}
	}
	output := conv3x3(activations, m.w2, m.b2)
	if err := output.Add(input); err != nil {
		panic(err)
	}

	backprop := func(gradOutput *tensors.Tensor) []*tensors.Tensor {
		gh, gw := checkImage(gradOutput, tensors.ImageChannels)
		if gh != height || gw != width {
			exceptions.Panicf("ResidualCNN backprop: gradient shape %s doesn't match output shape %s", gradOutput.Shape(), output.Shape())
		}
		gradW2, gradB2 := tensors.Like(m.w2), tensors.Like(m.b2)
		gradActivations := conv3x3Backward(activations, m.w2, gradOutput, gradW2, gradB2, true)
		for ii, v := range hidden.Data() {
			if v <= 0 {
				gradActivations.Data()[ii] = 0
			}
		}
		gradW1, gradB1 := tensors.Like(m.w1), tensors.Like(m.b1)
		conv3x3Backward(input, m.w1, gradActivations, gradW1, gradB1, false)
		return []*tensors.Tensor{gradW1, gradB1, gradW2, gradB2}
	}
	return output, backprop
}

// conv3x3 computes a 3x3 convolution with stride 1 and zero "same" padding.
// input is (height, width, in), weights (3, 3, in, out) and biases (out).
func conv3x3(input, weights, biases *tensors.Tensor) *tensors.Tensor {
	wShape := weights.Shape()
	inChannels, outChannels := wShape[2], wShape[3]
	height, width := checkImage(input, inChannels)
	output := tensors.New(height, width, outChannels)
	in, w, b, out := input.Data(), weights.Data(), biases.Data(), output.Data()
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			outPixel := out[(y*width+x)*outChannels : (y*width+x+1)*outChannels]
			copy(outPixel, b)
			for ky := 0; ky < 3; ky++ {
				iy := y + ky - 1
				if iy < 0 || iy >= height {
					continue
				}
				for kx := 0; kx < 3; kx++ {
					ix := x + kx - 1
					if ix < 0 || ix >= width {
						continue
					}
					inPixel := in[(iy*width+ix)*inChannels : (iy*width+ix+1)*inChannels]
					kernel := w[(ky*3+kx)*inChannels*outChannels:]
					for i, v := range inPixel {
						if v == 0 {
							continue
						}
						row := kernel[i*outChannels : (i+1)*outChannels]
						for o := range outPixel {
							outPixel[o] += v * row[o]
						}
					}
				}
			}
		}
	}
	return output
}

// conv3x3Backward accumulates into gradWeights and gradBiases the gradients of a conv3x3, given the gradient of its
// output. If wantInput it also returns the gradient with respect to its input, otherwise it returns nil.
func conv3x3Backward(input, weights, gradOutput, gradWeights, gradBiases *tensors.Tensor, wantInput bool) *tensors.Tensor {
	wShape := weights.Shape()
	inChannels, outChannels := wShape[2], wShape[3]
	height, width := checkImage(input, inChannels)
	var gradInput *tensors.Tensor
	var gIn []float64
	if wantInput {
		gradInput = tensors.Like(input)
		gIn = gradInput.Data()
	}
	in, w, gOut, gW, gB := input.Data(), weights.Data(), gradOutput.Data(), gradWeights.Data(), gradBiases.Data()
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			gOutPixel := gOut[(y*width+x)*outChannels : (y*width+x+1)*outChannels]
			for o, g := range gOutPixel {
				gB[o] += g
			}
			for ky := 0; ky < 3; ky++ {
				iy := y + ky - 1
				if iy < 0 || iy >= height {
					continue
				}
				for kx := 0; kx < 3; kx++ {
					ix := x + kx - 1
					if ix < 0 || ix >= width {
						continue
					}
					base := (iy*width + ix) * inChannels
					kernelBase := (ky*3 + kx) * inChannels * outChannels
					for i := 0; i < inChannels; i++ {
						v := in[base+i]
						rowW := w[kernelBase+i*outChannels : kernelBase+(i+1)*outChannels]
						rowGW := gW[kernelBase+i*outChannels : kernelBase+(i+1)*outChannels]
						var acc float64
						for o, g := range gOutPixel {
							rowGW[o] += v * g
							acc += rowW[o] * g
						}
						if wantInput {
							gIn[base+i] += acc
						}
					}
				}
			}
		}
	}
	return gradInput
}
