// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"math"
	"math/rand"

	"github.com/gomlx/dehaze/pkg/core/tensors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Augmenter holds the ranges of the random photometric distortions applied to hazed images.
//
// The zero value applies no brightness or contrast changes, only standardization.
type Augmenter struct {
	// MaxBrightnessDelta: a delta uniformly drawn from [-MaxBrightnessDelta, MaxBrightnessDelta] is added to every value.
	MaxBrightnessDelta float64

	// ContrastLower, ContrastUpper: range of the contrast factor.
	ContrastLower, ContrastUpper float64

	// Standardize each image to zero mean and unit variance after the distortions.
	Standardize bool
}

// DefaultAugmenter returns the Augmenter used for training: brightness delta in [-63, 63], contrast factor
// in [0.2, 1.8], followed by per-image standardization.
func DefaultAugmenter() Augmenter {
	return Augmenter{
		MaxBrightnessDelta: 63,
		ContrastLower:      0.2,
		ContrastUpper:      1.8,
		Standardize:        true,
	}
}

// Distortion is one draw of the random parameters of an Augmenter.
type Distortion struct {
	BrightnessDelta float64
	ContrastFactor  float64
}

// Sample draws a new Distortion. Each call yields independent values.
func (a Augmenter) Sample(rng *rand.Rand) Distortion {
	d := Distortion{ContrastFactor: 1}
	if a.MaxBrightnessDelta > 0 {
		d.BrightnessDelta = (2*rng.Float64() - 1) * a.MaxBrightnessDelta
	}
	if a.ContrastUpper > a.ContrastLower {
		d.ContrastFactor = a.ContrastLower + rng.Float64()*(a.ContrastUpper-a.ContrastLower)
	}
	return d
}

// Apply the distortion to the image in place: brightness, then contrast, then (if configured) standardization.
// The shape of img is preserved.
func (a Augmenter) Apply(img *tensors.Tensor, d Distortion) {
	data := img.Data()
	if d.BrightnessDelta != 0 {
		floats.AddConst(d.BrightnessDelta, data)
	}
	if d.ContrastFactor != 1 {
		AdjustContrast(img, d.ContrastFactor)
	}
	if a.Standardize {
		Standardize(img)
	}
}

// AdjustContrast maps each value x to (x - mean) * factor + mean, where mean is the mean of x's channel.
func AdjustContrast(img *tensors.Tensor, factor float64) {
	data := img.Data()
	height, width := img.ImageDims()
	numPixels := height * width
	channel := make([]float64, numPixels)
	for c := 0; c < tensors.ImageChannels; c++ {
		for p := 0; p < numPixels; p++ {
			channel[p] = data[p*tensors.ImageChannels+c]
		}
		mean := stat.Mean(channel, nil)
		for p := 0; p < numPixels; p++ {
			idx := p*tensors.ImageChannels + c
			data[idx] = (data[idx]-mean)*factor + mean
		}
	}
}

// Standardize maps the image to zero mean and unit variance in place: (x - mean) / adjustedStdDev, where
// adjustedStdDev = max(stddev, 1/sqrt(N)) and N is the number of values in the image.
func Standardize(img *tensors.Tensor) {
	data := img.Data()
	mean, variance := stat.PopMeanVariance(data, nil)
	stddev := max(math.Sqrt(variance), 1/math.Sqrt(float64(len(data))))
	floats.AddConst(-mean, data)
	floats.Scale(1/stddev, data)
}
