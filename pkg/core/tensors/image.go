// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/exceptions"
)

// ImageChannels is the number of channels of every image tensor: R, G and B.
const ImageChannels = 3

// NewImage creates a zero image tensor shaped (height, width, 3).
func NewImage(height, width int) *Tensor {
	return New(height, width, ImageChannels)
}

// IsImage reports whether t is shaped (height, width, 3).
func (t *Tensor) IsImage() bool {
	return t.shape.Rank() == 3 && t.shape[2] == ImageChannels
}

// ImageDims returns height and width of an image tensor. It panics if t is not an image.
func (t *Tensor) ImageDims() (height, width int) {
	if !t.IsImage() {
		exceptions.Panicf("tensor with shape %s is not an image (height, width, %d)", t.shape, ImageChannels)
	}
	return t.shape[0], t.shape[1]
}

// FromPixels converts an HWC uint8 buffer to a float tensor multiplying each value by scale.
func FromPixels(pix []uint8, height, width int, scale float64) *Tensor {
	t := NewImage(height, width)
	if len(pix) != len(t.data) {
		exceptions.Panicf("tensors.FromPixels: %d bytes given for an image of %dx%dx%d", len(pix), height, width, ImageChannels)
	}
	for ii, v := range pix {
		t.data[ii] = float64(v) * scale
	}
	return t
}
