// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package batching buffers (hazed, clear) examples produced in parallel and releases them in fixed-size batches.
//
// The Queue keeps a bounded buffer fed by a pool of producer goroutines. Batches are released
// only once the buffer holds a minimum number of examples: in Shuffled mode examples are drawn
// uniformly at random from the buffer, in Sequential mode they are released in arrival order.
//
// Example:
//
//	q, err := batching.New(pipeline).
//		BatchSize(32).
//		MinFill(batching.MinQueueExamples(examplesPerEpoch, batching.DefaultMinFraction)).
//		Timeout(5 * time.Minute).
//		Start(ctx)
//	if err != nil { ... }
//	defer q.Close(10 * time.Second)
//	batch, err := q.Next(ctx)
package batching

import (
	"context"

	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Example is one training pair: an augmented hazed image and its clear target, both shaped (height, width, 3).
type Example struct {
	Hazed, Clear *tensors.Tensor

	// Index is the scene index prefix shared by both images.
	Index string
}

// Producer generates examples. Produce must be safe for concurrent use: the Queue calls it from many goroutines.
// It should return promptly with ctx.Err() once ctx is cancelled.
type Producer interface {
	Produce(ctx context.Context) (Example, error)
}

// ProducerFunc adapts a function to the Producer interface.
type ProducerFunc func(ctx context.Context) (Example, error)

// Produce implements Producer.
func (fn ProducerFunc) Produce(ctx context.Context) (Example, error) { return fn(ctx) }

// Batch is an ordered pair of equal-length sequences of equally shaped images.
type Batch struct {
	Hazed, Clear []*tensors.Tensor

	// Indices of the scenes of each example.
	Indices []string

	Size, Height, Width, Channels int
}

// NewBatch assembles a Batch from examples, checking that all images share the same (height, width, 3) shape.
func NewBatch(examples []Example) (*Batch, error) {
	if len(examples) == 0 {
		return nil, errors.New("batching: cannot create an empty batch")
	}
	b := &Batch{
		Hazed:    make([]*tensors.Tensor, len(examples)),
		Clear:    make([]*tensors.Tensor, len(examples)),
		Indices:  make([]string, len(examples)),
		Size:     len(examples),
		Channels: tensors.ImageChannels,
	}
	first := examples[0].Hazed
	if first == nil || !first.IsImage() {
		return nil, errors.Errorf("batching: example 0 (index %q) is not an image", examples[0].Index)
	}
	b.Height, b.Width = first.ImageDims()
	for ii, ex := range examples {
		if ex.Hazed == nil || ex.Clear == nil {
			return nil, errors.Errorf("batching: example %d (index %q) is missing an image", ii, ex.Index)
		}
		if !ex.Hazed.Shape().Equal(first.Shape()) || !ex.Clear.Shape().Equal(first.Shape()) {
			return nil, errors.Errorf("batching: example %d (index %q) shapes hazed=%s clear=%s differ from %s",
				ii, ex.Index, ex.Hazed.Shape(), ex.Clear.Shape(), first.Shape())
		}
		b.Hazed[ii], b.Clear[ii], b.Indices[ii] = ex.Hazed, ex.Clear, ex.Index
	}
	return b, nil
}
