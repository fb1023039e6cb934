// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package records

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/gomlx/dehaze/pkg/dehaze/batching"
	"github.com/gomlx/dehaze/pkg/dehaze/pairing"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Source produces examples from a list of record files, looping over them forever.
// The hazed half of each entry goes through the same augmentation as in pairing.Pipeline.
//
// It is safe for concurrent use.
type Source struct {
	paths       []string
	header      Header
	count       int
	augmenter   pairing.Augmenter
	targetScale float64

	mu      sync.Mutex
	rng     *rand.Rand
	reader  *Reader
	current int
	passes  int
}

var _ batching.Producer = (*Source)(nil)

// NewSource opens the first shard and checks that all shards share the same image shape.
// seed is used for the random distortions.
func NewSource(paths []string, augmenter pairing.Augmenter, seed int64) (*Source, error) {
	if len(paths) == 0 {
		return nil, errors.New("records.NewSource: no record files given")
	}
	s := &Source{
		paths:       paths,
		augmenter:   augmenter,
		targetScale: pairing.DefaultTargetScale,
		rng:         rand.New(rand.NewSource(seed)),
	}
	for ii, path := range paths {
		r, err := Open(path)
		if err != nil {
			return nil, err
		}
		header := r.Header()
		_ = r.Close()
		if ii == 0 {
			s.header = header
		} else if header.Height != s.header.Height || header.Width != s.header.Width {
			return nil, errors.Wrapf(pairing.ErrShapeMismatch, "record file %q holds %dx%d images, %q holds %dx%d",
				path, header.Height, header.Width, paths[0], s.header.Height, s.header.Width)
		}
		if header.Count == 0 {
			return nil, errors.Wrapf(ErrBadRecordFile, "record file %q is empty", path)
		}
		s.count += header.Count
	}
	var err error
	s.reader, err = Open(paths[0])
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("records: %d entries of %dx%d images in %d files", s.count, s.header.Height, s.header.Width, len(paths))
	return s, nil
}

// NewDefaultSource is NewSource with pairing.DefaultAugmenter and a time based seed.
func NewDefaultSource(paths []string) (*Source, error) {
	return NewSource(paths, pairing.DefaultAugmenter(), time.Now().UnixNano())
}

// Len returns the total number of entries over all files.
func (s *Source) Len() int { return s.count }

// Shape returns the image resolution.
func (s *Source) Shape() (height, width int) { return s.header.Height, s.header.Width }

// Passes returns the number of completed passes over all the files.
func (s *Source) Passes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passes
}

// next reads the next entry, moving to the next file at the end of the current one.
func (s *Source) next() (Entry, pairing.Distortion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return Entry{}, pairing.Distortion{}, errors.New("records: Source is closed")
	}
	for {
		entry, err := s.reader.Read()
		if err == nil {
			return entry, s.augmenter.Sample(s.rng), nil
		}
		if err != io.EOF {
			return Entry{}, pairing.Distortion{}, err
		}
		s.current++
		if s.current == len(s.paths) {
			s.current = 0
			s.passes++
		}
		if len(s.paths) == 1 {
			err = s.reader.Reset()
		} else {
			_ = s.reader.Close()
			s.reader, err = Open(s.paths[s.current])
		}
		if err != nil {
			s.reader = nil
			return Entry{}, pairing.Distortion{}, err
		}
	}
}

// Produce implements batching.Producer.
func (s *Source) Produce(ctx context.Context) (batching.Example, error) {
	if err := ctx.Err(); err != nil {
		return batching.Example{}, err
	}
	entry, distortion, err := s.next()
	if err != nil {
		return batching.Example{}, err
	}
	height, width := s.Shape()
	hazed := tensors.FromPixels(entry.Hazed, height, width, 1.0)
	s.augmenter.Apply(hazed, distortion)
	clear := tensors.FromPixels(entry.Clear, height, width, s.targetScale)
	return batching.Example{Hazed: hazed, Clear: clear, Index: entry.Index}, nil
}

// Close the file being read.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reader == nil {
		return nil
	}
	err := s.reader.Close()
	s.reader = nil
	return err
}
