// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pairing turns hazed image records into training examples: it pairs each hazed image
// with the clear image sharing its index prefix, decodes both and applies random photometric
// distortions to the hazed image.
//
// Pipeline implements batching.Producer, so it can feed a batching.Queue directly:
//
//	pipeline, err := pairing.New(hazed, clear).Shape(224, 224).Shuffle(true).Done()
//	q, err := batching.New(pipeline).BatchSize(32).Start(ctx)
package pairing

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/gomlx/dehaze/pkg/dehaze/batching"
	"github.com/gomlx/dehaze/pkg/dehaze/catalog"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultTargetScale converts clear image bytes to the [0, 1] range.
const DefaultTargetScale = 1.0 / 255.0

// Pipeline produces (augmented hazed, clear) examples, looping over the hazed records epoch after epoch.
//
// It is safe for concurrent use: many producer goroutines may call Produce at the same time.
type Pipeline struct {
	hazed         []*catalog.ImageRecord
	clear         catalog.ClearIndex
	height, width int
	shuffle       bool
	seed          int64
	augmenter     Augmenter
	targetScale   float64
	cacheHazed    bool
	cacheClear    bool
	decoder       *Decoder

	// mu protects rng and the traversal state.
	mu       sync.Mutex
	rng      *rand.Rand
	order    []*catalog.ImageRecord
	position int
	epoch    int
}

var _ batching.Producer = (*Pipeline)(nil)

// New creates a Pipeline pairing the records of hazed with the index of clear (see catalog.ScanClear).
//
// Configure it with the methods that follow and finish with Done. Defaults: scene-interleaved order,
// DefaultAugmenter, DefaultTargetScale, clear pixels cached, hazed pixels not cached.
func New(hazed, clear *catalog.Catalog) *Pipeline {
	p := &Pipeline{
		augmenter:   DefaultAugmenter(),
		targetScale: DefaultTargetScale,
		cacheClear:  true,
		decoder:     NewDecoder(),
		seed:        time.Now().UnixNano(),
	}
	if hazed != nil {
		p.hazed = hazed.Records
	}
	if clear != nil {
		p.clear = clear.Clear
	}
	return p
}

// Shape sets the expected resolution of every image. Images of other resolutions fail with ErrShapeMismatch.
func (p *Pipeline) Shape(height, width int) *Pipeline {
	p.height, p.width = height, width
	return p
}

// Shuffle sets whether hazed images are visited in a random order, reshuffled every epoch.
// If false they are visited round-robin over scenes (see catalog.InterleaveByScene).
func (p *Pipeline) Shuffle(shuffle bool) *Pipeline {
	p.shuffle = shuffle
	return p
}

// Seed for the random order and the random distortions.
func (p *Pipeline) Seed(seed int64) *Pipeline {
	p.seed = seed
	return p
}

// Augmenter sets the distortions applied to hazed images.
func (p *Pipeline) Augmenter(augmenter Augmenter) *Pipeline {
	p.augmenter = augmenter
	return p
}

// TargetScale sets the factor applied to clear image bytes.
func (p *Pipeline) TargetScale(scale float64) *Pipeline {
	p.targetScale = scale
	return p
}

// CacheHazed sets whether decoded hazed pixels are kept in their records for later epochs.
func (p *Pipeline) CacheHazed(cache bool) *Pipeline {
	p.cacheHazed = cache
	return p
}

// CacheClear sets whether decoded clear pixels are kept in their records. Clear images are shared by many
// hazed images, so this is enabled by default.
func (p *Pipeline) CacheClear(cache bool) *Pipeline {
	p.cacheClear = cache
	return p
}

// Decoder sets the decoder used to read images.
func (p *Pipeline) Decoder(decoder *Decoder) *Pipeline {
	p.decoder = decoder
	return p
}

// Done validates the configuration and the pairing of every hazed record.
func (p *Pipeline) Done() (*Pipeline, error) {
	if len(p.hazed) == 0 {
		return nil, errors.Wrap(catalog.ErrEmptyDirectory, "pairing: no hazed images")
	}
	if len(p.clear) == 0 {
		return nil, errors.Wrap(catalog.ErrEmptyDirectory, "pairing: no clear images")
	}
	if p.height <= 0 || p.width <= 0 {
		return nil, errors.Errorf("pairing: invalid image shape %dx%d", p.height, p.width)
	}
	if p.decoder == nil {
		return nil, errors.New("pairing: nil decoder")
	}
	if err := catalog.Validate(p.hazed, p.clear); err != nil {
		return nil, err
	}
	p.rng = rand.New(rand.NewSource(p.seed))
	p.order = append([]*catalog.ImageRecord(nil), p.hazed...)
	p.startEpochLocked()
	klog.V(1).Infof("pairing: %d hazed images of %d scenes, %d clear images, shuffle=%v",
		len(p.hazed), len(catalog.SceneCounts(p.hazed)), len(p.clear), p.shuffle)
	return p, nil
}

// Len returns the number of hazed images, i.e. the number of examples per epoch.
func (p *Pipeline) Len() int { return len(p.hazed) }

// Epoch returns the number of completed passes over the hazed images.
func (p *Pipeline) Epoch() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.epoch
}

// startEpochLocked prepares the visiting order of a new epoch. It must be called with p.mu locked.
func (p *Pipeline) startEpochLocked() {
	if p.shuffle {
		catalog.Shuffle(p.order, p.rng)
	} else {
		p.order = catalog.InterleaveByScene(p.order)
	}
	p.position = 0
}

// next returns the next hazed record and a distortion to apply to it.
func (p *Pipeline) next() (*catalog.ImageRecord, Distortion) {
	p.mu.Lock()
	defer p.mu.Unlock()
	record := p.order[p.position]
	p.position++
	if p.position >= len(p.order) {
		p.epoch++
		klog.V(1).Infof("pairing: finished epoch %d", p.epoch)
		p.startEpochLocked()
	}
	return record, p.augmenter.Sample(p.rng)
}

// Produce implements batching.Produce. It returns the next example: the augmented hazed image and its clear
// target, both shaped (height, width, 3).
func (p *Pipeline) Produce(ctx context.Context) (batching.Example, error) {
	if p.rng == nil {
		return batching.Example{}, errors.New("pairing: Pipeline.Produce called before Done")
	}
	hazedRecord, distortion := p.next()
	clearRecord, err := p.clear.Lookup(hazedRecord)
	if err != nil {
		return batching.Example{}, err
	}
	hazed, err := p.load(ctx, hazedRecord, 1.0, p.cacheHazed)
	if err != nil {
		return batching.Example{}, err
	}
	clear, err := p.load(ctx, clearRecord, p.targetScale, p.cacheClear)
	if err != nil {
		return batching.Example{}, err
	}
	p.augmenter.Apply(hazed, distortion)
	return batching.Example{Hazed: hazed, Clear: clear, Index: hazedRecord.Index}, nil
}

// load decodes the record (or uses its cached pixels) and converts it to a float tensor.
func (p *Pipeline) load(ctx context.Context, record *catalog.ImageRecord, scale float64, cache bool) (*tensors.Tensor, error) {
	pixels, err := record.LoadPixels(func(path string) (*catalog.Pixels, error) {
		return p.decoder.DecodeContext(ctx, path)
	}, cache)
	if err != nil {
		return nil, err
	}
	if pixels.Height != p.height || pixels.Width != p.width {
		return nil, errors.Wrapf(ErrShapeMismatch, "%q is %dx%d, expected %dx%d",
			record.Path, pixels.Height, pixels.Width, p.height, p.width)
	}
	return tensors.FromPixels(pixels.Pix, p.height, p.width, scale), nil
}
