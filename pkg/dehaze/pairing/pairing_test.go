// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/gomlx/dehaze/pkg/dehaze/batching"
	"github.com/gomlx/dehaze/pkg/dehaze/catalog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"
)

// writeImage writes a width x height image with random content (or a solid color, if c is not nil).
func writeImage(t *testing.T, path string, width, height int, c color.Color, rng *rand.Rand) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if c != nil {
				img.Set(x, y, c)
			} else {
				img.Set(x, y, color.NRGBA{R: uint8(rng.Intn(256)), G: uint8(rng.Intn(256)), B: uint8(rng.Intn(256)), A: 255})
			}
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()
	switch filepath.Ext(path) {
	case ".png":
		require.NoError(t, png.Encode(f, img))
	default:
		require.NoError(t, jpeg.Encode(f, img, &jpeg.Options{Quality: 100}))
	}
}

// buildDataset writes the hazed and clear files and scans them.
func buildDataset(t *testing.T, hazedNames, clearNames []string, width, height int) (hazed, clear *catalog.Catalog) {
	t.Helper()
	rng := rand.New(rand.NewSource(1))
	root := t.TempDir()
	for _, name := range hazedNames {
		writeImage(t, filepath.Join(root, "hazed", name), width, height, nil, rng)
	}
	for _, name := range clearNames {
		writeImage(t, filepath.Join(root, "clear", name), width, height, nil, rng)
	}
	var err error
	hazed, err = catalog.Scan(filepath.Join(root, "hazed"))
	require.NoError(t, err)
	clear, err = catalog.ScanClear(filepath.Join(root, "clear"))
	require.NoError(t, err)
	return
}

func TestDecodeChannelOrder(t *testing.T) {
	dir := t.TempDir()
	c := color.NRGBA{R: 200, G: 30, B: 90, A: 255}
	writeImage(t, filepath.Join(dir, "0001.png"), 8, 4, c, nil)
	writeImage(t, filepath.Join(dir, "0001.jpg"), 8, 4, c, nil)

	fromPNG, err := Decode(filepath.Join(dir, "0001.png"))
	require.NoError(t, err)
	fromJPEG, err := Decode(filepath.Join(dir, "0001.jpg"))
	require.NoError(t, err)
	for _, pixels := range []*catalog.Pixels{fromPNG, fromJPEG} {
		assert.Equal(t, 4, pixels.Height)
		assert.Equal(t, 8, pixels.Width)
		require.Len(t, pixels.Pix, 4*8*3)
	}
	assert.Equal(t, []uint8{200, 30, 90}, fromPNG.Pix[:3])
	for ch := 0; ch < 3; ch++ {
		assert.InDelta(t, float64(fromPNG.Pix[ch]), float64(fromJPEG.Pix[ch]), 4, "channel %d", ch)
	}
}

func TestDecodeErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "0001.png")
	require.NoError(t, os.WriteFile(path, []byte("not a png"), 0o644))
	_, err := Decode(path)
	assert.True(t, errors.Is(err, ErrUnreadableImage))

	_, err = Decode(filepath.Join(dir, "0001.gif"))
	assert.True(t, errors.Is(err, ErrUnreadableImage))

	calls := 0
	decoder := &Decoder{Retries: 3, Backoff: time.Millisecond, Decode: func(path string) (*catalog.Pixels, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return &catalog.Pixels{Height: 1, Width: 1, Pix: []uint8{1, 2, 3}}, nil
	}}
	pixels, err := decoder.DecodeContext(context.Background(), "any.png")
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []uint8{1, 2, 3}, pixels.Pix)

	calls = 0
	decoder.Decode = func(path string) (*catalog.Pixels, error) {
		calls++
		return Decode(path)
	}
	_, err = decoder.DecodeContext(context.Background(), path)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreadableImage))
	assert.Equal(t, 3, calls)
}

func randomImage(rng *rand.Rand, height, width int) *tensors.Tensor {
	img := tensors.NewImage(height, width)
	for ii := range img.Data() {
		img.Data()[ii] = float64(rng.Intn(256))
	}
	return img
}

func TestAugment(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	augmenter := DefaultAugmenter()
	source := randomImage(rng, 16, 12)

	first := source.Clone()
	augmenter.Apply(first, augmenter.Sample(rng))
	second := source.Clone()
	augmenter.Apply(second, augmenter.Sample(rng))

	// Shape is preserved.
	assert.True(t, first.Shape().Equal(source.Shape()))

	// Standardized: zero mean and unit variance.
	for _, img := range []*tensors.Tensor{first, second} {
		mean, variance := stat.PopMeanVariance(img.Data(), nil)
		assert.InDelta(t, 0.0, mean, 1e-9)
		assert.InDelta(t, 1.0, variance, 1e-6)
	}

	// Independent draws: same input, different outputs.
	assert.False(t, first.AllClose(second, 1e-6))

	// Distortions are drawn in their ranges.
	for ii := 0; ii < 1000; ii++ {
		d := augmenter.Sample(rng)
		require.LessOrEqual(t, d.BrightnessDelta, 63.0)
		require.GreaterOrEqual(t, d.BrightnessDelta, -63.0)
		require.GreaterOrEqual(t, d.ContrastFactor, 0.2)
		require.LessOrEqual(t, d.ContrastFactor, 1.8)
	}
}

func TestAdjustContrastKeepsChannelMeans(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	img := randomImage(rng, 4, 4)
	channelMean := func(img *tensors.Tensor, c int) float64 {
		var values []float64
		for ii := c; ii < img.Size(); ii += 3 {
			values = append(values, img.Data()[ii])
		}
		return stat.Mean(values, nil)
	}
	before := [3]float64{channelMean(img, 0), channelMean(img, 1), channelMean(img, 2)}
	AdjustContrast(img, 0.5)
	for c := 0; c < 3; c++ {
		assert.InDelta(t, before[c], channelMean(img, c), 1e-9)
	}
}

func TestStandardizeConstantImage(t *testing.T) {
	img := tensors.NewImage(2, 2)
	for ii := range img.Data() {
		img.Data()[ii] = 7
	}
	Standardize(img)
	assert.True(t, img.IsFinite())
	assert.Equal(t, 0.0, img.Sum())
}

func TestPipelineMissingClear(t *testing.T) {
	hazed, clear := buildDataset(t, []string{"0001_a.png", "0003_a.png"}, []string{"0001.png"}, 4, 4)
	_, err := New(hazed, clear).Shape(4, 4).Done()
	require.Error(t, err)
	assert.True(t, errors.Is(err, catalog.ErrMissingClear))
}

func TestPipelineShapeMismatch(t *testing.T) {
	hazed, clear := buildDataset(t, []string{"0001_a.png"}, []string{"0001.png"}, 4, 4)
	p, err := New(hazed, clear).Shape(8, 8).Done()
	require.NoError(t, err)
	_, err = p.Produce(context.Background())
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestPipelineProduce(t *testing.T) {
	hazed, clear := buildDataset(t, []string{"0001_a.png", "0001_b.jpg", "0002_a.png"}, []string{"0001.png", "0002.jpg"}, 6, 5)
	p, err := New(hazed, clear).Shape(5, 6).Shuffle(true).Seed(11).Done()
	require.NoError(t, err)
	assert.Equal(t, 3, p.Len())

	ctx := context.Background()
	counts := make(map[string]int)
	for ii := 0; ii < 6; ii++ {
		example, err := p.Produce(ctx)
		require.NoError(t, err)
		counts[example.Index]++
		assert.Equal(t, tensors.Shape{5, 6, 3}, example.Hazed.Shape())
		assert.Equal(t, tensors.Shape{5, 6, 3}, example.Clear.Shape())
		for _, v := range example.Clear.Data() {
			require.True(t, v >= 0 && v <= 1, "clear target value %g out of [0, 1]", v)
		}
	}
	// Two full epochs.
	assert.Equal(t, map[string]int{"0001": 4, "0002": 2}, counts)
	assert.Equal(t, 2, p.Epoch())

	// Clear images are cached, hazed ones are not.
	for _, record := range clear.Records {
		assert.True(t, record.HasPixels())
	}
	for _, record := range hazed.Records {
		assert.False(t, record.HasPixels())
	}
}

// TestEndToEnd covers the scenario of 4 hazed images of 2 scenes, a batch of 2 and 1 device:
// the first batch pairs each hazed image with its own scene's clear image.
// Distinct scenes within the first batch only hold for sequential mode with a single worker, where the
// scene interleaving is preserved; TestEndToEndShuffled covers the default configuration.
func TestEndToEnd(t *testing.T) {
	hazed, clear := buildDataset(t,
		[]string{"0001_a.png", "0001_b.png", "0002_a.png", "0002_b.png"},
		[]string{"0001.png", "0002.png"}, 4, 4)
	p, err := New(hazed, clear).Shape(4, 4).Seed(1).Done()
	require.NoError(t, err)

	ctx := context.Background()
	q, err := batching.New(p).Mode(batching.Sequential).BatchSize(2).Workers(1).
		MinFill(batching.MinQueueExamples(p.Len(), batching.DefaultMinFraction)).
		Timeout(10 * time.Second).Start(ctx)
	require.NoError(t, err)
	defer q.Close(time.Second)

	batch, err := q.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, batch.Size)
	assert.ElementsMatch(t, []string{"0001", "0002"}, batch.Indices)
	for ii, index := range batch.Indices {
		pixels, err := clear.Clear[index].LoadPixels(Decode, false)
		require.NoError(t, err)
		want := tensors.FromPixels(pixels.Pix, 4, 4, DefaultTargetScale)
		assert.True(t, want.AllClose(batch.Clear[ii], 1e-12), "clear target of example %d is not the image of scene %s", ii, index)
	}
}

// TestEndToEndShuffled uses shuffled mode with several workers: batches may hold two variants of the same scene,
// but every example is still paired with its own scene's clear image.
func TestEndToEndShuffled(t *testing.T) {
	hazed, clear := buildDataset(t,
		[]string{"0001_a.png", "0001_b.png", "0002_a.png", "0002_b.png"},
		[]string{"0001.png", "0002.png"}, 4, 4)
	p, err := New(hazed, clear).Shape(4, 4).Shuffle(true).Seed(3).Done()
	require.NoError(t, err)

	ctx := context.Background()
	q, err := batching.New(p).BatchSize(2).Workers(3).Seed(5).
		MinFill(batching.MinQueueExamples(p.Len(), batching.DefaultMinFraction)).
		Timeout(10 * time.Second).Start(ctx)
	require.NoError(t, err)
	defer q.Close(time.Second)

	for step := 0; step < 4; step++ {
		batch, err := q.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, batch.Size)
		for ii, index := range batch.Indices {
			require.Contains(t, []string{"0001", "0002"}, index)
			pixels, err := clear.Clear[index].LoadPixels(Decode, false)
			require.NoError(t, err)
			want := tensors.FromPixels(pixels.Pix, 4, 4, DefaultTargetScale)
			assert.True(t, want.AllClose(batch.Clear[ii], 1e-12), "clear target of example %d is not the image of scene %s", ii, index)
		}
	}
}
