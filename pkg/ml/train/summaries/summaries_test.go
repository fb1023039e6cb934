// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package summaries

import (
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/gomlx/dehaze/pkg/dehaze/batching"
	"github.com/gomlx/dehaze/pkg/ml/model"
	"github.com/gomlx/dehaze/pkg/ml/train"
	"github.com/gomlx/dehaze/pkg/support/fsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertExists(t *testing.T, path string, want bool) {
	exists, err := fsutil.FileExists(path)
	require.NoError(t, err)
	assert.Equal(t, want, exists, path)
}

func TestMetricsTable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "summaries")
	w, err := New(dir)
	require.NoError(t, err)
	require.NoError(t, w.WriteCSV())
	assertExists(t, filepath.Join(dir, MetricsFile), false)

	for step := range 5 {
		w.Add(train.StepStats{Step: step * 10, Loss: 1 / float64(step+1), LearningRate: 0.1, ExamplesPerSec: 100})
	}
	require.NoError(t, w.WriteCSV())
	require.NoError(t, w.WritePlot())
	assertExists(t, filepath.Join(dir, LossPlot), true)

	records, err := ReadMetrics(filepath.Join(dir, MetricsFile))
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, 40, records[4].Step)
	assert.InDelta(t, 0.2, records[4].Loss, 1e-9)
	assert.InDelta(t, 0.1, records[0].LearningRate, 1e-12)

	// A new writer continues the table, dropping what comes after a restored step.
	w2, err := New(dir)
	require.NoError(t, err)
	assert.Len(t, w2.Records(), 5)
	w2.Truncate(20)
	assert.Len(t, w2.Records(), 2)
}

func TestToImage(t *testing.T) {
	img := tensors.NewImage(1, 2)
	copy(img.Data(), []float64{-1, 0, 0.5, 1, 2, 0.25})
	clamped := ToImage(img, false)
	assert.Equal(t, uint8(0), clamped.NRGBAAt(0, 0).R)
	assert.Equal(t, uint8(128), clamped.NRGBAAt(0, 0).B)
	assert.Equal(t, uint8(255), clamped.NRGBAAt(1, 0).G)

	stretched := ToImage(img, true)
	assert.Equal(t, uint8(0), stretched.NRGBAAt(0, 0).R)
	assert.Equal(t, uint8(255), stretched.NRGBAAt(1, 0).G)
	assert.Equal(t, uint8(255), stretched.NRGBAAt(1, 0).A)
}

func TestWriteSample(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)
	hazed, target := tensors.NewImage(4, 5), tensors.NewImage(4, 5)
	for ii := range hazed.Data() {
		hazed.Data()[ii] = float64(ii%7) - 3
		target.Data()[ii] = float64(ii%5) / 4
	}
	batch, err := batching.NewBatch([]batching.Example{{Hazed: hazed, Clear: target, Index: "0001"}})
	require.NoError(t, err)

	path, err := w.WriteSample(12, model.NewResidualCNN(2, 1), batch)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(w.Dir(), "sample-step-00000012.png"), path)
	img, err := imaging.Open(path)
	require.NoError(t, err)
	assert.Equal(t, 15, img.Bounds().Dx())
	assert.Equal(t, 4, img.Bounds().Dy())

	_, err = w.WriteSample(12, model.NewResidualCNN(2, 1), nil)
	require.Error(t, err)
}
