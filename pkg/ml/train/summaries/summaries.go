// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package summaries writes training summaries for external visualization: a CSV table of the
// step metrics, a plot of the loss and sample images of the model output.
//
// Files written in the summaries directory:
//
//   - metrics.csv: step, loss, learning_rate, examples_per_sec;
//   - loss.png: loss per step;
//   - sample-step-<step>.png: hazed input, model output and clear target side by side.
package summaries

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/gomlx/dehaze/pkg/dehaze/batching"
	"github.com/gomlx/dehaze/pkg/ml/model"
	"github.com/gomlx/dehaze/pkg/ml/train"
	"github.com/gomlx/dehaze/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// DirName is the subdirectory of the train directory holding the summaries.
const DirName = "summaries"

// File names in the summaries directory.
const (
	MetricsFile = "metrics.csv"
	LossPlot    = "loss.png"
)

// Column names of MetricsFile.
const (
	ColStep           = "step"
	ColLoss           = "loss"
	ColLearningRate   = "learning_rate"
	ColExamplesPerSec = "examples_per_sec"
)

// Record is one row of the metrics table.
type Record struct {
	Step           int
	Loss           float64
	LearningRate   float64
	ExamplesPerSec float64
}

// Writer accumulates records and writes the summaries files.
type Writer struct {
	dir string

	mu      sync.Mutex
	records []Record
}

// New creates a Writer for the directory, creating it if needed. Records of a previous run found in
// the directory are loaded, so a restored run continues the same table.
func New(dir string) (*Writer, error) {
	if err := fsutil.EnsureDir(dir); err != nil {
		return nil, err
	}
	w := &Writer{dir: dir}
	path := filepath.Join(dir, MetricsFile)
	exists, err := fsutil.FileExists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return w, nil
	}
	records, err := ReadMetrics(path)
	if err != nil {
		return nil, err
	}
	w.records = records
	klog.V(1).Infof("summaries: loaded %d records from %s", len(records), path)
	return w, nil
}

// Dir returns the summaries directory.
func (w *Writer) Dir() string { return w.dir }

// Records returns a copy of the records accumulated so far.
func (w *Writer) Records() []Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.records)
}

// Add a record for the step stats.
func (w *Writer) Add(stats train.StepStats) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, Record{
		Step:           stats.Step,
		Loss:           stats.Loss,
		LearningRate:   stats.LearningRate,
		ExamplesPerSec: stats.ExamplesPerSec,
	})
}

// Truncate drops the records at or after step: used when a run restarts from an earlier checkpoint.
func (w *Writer) Truncate(step int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = slices.DeleteFunc(w.records, func(r Record) bool { return r.Step >= step })
}

// dataFrame converts the records to a DataFrame.
func (w *Writer) dataFrame() dataframe.DataFrame {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.records)
	steps := make([]int, n)
	losses := make([]float64, n)
	lrs := make([]float64, n)
	throughput := make([]float64, n)
	for ii, r := range w.records {
		steps[ii], losses[ii], lrs[ii], throughput[ii] = r.Step, r.Loss, r.LearningRate, r.ExamplesPerSec
	}
	return dataframe.New(
		series.New(steps, series.Int, ColStep),
		series.New(losses, series.Float, ColLoss),
		series.New(lrs, series.Float, ColLearningRate),
		series.New(throughput, series.Float, ColExamplesPerSec),
	)
}

// WriteCSV writes the metrics table. Nothing is written if there are no records.
func (w *Writer) WriteCSV() error {
	if len(w.Records()) == 0 {
		return nil
	}
	df := w.dataFrame()
	if df.Err != nil {
		return errors.Wrap(df.Err, "summaries: failed to build metrics table")
	}
	path := filepath.Join(w.dir, MetricsFile)
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "summaries: failed to create %s", path)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "summaries: failed to write %s", path)
	}
	return errors.Wrapf(f.Close(), "summaries: failed to close %s", path)
}

// ReadMetrics reads a metrics table written by WriteCSV.
func ReadMetrics(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "summaries: failed to open %s", path)
	}
	defer func() { _ = f.Close() }()
	df := dataframe.ReadCSV(f, dataframe.WithTypes(map[string]series.Type{
		ColStep:           series.Int,
		ColLoss:           series.Float,
		ColLearningRate:   series.Float,
		ColExamplesPerSec: series.Float,
	}))
	if df.Err != nil {
		return nil, errors.Wrapf(df.Err, "summaries: failed to parse %s", path)
	}
	steps, err := df.Col(ColStep).Int()
	if err != nil {
		return nil, errors.Wrapf(err, "summaries: invalid %q column in %s", ColStep, path)
	}
	losses := df.Col(ColLoss).Float()
	lrs := df.Col(ColLearningRate).Float()
	throughput := df.Col(ColExamplesPerSec).Float()
	records := make([]Record, df.Nrow())
	for ii := range records {
		records[ii] = Record{Step: steps[ii], Loss: losses[ii], LearningRate: lrs[ii], ExamplesPerSec: throughput[ii]}
	}
	return records, nil
}

// WritePlot writes the plot of the loss per step. Non-finite losses are skipped.
func (w *Writer) WritePlot() error {
	records := w.Records()
	points := make(plotter.XYs, 0, len(records))
	for _, r := range records {
		if math.IsNaN(r.Loss) || math.IsInf(r.Loss, 0) {
			continue
		}
		points = append(points, plotter.XY{X: float64(r.Step), Y: r.Loss})
	}
	if len(points) == 0 {
		return nil
	}
	p := plot.New()
	p.Title.Text = "Training loss"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"
	p.Add(plotter.NewGrid())
	line, err := plotter.NewLine(points)
	if err != nil {
		return errors.Wrap(err, "summaries: failed to create loss line")
	}
	line.Width = vg.Points(1.5)
	line.Color = plotutil.Color(0)
	p.Add(line)
	path := filepath.Join(w.dir, LossPlot)
	if err = p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "summaries: failed to save %s", path)
	}
	return nil
}

// SampleFileName returns the file name of the sample image of a step.
func SampleFileName(step int) string {
	return fmt.Sprintf("sample-step-%08d.png", step)
}

// WriteSample runs the model on the first example of batch and writes the hazed input, the output and the
// clear target side by side. It returns the path of the image written.
func (w *Writer) WriteSample(step int, m model.Model, batch *batching.Batch) (string, error) {
	if batch == nil || batch.Size == 0 {
		return "", errors.New("summaries: no batch to sample from")
	}
	output, _ := m.Forward(batch.Hazed[0])
	// Hazed inputs are standardized, so they are stretched to the full range for display.
	panels := []image.Image{
		ToImage(batch.Hazed[0], true),
		ToImage(output, false),
		ToImage(batch.Clear[0], false),
	}
	height, width := batch.Height, batch.Width
	strip := imaging.New(3*width, height, color.Black)
	for ii, panel := range panels {
		strip = imaging.Paste(strip, panel, image.Pt(ii*width, 0))
	}
	path := filepath.Join(w.dir, SampleFileName(step))
	if err := imaging.Save(strip, path); err != nil {
		return "", errors.Wrapf(err, "summaries: failed to save sample %s", path)
	}
	return path, nil
}

// ToImage converts an image tensor to an RGB image. Values are taken in [0, 1] and clamped, or, if stretch
// is set, mapped linearly from the [min, max] range of the tensor.
func ToImage(t *tensors.Tensor, stretch bool) *image.NRGBA {
	height, width := t.ImageDims()
	data := t.Data()
	low, high := 0.0, 1.0
	if stretch && len(data) > 0 {
		low, high = slices.Min(data), slices.Max(data)
	}
	scale := 0.0
	if high > low {
		scale = 1 / (high - low)
	}
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			base := (y*width + x) * tensors.ImageChannels
			var c [tensors.ImageChannels]uint8
			for ch := range c {
				v := (data[base+ch] - low) * scale
				c[ch] = uint8(math.Round(255 * min(max(v, 0), 1)))
			}
			img.SetNRGBA(x, y, color.NRGBA{R: c[0], G: c[1], B: c[2], A: 255})
		}
	}
	return img
}

// Attach registers the summaries with the trainer: a record every recordEvery steps, and the files
// (metrics, plot and a sample image) every writeEvery steps and at the end of training.
func Attach(trainer *train.Trainer, w *Writer, recordEvery, writeEvery int) {
	const name = "summaries"
	trainer.OnStart(name, 0, func(t *train.Trainer) error {
		w.Truncate(t.StartStep())
		return nil
	})
	train.EveryNSteps(trainer, recordEvery, name, 0, func(_ *train.Trainer, stats train.StepStats) error {
		w.Add(stats)
		return nil
	})
	write := func(t *train.Trainer, stats train.StepStats) error {
		if err := w.WriteCSV(); err != nil {
			return err
		}
		if err := w.WritePlot(); err != nil {
			return err
		}
		if batch := t.LastBatch(); batch != nil {
			if _, err := w.WriteSample(stats.Step, t.Context().Model, batch); err != nil {
				return err
			}
		}
		klog.V(1).Infof("summaries written to %s at step %d", w.dir, stats.Step)
		return nil
	}
	train.EveryNSteps(trainer, writeEvery, name, 1, write)
	trainer.OnEnd(name, 0, write)
}
