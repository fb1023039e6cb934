// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"math"

	"github.com/gomlx/dehaze/pkg/ml/train/summaries"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// PlotLoss writes to path (the extension selects the format, e.g. ".png" or ".svg") a plot with the loss of
// every run, on a log scale. It returns false if there is nothing to plot.
func PlotLoss(runs []*Run, records [][]summaries.Record, path string) (bool, error) {
	p := plot.New()
	p.Title.Text = "Training loss"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"
	p.Y.Scale = plot.LogScale{}
	p.Y.Tick.Marker = plot.LogTicks{Prec: -1}
	p.Add(plotter.NewGrid())
	p.Legend.Top = true

	var numLines int
	for ii, rs := range records {
		points := make(plotter.XYs, 0, len(rs))
		for _, r := range rs {
			if r.Loss <= 0 || math.IsNaN(r.Loss) || math.IsInf(r.Loss, 0) {
				continue
			}
			points = append(points, plotter.XY{X: float64(r.Step), Y: r.Loss})
		}
		if len(points) == 0 {
			continue
		}
		line, err := plotter.NewLine(points)
		if err != nil {
			return false, errors.Wrapf(err, "failed to create loss line of %s", runs[ii].Label)
		}
		line.Width = vg.Points(1.5)
		line.Color = plotutil.Color(ii)
		line.Dashes = plotutil.Dashes(ii)
		p.Add(line)
		p.Legend.Add(runs[ii].Label, line)
		numLines++
	}
	if numLines == 0 {
		return false, nil
	}
	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return false, errors.Wrapf(err, "failed to save plot to %s", path)
	}
	return true, nil
}
