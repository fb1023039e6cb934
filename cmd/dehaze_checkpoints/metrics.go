// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/dehaze/pkg/ml/train/summaries"
	"github.com/gomlx/dehaze/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Metric is one of the columns of the summaries metrics table.
type Metric struct {
	Name   string
	Format func(r summaries.Record) string
}

// AllMetrics recorded during training, in display order.
var AllMetrics = []Metric{
	{summaries.ColLoss, func(r summaries.Record) string { return fmt.Sprintf("%.4g", r.Loss) }},
	{summaries.ColLearningRate, func(r summaries.Record) string { return fmt.Sprintf("%.3g", r.LearningRate) }},
	{summaries.ColExamplesPerSec, func(r summaries.Record) string { return fmt.Sprintf("%.1f", r.ExamplesPerSec) }},
}

// SelectMetrics returns the metrics whose name matches the regular expression, or all if it is empty.
func SelectMetrics(expr string) ([]Metric, error) {
	if expr == "" {
		return AllMetrics, nil
	}
	matcher, err := regexp.Compile(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid metrics names matcher %q", expr)
	}
	var selected []Metric
	for _, m := range AllMetrics {
		if matcher.MatchString(m.Name) {
			selected = append(selected, m)
		}
	}
	return selected, nil
}

// LoadMetrics reads the metrics table of each run. Runs without one get no records.
func LoadMetrics(runs []*Run) ([][]summaries.Record, error) {
	records := make([][]summaries.Record, len(runs))
	for ii, r := range runs {
		path := filepath.Join(r.Dir, summaries.DirName, summaries.MetricsFile)
		exists, err := fsutil.FileExists(path)
		if err != nil {
			return nil, err
		}
		if !exists {
			klog.Warningf("No metrics found in %q", path)
			continue
		}
		if records[ii], err = summaries.ReadMetrics(path); err != nil {
			return nil, err
		}
	}
	return records, nil
}

// Metrics reports the metrics of all runs, merged by global step. Only one in every `every` rows is shown,
// plus the last one.
func Metrics(runs []*Run, records [][]summaries.Record, metrics []Metric, every int) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render("Metrics Table") + "\n")
	table := newPlainTable(true, lipgloss.Right)
	header := []string{"Global Step"}
	for _, r := range runs {
		for _, m := range metrics {
			if len(runs) == 1 {
				header = append(header, m.Name)
			} else {
				header = append(header, fmt.Sprintf("%s: %s", r.Label, m.Name))
			}
		}
	}
	table.Headers(header...)

	// Merge the records of all runs, one step at a time.
	indices := make([]int, len(runs))
	nextStep := func() int {
		step := -1
		for ii, rs := range records {
			if indices[ii] < len(rs) && (step == -1 || rs[indices[ii]].Step < step) {
				step = rs[indices[ii]].Step
			}
		}
		return step
	}
	var rows [][]string
	for step := nextStep(); step != -1; step = nextStep() {
		row := make([]string, 1, len(header))
		row[0] = humanize.Comma(int64(step))
		for ii, rs := range records {
			var record *summaries.Record
			for indices[ii] < len(rs) && rs[indices[ii]].Step == step {
				record = &rs[indices[ii]]
				indices[ii]++
			}
			for _, m := range metrics {
				if record == nil {
					row = append(row, "")
				} else {
					row = append(row, m.Format(*record))
				}
			}
		}
		rows = append(rows, row)
	}
	every = max(every, 1)
	for ii, row := range rows {
		if ii%every == 0 || ii == len(rows)-1 {
			table.Row(row...)
		}
	}
	sb.WriteString(table.Render() + "\n")
	return sb.String()
}
