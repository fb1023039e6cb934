// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/dehaze/pkg/dehaze/config"
	"github.com/gomlx/dehaze/pkg/ml/train"
)

var titleStyle = lipgloss.NewStyle().Bold(true).PaddingLeft(1)

// newTable returns a two-column (name, value) table in the style of the progress bar.
func newTable(rows [][2]string) *lgtable.Table {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	for _, row := range rows {
		table.Row(row[0], row[1])
	}
	return table
}

// ConfigTable renders the main options of a training run, including the constants overridden in paramsSet.
func ConfigTable(cfg *config.Config, paramsSet []string) string {
	data := cfg.HazedDir + " + " + cfg.ClearDir
	if cfg.Records != "" {
		data = cfg.Records
	}
	rows := [][2]string{
		{"Data", data},
		{"Train dir", cfg.TrainDir},
		{"Image shape", fmt.Sprintf("%dx%dx3", cfg.InputImageHeight, cfg.InputImageWidth)},
		{"Batch size", fmt.Sprintf("%s x %d devices", humanize.Comma(int64(cfg.BatchSize)), cfg.NumDevices)},
		{"Shuffle", fmt.Sprintf("%v", cfg.Shuffle)},
		{"Restore", fmt.Sprintf("%v", cfg.Restore)},
	}
	if cfg.MaxSteps > 0 {
		rows = append(rows, [2]string{"Max steps", humanize.Comma(int64(cfg.MaxSteps))})
	}
	params := cfg.Constants.Params()
	for _, name := range paramsSet {
		if ptr, found := params[name]; found {
			rows = append(rows, [2]string{name, fmt.Sprintf("%v", derefParam(ptr))})
		}
	}
	return titleStyle.Render("Training configuration") + "\n" + newTable(rows).String()
}

func derefParam(ptr any) any {
	switch p := ptr.(type) {
	case *int:
		return *p
	case *float64:
		return *p
	case *string:
		return *p
	case *time.Duration:
		return *p
	default:
		return ptr
	}
}

// RunReport renders the summary of a finished (or interrupted) training run.
func RunReport(trainer *train.Trainer) string {
	tc := trainer.Context()
	stepsRun := tc.Step - trainer.StartStep()
	rows := [][2]string{
		{"Run", tc.RunID},
		{"Model", fmt.Sprintf("%s (%s parameters)", tc.Model.Name(), humanize.Comma(int64(numParameters(tc))))},
		{"Global step", fmt.Sprintf("%s of %s", humanize.Comma(int64(tc.Step)), humanize.Comma(int64(trainer.EndStep())))},
		{"Steps run", humanize.Comma(int64(stepsRun))},
		{"Phase", trainer.Phase().String()},
	}
	if stats, ok := trainer.LastStats(); ok {
		rows = append(rows,
			[2]string{"Last loss", fmt.Sprintf("%.4f", stats.Loss)},
			[2]string{"Learning rate", fmt.Sprintf("%.3g", stats.LearningRate)},
			[2]string{"Median train step duration", FormatDuration(trainer.MedianStepDuration())},
			[2]string{"Examples processed", humanize.Comma(int64(stepsRun * stats.Examples))},
		)
	}
	if ckpt := trainer.LastCheckpoint(); ckpt != "" {
		rows = append(rows, [2]string{"Last checkpoint", ckpt})
	}
	return titleStyle.Render("Training report") + "\n" + newTable(rows).String()
}

func numParameters(tc *train.TrainingContext) int {
	var n int
	for _, p := range tc.Params() {
		n += p.Size()
	}
	return n
}
