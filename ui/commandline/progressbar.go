// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/dehaze/pkg/ml/train"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// RefreshPeriod is the time between terminal updates.
var RefreshPeriod = time.Second * 3

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// progressBar holds a progressbar being displayed.
type progressBar struct {
	out              io.Writer
	lastStepReported int
	bar              *progressbar.ProgressBar

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "dehaze.ui.commandline.progressBar"

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

func (pBar *progressBar) onStart(trainer *train.Trainer) error {
	pBar.lastStepReported = trainer.StartStep()
	numSteps := max(trainer.EndStep()-trainer.StartStep(), 0)
	pBar.bar = progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar.out),
	)
	pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
	pBar.asyncUpdatesDone.Add(1)
	go pBar.drawLoop()
	return nil
}

// drawLoop asynchronously draws the updates: training can be faster than the terminal, in particular
// over a slow remote connection.
func (pBar *progressBar) drawLoop() {
	defer pBar.asyncUpdatesDone.Done()
	for update := range pBar.updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-pBar.updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}
		for _, extraMetric := range pBar.extraMetricFns {
			name, value := extraMetric()
			pBar.statsTable.Row(name, value)
		}

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			numLinesToBackup := len(update.rows) + len(pBar.extraMetricFns) + 2 + 2
			pBar.termenv.CursorPrevLine(numLinesToBackup)
		}
		pBar.isFirstOutput = false

		_, _ = fmt.Fprintln(pBar.out, pBar.statsStyle.Render(pBar.statsTable.String()))
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.out)
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

func (pBar *progressBar) onStep(trainer *train.Trainer, stats train.StepStats) error {
	if pBar.bar == nil || pBar.bar.IsFinished() {
		return nil
	}
	// +1 because the current step is finished.
	amount := stats.Step + 1 - pBar.lastStepReported
	if amount <= 0 {
		return nil
	}
	pBar.updates <- progressBarUpdate{
		amount: amount,
		rows: [][2]string{
			{"Global Step", fmt.Sprintf("%s of %s", humanize.Comma(int64(stats.Step)), humanize.Comma(int64(trainer.EndStep())))},
			{"Median train step duration", FormatDuration(trainer.MedianStepDuration())},
			{"ETA", FormatETA(time.Now(), trainer.EndStep()-stats.Step-1, trainer.MedianStepDuration())},
			{"Loss", fmt.Sprintf("%.4f", stats.Loss)},
			{"Learning rate", fmt.Sprintf("%.3g", stats.LearningRate)},
			{"Examples/sec", fmt.Sprintf("%.1f", stats.ExamplesPerSec)},
		},
	}
	pBar.lastStepReported = stats.Step + 1
	return nil
}

func (pBar *progressBar) onEnd(trainer *train.Trainer, stats train.StepStats) error {
	if _, ran := trainer.LastStats(); ran {
		// Report the steps since the last update.
		_ = pBar.onStep(trainer, stats)
	}
	if pBar.updates != nil {
		close(pBar.updates)
	}
	pBar.asyncUpdatesDone.Wait()
	pBar.termenv.ShowCursor()
	_, _ = fmt.Fprintln(pBar.out)
	return nil
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Trainer, so that
// when it runs it displays a progress bar with the progression and the step metrics.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(trainer *train.Trainer, extraMetrics ...ExtraMetricFn) {
	pBar := &progressBar{
		out:            os.Stdout,
		extraMetricFns: extraMetrics,
		isFirstOutput:  true,
		termenv:        termenv.NewOutput(os.Stdout),
		statsStyle:     lipgloss.NewStyle().PaddingLeft(8),
	}
	pBar.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	trainer.OnStart(ProgressBarName, 0, pBar.onStart)
	// Update at least 1000 times during training, or at least every RefreshPeriod.
	train.EveryNSteps(trainer, max(trainer.EndStep()/1000, 1), ProgressBarName, 0, pBar.onStep)
	train.PeriodicCallback(trainer, RefreshPeriod, false, ProgressBarName, 0, pBar.onStep)
	trainer.OnEnd(ProgressBarName, 0, pBar.onEnd)
}
