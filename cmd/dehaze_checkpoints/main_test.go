// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/dehaze/pkg/ml/checkpoints"
	"github.com/gomlx/dehaze/pkg/ml/model"
	"github.com/gomlx/dehaze/pkg/ml/optimizers"
	"github.com/gomlx/dehaze/pkg/ml/train"
	"github.com/gomlx/dehaze/pkg/ml/train/summaries"
	"github.com/gomlx/dehaze/pkg/support/fsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTrainDir creates a training directory with one checkpoint at step and a metrics table.
func newTrainDir(t *testing.T, dir string, step int, lossScale float64) {
	t.Helper()
	m := model.NewResidualCNN(2, int64(step))
	tc := train.NewTrainingContext(m, optimizers.Adam(), optimizers.ExponentialDecay{Initial: 1e-3, Factor: 0.1, DecaySteps: 100}, 0.999)
	tc.Step = step
	handler, err := checkpoints.Build(dir).Done()
	require.NoError(t, err)
	_, err = tc.Save(handler)
	require.NoError(t, err)

	w, err := summaries.New(filepath.Join(dir, summaries.DirName))
	require.NoError(t, err)
	for s := 0; s < step; s += 10 {
		w.Add(train.StepStats{Step: s, Loss: lossScale / float64(s+1), LearningRate: 1e-3, ExamplesPerSec: 10})
	}
	require.NoError(t, w.WriteCSV())
}

func TestMinimalUniquePaths(t *testing.T) {
	assert.Equal(t, []string{"a"}, MinimalUniquePaths("a"))
	assert.Equal(t, []string{"run1", "run2"}, MinimalUniquePaths("/work/dehaze/run1", "/work/dehaze/run2"))
	assert.Equal(t, []string{"x...run1", "y...run2"}, MinimalUniquePaths("/work/x/run1", "/work/y/run2"))
	assert.Equal(t, []string{"run", "run"}, MinimalUniquePaths("/work/run", "/work/run"))
}

func TestReports(t *testing.T) {
	root := t.TempDir()
	dirs := []string{filepath.Join(root, "run1"), filepath.Join(root, "run2")}
	newTrainDir(t, dirs[0], 30, 1)
	newTrainDir(t, dirs[1], 50, 2)

	runs, err := LoadRuns(dirs, "")
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run1", runs[0].Label)
	assert.Equal(t, 30, runs[0].State.Step)
	assert.Equal(t, 50, runs[1].State.Step)

	summary := Summary(runs, "model")
	assert.Contains(t, summary, "residual_cnn_2")
	assert.Contains(t, summary, "run2")
	assert.Len(t, VariablesInScope(runs[0].State, "model"), 4)
	assert.Len(t, VariablesInScope(runs[0].State, "ema/"), 4)
	assert.Len(t, VariablesInScope(runs[0].State, "all"), 16)

	params := Params(runs)
	assert.Contains(t, params, train.ParamLearningRate)
	assert.Contains(t, params, train.ParamAdamStep)

	vars := Variables(runs[0], "model", true)
	assert.Contains(t, vars, "conv_1/weights")
	assert.Contains(t, vars, "MaxAV")

	records, err := LoadMetrics(runs)
	require.NoError(t, err)
	assert.Len(t, records[0], 3)
	assert.Len(t, records[1], 5)
	metrics, err := SelectMetrics("^loss$")
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	table := Metrics(runs, records, metrics, 1)
	assert.Contains(t, table, "run2: loss")
	assert.Contains(t, table, "40")
	_, err = SelectMetrics("(")
	require.Error(t, err)

	plotPath := filepath.Join(root, "loss.png")
	plotted, err := PlotLoss(runs, records, plotPath)
	require.NoError(t, err)
	assert.True(t, plotted)
	exists, err := fsutil.FileExists(plotPath)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = LoadRuns([]string{filepath.Join(root, "missing")}, "")
	require.Error(t, err)
}

func TestComputeStats(t *testing.T) {
	stats := ComputeStats([]float64{-3, 4})
	assert.InDelta(t, 3.5, stats.MAV, 1e-12)
	assert.InDelta(t, 5/1.4142135623730951, stats.RMS, 1e-12)
	assert.Equal(t, 4.0, stats.MaxAV)
	assert.Equal(t, VariableStats{}, ComputeStats(nil))
}

func TestEditAndExport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "run")
	newTrainDir(t, dir, 20, 1)
	r, err := LoadRun(dir, "")
	require.NoError(t, err)
	original := r.Checkpoint

	deleted, err := DeleteVars(r, "adam/", "")
	require.NoError(t, err)
	assert.Equal(t, 8, deleted)
	assert.NotEqual(t, original, r.Checkpoint)
	reloaded, err := LoadRun(dir, "")
	require.NoError(t, err)
	assert.Len(t, reloaded.State.Variables, 8)
	for _, v := range reloaded.State.Variables {
		assert.False(t, strings.HasPrefix(v.Name, "adam/"), v.Name)
	}

	before := reloaded.State.Variables[0].Value.Clone()
	perturbed, err := PerturbVars(reloaded, "model", 0.1, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, perturbed)
	after := reloaded.State.Variables[0].Value
	for ii, v := range before.Data() {
		assert.InDelta(t, v, after.Data()[ii], 0.1*abs(v)+1e-12)
	}
	_, err = PerturbVars(reloaded, "model", 0, 1)
	require.Error(t, err)

	exportPath := filepath.Join(t.TempDir(), "inference.bin")
	exported, err := Export(reloaded, exportPath, false)
	require.NoError(t, err)
	assert.Equal(t, 4, exported)
	modelName, step, vars, err := checkpoints.ReadInference(exportPath)
	require.NoError(t, err)
	assert.Equal(t, "residual_cnn_2", modelName)
	assert.Equal(t, 20, step)
	require.Len(t, vars, 4)
	assert.False(t, strings.HasPrefix(vars[0].Name, train.MovingAveragePrefix))
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
