// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/gomlx/dehaze/pkg/dehaze/batching"
	"github.com/gomlx/dehaze/pkg/dehaze/config"
	"github.com/gomlx/dehaze/pkg/ml/losses"
	"github.com/gomlx/dehaze/pkg/ml/model"
	"github.com/gomlx/dehaze/pkg/ml/optimizers"
	"github.com/gomlx/dehaze/pkg/ml/train"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.50s", FormatDuration(1500*time.Millisecond))
	assert.Equal(t, "12.34ms", FormatDuration(12340*time.Microsecond))
	assert.Equal(t, "3.00µs", FormatDuration(3*time.Microsecond))
	assert.Equal(t, "2m5s", FormatDuration(2*time.Minute+5*time.Second+300*time.Millisecond))

	now := time.Now()
	assert.Equal(t, "1 hour from now", FormatETA(now, 3600, time.Second))
	assert.Equal(t, "now", FormatETA(now, 0, time.Second))
}

func TestConfigTable(t *testing.T) {
	cfg := config.Default()
	cfg.HazedDir, cfg.ClearDir = "/data/hazed", "/data/clear"
	cfg.MaxSteps = 12345
	_, err := config.ParseSettings(&cfg.Constants, "initial_learning_rate=0.01")
	require.NoError(t, err)
	table := ConfigTable(cfg, []string{"initial_learning_rate"})
	assert.Contains(t, table, "/data/hazed + /data/clear")
	assert.Contains(t, table, "224x224x3")
	assert.Contains(t, table, "12,345")
	assert.Contains(t, table, "initial_learning_rate")
	assert.Contains(t, table, "0.01")
}

// fixedSource always returns the same batch.
type fixedSource struct{ batch *batching.Batch }

func (s fixedSource) Next(context.Context) (*batching.Batch, error) { return s.batch, nil }

func TestRunReport(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	hazed, target := tensors.NewImage(3, 3), tensors.NewImage(3, 3)
	for ii := range hazed.Data() {
		hazed.Data()[ii] = rng.NormFloat64()
		target.Data()[ii] = rng.Float64()
	}
	batch, err := batching.NewBatch([]batching.Example{{Hazed: hazed, Clear: target, Index: "0001"}})
	require.NoError(t, err)

	m := model.NewResidualCNN(2, 1)
	tc := train.NewTrainingContext(m, optimizers.Adam(), optimizers.ExponentialDecay{Initial: 1e-3, Factor: 0.1, DecaySteps: 10}, 0.999)
	trainer := train.New(tc, train.NewCPUDevices("tower", []int{0}, m, losses.MeanSquaredError{}), fixedSource{batch}).Steps(3)
	require.NoError(t, trainer.Run(context.Background()))

	report := RunReport(trainer)
	assert.Contains(t, report, tc.RunID)
	assert.Contains(t, report, "residual_cnn_2")
	assert.Contains(t, report, "3 of 3")
	assert.Contains(t, report, "Stopped")
	assert.Contains(t, report, "Last loss")
}
