// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// dehaze_train trains a haze-removal CNN from pairs of hazed and clear images.
//
// Training data is either two image directories (-data_dir with the hazed images, -clear_dir with the clear
// ones, paired by the first -set index_length=4 characters of their names) or record files created with
// dehaze_records (-records). Checkpoints, summaries and the exported inference weights are written to -train_dir.
//
// Example:
//
//	dehaze_train -data_dir=~/data/hazed -clear_dir=~/data/clear -batch_size=16 -num_gpus=2 \
//	    -set="initial_learning_rate=0.001;checkpoint_every=500"
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/gomlx/dehaze/pkg/dehaze/batching"
	"github.com/gomlx/dehaze/pkg/dehaze/config"
	"github.com/gomlx/dehaze/pkg/ml/checkpoints"
	"github.com/gomlx/dehaze/pkg/ml/losses"
	"github.com/gomlx/dehaze/pkg/ml/model"
	"github.com/gomlx/dehaze/pkg/ml/optimizers"
	"github.com/gomlx/dehaze/pkg/ml/train"
	"github.com/gomlx/dehaze/pkg/ml/train/summaries"
	"github.com/gomlx/dehaze/ui/commandline"
	"github.com/gomlx/dehaze/ui/statusserver"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InferenceFile is written in the train directory at the end of training, with the moving averages of the
// model parameters.
const InferenceFile = "model-inference.bin"

func main() {
	klog.InitFlags(nil)
	cfg := config.Default()
	cfg.RegisterFlags(nil)
	flag.Parse()

	paramsSet, err := cfg.Finalize()
	if err != nil {
		klog.Exitf("%v", err)
	}
	klog.V(1).Infof("Constants set:\n%s", config.SprintSettings(&cfg.Constants, paramsSet))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	must.M(run(ctx, cfg, paramsSet))
}

func run(ctx context.Context, cfg *config.Config, paramsSet []string) error {
	data, err := openDataset(cfg)
	if err != nil {
		return err
	}
	defer data.Close()
	if err = cfg.ValidateDataset(data.Len); err != nil {
		return err
	}
	examplesPerEpoch := cfg.EffectiveExamplesPerEpoch(data.Len)

	mode := batching.Sequential
	if cfg.Shuffle {
		mode = batching.Shuffled
	}
	queue, err := batching.New(data.Producer).
		Mode(mode).
		BatchSize(cfg.BatchSize).
		MinFill(batching.MinQueueExamples(examplesPerEpoch, cfg.MinFractionOfExamplesInQueue)).
		Workers(cfg.Workers).
		Timeout(cfg.QueueTimeout).
		Seed(cfg.Seed).
		WithProgressBar(cfg.Progress).
		Start(ctx)
	if err != nil {
		return err
	}

	m := model.NewResidualCNN(cfg.ModelChannels, cfg.Seed)
	schedule := optimizers.ExponentialDecay{
		Initial:    cfg.InitialLearningRate,
		Factor:     cfg.LearningRateDecayFactor,
		DecaySteps: optimizers.DecaySteps(examplesPerEpoch, cfg.BatchSize, cfg.NumEpochsPerDecay),
		Staircase:  true,
	}
	adam := optimizers.Adam().Betas(cfg.AdamBeta1, cfg.AdamBeta2).Epsilon(cfg.AdamEpsilon)
	tc := train.NewTrainingContext(m, adam, schedule, cfg.MovingAverageDecay)

	ids, err := cfg.DeviceIDs()
	if err != nil {
		_ = queue.Close(cfg.StopGracePeriod)
		return err
	}
	devices := train.NewCPUDevices(cfg.TowerName, ids, m, losses.MeanSquaredError{})
	if cfg.LogDevicePlacement {
		train.LogDevicePlacement(devices)
	}

	keep := cfg.CheckpointsToKeep
	if keep == 0 {
		keep = -1 // Keep all.
	}
	handler, err := checkpoints.Build(cfg.TrainDir).Keep(keep).Done()
	if err != nil {
		_ = queue.Close(cfg.StopGracePeriod)
		return err
	}

	trainer := train.New(tc, devices, queue).
		Steps(train.StepBudget(data.Len, cfg.BatchSize, cfg.MaxSteps)).
		LogEvery(cfg.LogEvery).
		Checkpoints(handler, cfg.CheckpointEvery, cfg.Restore).
		GracePeriod(cfg.StopGracePeriod)

	writer, err := summaries.New(filepath.Join(cfg.TrainDir, summaries.DirName))
	if err != nil {
		_ = queue.Close(cfg.StopGracePeriod)
		return err
	}
	summaries.Attach(trainer, writer, cfg.LogEvery, cfg.SummaryEvery)

	if cfg.Progress {
		commandline.AttachProgressBar(trainer, func() (string, string) {
			stats := queue.Stats()
			return "Queue", fmt.Sprintf("%d / %d examples", stats.Size, stats.Capacity)
		})
	}
	if cfg.HTTPAddr != "" {
		server := statusserver.New(trainer).WithQueueStats(queue.Stats)
		if _, err = server.Start(cfg.HTTPAddr); err != nil {
			_ = queue.Close(cfg.StopGracePeriod)
			return err
		}
		statusserver.Attach(trainer, server, cfg.LogEvery)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Close(shutdownCtx); err != nil {
				klog.Warningf("%v", err)
			}
		}()
	}

	fmt.Println(commandline.ConfigTable(cfg, paramsSet))
	err = trainer.Run(ctx)
	fmt.Println(commandline.RunReport(trainer))
	if err != nil {
		if errors.Is(err, train.ErrDiverged) {
			klog.Errorf("Training diverged, the last checkpoint in %s is %q", cfg.TrainDir, trainer.LastCheckpoint())
		}
		return err
	}

	inferencePath := filepath.Join(cfg.TrainDir, InferenceFile)
	if err = checkpoints.ExportInference(inferencePath, m.Name(), tc.Step, tc.RunID, tc.InferenceVariables()); err != nil {
		return err
	}
	klog.Infof("Inference weights (moving averages) exported to %s", inferencePath)
	return nil
}
