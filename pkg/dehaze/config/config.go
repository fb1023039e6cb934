// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the configuration of a training run: the command-line Flags and the tuning Constants,
// which can be overridden with a settings string (see ParseSettings).
package config

import (
	"flag"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/dehaze/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// ErrInvalidConfig is returned (wrapped) for any configuration error, always detected before training starts.
var ErrInvalidConfig = errors.New("invalid configuration")

// Flags are the per-run options given on the command line.
type Flags struct {
	BatchSize          int
	InputImageHeight   int
	InputImageWidth    int
	NumDevices         int
	TrainDir           string
	HazedDir, ClearDir string
	Records            string
	Restore            bool
	MaxSteps           int
	LogDevicePlacement bool
	AllowGrowth        bool
	MemoryFraction     float64
	VisibleDevices     string
	Workers            int
	Shuffle            bool
	QueueTimeout       time.Duration
	HTTPAddr           string
	Progress           bool
	Seed               int64
	Settings           string
}

// DefaultFlags returns the default Flags.
func DefaultFlags() Flags {
	return Flags{
		BatchSize:        32,
		InputImageHeight: 224,
		InputImageWidth:  224,
		NumDevices:       1,
		TrainDir:         "~/work/dehaze",
		MemoryFraction:   1.0,
		Shuffle:          true,
		QueueTimeout:     5 * time.Minute,
		Progress:         true,
	}
}

// Constants tune the training. They have sensible defaults (see DefaultConstants) and are overridden
// with the "-set" flag.
type Constants struct {
	// ExamplesPerEpoch used for the learning-rate schedule and the queue minimum fill.
	// If 0 the number of hazed images (or record entries) is used.
	ExamplesPerEpoch             int
	NumEpochsPerDecay            float64
	InitialLearningRate          float64
	LearningRateDecayFactor      float64
	MovingAverageDecay           float64
	TowerName                    string
	StopGracePeriod              time.Duration
	MinFractionOfExamplesInQueue float64
	LogEvery                     int
	SummaryEvery                 int
	CheckpointEvery              int
	CheckpointsToKeep            int
	IndexLength                  int
	ModelChannels                int
	AdamBeta1, AdamBeta2         float64
	AdamEpsilon                  float64
}

// DefaultConstants returns the default Constants.
func DefaultConstants() Constants {
	return Constants{
		NumEpochsPerDecay:            10,
		InitialLearningRate:          1e-3,
		LearningRateDecayFactor:      0.1,
		MovingAverageDecay:           0.9999,
		TowerName:                    "tower",
		StopGracePeriod:              10 * time.Second,
		MinFractionOfExamplesInQueue: 0.4,
		LogEvery:                     10,
		SummaryEvery:                 1000,
		CheckpointEvery:              1000,
		CheckpointsToKeep:            5,
		IndexLength:                  4,
		ModelChannels:                16,
		AdamBeta1:                    0.9,
		AdamBeta2:                    0.999,
		AdamEpsilon:                  1e-8,
	}
}

// Params maps the settings names of the constants to pointers to their values.
func (c *Constants) Params() map[string]any {
	return map[string]any{
		"examples_per_epoch":                &c.ExamplesPerEpoch,
		"num_epochs_per_decay":              &c.NumEpochsPerDecay,
		"initial_learning_rate":             &c.InitialLearningRate,
		"learning_rate_decay_factor":        &c.LearningRateDecayFactor,
		"moving_average_decay":              &c.MovingAverageDecay,
		"tower_name":                        &c.TowerName,
		"stop_grace_period":                 &c.StopGracePeriod,
		"min_fraction_of_examples_in_queue": &c.MinFractionOfExamplesInQueue,
		"log_every":                         &c.LogEvery,
		"summary_every":                     &c.SummaryEvery,
		"checkpoint_every":                  &c.CheckpointEvery,
		"checkpoints_to_keep":               &c.CheckpointsToKeep,
		"index_length":                      &c.IndexLength,
		"model_channels":                    &c.ModelChannels,
		"adam_beta1":                        &c.AdamBeta1,
		"adam_beta2":                        &c.AdamBeta2,
		"adam_epsilon":                      &c.AdamEpsilon,
	}
}

// Config is the complete configuration of a training run.
type Config struct {
	Flags
	Constants
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{Flags: DefaultFlags(), Constants: DefaultConstants()}
}

// RegisterFlags defines the command-line flags in fs (flag.CommandLine if nil), bound to the fields of c.
// The current values of c are used as defaults.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	if fs == nil {
		fs = flag.CommandLine
	}
	f := &c.Flags
	fs.IntVar(&f.BatchSize, "batch_size", f.BatchSize, "Number of examples per batch, per device.")
	fs.IntVar(&f.InputImageHeight, "input_image_height", f.InputImageHeight, "Height of the training images.")
	fs.IntVar(&f.InputImageWidth, "input_image_width", f.InputImageWidth, "Width of the training images.")
	fs.IntVar(&f.NumDevices, "num_gpus", f.NumDevices, "Number of devices (towers) to train on in parallel.")
	fs.StringVar(&f.TrainDir, "train_dir", f.TrainDir, "Directory where to write checkpoints and summaries.")
	fs.StringVar(&f.HazedDir, "data_dir", f.HazedDir, "Directory with the hazed training images.")
	fs.StringVar(&f.ClearDir, "clear_dir", f.ClearDir, "Directory with the clear (ground-truth) images.")
	fs.StringVar(&f.Records, "records", f.Records,
		"Comma-separated list of record files (glob patterns accepted) to train from, instead of -data_dir/-clear_dir.")
	fs.BoolVar(&f.Restore, "restore", f.Restore, "Restore the latest checkpoint from -train_dir, if there is one.")
	fs.IntVar(&f.MaxSteps, "max_steps", f.MaxSteps, "If > 0, maximum number of training steps.")
	fs.BoolVar(&f.LogDevicePlacement, "log_device_placement", f.LogDevicePlacement, "Log the placement of each tower.")
	fs.BoolVar(&f.AllowGrowth, "allow_growth", f.AllowGrowth, "Allocate device buffers on demand.")
	fs.Float64Var(&f.MemoryFraction, "memory_fraction", f.MemoryFraction,
		"Fraction of the device memory the process may use, in (0, 1].")
	fs.StringVar(&f.VisibleDevices, "visible_devices", f.VisibleDevices,
		"Comma-separated list of device ids to use. Empty means the first -num_gpus devices.")
	fs.IntVar(&f.Workers, "workers", f.Workers, "Number of goroutines producing examples. 0 means number of CPUs.")
	fs.BoolVar(&f.Shuffle, "shuffle", f.Shuffle, "Shuffle examples. If false batches are released in arrival order.")
	fs.DurationVar(&f.QueueTimeout, "queue_timeout", f.QueueTimeout, "Maximum wait for a batch without any new example being produced. 0 waits forever.")
	fs.StringVar(&f.HTTPAddr, "http", f.HTTPAddr, "If set, address (e.g. \":8080\") of the training status server.")
	fs.BoolVar(&f.Progress, "progress", f.Progress, "Display progress bars on the terminal.")
	fs.Int64Var(&f.Seed, "seed", f.Seed, "Random seed. 0 uses the current time.")
	fs.StringVar(&f.Settings, "set", f.Settings, SettingsUsage(&c.Constants))
}

// Finalize parses the "-set" settings, expands "~" in paths and validates the configuration.
// It returns the names of the constants that were set.
func (c *Config) Finalize() (paramsSet []string, err error) {
	paramsSet, err = ParseSettings(&c.Constants, c.Settings)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	for _, dir := range []*string{&c.TrainDir, &c.HazedDir, &c.ClearDir} {
		*dir, err = fsutil.ReplaceTildeInDir(*dir)
		if err != nil {
			return nil, errors.Wrap(ErrInvalidConfig, err.Error())
		}
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return paramsSet, c.Validate()
}

func invalidf(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidConfig, format, args...)
}

// Validate checks the configuration. Directory checks only look for existence.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return invalidf("batch_size must be > 0, got %d", c.BatchSize)
	}
	if c.InputImageHeight <= 0 || c.InputImageWidth <= 0 {
		return invalidf("input image shape must be > 0, got %dx%d", c.InputImageHeight, c.InputImageWidth)
	}
	if c.NumDevices < 1 {
		return invalidf("num_gpus must be >= 1, got %d", c.NumDevices)
	}
	if c.MemoryFraction <= 0 || c.MemoryFraction > 1 {
		return invalidf("memory_fraction must be in (0, 1], got %g", c.MemoryFraction)
	}
	if c.MaxSteps < 0 {
		return invalidf("max_steps must be >= 0, got %d", c.MaxSteps)
	}
	if c.Workers < 0 {
		return invalidf("workers must be >= 0, got %d", c.Workers)
	}
	if c.TrainDir == "" {
		return invalidf("train_dir must be set")
	}
	if _, err := c.DeviceIDs(); err != nil {
		return err
	}
	if c.Records == "" {
		for _, dir := range []struct{ flag, path string }{{"data_dir", c.HazedDir}, {"clear_dir", c.ClearDir}} {
			if dir.path == "" {
				return invalidf("%s must be set (or use -records)", dir.flag)
			}
			isDir, err := fsutil.IsDir(dir.path)
			if err != nil {
				return invalidf("%s: %v", dir.flag, err)
			}
			if !isDir {
				return invalidf("%s=%q is not a directory", dir.flag, dir.path)
			}
		}
	}
	return c.Constants.Validate()
}

// Validate checks the constants.
func (c *Constants) Validate() error {
	if c.ExamplesPerEpoch < 0 {
		return invalidf("examples_per_epoch must be >= 0, got %d", c.ExamplesPerEpoch)
	}
	if c.NumEpochsPerDecay <= 0 {
		return invalidf("num_epochs_per_decay must be > 0, got %g", c.NumEpochsPerDecay)
	}
	if c.InitialLearningRate <= 0 {
		return invalidf("initial_learning_rate must be > 0, got %g", c.InitialLearningRate)
	}
	if c.LearningRateDecayFactor <= 0 || c.LearningRateDecayFactor > 1 {
		return invalidf("learning_rate_decay_factor must be in (0, 1], got %g", c.LearningRateDecayFactor)
	}
	if c.MovingAverageDecay < 0 || c.MovingAverageDecay >= 1 {
		return invalidf("moving_average_decay must be in [0, 1), got %g", c.MovingAverageDecay)
	}
	if c.TowerName == "" {
		return invalidf("tower_name must be set")
	}
	if c.MinFractionOfExamplesInQueue < 0 || c.MinFractionOfExamplesInQueue > 1 {
		return invalidf("min_fraction_of_examples_in_queue must be in [0, 1], got %g", c.MinFractionOfExamplesInQueue)
	}
	for name, value := range map[string]int{
		"log_every": c.LogEvery, "summary_every": c.SummaryEvery, "checkpoint_every": c.CheckpointEvery,
		"index_length": c.IndexLength, "model_channels": c.ModelChannels,
	} {
		if value <= 0 {
			return invalidf("%s must be > 0, got %d", name, value)
		}
	}
	if c.CheckpointsToKeep < 0 {
		return invalidf("checkpoints_to_keep must be >= 0, got %d", c.CheckpointsToKeep)
	}
	return nil
}

// ValidateDataset checks the configuration against the number of examples found.
func (c *Config) ValidateDataset(numExamples int) error {
	if numExamples < c.BatchSize {
		return invalidf("batch_size=%d is larger than the dataset (%d examples)", c.BatchSize, numExamples)
	}
	if c.EffectiveExamplesPerEpoch(numExamples) < c.BatchSize {
		return invalidf("examples_per_epoch=%d is smaller than batch_size=%d", c.ExamplesPerEpoch, c.BatchSize)
	}
	return nil
}

// EffectiveExamplesPerEpoch returns ExamplesPerEpoch, or numExamples if it is not set.
func (c *Constants) EffectiveExamplesPerEpoch(numExamples int) int {
	if c.ExamplesPerEpoch > 0 {
		return c.ExamplesPerEpoch
	}
	return numExamples
}

// DeviceIDs returns the ids of the devices to use: the first NumDevices entries of VisibleDevices,
// or 0..NumDevices-1 if VisibleDevices is empty.
func (c *Flags) DeviceIDs() ([]int, error) {
	if c.VisibleDevices == "" {
		ids := make([]int, c.NumDevices)
		for ii := range ids {
			ids[ii] = ii
		}
		return ids, nil
	}
	var ids []int
	seen := make(map[int]bool)
	for _, part := range strings.Split(c.VisibleDevices, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || id < 0 {
			return nil, invalidf("visible_devices=%q: invalid device id %q", c.VisibleDevices, part)
		}
		if seen[id] {
			return nil, invalidf("visible_devices=%q: device %d listed twice", c.VisibleDevices, id)
		}
		seen[id] = true
		ids = append(ids, id)
	}
	if len(ids) < c.NumDevices {
		return nil, invalidf("num_gpus=%d but only %d visible devices (%q)", c.NumDevices, len(ids), c.VisibleDevices)
	}
	return ids[:c.NumDevices], nil
}
