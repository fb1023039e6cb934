// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train runs the synchronous data-parallel training of a dehazing model.
//
// Each step pulls one batch per device, runs the towers concurrently, averages their gradients,
// applies Adam with an exponentially decaying learning rate and updates the moving averages of the
// parameters. Logging, checkpointing, summaries, progress bars and status servers attach to the
// Trainer through hooks.
package train

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/dehaze/internal/workerspool"
	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/gomlx/dehaze/pkg/dehaze/batching"
	"github.com/gomlx/dehaze/pkg/ml/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrDiverged is returned when the loss of a step is NaN or infinite.
var ErrDiverged = errors.New("model diverged")

// BatchSource provides the batches, one per device per step. batching.Queue implements it.
//
// If the source also implements `Close(grace time.Duration) bool`, it is closed when Run returns.
type BatchSource interface {
	Next(ctx context.Context) (*batching.Batch, error)
}

type batchSourceCloser interface {
	Close(grace time.Duration) bool
}

// Phase of a Trainer.
type Phase int32

const (
	PhaseUninitialized Phase = iota
	PhaseRestoring
	PhaseInitializing
	PhaseStepping
	PhaseStopped
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "Uninitialized"
	case PhaseRestoring:
		return "Restoring"
	case PhaseInitializing:
		return "Initializing"
	case PhaseStepping:
		return "Stepping"
	case PhaseStopped:
		return "Stopped"
	default:
		return fmt.Sprintf("Phase(%d)", int32(p))
	}
}

// StepStats describes one training step.
type StepStats struct {
	// Step is the global step of the update, that is, the number of updates applied before it.
	Step int

	// Loss averaged over the devices, and the loss of each device.
	Loss         float64
	DeviceLosses []float64

	// LearningRate used for the update.
	LearningRate float64

	// Examples processed by all devices.
	Examples int

	Duration       time.Duration
	ExamplesPerSec float64
	SecPerBatch    float64
}

// Trainer runs the training loop. Create it with New, configure it and call Run once.
type Trainer struct {
	tc      *TrainingContext
	devices []DeviceExecutor
	source  BatchSource
	pool    *workerspool.Pool

	checkpoints     *checkpoints.Handler
	restore         bool
	checkpointEvery int
	logEvery        int
	gracePeriod     time.Duration

	startStep, endStep int
	phase              atomic.Int32
	ran                atomic.Bool

	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]

	mu            sync.Mutex
	stepDurations []time.Duration
	lastStats     StepStats
	lastBatch     *batching.Batch
	lastCkpt      string
}

// New creates a Trainer for the training context, with one tower per device, pulling batches from source.
// By default, it runs until step 0 (nothing): set the budget with Steps.
func New(tc *TrainingContext, devices []DeviceExecutor, source BatchSource) *Trainer {
	t := &Trainer{
		tc:              tc,
		devices:         devices,
		source:          source,
		pool:            workerspool.New().SetMaxParallelism(max(len(devices), 1)),
		checkpointEvery: 1000,
		logEvery:        10,
		gracePeriod:     10 * time.Second,
		onStart:         newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:          newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:           newPriorityHooks[*hookWithName[OnEndFn]](),
	}
	return t
}

// Steps sets the global step at which training stops. Training resumes from the current step of the
// context, so a restored run only executes the remaining steps.
func (t *Trainer) Steps(endStep int) *Trainer {
	t.endStep = endStep
	return t
}

// LogEvery sets the frequency, in steps, of the log line with loss and throughput. Defaults to 10.
func (t *Trainer) LogEvery(n int) *Trainer {
	t.logEvery = n
	return t
}

// Checkpoints configures where checkpoints are saved, every `every` steps (except step 0) and at the final step.
// If restore is true, Run starts from the latest checkpoint in handler, if there is one.
func (t *Trainer) Checkpoints(handler *checkpoints.Handler, every int, restore bool) *Trainer {
	t.checkpoints = handler
	t.checkpointEvery = every
	t.restore = restore
	return t
}

// GracePeriod given to the batch source to stop when Run returns. Defaults to 10 seconds.
func (t *Trainer) GracePeriod(grace time.Duration) *Trainer {
	t.gracePeriod = grace
	return t
}

// Context returns the training context.
func (t *Trainer) Context() *TrainingContext { return t.tc }

// Devices returns the devices running the towers.
func (t *Trainer) Devices() []DeviceExecutor { return t.devices }

// Phase returns the current phase. It is safe to call concurrently with Run.
func (t *Trainer) Phase() Phase { return Phase(t.phase.Load()) }

func (t *Trainer) setPhase(p Phase) {
	t.phase.Store(int32(p))
	klog.V(1).Infof("trainer phase: %s", p)
}

// StartStep is the global step at which the current (or last) Run started.
func (t *Trainer) StartStep() int { return t.startStep }

// EndStep is the global step at which training stops.
func (t *Trainer) EndStep() int { return t.endStep }

// LastStats returns the stats of the last step run, and false if no step has run yet.
// It is safe to call concurrently with Run.
func (t *Trainer) LastStats() (StepStats, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastStats, len(t.stepDurations) > 0
}

// LastBatch returns the batch used by the first device in the last step, or nil.
func (t *Trainer) LastBatch() *batching.Batch {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastBatch
}

// LastCheckpoint returns the base name of the last checkpoint saved, or "".
func (t *Trainer) LastCheckpoint() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCkpt
}

// MedianStepDuration returns the median duration of the steps run so far. It returns 1 millisecond
// if no step was recorded (to avoid potential division by 0).
func (t *Trainer) MedianStepDuration() time.Duration {
	t.mu.Lock()
	times := slices.Clone(t.stepDurations)
	t.mu.Unlock()
	if len(times) == 0 {
		return time.Millisecond
	}
	slices.Sort(times)
	return times[len(times)/2]
}

// StepBudget returns the global step at which training stops: the number of batches of two passes over
// the images (integer division), capped by maxSteps if it is > 0.
func StepBudget(imageCount, batchSize, maxSteps int) int {
	steps := (imageCount / batchSize) * 2
	if maxSteps > 0 && maxSteps < steps {
		steps = maxSteps
	}
	return steps
}

// Run restores or initializes the training state and steps until EndStep, ctx is cancelled or an error occurs.
// The batch source is closed before returning. Run can only be called once.
func (t *Trainer) Run(ctx context.Context) (err error) {
	if !t.ran.CompareAndSwap(false, true) {
		return errors.Errorf("Trainer.Run: trainer already in phase %s, it can only be run once", t.Phase())
	}
	if closer, ok := t.source.(batchSourceCloser); ok {
		defer func() {
			if !closer.Close(t.gracePeriod) {
				klog.Warningf("batch source did not stop within the grace period of %s", t.gracePeriod)
			}
		}()
	}
	defer t.setPhase(PhaseStopped)

	if len(t.devices) == 0 {
		return errors.New("Trainer.Run: no devices configured")
	}
	if t.logEvery <= 0 || (t.checkpoints != nil && t.checkpointEvery <= 0) {
		return errors.Errorf("Trainer.Run: log frequency (%d) and checkpoint frequency (%d) must be > 0",
			t.logEvery, t.checkpointEvery)
	}
	if err = t.restoreOrInitialize(); err != nil {
		return err
	}
	t.startStep = t.tc.Step
	if t.startStep >= t.endStep {
		klog.Infof("Global step %d already at or past the final step %d, nothing to train", t.startStep, t.endStep)
	}

	err = t.onStart.Enumerate(func(hook *hookWithName[OnStartFn]) error {
		return errors.WithMessagef(hook.fn(t), "OnStart(%q)", hook.name)
	})
	if err != nil {
		return errors.WithMessage(err, "Trainer.Run")
	}

	t.setPhase(PhaseStepping)
	var stats StepStats
	for t.tc.Step < t.endStep {
		if err = ctx.Err(); err != nil {
			return errors.Wrapf(err, "Trainer.Run interrupted at step %d", t.tc.Step)
		}
		stats, err = t.step(ctx)
		if err != nil {
			return err
		}
		err = t.onStep.Enumerate(func(hook *hookWithName[OnStepFn]) error {
			return errors.WithMessagef(hook.fn(t, stats), "OnStep(%q)", hook.name)
		})
		if err != nil {
			return errors.WithMessagef(err, "Trainer.Run at step %d", stats.Step)
		}
		if err = t.maybeCheckpoint(stats.Step); err != nil {
			return err
		}
	}

	err = t.onEnd.Enumerate(func(hook *hookWithName[OnEndFn]) error {
		return errors.WithMessagef(hook.fn(t, stats), "OnEnd(%q)", hook.name)
	})
	return errors.WithMessage(err, "Trainer.Run")
}

func (t *Trainer) restoreOrInitialize() error {
	if t.checkpoints != nil && t.restore {
		t.setPhase(PhaseRestoring)
		found, err := t.tc.Restore(t.checkpoints)
		if err != nil {
			return errors.WithMessagef(err, "Trainer.Run: failed to restore from %s", t.checkpoints)
		}
		if found {
			klog.Infof("Restored training state at global step %d (run %s) from %s", t.tc.Step, t.tc.RunID, t.checkpoints.Dir())
			return nil
		}
		klog.Infof("No checkpoint found in %s, initializing a new model", t.checkpoints.Dir())
	}
	t.setPhase(PhaseInitializing)
	klog.Infof("Initialized model %q at step %d (run %s)", t.tc.Model.Name(), t.tc.Step, t.tc.RunID)
	return nil
}

// step runs one synchronous step on all devices.
func (t *Trainer) step(ctx context.Context) (StepStats, error) {
	step := t.tc.Step
	start := time.Now()
	numDevices := len(t.devices)

	batches := make([]*batching.Batch, numDevices)
	for ii, device := range t.devices {
		batch, err := t.source.Next(ctx)
		if err != nil {
			return StepStats{}, errors.WithMessagef(err, "step %d: failed to get batch for %s", step, device.Name())
		}
		batches[ii] = batch
	}

	results := make([]DeviceResult, numDevices)
	errs := make([]error, numDevices)
	t.pool.RunAll(numDevices, func(ii int) {
		results[ii], errs[ii] = t.devices[ii].Run(ctx, batches[ii])
	})
	for _, err := range errs {
		if err != nil {
			return StepStats{}, errors.WithMessagef(err, "step %d", step)
		}
	}

	stats := StepStats{
		Step:         step,
		LearningRate: t.tc.LearningRate(),
		DeviceLosses: make([]float64, numDevices),
	}
	grads := make([][]*tensors.Tensor, numDevices)
	for ii, result := range results {
		stats.DeviceLosses[ii] = result.Loss
		stats.Loss += result.Loss
		stats.Examples += batches[ii].Size
		grads[ii] = result.Grads
	}
	stats.Loss /= float64(numDevices)
	if math.IsNaN(stats.Loss) || math.IsInf(stats.Loss, 0) {
		return stats, errors.Wrapf(ErrDiverged, "loss = %g at step %d", stats.Loss, step)
	}
	averaged, err := AverageGradients(grads)
	if err != nil {
		return stats, errors.WithMessagef(err, "step %d", step)
	}
	if err = t.tc.Update(averaged); err != nil {
		return stats, err
	}

	stats.Duration = time.Since(start)
	seconds := max(stats.Duration.Seconds(), 1e-9)
	stats.ExamplesPerSec = float64(stats.Examples) / seconds
	stats.SecPerBatch = seconds / float64(numDevices)

	t.mu.Lock()
	t.stepDurations = append(t.stepDurations, stats.Duration)
	t.lastStats = stats
	t.lastBatch = batches[0]
	t.mu.Unlock()

	if step%t.logEvery == 0 {
		klog.Infof("step %d, loss = %.4f (%.1f examples/sec; %.3f sec/batch)",
			step, stats.Loss, stats.ExamplesPerSec, stats.SecPerBatch)
	}
	return stats, nil
}

// maybeCheckpoint saves a checkpoint every checkpointEvery steps (except step 0) and after the final step.
func (t *Trainer) maybeCheckpoint(step int) error {
	if t.checkpoints == nil {
		return nil
	}
	isFinal := step+1 == t.endStep
	if !isFinal && (step == 0 || step%t.checkpointEvery != 0) {
		return nil
	}
	baseName, err := t.tc.Save(t.checkpoints)
	if err != nil {
		return errors.WithMessagef(err, "step %d: failed to save checkpoint", step)
	}
	klog.V(1).Infof("step %d: saved checkpoint %s", step, baseName)
	t.mu.Lock()
	t.lastCkpt = baseName
	t.mu.Unlock()
	return nil
}
