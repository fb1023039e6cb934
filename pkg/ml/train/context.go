// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/gomlx/dehaze/pkg/ml/checkpoints"
	"github.com/gomlx/dehaze/pkg/ml/model"
	"github.com/gomlx/dehaze/pkg/ml/optimizers"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Prefixes of the names of the non-parameter variables saved in checkpoints.
const (
	MovingAveragePrefix = "ema/"
	AdamMoment1Prefix   = "adam/m1/"
	AdamMoment2Prefix   = "adam/m2/"
)

// Keys of the scalar values saved along with checkpoints.
const (
	ParamAdamStep     = "adam_step"
	ParamLearningRate = "learning_rate"
	ParamModel        = "model"
)

// TrainingContext owns everything that evolves during training: the global step, the model parameters,
// their moving averages, the optimizer state and the learning rate schedule.
type TrainingContext struct {
	Model         model.Model
	Optimizer     *optimizers.AdamOptimizer
	Schedule      optimizers.Schedule
	MovingAverage *optimizers.MovingAverage

	// Step is the global step: the number of updates applied so far.
	Step int

	// RunID identifies the training run. It is replaced by the one stored in a restored checkpoint.
	RunID string
}

// NewTrainingContext creates a context for a freshly initialized model, at step 0.
func NewTrainingContext(m model.Model, adam *optimizers.AdamConfig, schedule optimizers.Schedule, movingAverageDecay float64) *TrainingContext {
	params := model.ParameterValues(m)
	return &TrainingContext{
		Model:         m,
		Optimizer:     adam.Done(params),
		Schedule:      schedule,
		MovingAverage: optimizers.NewMovingAverage(movingAverageDecay, params),
		RunID:         uuid.NewString(),
	}
}

// Params returns the values of the model parameters, updated in place.
func (tc *TrainingContext) Params() []*tensors.Tensor {
	return model.ParameterValues(tc.Model)
}

// LearningRate at the current step.
func (tc *TrainingContext) LearningRate() float64 {
	return tc.Schedule.LearningRate(tc.Step)
}

// Update applies the averaged gradients with Adam at the learning rate of the current step, updates
// the moving averages and advances the step.
func (tc *TrainingContext) Update(grads []*tensors.Tensor) error {
	params := tc.Params()
	if err := tc.Optimizer.Apply(params, grads, tc.LearningRate()); err != nil {
		return errors.WithMessagef(err, "step %d", tc.Step)
	}
	if err := tc.MovingAverage.Update(params, tc.Step); err != nil {
		return errors.WithMessagef(err, "step %d", tc.Step)
	}
	tc.Step++
	return nil
}

// CheckpointState returns a checkpoint state whose variables point to the tensors owned by the context:
// saving it writes the current values, loading it overwrites them in place.
func (tc *TrainingContext) CheckpointState() *checkpoints.State {
	state := &checkpoints.State{
		Step:  tc.Step,
		RunID: tc.RunID,
		Params: map[string]any{
			ParamAdamStep:     tc.Optimizer.State.Step,
			ParamLearningRate: tc.LearningRate(),
			ParamModel:        tc.Model.Name(),
		},
	}
	for ii, p := range tc.Model.Parameters() {
		state.Variables = append(state.Variables,
			checkpoints.Variable{Name: p.Name, Value: p.Value},
			checkpoints.Variable{Name: MovingAveragePrefix + p.Name, Value: tc.MovingAverage.Shadows[ii]},
			checkpoints.Variable{Name: AdamMoment1Prefix + p.Name, Value: tc.Optimizer.State.Moment1[ii], Optional: true},
			checkpoints.Variable{Name: AdamMoment2Prefix + p.Name, Value: tc.Optimizer.State.Moment2[ii], Optional: true},
		)
	}
	return state
}

// Save a checkpoint of the current state. It returns the base name of the checkpoint.
func (tc *TrainingContext) Save(handler *checkpoints.Handler) (string, error) {
	return handler.Save(tc.CheckpointState())
}

// Restore loads the latest checkpoint of handler, if any. It returns false if there are no checkpoints,
// in which case the context is left untouched.
func (tc *TrainingContext) Restore(handler *checkpoints.Handler) (found bool, err error) {
	state := tc.CheckpointState()
	found, err = handler.LoadLatest(state)
	if err != nil || !found {
		return false, err
	}
	if name, ok := state.Params[ParamModel].(string); ok && name != tc.Model.Name() {
		return false, errors.Errorf("checkpoint in %s was saved for model %q, training model %q", handler.Dir(), name, tc.Model.Name())
	}
	tc.Step = state.Step
	if state.RunID != "" {
		tc.RunID = state.RunID
	}
	adamStep, ok := state.Params[ParamAdamStep].(float64)
	if !ok {
		klog.Warningf("checkpoint in %s has no %q, assuming it equals the global step %d", handler.Dir(), ParamAdamStep, tc.Step)
		adamStep = float64(tc.Step)
	}
	tc.Optimizer.State.Step = int(adamStep)
	if len(state.Missing) > 0 {
		klog.Warningf("checkpoint in %s has no optimizer moments for %d variables, Adam restarts from scratch",
			handler.Dir(), len(state.Missing))
		for ii := range tc.Optimizer.State.Moment1 {
			tc.Optimizer.State.Moment1[ii].Zero()
			tc.Optimizer.State.Moment2[ii].Zero()
		}
		tc.Optimizer.State.Step = 0
	}
	return true, nil
}

// InferenceVariables returns the moving averages of the parameters, named after the parameters.
// These are the weights exported for inference.
func (tc *TrainingContext) InferenceVariables() []checkpoints.Variable {
	params := tc.Model.Parameters()
	vars := make([]checkpoints.Variable, len(params))
	for ii, p := range params {
		vars[ii] = checkpoints.Variable{Name: p.Name, Value: tc.MovingAverage.Shadows[ii]}
	}
	return vars
}
