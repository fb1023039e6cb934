// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"

	"github.com/gomlx/dehaze/pkg/ml/checkpoints"
	"github.com/gomlx/dehaze/pkg/ml/train"
	"github.com/pkg/errors"
)

// Export writes the inference weights of the run to path: the moving averages of the model parameters,
// named after the parameters. If raw is set the parameters themselves are exported instead.
func Export(r *Run, path string, raw bool) (int, error) {
	var vars []checkpoints.Variable
	for _, v := range r.State.Variables {
		switch {
		case raw && ScopeFilter("model")(v.Name):
			vars = append(vars, v)
		case !raw && strings.HasPrefix(v.Name, train.MovingAveragePrefix):
			vars = append(vars, checkpoints.Variable{Name: strings.TrimPrefix(v.Name, train.MovingAveragePrefix), Value: v.Value})
		}
	}
	if len(vars) == 0 {
		return 0, errors.Errorf("checkpoint %q in %s has no variables to export", r.Checkpoint, r.Dir)
	}
	modelName := fmt.Sprintf("%v", r.State.Params[train.ParamModel])
	if err := checkpoints.ExportInference(path, modelName, r.State.Step, r.State.RunID, vars); err != nil {
		return 0, err
	}
	return len(vars), nil
}
