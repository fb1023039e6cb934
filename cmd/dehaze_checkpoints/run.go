// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"strings"

	"github.com/gomlx/dehaze/pkg/ml/checkpoints"
	"github.com/gomlx/dehaze/pkg/ml/train"
	"github.com/gomlx/dehaze/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// Run is one training directory and the checkpoint loaded from it.
type Run struct {
	Dir        string
	Label      string
	Checkpoint string
	State      *checkpoints.State
	Handler    *checkpoints.Handler
}

// LoadRun loads the checkpoint with the given base name from dir, or the latest one if checkpoint is "".
func LoadRun(dir, checkpoint string) (*Run, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	isDir, err := fsutil.IsDir(dir)
	if err != nil {
		return nil, err
	}
	if !isDir {
		return nil, errors.Errorf("%q is not a training directory", dir)
	}
	handler, err := checkpoints.Build(dir).Keep(-1).Done()
	if err != nil {
		return nil, err
	}
	if checkpoint == "" {
		list, err := handler.ListCheckpoints()
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return nil, errors.Errorf("no checkpoints in %q", dir)
		}
		checkpoint = list[len(list)-1]
	}
	state, err := handler.Inspect(checkpoint)
	if err != nil {
		return nil, err
	}
	return &Run{Dir: dir, Label: dir, Checkpoint: checkpoint, State: state, Handler: handler}, nil
}

// LoadRuns loads one Run per directory, labeled by the shortest unique part of their paths.
func LoadRuns(dirs []string, checkpoint string) ([]*Run, error) {
	runs := make([]*Run, 0, len(dirs))
	for _, dir := range dirs {
		r, err := LoadRun(dir, checkpoint)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	labels := MinimalUniquePaths(dirs...)
	for ii, r := range runs {
		r.Label = labels[ii]
	}
	return runs, nil
}

// ScopeFilter returns a function that tells whether a variable name belongs to the scope:
// "model" selects the model parameters, "all" everything, and anything else is a name prefix
// (e.g. "ema/").
func ScopeFilter(scope string) func(name string) bool {
	switch scope {
	case "all", "":
		return func(string) bool { return true }
	case "model":
		return func(name string) bool {
			for _, prefix := range []string{train.MovingAveragePrefix, train.AdamMoment1Prefix, train.AdamMoment2Prefix} {
				if strings.HasPrefix(name, prefix) {
					return false
				}
			}
			return true
		}
	default:
		return func(name string) bool { return strings.HasPrefix(name, scope) }
	}
}

// VariablesInScope returns the variables of the state that belong to scope (see ScopeFilter).
func VariablesInScope(state *checkpoints.State, scope string) []checkpoints.Variable {
	inScope := ScopeFilter(scope)
	var vars []checkpoints.Variable
	for _, v := range state.Variables {
		if inScope(v.Name) {
			vars = append(vars, v)
		}
	}
	return vars
}
