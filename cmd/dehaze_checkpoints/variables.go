// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/dehaze/pkg/ml/checkpoints"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// VariableStats are the MAV (mean absolute value), RMS (root mean square) and MaxAV (max absolute value)
// of a variable.
type VariableStats struct {
	MAV, RMS, MaxAV float64
}

// ComputeStats of the values of a variable.
func ComputeStats(values []float64) VariableStats {
	if len(values) == 0 {
		return VariableStats{}
	}
	abs := make([]float64, len(values))
	for ii, v := range values {
		abs[ii] = math.Abs(v)
	}
	return VariableStats{
		MAV:   stat.Mean(abs, nil),
		RMS:   floats.Norm(values, 2) / math.Sqrt(float64(len(values))),
		MaxAV: floats.Max(abs),
	}
}

// Variables lists the variables of the run in scope, with their shape, size and stats.
func Variables(r *Run, scope string, glossary bool) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("Variables in scope %q", scope)) + "\n")
	table := newPlainTable(true)
	table.Headers("Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	vars := VariablesInScope(r.State, scope)
	slices.SortFunc(vars, func(a, b checkpoints.Variable) int { return strings.Compare(a.Name, b.Name) })
	for _, v := range vars {
		var mav, rms, maxAV string
		if v.Value.Size() == 1 {
			mav = fmt.Sprintf("%8v", v.Value.Data()[0])
		} else {
			stats := ComputeStats(v.Value.Data())
			mav = fmt.Sprintf("%.3g", stats.MAV)
			rms = fmt.Sprintf("%.3g", stats.RMS)
			maxAV = fmt.Sprintf("%.3g", stats.MaxAV)
		}
		table.Row(v.Name, v.Value.Shape().String(),
			humanize.Comma(int64(v.Value.Size())),
			humanize.Bytes(uint64(8*v.Value.Size())),
			mav, rms, maxAV)
	}
	sb.WriteString(table.Render() + "\n")
	if glossary {
		fmt.Fprintf(&sb, "  %s:\n", sectionStyle.Render("Glossary"))
		fmt.Fprintf(&sb, "   ◦ %s: %s\n", emphasisStyle.Render("Scalar/MAV"), italicStyle.Render("If variable is a scalar then the value itself, else the Mean Absolute Value"))
		fmt.Fprintf(&sb, "   ◦ %s: %s\n", emphasisStyle.Render("RMS"), italicStyle.Render("Root Mean Square"))
		fmt.Fprintf(&sb, "   ◦ %s: %s\n", emphasisStyle.Render("MaxAV"), italicStyle.Render("Max Absolute Value"))
	}
	return sb.String()
}

// DeleteVars removes the variables whose names start with any of the prefixes, and saves the result as a
// new checkpoint of the run. It returns the number of variables deleted; if 0 nothing is saved.
//
// Deleting "adam/" drops the optimizer moments: training restored from the new checkpoint restarts Adam.
func DeleteVars(r *Run, prefixes ...string) (int, error) {
	prefixes = slices.DeleteFunc(slices.Clone(prefixes), func(p string) bool { return p == "" })
	if len(prefixes) == 0 {
		return 0, nil
	}
	numVars := len(r.State.Variables)
	r.State.Variables = slices.DeleteFunc(r.State.Variables, func(v checkpoints.Variable) bool {
		return slices.ContainsFunc(prefixes, func(prefix string) bool { return strings.HasPrefix(v.Name, prefix) })
	})
	deleted := numVars - len(r.State.Variables)
	if deleted == 0 {
		return 0, nil
	}
	baseName, err := r.Handler.Save(r.State)
	if err != nil {
		return 0, errors.WithMessagef(err, "saving %s after deleting %d variables", r.Dir, deleted)
	}
	r.Checkpoint = baseName
	return deleted, nil
}

// PerturbVars multiplies every value of the variables in scope by 1+U(-x, x), and saves the result as a new
// checkpoint of the run. It returns the number of variables perturbed.
func PerturbVars(r *Run, scope string, x float64, seed uint64) (int, error) {
	if x <= 0 {
		return 0, errors.Errorf("invalid perturbation %g, it must be > 0", x)
	}
	rng := rand.New(rand.NewPCG(seed, 0))
	vars := VariablesInScope(r.State, scope)
	for _, v := range vars {
		data := v.Value.Data()
		for ii := range data {
			data[ii] *= 1 + x*(2*rng.Float64()-1)
		}
	}
	if len(vars) == 0 {
		return 0, nil
	}
	baseName, err := r.Handler.Save(r.State)
	if err != nil {
		return 0, errors.WithMessagef(err, "saving %s after perturbing %d variables", r.Dir, len(vars))
	}
	r.Checkpoint = baseName
	return len(vars), nil
}
