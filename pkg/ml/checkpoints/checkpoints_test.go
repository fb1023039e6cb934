// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomVariables(rng *rand.Rand) []Variable {
	w := tensors.New(3, 3, 3, 2)
	b := tensors.New(2)
	for _, t := range []*tensors.Tensor{w, b} {
		for ii := range t.Data() {
			t.Data()[ii] = rng.NormFloat64() * 1e-3
		}
	}
	return []Variable{{Name: "conv/weights", Value: w}, {Name: "conv/biases", Value: b}}
}

func zeroVariables(vars []Variable) []Variable {
	zeros := make([]Variable, len(vars))
	for ii, v := range vars {
		zeros[ii] = Variable{Name: v.Name, Value: tensors.Like(v.Value)}
	}
	return zeros
}

func TestRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "train")
	handler, err := Build(dir).Keep(2).Done()
	require.NoError(t, err)

	empty := &State{Variables: randomVariables(rand.New(rand.NewSource(1)))}
	found, err := handler.LoadLatest(empty)
	require.NoError(t, err)
	assert.False(t, found)

	saved := &State{
		Step:      1000,
		RunID:     "run-1",
		Params:    map[string]any{"learning_rate": 1e-3},
		Variables: randomVariables(rand.New(rand.NewSource(2))),
	}
	saved.Variables[1].Value.Data()[0] = math.SmallestNonzeroFloat64
	_, err = handler.Save(saved)
	require.NoError(t, err)

	// A new handler on the same directory restores the state bit for bit.
	handler2, err := Build(dir).Keep(2).Done()
	require.NoError(t, err)
	loaded := &State{Variables: zeroVariables(saved.Variables)}
	found, err = handler2.LoadLatest(loaded)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 1000, loaded.Step)
	assert.Equal(t, "run-1", loaded.RunID)
	assert.Equal(t, 1e-3, loaded.Params["learning_rate"])
	for ii, v := range loaded.Variables {
		assert.Equal(t, saved.Variables[ii].Value.Data(), v.Value.Data(), "variable %q", v.Name)
	}

	// Shape mismatch.
	wrong := &State{Variables: []Variable{{Name: "conv/biases", Value: tensors.New(3)}}}
	_, err = handler2.LoadLatest(wrong)
	assert.Error(t, err)
	missing := &State{Variables: []Variable{{Name: "unknown", Value: tensors.New(3)}}}
	_, err = handler2.LoadLatest(missing)
	assert.Error(t, err)
}

func TestKeep(t *testing.T) {
	handler, err := Build(t.TempDir()).Keep(2).Done()
	require.NoError(t, err)
	state := &State{Variables: randomVariables(rand.New(rand.NewSource(3)))}
	var names []string
	for _, step := range []int{0, 1000, 2000, 2500} {
		state.Step = step
		name, err := handler.Save(state)
		require.NoError(t, err)
		names = append(names, name)
	}
	assert.Contains(t, names[0], "-initial")
	assert.Contains(t, names[1], "-step-00001000")
	list, err := handler.ListCheckpoints()
	require.NoError(t, err)
	assert.Equal(t, names[2:], list)
	files, err := os.ReadDir(handler.Dir())
	require.NoError(t, err)
	assert.Len(t, files, 4)

	// New handlers continue the numbering.
	handler2, err := Build(handler.Dir()).Keep(-1).Done()
	require.NoError(t, err)
	name, err := handler2.Save(state)
	require.NoError(t, err)
	assert.Contains(t, name, "checkpoint-n0000004-")
}

func TestExportInference(t *testing.T) {
	vars := randomVariables(rand.New(rand.NewSource(4)))
	vars[1].Value.Data()[0] = 0.5
	path := filepath.Join(t.TempDir(), "model.inf16")
	require.NoError(t, ExportInference(path, "residual_cnn_2", 7, "run", vars))
	model, step, loaded, err := ReadInference(path)
	require.NoError(t, err)
	assert.Equal(t, "residual_cnn_2", model)
	assert.Equal(t, 7, step)
	require.Len(t, loaded, 2)
	assert.Equal(t, 0.5, loaded[1].Value.Data()[0])
	for ii, v := range loaded {
		assert.Equal(t, vars[ii].Name, v.Name)
		assert.True(t, v.Value.AllClose(vars[ii].Value, 1e-5))
	}
}

func TestInspect(t *testing.T) {
	handler, err := Build(t.TempDir()).Done()
	require.NoError(t, err)
	_, err = handler.Inspect("")
	require.Error(t, err)

	saved := &State{Step: 7, RunID: "run-2", Variables: randomVariables(rand.New(rand.NewSource(3)))}
	baseName, err := handler.Save(saved)
	require.NoError(t, err)
	for _, name := range []string{"", baseName} {
		state, err := handler.Inspect(name)
		require.NoError(t, err)
		assert.Equal(t, 7, state.Step)
		require.Len(t, state.Variables, 2)
		assert.Equal(t, "conv/weights", state.Variables[0].Name)
		assert.Equal(t, tensors.Shape{3, 3, 3, 2}, state.Variables[0].Value.Shape())
		assert.Equal(t, saved.Variables[1].Value.Data(), state.Variables[1].Value.Data())
	}
}

func TestOptionalVariables(t *testing.T) {
	handler, err := Build(t.TempDir()).Done()
	require.NoError(t, err)
	vars := randomVariables(rand.New(rand.NewSource(3)))
	_, err = handler.Save(&State{Step: 3, Variables: vars[:1]})
	require.NoError(t, err)

	loaded := zeroVariables(vars)
	state := &State{Variables: loaded}
	found, err := handler.LoadLatest(state)
	require.Error(t, err)
	assert.True(t, found)

	loaded[1].Optional = true
	loaded[1].Value.Data()[0] = 7
	found, err = handler.LoadLatest(state)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"conv/biases"}, state.Missing)
	assert.True(t, vars[0].Value.AllClose(loaded[0].Value, 0))
	assert.Equal(t, 7.0, loaded[1].Value.Data()[0])
}
