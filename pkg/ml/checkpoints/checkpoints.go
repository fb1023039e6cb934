// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements checkpoint management: saving and loading of the training state.
//
// The main object is the Handler, that should be created by calling Build, followed by the
// various options setting and finally calling Config.Done.
//
// Each checkpoint is a pair of files sharing a base name "checkpoint-n<count>-<time>-step-<step>":
// a ".json" file with the metadata (step, parameters, variable table) and a ".bin" file with the raw
// variable values, little-endian float64, so values round-trip bit for bit.
//
// Example:
//
//	handler, err := checkpoints.Build(*flagTrainDir).Keep(5).Done()
//	if err != nil { ... }
//	found, err := handler.LoadLatest(state)  // state lists the variables to restore.
//	...
//	err = handler.Save(state)
package checkpoints

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/gomlx/dehaze/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config for the checkpoints Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done().
type Config struct {
	err  error
	dir  string
	keep int
}

// Build a configuration for building a checkpoints.Handler saving in dir ("~" is expanded).
// The directory is created if it doesn't exist.
func Build(dir string) *Config {
	c := &Config{keep: 1}
	c.Dir(dir)
	return c
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where to save / load the checkpoints.
func (c *Config) Dir(dir string) *Config {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		c.setError(err)
		return c
	}
	c.dir = dir
	return c
}

// Keep configures the number of checkpoints to keep. If set to -1, it will never erase older checkpoints.
// The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Done creates a Handler with the current configuration. It returns an error if
// the configuration is invalid, or if the directory can't be created.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured or empty")
	}
	if err := fsutil.EnsureDir(c.dir); err != nil {
		return nil, err
	}
	h := &Handler{config: c}
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	h.checkpointsCount = maxCheckpointCount(list) + 1
	return h, nil
}

// Variable is a named tensor saved in a checkpoint.
type Variable struct {
	Name  string
	Value *tensors.Tensor

	// Optional variables missing from a checkpoint are left untouched by Load, and listed in State.Missing.
	Optional bool
}

// State is what is saved in a checkpoint.
type State struct {
	// Step is the global step: number of updates applied.
	Step int

	// RunID identifies the training run that wrote the checkpoint.
	RunID string

	// Params are scalar values to save along (learning rate, optimizer step, ...). Numbers are
	// restored as float64.
	Params map[string]any

	// Variables saved. When loading, the values of the listed variables are overwritten in place,
	// so the shapes must match.
	Variables []Variable

	// Missing lists the optional variables not found in the checkpoint by the last Load.
	Missing []string
}

// Handler saves and loads checkpoints in a directory.
type Handler struct {
	config           *Config
	checkpointsCount int
}

// serializedData is how the metadata is read and written from storage.
type serializedData struct {
	Step    int
	RunID   string
	Saved   time.Time
	Params  map[string]any
	Vars    []serializedVar
	Version int
}

// serializedVar contains information about the variable that was serialized.
type serializedVar struct {
	Name       string
	Dimensions []int
	DType      string

	// Pos, Length in bytes in the data file.
	Pos, Length int
}

const (
	baseNamePrefix = "checkpoint-"
	jsonNameSuffix = ".json"
	varDataSuffix  = ".bin"
	dtypeFloat64   = "float64"
	formatVersion  = 1
)

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory where checkpoints are saved.
func (h *Handler) Dir() string { return h.config.dir }

// newCheckpointBaseName returns the base name for the checkpoint files.
func (h *Handler) newCheckpointBaseName(globalStep int) string {
	now := time.Now().Format("20060102-150405")
	baseName := fmt.Sprintf("%sn%07d-%s", baseNamePrefix, h.checkpointsCount, now)
	if globalStep > 0 {
		return fmt.Sprintf("%s-step-%08d", baseName, globalStep)
	}
	return fmt.Sprintf("%s-initial", baseName)
}

// ListCheckpoints returns the base file name of the checkpoints in the directory in order (older first).
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, jsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, strings.TrimSuffix(fileName, jsonNameSuffix))
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegexp = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckpointCount returns the largest count in the saved checkpoints, or -1 if there are none.
func maxCheckpointCount(checkpoints []string) int {
	maxID := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegexp.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		if id, err := strconv.Atoi(matches[1]); err == nil && id > maxID {
			maxID = id
		}
	}
	return maxID
}

// Save a new checkpoint with the state, and removes the excess checkpoints. It returns the base name
// of the checkpoint saved.
func (h *Handler) Save(state *State) (string, error) {
	baseName := h.newCheckpointBaseName(state.Step)
	h.checkpointsCount++
	varFileName := filepath.Join(h.config.dir, baseName+varDataSuffix)
	varFile, err := os.Create(varFileName)
	if err != nil {
		return "", errors.Wrapf(err, "%s: failed to create checkpoint data file %s", h, varFileName)
	}
	w := bufio.NewWriter(varFile)
	serialized := serializedData{
		Step:    state.Step,
		RunID:   state.RunID,
		Saved:   time.Now(),
		Params:  state.Params,
		Vars:    make([]serializedVar, 0, len(state.Variables)),
		Version: formatVersion,
	}
	pos := 0
	var buf [8]byte
	for _, v := range state.Variables {
		for _, value := range v.Value.Data() {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(value))
			if _, err = w.Write(buf[:]); err != nil {
				_ = varFile.Close()
				return "", errors.Wrapf(err, "%s: failed to write variable %s", h, v.Name)
			}
		}
		length := 8 * v.Value.Size()
		serialized.Vars = append(serialized.Vars, serializedVar{
			Name:       v.Name,
			Dimensions: v.Value.Shape().Clone(),
			DType:      dtypeFloat64,
			Pos:        pos,
			Length:     length,
		})
		pos += length
	}
	if err = w.Flush(); err != nil {
		_ = varFile.Close()
		return "", errors.Wrapf(err, "%s: failed to write checkpoint data file %s", h, varFileName)
	}
	if err = varFile.Close(); err != nil {
		return "", errors.Wrapf(err, "%s: failed to close checkpoint data file %s", h, varFileName)
	}

	// The metadata is written last: a checkpoint is only listed once it is complete.
	jsonFileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
	contents, err := json.MarshalIndent(&serialized, "", "\t")
	if err != nil {
		return "", errors.Wrapf(err, "%s: failed to encode checkpoint metadata", h)
	}
	if err = os.WriteFile(jsonFileName, contents, 0o644); err != nil {
		return "", errors.Wrapf(err, "%s: failed to write checkpoint metadata file %s", h, jsonFileName)
	}
	klog.V(1).Infof("saved checkpoint %q", baseName)
	return baseName, h.keepNCheckpoints()
}

// keepNCheckpoints checks if there are more than the configured number of checkpoints, and remove
// the excess.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.Wrapf(err, "%s failed to list saved checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}
	// Remove the excess checkpoints, starting from the earlier ones.
	for _, baseName := range list[:len(list)-h.config.keep] {
		for _, suffix := range []string{jsonNameSuffix, varDataSuffix} {
			fileName := filepath.Join(h.config.dir, baseName+suffix)
			if err = os.Remove(fileName); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
			}
		}
	}
	return nil
}

// LoadLatest loads the most recent checkpoint into state. It returns false if there are no checkpoints.
func (h *Handler) LoadLatest(state *State) (found bool, err error) {
	list, err := h.ListCheckpoints()
	if err != nil {
		return false, err
	}
	if len(list) == 0 {
		return false, nil
	}
	return true, h.Load(list[len(list)-1], state)
}

// Load the checkpoint with the given base name into state: every variable listed in state must be present
// in the checkpoint with the same shape.
func (h *Handler) Load(baseName string, state *State) error {
	jsonFileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
	contents, err := os.ReadFile(jsonFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to read checkpoint metadata file %s", h, jsonFileName)
	}
	var serialized serializedData
	if err = json.Unmarshal(contents, &serialized); err != nil {
		return errors.Wrapf(err, "%s: failed to decode contents of checkpoint metadata file %s", h, jsonFileName)
	}
	varsByName := make(map[string]serializedVar, len(serialized.Vars))
	for _, v := range serialized.Vars {
		varsByName[v.Name] = v
	}

	varFileName := filepath.Join(h.config.dir, baseName+varDataSuffix)
	varFile, err := os.Open(varFileName)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to open checkpoint data file %s", h, varFileName)
	}
	defer func() { _ = varFile.Close() }()
	state.Missing = nil
	for _, v := range state.Variables {
		saved, found := varsByName[v.Name]
		if !found {
			if v.Optional {
				state.Missing = append(state.Missing, v.Name)
				continue
			}
			return errors.Errorf("%s: variable %q not found in checkpoint %q", h, v.Name, baseName)
		}
		if saved.DType != dtypeFloat64 || !tensors.Shape(saved.Dimensions).Equal(v.Value.Shape()) {
			return errors.Errorf("%s: variable %q in checkpoint %q is %s%v, expected float64%s",
				h, v.Name, baseName, saved.DType, saved.Dimensions, v.Value.Shape())
		}
		raw := make([]byte, saved.Length)
		n, err := varFile.ReadAt(raw, int64(saved.Pos))
		if n != len(raw) {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return errors.Wrapf(err, "%s: failed to read variable %q from %s", h, v.Name, varFileName)
		}
		data := v.Value.Data()
		for ii := range data {
			data[ii] = math.Float64frombits(binary.LittleEndian.Uint64(raw[ii*8:]))
		}
	}
	state.Step = serialized.Step
	state.RunID = serialized.RunID
	state.Params = serialized.Params
	klog.Infof("loaded checkpoint %q (step %d)", baseName, state.Step)
	return nil
}

// Inspect loads all the variables of the checkpoint with the given base name, with their saved shapes.
// Use "" for the latest checkpoint.
func (h *Handler) Inspect(baseName string) (*State, error) {
	if baseName == "" {
		list, err := h.ListCheckpoints()
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			return nil, errors.Errorf("%s: no checkpoints found", h)
		}
		baseName = list[len(list)-1]
	}
	jsonFileName := filepath.Join(h.config.dir, baseName+jsonNameSuffix)
	contents, err := os.ReadFile(jsonFileName)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to read checkpoint metadata file %s", h, jsonFileName)
	}
	var serialized serializedData
	if err = json.Unmarshal(contents, &serialized); err != nil {
		return nil, errors.Wrapf(err, "%s: failed to decode contents of checkpoint metadata file %s", h, jsonFileName)
	}
	state := &State{Variables: make([]Variable, 0, len(serialized.Vars))}
	for _, v := range serialized.Vars {
		if slices.ContainsFunc(v.Dimensions, func(dim int) bool { return dim <= 0 }) {
			return nil, errors.Errorf("%s: variable %q in %s has invalid dimensions %v", h, v.Name, jsonFileName, v.Dimensions)
		}
		state.Variables = append(state.Variables, Variable{Name: v.Name, Value: tensors.New(v.Dimensions...)})
	}
	if err = h.Load(baseName, state); err != nil {
		return nil, err
	}
	return state, nil
}
