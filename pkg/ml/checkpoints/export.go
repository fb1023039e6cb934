// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"

	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// InferenceMagic identifies files written by ExportInference.
const InferenceMagic = "DHZINF16"

// inferenceHeader is the JSON header of an inference export.
type inferenceHeader struct {
	Model string
	Step  int
	RunID string
	Vars  []serializedVar
}

// ExportInference writes the variables as float16 values, for inference: the magic InferenceMagic,
// the length of a JSON header (uint32 little-endian), the header and the float16 values.
//
// Typically, the variables are the moving averages of the model parameters.
func ExportInference(path, modelName string, step int, runID string, vars []Variable) error {
	header := inferenceHeader{Model: modelName, Step: step, RunID: runID}
	pos := 0
	for _, v := range vars {
		length := 2 * v.Value.Size()
		header.Vars = append(header.Vars, serializedVar{
			Name: v.Name, Dimensions: v.Value.Shape().Clone(), DType: "float16", Pos: pos, Length: length})
		pos += length
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode inference header")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create inference file %q", path)
	}
	w := bufio.NewWriter(f)
	_, _ = w.WriteString(InferenceMagic)
	_ = binary.Write(w, binary.LittleEndian, uint32(len(headerJSON)))
	_, _ = w.Write(headerJSON)
	var buf [2]byte
	for _, v := range vars {
		for _, value := range v.Value.Data() {
			binary.LittleEndian.PutUint16(buf[:], float16.Fromfloat32(float32(value)).Bits())
			_, _ = w.Write(buf[:])
		}
	}
	if err = w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write inference file %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close inference file %q", path)
}

// ReadInference reads a file written by ExportInference, returning the variables converted back to float64.
func ReadInference(path string) (modelName string, step int, vars []Variable, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, nil, errors.Wrapf(err, "failed to open inference file %q", path)
	}
	defer func() { _ = f.Close() }()
	r := bufio.NewReader(f)
	magic := make([]byte, len(InferenceMagic))
	if _, err = io.ReadFull(r, magic); err != nil || string(magic) != InferenceMagic {
		return "", 0, nil, errors.Errorf("%q is not an inference file", path)
	}
	var headerLen uint32
	if err = binary.Read(r, binary.LittleEndian, &headerLen); err != nil {
		return "", 0, nil, errors.Wrapf(err, "failed to read %q", path)
	}
	headerJSON := make([]byte, headerLen)
	if _, err = io.ReadFull(r, headerJSON); err != nil {
		return "", 0, nil, errors.Wrapf(err, "failed to read %q", path)
	}
	var header inferenceHeader
	if err = json.Unmarshal(headerJSON, &header); err != nil {
		return "", 0, nil, errors.Wrapf(err, "failed to decode header of %q", path)
	}
	var buf [2]byte
	for _, sv := range header.Vars {
		t := tensors.New(sv.Dimensions...)
		data := t.Data()
		for ii := range data {
			if _, err = io.ReadFull(r, buf[:]); err != nil {
				return "", 0, nil, errors.Wrapf(err, "failed to read variable %q from %q", sv.Name, path)
			}
			data[ii] = float64(float16.Frombits(binary.LittleEndian.Uint16(buf[:])).Float32())
		}
		vars = append(vars, Variable{Name: sv.Name, Value: t})
	}
	return header.Model, header.Step, vars, nil
}
