// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"context"
	"fmt"

	"github.com/gomlx/dehaze/pkg/core/tensors"
	"github.com/gomlx/dehaze/pkg/dehaze/batching"
	"github.com/gomlx/dehaze/pkg/ml/losses"
	"github.com/gomlx/dehaze/pkg/ml/model"
	"github.com/gomlx/exceptions"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DeviceResult is what one device reports for one step: the loss averaged over its batch and the
// gradient of that loss with respect to each model parameter, in model.Parameters order.
type DeviceResult struct {
	Loss  float64
	Grads []*tensors.Tensor
}

// DeviceExecutor runs the forward and backward pass of a model replica ("tower") on one batch.
//
// Run is called concurrently for different devices; it must only read the model parameters.
type DeviceExecutor interface {
	Name() string
	Run(ctx context.Context, batch *batching.Batch) (DeviceResult, error)
}

// CPUDevice executes a tower on the CPU.
type CPUDevice struct {
	name, placement string
	model           model.Model
	loss            losses.Loss
}

var _ DeviceExecutor = (*CPUDevice)(nil)

// NewCPUDevice creates the tower `<towerName>_<index>` placed on `cpu:<id>`.
func NewCPUDevice(towerName string, index, id int, m model.Model, loss losses.Loss) *CPUDevice {
	return &CPUDevice{
		name:      fmt.Sprintf("%s_%d", towerName, index),
		placement: fmt.Sprintf("cpu:%d", id),
		model:     m,
		loss:      loss,
	}
}

// NewCPUDevices creates one tower per device id, all sharing the same model parameters.
func NewCPUDevices(towerName string, ids []int, m model.Model, loss losses.Loss) []DeviceExecutor {
	devices := make([]DeviceExecutor, len(ids))
	for ii, id := range ids {
		devices[ii] = NewCPUDevice(towerName, ii, id, m, loss)
	}
	return devices
}

// Name of the tower, e.g. "tower_0".
func (d *CPUDevice) Name() string { return d.name }

// Placement of the tower, e.g. "cpu:0".
func (d *CPUDevice) Placement() string { return d.placement }

// Run implements DeviceExecutor. The loss and the gradients are averaged over the examples of the batch.
// Panics raised by the model are returned as errors.
func (d *CPUDevice) Run(ctx context.Context, batch *batching.Batch) (DeviceResult, error) {
	if batch == nil || batch.Size == 0 {
		return DeviceResult{}, errors.Errorf("device %s: empty batch", d.name)
	}
	var (
		result DeviceResult
		err    error
	)
	panicErr := exceptions.TryCatch[error](func() { result, err = d.run(ctx, batch) })
	if panicErr != nil {
		return DeviceResult{}, errors.WithMessagef(panicErr, "device %s (%s) failed", d.name, d.placement)
	}
	if err != nil {
		return DeviceResult{}, errors.WithMessagef(err, "device %s (%s)", d.name, d.placement)
	}
	return result, nil
}

func (d *CPUDevice) run(ctx context.Context, batch *batching.Batch) (DeviceResult, error) {
	grads := model.ZeroGradients(d.model)
	var totalLoss float64
	for ii := range batch.Size {
		if err := ctx.Err(); err != nil {
			return DeviceResult{}, err
		}
		output, backprop := d.model.Forward(batch.Hazed[ii])
		loss, gradOutput, err := d.loss.Compute(output, batch.Clear[ii])
		if err != nil {
			return DeviceResult{}, errors.WithMessagef(err, "example %d (index %q)", ii, batch.Indices[ii])
		}
		totalLoss += loss
		for p, g := range backprop(gradOutput) {
			if err := grads[p].Add(g); err != nil {
				return DeviceResult{}, errors.WithMessagef(err, "gradient of parameter #%d", p)
			}
		}
	}
	scale := 1 / float64(batch.Size)
	for _, g := range grads {
		g.Scale(scale)
	}
	return DeviceResult{Loss: totalLoss * scale, Grads: grads}, nil
}

// LogDevicePlacement logs where each device runs, along with the host CPU description.
func LogDevicePlacement(devices []DeviceExecutor) {
	klog.Infof("Host CPU: %s (%d physical cores, %d logical cores, AVX2=%v)",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, cpuid.CPU.Supports(cpuid.AVX2))
	for _, device := range devices {
		placement := "unknown"
		if p, ok := device.(interface{ Placement() string }); ok {
			placement = p.Placement()
		}
		klog.Infof("Device placement: %s -> %s", device.Name(), placement)
	}
}
