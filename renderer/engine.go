// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package renderer

import "honnef.co/go/visfn/shader"

// FunctionHandle is a device-resolvable reference to a linked function. It
// is only meaningful for the pipeline it was obtained from.
type FunctionHandle uint32

type PipelineDescriptor struct {
	Label   string
	Program *shader.Program
}

// Engine executes recordings on some device.
type Engine interface {
	CreatePipeline(desc *PipelineDescriptor) (DevicePipeline, error)
	Submitter
}

// Submitter accepts the command stream of a frame. Submit must not block on
// the frame's completion and must not retain rec or anything it points to
// after returning.
type Submitter interface {
	Submit(rec *Recording) error
}

// DevicePipeline is an engine's compiled form of a linked program.
type DevicePipeline interface {
	// ThreadExecutionWidth is the preferred threadgroup width.
	ThreadExecutionWidth() uint32
	MaxTotalThreadsPerThreadgroup() uint32
	FunctionHandle(name string) (FunctionHandle, bool)
	// NewFunctionTable allocates a table with room for n handles.
	NewFunctionTable(label string, n int) (DeviceTable, error)
	Release()
}

// DeviceTable is device memory holding function handles.
type DeviceTable interface {
	Len() int
	SetFunction(h FunctionHandle, index int)
	Release()
}

// Drawable is the destination image of a frame.
type Drawable interface {
	Size() (width, height uint32)
	// Ready reports whether the image can be rendered to right now.
	Ready() bool
}
