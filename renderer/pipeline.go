// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package renderer

import (
	"fmt"
	"slices"

	"honnef.co/go/visfn/shader"
)

type PipelineOptions struct {
	Label            string
	Kernel           string
	SelectionBinding uint32
	// MaxCallStackDepth bounds chains of indirect calls. Zero picks the
	// smallest depth that accommodates one level of self recursion, or 1 if
	// no function makes indirect calls.
	MaxCallStackDepth int
}

// Pipeline is a compiled kernel together with the functions it can call
// indirectly. It is immutable once built.
type Pipeline struct {
	Label   string
	Program *shader.Program
	Device  DevicePipeline

	set *LinkedFunctionSet
}

// LinkProgram links the kernel against set without involving a device.
// Every group in set gets a table binding.
func LinkProgram(lib *shader.Library, set *LinkedFunctionSet, opts PipelineOptions) (*shader.Program, error) {
	if _, err := lib.Kernel(opts.Kernel); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMissingKernel, err)
	}

	tables := make([]shader.TableLayout, len(set.Groups))
	for i, g := range set.Groups {
		tables[i] = shader.TableLayout{Name: g.Name, Binding: g.Binding}
	}
	prog, err := lib.Link(shader.LinkOptions{
		Kernel:            opts.Kernel,
		Functions:         set.Names(),
		Tables:            tables,
		SelectionBinding:  opts.SelectionBinding,
		MaxCallStackDepth: opts.MaxCallStackDepth,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPipelineRejected, err)
	}
	for _, g := range set.Groups {
		if g.Len() == 0 && slices.Contains(prog.KernelTables, g.Name) {
			return nil, fmt.Errorf("%w: kernel %q calls through %q", ErrEmptyGroup, opts.Kernel, g.Name)
		}
	}
	return prog, nil
}

// BuildPipeline links the kernel against set and compiles the result with eng.
func BuildPipeline(eng Engine, lib *shader.Library, set *LinkedFunctionSet, opts PipelineOptions) (*Pipeline, error) {
	prog, err := LinkProgram(lib, set, opts)
	if err != nil {
		return nil, err
	}

	label := opts.Label
	if label == "" {
		label = opts.Kernel
	}
	dev, err := eng.CreatePipeline(&PipelineDescriptor{Label: label, Program: prog})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPipelineRejected, err)
	}
	Logger().Debug("built pipeline",
		"label", label,
		"functions", len(prog.Functions),
		"tables", len(prog.Tables),
		"recursive", prog.Recursive,
		"max_call_stack_depth", prog.MaxCallStackDepth,
		"execution_width", dev.ThreadExecutionWidth(),
		"max_threads", dev.MaxTotalThreadsPerThreadgroup())
	return &Pipeline{
		Label:   label,
		Program: prog,
		Device:  dev,
		set:     set,
	}, nil
}

// FunctionHandle resolves fn, which must be part of the pipeline's linked
// function set.
func (p *Pipeline) FunctionHandle(fn *CallableFunction) (FunctionHandle, error) {
	if !p.set.contains(fn) {
		return 0, fmt.Errorf("%w: %q is not linked into %q", ErrHandleResolution, fn.Name, p.Label)
	}
	h, ok := p.Device.FunctionHandle(fn.Name)
	if !ok {
		return 0, fmt.Errorf("%w: %q in %q", ErrHandleResolution, fn.Name, p.Label)
	}
	return h, nil
}

func (p *Pipeline) ThreadExecutionWidth() uint32 {
	return p.Device.ThreadExecutionWidth()
}

func (p *Pipeline) MaxTotalThreadsPerThreadgroup() uint32 {
	return p.Device.MaxTotalThreadsPerThreadgroup()
}

func (p *Pipeline) MaxCallStackDepth() int {
	return p.Program.MaxCallStackDepth
}

func (p *Pipeline) Release() {
	p.Device.Release()
}
