// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package visfn

import (
	"fmt"
	"io/fs"

	"honnef.co/go/visfn/profiler"
	"honnef.co/go/visfn/renderer"
	"honnef.co/go/visfn/shader"
	"honnef.co/go/visfn/shaders"
)

// CompileLibrary preprocesses the WGSL file name in files, with imports
// resolved in imports, and compiles it. The configured defines and the
// layout's name are defined.
func CompileLibrary(cfg *Config, files fs.FS, name string, imports fs.FS) (*shader.Library, error) {
	src, err := fs.ReadFile(files, name)
	if err != nil {
		return nil, &renderer.BuildError{Stage: renderer.StageLibrary, Err: err}
	}
	pp := &shader.Preprocessor{
		Imports: imports,
		Defines: map[string]struct{}{string(cfg.Layout): {}},
		Logger:  Logger(),
	}
	for _, d := range cfg.Defines {
		pp.Defines[d] = struct{}{}
	}
	src, err = pp.Preprocess(src, name)
	if err != nil {
		return nil, &renderer.BuildError{Stage: renderer.StageLibrary, Err: err}
	}
	lib, err := shader.Compile(name, src)
	if err != nil {
		return nil, &renderer.BuildError{Stage: renderer.StageLibrary, Err: err}
	}
	return lib, nil
}

// DefaultLibrary compiles the embedded shader library.
func DefaultLibrary(cfg *Config) (*shader.Library, error) {
	imports, err := fs.Sub(shaders.FS, shaders.Shared)
	if err != nil {
		return nil, &renderer.BuildError{Stage: renderer.StageLibrary, Err: err}
	}
	return CompileLibrary(cfg, shaders.FS, shaders.Library, imports)
}

type BuildOptions struct {
	// Label names the pipeline. Defaults to the kernel's name.
	Label    string
	Profiler *profiler.Timer
}

// Renderer is the result of the build phase. Everything but the
// coordinator's selection is immutable.
type Renderer struct {
	Config      *Config
	Library     *shader.Library
	Registry    *renderer.Registry
	Pipeline    *renderer.Pipeline
	Tables      []*renderer.IndirectFunctionTable
	Coordinator *renderer.Coordinator
}

// Build resolves the configured groups in lib, builds the pipeline and its
// tables with eng and sets up the dispatch coordinator. Any failure is a
// *renderer.BuildError and means the configuration and the library don't
// match.
func Build(cfg *Config, lib *shader.Library, eng renderer.Engine, opts *BuildOptions) (*Renderer, error) {
	if opts == nil {
		opts = &BuildOptions{}
	}
	fail := func(stage renderer.BuildStage, err error) (*Renderer, error) {
		Logger().Debug("build failed", "stage", stage, "err", err)
		return nil, &renderer.BuildError{Stage: stage, Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return fail(renderer.StageConfig, err)
	}

	reg, set, err := cfg.link(lib)
	if err != nil {
		return fail(renderer.StageRegistry, err)
	}
	p, err := renderer.BuildPipeline(eng, lib, set, cfg.pipelineOptions(opts.Label))
	if err != nil {
		return fail(renderer.StagePipeline, err)
	}

	r := &Renderer{
		Config:   cfg,
		Library:  lib,
		Registry: reg,
		Pipeline: p,
	}
	for _, g := range set.Groups {
		t, err := renderer.NewTable(p, g)
		if err != nil {
			r.Release()
			return fail(renderer.StageTables, err)
		}
		r.Tables = append(r.Tables, t)
	}

	c, err := renderer.NewCoordinator(p, r.Tables, cfg.ActiveTable(), &renderer.CoordinatorOptions{Profiler: opts.Profiler})
	if err != nil {
		r.Release()
		return fail(renderer.StageCoordinator, err)
	}
	r.Coordinator = c

	Logger().Info("built renderer",
		"kernel", cfg.Kernel,
		"layout", cfg.Layout,
		"tables", len(r.Tables),
		"functions", len(set.Functions),
		"max_call_stack_depth", p.MaxCallStackDepth())
	return r, nil
}

// link resolves the configured groups in lib and arranges them in tables
// according to the layout.
func (cfg *Config) link(lib *shader.Library) (*renderer.Registry, *renderer.LinkedFunctionSet, error) {
	reg, err := renderer.NewRegistry(lib, cfg.groupConfigs())
	if err != nil {
		return nil, nil, err
	}
	var groups []*renderer.FunctionGroup
	switch cfg.Layout {
	case LayoutMerged:
		groups = []*renderer.FunctionGroup{reg.Merged(cfg.Merged.Name, cfg.Merged.Binding)}
	default:
		groups = reg.Groups()
	}
	return reg, renderer.NewLinkedFunctionSet(groups...), nil
}

func (cfg *Config) pipelineOptions(label string) renderer.PipelineOptions {
	return renderer.PipelineOptions{
		Label:             label,
		Kernel:            cfg.Kernel,
		SelectionBinding:  cfg.SelectionBinding,
		MaxCallStackDepth: cfg.MaxCallStackDepth,
	}
}

// Link links the configured kernel and groups without creating any device
// resources, e.g. to inspect the generated WGSL.
func Link(cfg *Config, lib *shader.Library) (*shader.Program, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &renderer.BuildError{Stage: renderer.StageConfig, Err: err}
	}
	_, set, err := cfg.link(lib)
	if err != nil {
		return nil, &renderer.BuildError{Stage: renderer.StageRegistry, Err: err}
	}
	prog, err := renderer.LinkProgram(lib, set, cfg.pipelineOptions(""))
	if err != nil {
		return nil, &renderer.BuildError{Stage: renderer.StagePipeline, Err: err}
	}
	return prog, nil
}

// Table returns the table built for the named group.
func (r *Renderer) Table(name string) (*renderer.IndirectFunctionTable, bool) {
	for _, t := range r.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Release frees the device resources of the pipeline and tables.
func (r *Renderer) Release() {
	for _, t := range r.Tables {
		t.Release()
	}
	r.Tables = nil
	if r.Pipeline != nil {
		r.Pipeline.Release()
	}
}

func (r *Renderer) String() string {
	return fmt.Sprintf("Renderer(%s, %d tables)", r.Pipeline.Label, len(r.Tables))
}
