// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package visfn_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"honnef.co/go/visfn"
	"honnef.co/go/visfn/engine/cpu_engine"
	"honnef.co/go/visfn/renderer"
)

func build(t *testing.T, cfg *visfn.Config) (*visfn.Renderer, *cpu_engine.Engine) {
	t.Helper()
	eng := cpu_engine.New(nil)
	t.Cleanup(eng.Close)
	lib, err := visfn.DefaultLibrary(cfg)
	require.NoError(t, err)
	r, err := visfn.Build(cfg, lib, eng, nil)
	require.NoError(t, err)
	t.Cleanup(r.Release)
	return r, eng
}

func TestBuildPerGroup(t *testing.T) {
	r, _ := build(t, visfn.DefaultConfig())

	grad, ok := r.Table("gradients")
	require.True(t, ok)
	rec, ok := r.Table("recursive")
	require.True(t, ok)
	assert.Equal(t, 3, grad.Len())
	assert.Equal(t, 1, rec.Len())
	assert.Equal(t, uint32(1), grad.Binding)
	assert.Equal(t, uint32(2), rec.Binding)
	assert.Equal(t, "purple_gradient", grad.Function(0).Name)
	assert.Equal(t, "turquoise_gradient", grad.Function(1).Name)
	assert.Equal(t, "sunset_gradient", grad.Function(2).Name)
	assert.Equal(t, "mirror_recursive", rec.Function(0).Name)
	assert.Equal(t, []string{"mirror_recursive"}, r.Pipeline.Program.Recursive)
	assert.Equal(t, uint32(3), r.Pipeline.Program.ImageBinding)

	c := r.Coordinator
	assert.Equal(t, uint32(0), c.Selection())
	for range 4 {
		c.AdvanceSelection()
	}
	assert.Equal(t, uint32(1), c.Selection())
}

func TestBuildMerged(t *testing.T) {
	cfg := visfn.DefaultConfig()
	cfg.Layout = visfn.LayoutMerged
	r, _ := build(t, cfg)

	require.Len(t, r.Tables, 1)
	all := r.Tables[0]
	assert.Equal(t, "all", all.Name)
	assert.Equal(t, 4, all.Len())
	assert.Equal(t, "mirror_recursive", all.Function(3).Name)
	assert.Equal(t, "all", r.Coordinator.ActiveTable().Name)

	for range 5 {
		r.Coordinator.AdvanceSelection()
	}
	assert.Equal(t, uint32(1), r.Coordinator.Selection())
}

func TestRenderFrames(t *testing.T) {
	r, eng := build(t, visfn.DefaultConfig())
	c := r.Coordinator
	s := cpu_engine.NewSurface(16, 16)

	var colors [3][4]uint8
	for i := range colors {
		require.True(t, c.RequestFrame(s, eng))
		eng.WaitIdle()
		px := s.Image().RGBAAt(0, 0)
		colors[i] = [4]uint8{px.R, px.G, px.B, px.A}
		c.AdvanceSelection()
	}
	assert.Equal(t, uint64(3), s.Presented())
	assert.Equal(t, uint8(255), colors[0][3])
	assert.NotEqual(t, colors[0], colors[1])
	assert.NotEqual(t, colors[1], colors[2])

	// Purple at uv = (1/32, 1/32).
	assert.InDelta(t, 93, int(colors[0][0]), 1)
	assert.InDelta(t, 29, int(colors[0][1]), 1)
	assert.InDelta(t, 143, int(colors[0][2]), 1)
	// Turquoise.
	assert.InDelta(t, 4, int(colors[1][0]), 1)
	assert.InDelta(t, 94, int(colors[1][1]), 1)
	assert.InDelta(t, 106, int(colors[1][2]), 1)

	// The bottom band is rendered by the recursive group, independent of the
	// selection.
	bottom := s.Image().RGBAAt(0, 15)
	require.True(t, c.RequestFrame(s, eng))
	eng.WaitIdle()
	assert.Equal(t, bottom, s.Image().RGBAAt(0, 15))

	st := eng.Stats()
	assert.Equal(t, uint64(4), st.Frames)
	assert.Zero(t, st.Invalid)
	assert.Equal(t, renderer.Stats{Submitted: 4}, c.Stats())
}

func TestSkipUnavailableSurface(t *testing.T) {
	r, eng := build(t, visfn.DefaultConfig())
	c := r.Coordinator
	c.SetSelection(2)
	s := cpu_engine.NewSurface(8, 8)
	s.SetHidden(true)

	assert.False(t, c.RequestFrame(s, eng))
	eng.WaitIdle()
	assert.Zero(t, eng.Stats().Frames)
	assert.Zero(t, s.Presented())
	assert.Equal(t, uint32(2), c.Selection())
	assert.Equal(t, uint64(1), c.Stats().Skipped)
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(cfg *visfn.Config)
		stage renderer.BuildStage
		err   error
	}{
		{
			name:  "missing entry point",
			edit:  func(cfg *visfn.Config) { cfg.Groups[0].Functions = append(cfg.Groups[0].Functions, "plaid_gradient") },
			stage: renderer.StageRegistry,
			err:   renderer.ErrMissingEntryPoint,
		},
		{
			name:  "missing kernel",
			edit:  func(cfg *visfn.Config) { cfg.Kernel = "invisible" },
			stage: renderer.StagePipeline,
			err:   renderer.ErrMissingKernel,
		},
		{
			name:  "empty group",
			edit:  func(cfg *visfn.Config) { cfg.Groups[0].Functions = nil },
			stage: renderer.StagePipeline,
			err:   renderer.ErrEmptyGroup,
		},
		{
			name:  "invalid config",
			edit:  func(cfg *visfn.Config) { cfg.Active = "nope" },
			stage: renderer.StageConfig,
			err:   visfn.ErrInvalidConfig,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := visfn.DefaultConfig()
			tt.edit(cfg)
			eng := cpu_engine.New(nil)
			defer eng.Close()
			lib, err := visfn.DefaultLibrary(cfg)
			require.NoError(t, err)
			_, err = visfn.Build(cfg, lib, eng, nil)
			var berr *renderer.BuildError
			require.True(t, errors.As(err, &berr), "got %v", err)
			assert.Equal(t, tt.stage, berr.Stage)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestBuildRejectedByEngine(t *testing.T) {
	cfg := visfn.DefaultConfig()
	lib, err := visfn.DefaultLibrary(cfg)
	require.NoError(t, err)
	eng := cpu_engine.New(nil)
	defer eng.Close()

	_, err = visfn.Build(cfg, lib, rejectingEngine{eng}, nil)
	var berr *renderer.BuildError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, renderer.StagePipeline, berr.Stage)
	assert.ErrorIs(t, err, renderer.ErrPipelineRejected)
	assert.ErrorIs(t, err, cpu_engine.ErrNoImplementation)
}

type rejectingEngine struct {
	*cpu_engine.Engine
}

func (rejectingEngine) CreatePipeline(*renderer.PipelineDescriptor) (renderer.DevicePipeline, error) {
	return nil, cpu_engine.ErrNoImplementation
}

func TestLink(t *testing.T) {
	cfg := visfn.DefaultConfig()
	lib, err := visfn.DefaultLibrary(cfg)
	require.NoError(t, err)
	prog, err := visfn.Link(cfg, lib)
	require.NoError(t, err)
	assert.Equal(t, "visible", prog.Kernel)
	assert.Equal(t, []string{"gradients", "recursive"}, prog.KernelTables)
	assert.Contains(t, prog.Source, "fn vft_gradients__d1(")
	assert.Contains(t, prog.Source, "fn mirror_recursive__d3(")
	assert.Contains(t, prog.Source, "fn vft_recursive__d4(")

	cfg.Kernel = "purple_gradient"
	_, err = visfn.Link(cfg, lib)
	assert.ErrorIs(t, err, renderer.ErrMissingKernel)
}
