// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package renderer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTables(t *testing.T) {
	b := build(t, testGroups)

	grad := b.tables["gradients"]
	rec := b.tables["recursive"]
	assert.Equal(t, 3, grad.Len())
	assert.Equal(t, 1, rec.Len())
	assert.Equal(t, uint32(1), grad.Binding)
	assert.Equal(t, uint32(2), rec.Binding)

	for _, g := range b.registry.Groups() {
		tbl := b.tables[g.Name]
		require.Equal(t, g.Len(), tbl.Len())
		dev := tbl.Device.(*fakeTable)
		for i, fn := range g.Functions {
			assert.Same(t, fn, tbl.Function(i))
			h, err := b.pipeline.FunctionHandle(fn)
			require.NoError(t, err)
			assert.Equal(t, h, dev.slots[i])
			assert.Equal(t, h, tbl.Handle(i))
		}
	}
	assert.Same(t, b.pipeline, grad.Pipeline())
	assert.Equal(t, 3, b.pipeline.MaxCallStackDepth())
}

func TestBuildPipelineErrors(t *testing.T) {
	lib := testLib(t)
	reg, err := NewRegistry(lib, testGroups)
	require.NoError(t, err)
	set := NewLinkedFunctionSet(reg.Groups()...)

	_, err = BuildPipeline(newFakeEngine(), lib, set, PipelineOptions{Kernel: "nope"})
	assert.ErrorIs(t, err, ErrMissingKernel)

	_, err = BuildPipeline(newFakeEngine(), lib, set, PipelineOptions{Kernel: "a"})
	assert.ErrorIs(t, err, ErrMissingKernel)

	_, err = BuildPipeline(newFakeEngine(), lib, set, PipelineOptions{Kernel: "visible", MaxCallStackDepth: 17})
	assert.ErrorIs(t, err, ErrPipelineRejected)

	eng := newFakeEngine()
	eng.rejectPipelines = true
	_, err = BuildPipeline(eng, lib, set, PipelineOptions{Kernel: "visible"})
	assert.ErrorIs(t, err, ErrPipelineRejected)
}

func TestBuildPipelineEmptyGroup(t *testing.T) {
	lib := testLib(t)
	reg, err := NewRegistry(lib, []GroupConfig{
		{Name: "gradients", Binding: 1},
		{Name: "recursive", Binding: 2, Functions: []string{"d"}},
	})
	require.NoError(t, err)
	_, err = BuildPipeline(newFakeEngine(), lib, NewLinkedFunctionSet(reg.Groups()...), PipelineOptions{Kernel: "visible"})
	assert.ErrorIs(t, err, ErrEmptyGroup)
}

func TestNewTableErrors(t *testing.T) {
	b := build(t, testGroups)

	_, err := NewTable(b.pipeline, &FunctionGroup{Name: "other", Binding: 5})
	assert.ErrorIs(t, err, ErrNoSuchTable)

	// A function from a different registry isn't part of the linked set.
	other, err := NewRegistry(testLib(t), testGroups)
	require.NoError(t, err)
	g, _ := other.Group("gradients")
	_, err = NewTable(b.pipeline, g)
	assert.ErrorIs(t, err, ErrHandleResolution)
}

func TestThreadgroupSize(t *testing.T) {
	tests := []struct {
		width, max uint32
		want       [3]uint32
	}{
		{32, 1024, [3]uint32{32, 32, 1}},
		{64, 1024, [3]uint32{64, 16, 1}},
		{32, 100, [3]uint32{32, 3, 1}},
		{0, 64, [3]uint32{1, 64, 1}},
	}
	for _, tt := range tests {
		got := ThreadgroupSize(tt.width, tt.max)
		assert.Equal(t, tt.want, got)
		if tt.width > 0 {
			assert.Equal(t, tt.width, got[0])
		}
		assert.LessOrEqual(t, got[0]*got[1], max(tt.max, got[0]))
	}
}

func TestThreadgroups(t *testing.T) {
	assert.Equal(t, [3]uint32{4, 3, 1}, Threadgroups([3]uint32{100, 70, 1}, [3]uint32{32, 32, 1}))
	assert.Equal(t, [3]uint32{0, 0, 1}, Threadgroups([3]uint32{0, 0, 1}, [3]uint32{8, 8, 1}))
}
