// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package wgpu_engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"honnef.co/go/visfn/mem"
	"honnef.co/go/visfn/renderer"
	"honnef.co/go/visfn/shader"
)

// These tests only exercise command resolution, which doesn't need a device.

func TestResolve(t *testing.T) {
	eng := &Engine{}
	p := &renderer.Pipeline{
		Label: "test",
		Program: &shader.Program{
			Kernel:       "visible",
			ImageBinding: 3,
			Workgroup:    [3]uint32{8, 8, 1},
		},
	}
	p.Device = &pipeline{engine: eng, prog: p.Program}
	target := &Target{}
	arena := mem.NewArena()

	record := func(selection []byte) *renderer.Recording {
		rec := &renderer.Recording{ID: 1}
		rec.SetPipeline(arena, p)
		rec.Commands = append(rec.Commands, &renderer.SetBytes{Slot: 0, Data: selection})
		rec.SetImage(arena, 3, target)
		rec.Dispatch(arena, [3]uint32{20, 10, 1}, [3]uint32{8, 8, 1})
		rec.Present(arena, target)
		return rec
	}

	f, err := eng.resolve(arena, record([]byte{2, 0, 0, 0}))
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 0, 0, 0}, f.selection)
	assert.Same(t, target, f.target)
	assert.Equal(t, [][2][3]uint32{{{20, 10, 1}, {3, 2, 1}}}, f.dispatches)
	assert.True(t, f.present)

	for _, sel := range [][]byte{{2}, {2, 0, 0, 0, 0, 0, 0, 0}} {
		arena.Reset()
		_, err = eng.resolve(arena, record(sel))
		assert.ErrorIs(t, err, ErrInvalidRecording, "%d byte selection", len(sel))
	}

	arena.Reset()
	_, err = (&Engine{}).resolve(arena, record([]byte{2, 0, 0, 0}))
	assert.ErrorIs(t, err, ErrInvalidRecording, "pipeline of another engine")
}

func TestNilEngineAndTarget(t *testing.T) {
	var eng *Engine
	assert.ErrorIs(t, eng.Submit(&renderer.Recording{}), renderer.ErrUnavailable)

	var target *Target
	assert.False(t, target.Ready())
	w, h := target.Size()
	assert.Zero(t, w)
	assert.Zero(t, h)

	target = &Target{}
	assert.True(t, target.Ready())
	target.SetHidden(true)
	assert.False(t, target.Ready())
}
