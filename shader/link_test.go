// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package shader

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkFlat(t *testing.T) {
	lib := mustCompile(t, flatLibrary)
	prog, err := lib.Link(LinkOptions{
		Kernel:    "main",
		Functions: []string{"green", "red"},
		Tables:    []TableLayout{{Name: "colors", Binding: 1}},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]uint32{"green": 0, "red": 1}, prog.Handles)
	assert.Equal(t, []string{"colors"}, prog.KernelTables)
	assert.Empty(t, prog.Recursive)
	assert.Equal(t, 1, prog.MaxCallStackDepth)
	assert.Equal(t, uint32(3), prog.ImageBinding)
	assert.Equal(t, [3]uint32{8, 8, 1}, prog.Workgroup)

	assert.Contains(t, prog.Source, "vft_colors__d1(vft_selection, uv)")
	assert.Contains(t, prog.Source, "@group(0) @binding(0) var<uniform> vft_selection: u32;")
	assert.Contains(t, prog.Source, "@group(0) @binding(1) var<storage, read> vft_colors_table: array<u32>;")
	assert.Contains(t, prog.Source, "if (handle == 1u) {\n\t\treturn red(uv);")
	assert.NotContains(t, prog.Source, "__d2")

	layout, ok := prog.Table("colors")
	assert.True(t, ok)
	assert.Equal(t, uint32(1), layout.Binding)
	_, ok = prog.Table("missing")
	assert.False(t, ok)
}

func TestLinkRecursive(t *testing.T) {
	lib := mustCompile(t, recursiveLibrary)
	prog, err := lib.Link(LinkOptions{
		Kernel:    "main",
		Functions: []string{"red", "green", "echo"},
		Tables:    []TableLayout{{Name: "colors", Binding: 1}},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"echo"}, prog.Recursive)
	assert.Equal(t, DefaultRecursiveDepth, prog.MaxCallStackDepth)

	src := prog.Source
	assert.NotContains(t, src, "fn echo(")
	for _, want := range []string{
		"fn echo__d1(",
		"fn echo__d2(",
		"fn echo__d3(",
		"return vft_colors__d2(0u, uv * 0.5)",
		"return vft_colors__d4(0u, uv * 0.5)",
		"fn vft_colors__d4(slot: u32, uv: vec2<f32>) -> vec4<f32> {\n\treturn vec4<f32>(0.0);",
		"return echo__d3(uv);",
	} {
		assert.Contains(t, src, want)
	}
	assert.NotContains(t, src, "fn echo__d4(")
}

func TestLinkExplicitDepth(t *testing.T) {
	lib := mustCompile(t, recursiveLibrary)
	prog, err := lib.Link(LinkOptions{
		Kernel:            "main",
		Functions:         []string{"echo"},
		Tables:            []TableLayout{{Name: "colors", Binding: 1}},
		MaxCallStackDepth: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, prog.MaxCallStackDepth)
	assert.Contains(t, prog.Source, "fn vft_colors__d2(slot: u32")
	assert.NotContains(t, prog.Source, "fn echo__d2(")
}

func TestLinkErrors(t *testing.T) {
	colors := []TableLayout{{Name: "colors", Binding: 1}}
	tests := []struct {
		name string
		src  string
		opts LinkOptions
		err  error
	}{
		{
			name: "unknown table",
			src:  flatLibrary,
			opts: LinkOptions{Kernel: "main", Functions: []string{"red"}, Tables: []TableLayout{{Name: "other", Binding: 1}}},
			err:  ErrUnknownTable,
		},
		{
			name: "stray table call",
			src:  recursiveLibrary,
			opts: LinkOptions{Kernel: "main", Functions: []string{"red"}, Tables: colors},
			err:  ErrStrayTableCall,
		},
		{
			name: "selection binding conflict",
			src:  flatLibrary,
			opts: LinkOptions{Kernel: "main", Functions: []string{"red"}, Tables: []TableLayout{{Name: "colors", Binding: 0}}},
			err:  ErrBindingConflict,
		},
		{
			name: "image binding conflict",
			src:  flatLibrary,
			opts: LinkOptions{Kernel: "main", Functions: []string{"red"}, Tables: []TableLayout{{Name: "colors", Binding: 3}}},
			err:  ErrBindingConflict,
		},
		{
			name: "reserved table name",
			src:  flatLibrary,
			opts: LinkOptions{Kernel: "main", Functions: []string{"red"}, Tables: []TableLayout{{Name: "invoke", Binding: 1}}},
			err:  ErrTableName,
		},
		{
			name: "malformed table name",
			src:  flatLibrary,
			opts: LinkOptions{Kernel: "main", Functions: []string{"red"}, Tables: []TableLayout{{Name: "a__b", Binding: 1}}},
			err:  ErrTableName,
		},
		{
			name: "duplicate function",
			src:  flatLibrary,
			opts: LinkOptions{Kernel: "main", Functions: []string{"red", "red"}, Tables: colors},
			err:  ErrDuplicateFunction,
		},
		{
			name: "missing function",
			src:  flatLibrary,
			opts: LinkOptions{Kernel: "main", Functions: []string{"blue"}, Tables: colors},
			err:  ErrNoSuchFunction,
		},
		{
			name: "wrong signature",
			src:  flatLibrary,
			opts: LinkOptions{Kernel: "main", Functions: []string{"bad"}, Tables: colors},
			err:  ErrSignature,
		},
		{
			name: "kernel is not an entry point",
			src:  flatLibrary,
			opts: LinkOptions{Kernel: "red", Tables: colors},
			err:  ErrNotKernel,
		},
		{
			name: "depth too large",
			src:  flatLibrary,
			opts: LinkOptions{Kernel: "main", Functions: []string{"red"}, Tables: colors, MaxCallStackDepth: MaxCallStackDepthLimit + 1},
			err:  ErrCallDepth,
		},
		{
			name: "negative depth",
			src:  flatLibrary,
			opts: LinkOptions{Kernel: "main", Functions: []string{"red"}, Tables: colors, MaxCallStackDepth: -1},
			err:  ErrCallDepth,
		},
		{
			name: "no output image",
			src: `
@compute @workgroup_size(1)
fn main() {
}
`,
			opts: LinkOptions{Kernel: "main"},
			err:  ErrNoImage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib := mustCompile(t, tt.src)
			_, err := lib.Link(tt.opts)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
