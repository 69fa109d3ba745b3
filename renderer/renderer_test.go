// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package renderer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"honnef.co/go/visfn/shader"
)

const testLibrary = `
@group(0) @binding(3)
var output: texture_storage_2d<rgba8unorm, write>;

@compute @workgroup_size(8, 8, 1)
fn visible(@builtin(global_invocation_id) gid: vec3<u32>) {
	let uv = vec2<f32>(gid.xy) / vec2<f32>(64.0, 64.0);
	var color = vft_gradients(vft_selection, uv);
	if (uv.y > 0.75) {
		color = vft_recursive(0u, uv);
	}
	textureStore(output, vec2<i32>(gid.xy), color);
}

fn a(uv: vec2<f32>) -> vec4<f32> {
	return vec4<f32>(1.0, 0.0, 0.0, 1.0);
}

fn b(uv: vec2<f32>) -> vec4<f32> {
	return vec4<f32>(0.0, 1.0, 0.0, 1.0);
}

fn c(uv: vec2<f32>) -> vec4<f32> {
	return vec4<f32>(0.0, 0.0, 1.0, 1.0);
}

fn d(uv: vec2<f32>) -> vec4<f32> {
	return vft_recursive(0u, uv * 0.5) * vec4<f32>(0.5, 0.5, 0.5, 1.0);
}

fn not_callable(x: f32) -> f32 {
	return x;
}
`

var testGroups = []GroupConfig{
	{Name: "recursive", Binding: 2, Functions: []string{"d"}},
	{Name: "gradients", Binding: 1, Functions: []string{"a", "b", "c"}},
}

type fakeEngine struct {
	width, maxThreads uint32
	rejectPipelines   bool
	rejectSubmits     bool
	submitted         []fakeFrame
}

type fakeFrame struct {
	commands  []string
	selection uint32
	dispatch  Dispatch
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{width: 32, maxThreads: 1024}
}

func (e *fakeEngine) CreatePipeline(desc *PipelineDescriptor) (DevicePipeline, error) {
	if e.rejectPipelines {
		return nil, errors.New("unsupported")
	}
	return &fakePipeline{engine: e, prog: desc.Program}, nil
}

func (e *fakeEngine) Submit(rec *Recording) error {
	if e == nil {
		return ErrUnavailable
	}
	if e.rejectSubmits {
		return errors.New("queue lost")
	}
	var f fakeFrame
	for _, cmd := range rec.Commands {
		switch cmd := cmd.(type) {
		case *SetPipeline:
			f.commands = append(f.commands, "pipeline")
		case *SetBytes:
			f.commands = append(f.commands, fmt.Sprintf("bytes@%d", cmd.Slot))
			f.selection = binary.LittleEndian.Uint32(cmd.Data)
		case *SetFunctionTable:
			f.commands = append(f.commands, fmt.Sprintf("table %s@%d", cmd.Table.Name, cmd.Binding))
		case *SetImage:
			f.commands = append(f.commands, fmt.Sprintf("image@%d", cmd.Binding))
		case *Dispatch:
			f.commands = append(f.commands, "dispatch")
			f.dispatch = *cmd
		case *Present:
			f.commands = append(f.commands, "present")
		}
	}
	e.submitted = append(e.submitted, f)
	return nil
}

type fakePipeline struct {
	engine *fakeEngine
	prog   *shader.Program
}

func (p *fakePipeline) ThreadExecutionWidth() uint32          { return p.engine.width }
func (p *fakePipeline) MaxTotalThreadsPerThreadgroup() uint32 { return p.engine.maxThreads }
func (p *fakePipeline) Release()                              {}

func (p *fakePipeline) FunctionHandle(name string) (FunctionHandle, bool) {
	h, ok := p.prog.Handles[name]
	return FunctionHandle(h), ok
}

func (p *fakePipeline) NewFunctionTable(label string, n int) (DeviceTable, error) {
	return &fakeTable{slots: make([]FunctionHandle, n)}, nil
}

type fakeTable struct {
	slots []FunctionHandle
}

func (t *fakeTable) Len() int                                { return len(t.slots) }
func (t *fakeTable) SetFunction(h FunctionHandle, index int) { t.slots[index] = h }
func (t *fakeTable) Release()                                {}

type fakeDrawable struct {
	width, height uint32
	ready         bool
}

func (d *fakeDrawable) Size() (uint32, uint32) { return d.width, d.height }
func (d *fakeDrawable) Ready() bool            { return d.ready }

func testLib(t *testing.T) *shader.Library {
	t.Helper()
	lib, err := shader.Compile("test.wgsl", []byte(testLibrary))
	require.NoError(t, err)
	return lib
}

type built struct {
	engine   *fakeEngine
	registry *Registry
	pipeline *Pipeline
	tables   map[string]*IndirectFunctionTable
}

func build(t *testing.T, groups []GroupConfig) *built {
	t.Helper()
	eng := newFakeEngine()
	reg, err := NewRegistry(testLib(t), groups)
	require.NoError(t, err)
	p, err := BuildPipeline(eng, reg.Library(), NewLinkedFunctionSet(reg.Groups()...), PipelineOptions{
		Kernel:            "visible",
		MaxCallStackDepth: 3,
	})
	require.NoError(t, err)
	b := &built{engine: eng, registry: reg, pipeline: p, tables: map[string]*IndirectFunctionTable{}}
	for _, g := range reg.Groups() {
		tbl, err := NewTable(p, g)
		require.NoError(t, err)
		b.tables[g.Name] = tbl
	}
	return b
}
