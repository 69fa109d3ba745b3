// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package wgpu_engine executes recordings with WebGPU.
//
// Function tables are read-only storage buffers of u32 handles and the
// selection index is a uniform. The linked program's dispatchers do the
// indirection on the device.
package wgpu_engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"slices"
	"sync/atomic"

	"honnef.co/go/visfn/mem"
	"honnef.co/go/visfn/profiler"
	"honnef.co/go/visfn/renderer"
	"honnef.co/go/visfn/shader"
	"honnef.co/go/wgpu"
)

// OPT reuse bind groups across frames when nothing but the selection changed

var ErrInvalidRecording = errors.New("wgpu_engine: invalid recording")

type Options struct {
	// SurfaceFormat is the format of the views targets blit to.
	SurfaceFormat wgpu.TextureFormat
	// ExecutionWidth is reported as the pipelines' thread execution width.
	// WebGPU doesn't expose the subgroup size. Defaults to 32.
	ExecutionWidth uint32
	// MaxThreads is the maximum threadgroup size. Defaults to 256, the
	// WebGPU default limit.
	MaxThreads uint32
	// GPUTimestamps enables timestamp queries around every dispatch. The
	// device must have been created with timestamp query support.
	GPUTimestamps bool

	Logger   *slog.Logger
	Profiler *profiler.Timer
}

type Engine struct {
	Device *wgpu.Device
	Queue  *wgpu.Queue

	opts   Options
	pool   resourcePool
	blit   *blitPipeline
	gpu    *gpuTimer
	arena  *mem.Arena
	logger atomic.Pointer[slog.Logger]

	frames atomic.Uint64
}

var _ renderer.Engine = (*Engine)(nil)

type bufferProperties struct {
	size   uint64
	usages wgpu.BufferUsage
}

type resourcePool struct {
	bufs map[bufferProperties][]*wgpu.Buffer
}

func New(dev *wgpu.Device, queue *wgpu.Queue, options *Options) *Engine {
	var o Options
	if options != nil {
		o = *options
	}
	if o.ExecutionWidth == 0 {
		o.ExecutionWidth = 32
	}
	if o.MaxThreads == 0 {
		o.MaxThreads = 256
	}
	eng := &Engine{
		Device: dev,
		Queue:  queue,
		opts:   o,
		pool: resourcePool{
			bufs: make(map[bufferProperties][]*wgpu.Buffer),
		},
		arena: mem.NewArena(),
	}
	if o.GPUTimestamps {
		eng.gpu = newGPUTimer(dev)
	}
	eng.blit = newBlitPipeline(dev, o.SurfaceFormat)
	eng.SetLogger(o.Logger)
	return eng
}

// SetLogger sets the engine's logger. With a nil logger, the engine logs
// to the renderer package's logger.
func (eng *Engine) SetLogger(l *slog.Logger) {
	eng.logger.Store(l)
}

func (eng *Engine) log() *slog.Logger {
	if l := eng.logger.Load(); l != nil {
		return l
	}
	return renderer.Logger()
}

type pipeline struct {
	engine          *Engine
	label           string
	prog            *shader.Program
	pipeline        *wgpu.ComputePipeline
	bindGroupLayout *wgpu.BindGroupLayout
}

// layoutEntries describes the resources of a linked program: the selection
// uniform, one read-only storage buffer per table and the output texture.
func layoutEntries(prog *shader.Program) []wgpu.BindGroupLayoutEntry {
	entries := []wgpu.BindGroupLayoutEntry{
		{
			Binding:    prog.SelectionBinding,
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     &wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeUniform},
		},
		{
			Binding:    prog.ImageBinding,
			Visibility: wgpu.ShaderStageCompute,
			StorageTexture: &wgpu.StorageTextureBindingLayout{
				Access:        wgpu.StorageTextureAccessWriteOnly,
				Format:        wgpu.TextureFormatRGBA8Unorm,
				ViewDimension: wgpu.TextureViewDimension2D,
			},
		},
	}
	for _, t := range prog.Tables {
		entries = append(entries, wgpu.BindGroupLayoutEntry{
			Binding:    t.Binding,
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     &wgpu.BufferBindingLayout{Type: wgpu.BufferBindingTypeReadOnlyStorage},
		})
	}
	slices.SortFunc(entries, func(a, b wgpu.BindGroupLayoutEntry) int {
		return int(a.Binding) - int(b.Binding)
	})
	return entries
}

func (eng *Engine) CreatePipeline(desc *renderer.PipelineDescriptor) (renderer.DevicePipeline, error) {
	prog := desc.Program
	label := desc.Label
	if label == "" {
		label = prog.Kernel
	}
	// OPT(dh): use SPIR-V instead of WGSL for faster pipeline creation.
	shaderModule := eng.Device.CreateShaderModule(wgpu.ShaderModuleDescriptor{
		Label:  label,
		Source: wgpu.ShaderSourceWGSL([]byte(prog.Source)),
	})
	bindGroupLayout := eng.Device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Entries: layoutEntries(prog),
	})
	computePipelineLayout := eng.Device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		BindGroupLayouts: []*wgpu.BindGroupLayout{bindGroupLayout},
	})
	defer computePipelineLayout.Release()
	cp := eng.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  label,
		Layout: computePipelineLayout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     shaderModule,
			EntryPoint: prog.Kernel,
		},
	})
	if cp == nil {
		return nil, fmt.Errorf("wgpu_engine: couldn't create compute pipeline %q", label)
	}
	eng.log().Debug("created GPU pipeline", "label", label, "kernel", prog.Kernel, "functions", len(prog.Functions))
	return &pipeline{
		engine:          eng,
		label:           label,
		prog:            prog,
		pipeline:        cp,
		bindGroupLayout: bindGroupLayout,
	}, nil
}

func (p *pipeline) ThreadExecutionWidth() uint32 {
	return p.engine.opts.ExecutionWidth
}

func (p *pipeline) MaxTotalThreadsPerThreadgroup() uint32 {
	return p.engine.opts.MaxThreads
}

// FunctionHandle returns the handle the program's dispatchers use for name.
// Handles are assigned by the linker, not by the device.
func (p *pipeline) FunctionHandle(name string) (renderer.FunctionHandle, bool) {
	h, ok := p.prog.Handles[name]
	return renderer.FunctionHandle(h), ok
}

func (p *pipeline) NewFunctionTable(label string, n int) (renderer.DeviceTable, error) {
	if n <= 0 {
		return nil, fmt.Errorf("wgpu_engine: table %q has %d slots", label, n)
	}
	size := uint64(4 * n)
	buf := p.engine.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: label,
		Size:  size,
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst,
	})
	if buf == nil {
		return nil, fmt.Errorf("wgpu_engine: couldn't allocate %d bytes for table %q", size, label)
	}
	return &table{engine: p.engine, label: label, n: n, buf: buf}, nil
}

func (p *pipeline) Release() {}

type table struct {
	engine *Engine
	label  string
	n      int
	buf    *wgpu.Buffer
}

func (t *table) Len() int {
	return t.n
}

func (t *table) SetFunction(h renderer.FunctionHandle, index int) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(h))
	t.engine.Queue.WriteBuffer(t.buf, uint64(4*index), b[:])
}

func (t *table) Release() {
	if t.buf != nil {
		t.buf.Release()
		t.buf = nil
	}
}

// frame is a recording resolved against this engine's resources.
type frame struct {
	id         renderer.FrameID
	pipeline   *pipeline
	selection  []byte
	tables     mem.BinaryTreeMap[uint32, *table]
	target     *Target
	dispatches [][2][3]uint32
	present    bool
}

func (eng *Engine) resolve(arena *mem.Arena, rec *renderer.Recording) (*frame, error) {
	f := mem.Make(arena, frame{id: rec.ID})
	for _, cmd := range rec.Commands {
		switch cmd := cmd.(type) {
		case *renderer.SetPipeline:
			p, ok := cmd.Pipeline.Device.(*pipeline)
			if !ok || p.engine != eng {
				return nil, fmt.Errorf("%w: pipeline %q belongs to another engine", ErrInvalidRecording, cmd.Pipeline.Label)
			}
			f.pipeline = p
		case *renderer.SetBytes:
			if f.pipeline == nil || cmd.Slot != f.pipeline.prog.SelectionBinding {
				return nil, fmt.Errorf("%w: inline bytes at slot %d", ErrInvalidRecording, cmd.Slot)
			}
			if len(cmd.Data) != 4 {
				return nil, fmt.Errorf("%w: selection is %d bytes", ErrInvalidRecording, len(cmd.Data))
			}
			f.selection = cmd.Data
		case *renderer.SetFunctionTable:
			t, ok := cmd.Table.Device.(*table)
			if !ok || t.engine != eng {
				return nil, fmt.Errorf("%w: table %q belongs to another engine", ErrInvalidRecording, cmd.Table.Name)
			}
			f.tables.Insert(arena, cmd.Binding, t)
		case *renderer.SetImage:
			t, ok := cmd.Image.(*Target)
			if !ok {
				return nil, fmt.Errorf("%w: can't render to %T", ErrInvalidRecording, cmd.Image)
			}
			if f.pipeline != nil && cmd.Binding != f.pipeline.prog.ImageBinding {
				return nil, fmt.Errorf("%w: image at binding %d, program expects %d", ErrInvalidRecording, cmd.Binding, f.pipeline.prog.ImageBinding)
			}
			f.target = t
		case *renderer.Dispatch:
			if f.pipeline == nil || f.target == nil {
				return nil, fmt.Errorf("%w: dispatch without pipeline or image", ErrInvalidRecording)
			}
			wg := renderer.Threadgroups(cmd.Grid, f.pipeline.prog.Workgroup)
			f.dispatches = mem.Append(arena, f.dispatches, [2][3]uint32{cmd.Grid, wg})
		case *renderer.Present:
			if cmd.Image != f.target {
				return nil, fmt.Errorf("%w: presenting an image that wasn't rendered to", ErrInvalidRecording)
			}
			f.present = true
		default:
			return nil, fmt.Errorf("%w: unhandled command %T", ErrInvalidRecording, cmd)
		}
	}
	if f.pipeline == nil || f.target == nil || f.selection == nil {
		return nil, fmt.Errorf("%w: frame %d has no pipeline, image or selection", ErrInvalidRecording, rec.ID)
	}
	for _, layout := range f.pipeline.prog.Tables {
		if _, ok := f.tables.Get(layout.Binding); !ok {
			return nil, fmt.Errorf("%w: no table bound at binding %d (%s)", ErrInvalidRecording, layout.Binding, layout.Name)
		}
	}
	return f, nil
}

// Submit encodes rec's dispatches into one command buffer and submits it to
// the queue. Presenting blits the target to its output after the
// dispatches.
func (eng *Engine) Submit(rec *renderer.Recording) error {
	if eng == nil {
		return renderer.ErrUnavailable
	}
	arena := eng.arena
	arena.Reset()

	f, err := eng.resolve(arena, rec)
	if err != nil {
		return err
	}

	span := eng.opts.Profiler.Start(uint64(f.id), "gpu frame")
	defer span.End()

	usage := wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst
	selection := eng.pool.getBuf(uint64(len(f.selection)), "selection", usage, eng.Device)
	eng.Queue.WriteBuffer(selection, 0, f.selection)

	bindGroup := eng.createBindGroup(arena, f, selection)
	defer bindGroup.Release()

	encoder := eng.Device.CreateCommandEncoder(mem.Make(arena, wgpu.CommandEncoderDescriptor{Label: f.pipeline.label}))
	defer encoder.Release()
	timings := eng.gpu.start(uint64(f.id))
	for _, d := range f.dispatches {
		wg := d[1]
		cpass := encoder.BeginComputePass(mem.Make(arena, wgpu.ComputePassDescriptor{
			Label:           f.pipeline.label,
			TimestampWrites: timings.compute(arena, f.pipeline.label),
		}))
		cpass.SetPipeline(f.pipeline.pipeline)
		cpass.SetBindGroup(0, bindGroup, nil)
		cpass.DispatchWorkgroups(wg[0], wg[1], wg[2])
		cpass.End()
		cpass.Release()
	}

	var done func()
	if f.present && f.target.Output != nil {
		done = eng.blitTarget(arena, encoder, f.target, timings)
	}
	eng.gpu.resolve(encoder)

	cmd := encoder.Finish(nil)
	eng.Queue.Submit(cmd)
	cmd.Release()
	eng.gpu.mapResolved()

	// The queue orders later writes to the selection buffer after this
	// frame's dispatches.
	eng.pool.putBuf(selection)

	if f.present {
		f.target.presented.Add(1)
		if done != nil {
			done()
		}
	}
	eng.frames.Add(1)
	return nil
}

func (eng *Engine) createBindGroup(arena *mem.Arena, f *frame, selection *wgpu.Buffer) *wgpu.BindGroup {
	prog := f.pipeline.prog
	entries := mem.NewSlice[[]wgpu.BindGroupEntry](arena, 0, len(prog.Tables)+2)
	entries = mem.Append(arena, entries,
		wgpu.BindGroupEntry{
			Binding: prog.SelectionBinding,
			Buffer:  selection,
			Size:    ^uint64(0),
		},
		wgpu.BindGroupEntry{
			Binding:     prog.ImageBinding,
			TextureView: f.target.View,
			Size:        ^uint64(0),
		},
	)
	for binding, t := range f.tables.All() {
		entries = mem.Append(arena, entries, wgpu.BindGroupEntry{
			Binding: binding,
			Buffer:  t.buf,
			Size:    ^uint64(0),
		})
	}
	return eng.Device.CreateBindGroup(mem.Make(arena, wgpu.BindGroupDescriptor{
		Layout:  f.pipeline.bindGroupLayout,
		Entries: entries,
	}))
}

// Frames returns the number of submitted frames.
func (eng *Engine) Frames() uint64 {
	return eng.frames.Load()
}

// CollectTimings returns the GPU timings of all frames whose timestamps have
// been read back, in submission order.
func (eng *Engine) CollectTimings() []PassTiming {
	return eng.gpu.collect()
}

func (pool *resourcePool) getBuf(
	size uint64,
	name string,
	usage wgpu.BufferUsage,
	dev *wgpu.Device,
) *wgpu.Buffer {
	const sizeClassBits = 1

	roundedSize := poolSizeClass(size, sizeClassBits)
	props := bufferProperties{
		size:   roundedSize,
		usages: usage,
	}
	if bufVec := pool.bufs[props]; len(bufVec) > 0 {
		buf := bufVec[len(bufVec)-1]
		pool.bufs[props] = bufVec[:len(bufVec)-1]
		return buf
	}
	return dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: name,
		Size:  roundedSize,
		Usage: usage,
	})
}

func (pool *resourcePool) putBuf(buf *wgpu.Buffer) {
	props := bufferProperties{
		size:   buf.Size(),
		usages: buf.Usage(),
	}
	pool.bufs[props] = append(pool.bufs[props], buf)
}

// Release frees all pooled buffers.
func (pool *resourcePool) Release() {
	for props, bufs := range pool.bufs {
		for _, buf := range bufs {
			buf.Release()
		}
		delete(pool.bufs, props)
	}
}

// Release frees the engine's pooled and profiling resources. Pipelines and
// tables are released by their owners.
func (eng *Engine) Release() {
	eng.pool.Release()
	eng.gpu.release()
}

func poolSizeClass(x uint64, numBits uint32) uint64 {
	if x > 1<<numBits {
		a := bits.LeadingZeros64(x - 1)
		b := (x - 1) | (((math.MaxUint64 / 2) >> numBits) >> a)
		return b + 1
	} else {
		return 1 << numBits
	}
}

