// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package cpu_engine executes recordings on the CPU, using Go implementations
// of the kernel and of the functions in its tables.
//
// Tables live in byte slices with the same layout as on a GPU, and indirect
// calls are resolved through them at run time, with the same depth limit as
// the linked shader program.
package cpu_engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"honnef.co/go/visfn/profiler"
	"honnef.co/go/visfn/renderer"
	"honnef.co/go/visfn/shader"
)

var (
	ErrNoImplementation = errors.New("cpu_engine: no implementation for function")
	ErrClosed           = errors.New("cpu_engine: engine closed")
	ErrQueueFull        = errors.New("cpu_engine: queue full")
	ErrInvalidRecording = errors.New("cpu_engine: invalid recording")
)

// unpopulated marks table slots that were never set.
const unpopulated = ^uint32(0)

type Options struct {
	// ExecutionWidth is reported as the pipelines' thread execution width.
	// Defaults to 32.
	ExecutionWidth uint32
	// MaxThreads is the maximum threadgroup size. Defaults to 1024.
	MaxThreads uint32
	// Workers bounds the number of threadgroups executing at once. Defaults
	// to GOMAXPROCS.
	Workers int
	// QueueDepth is the number of frames that may be pending. Submissions
	// beyond that fail. Defaults to 2.
	QueueDepth int

	// Kernels and Callables add to or replace the built-in implementations.
	Kernels   map[string]Kernel
	Callables map[string]Callable

	Logger   *slog.Logger
	Profiler *profiler.Timer
}

type Stats struct {
	Frames       uint64
	Dispatches   uint64
	Threadgroups uint64
	// Calls is the number of functions called through tables.
	Calls uint64
	// Exhausted is the number of table calls refused at the maximum call
	// stack depth.
	Exhausted uint64
	// Invalid is the number of table calls through unpopulated slots.
	Invalid uint64
}

type Engine struct {
	opts      Options
	kernels   map[string]Kernel
	callables map[string]Callable
	logger    atomic.Pointer[slog.Logger]

	mu      sync.Mutex
	closed  bool
	jobs    chan *job
	pending sync.WaitGroup
	done    chan struct{}

	frames, dispatches, threadgroups atomic.Uint64
	calls, exhausted, invalid        atomic.Uint64
}

var _ renderer.Engine = (*Engine)(nil)

func New(opts *Options) *Engine {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.ExecutionWidth == 0 {
		o.ExecutionWidth = 32
	}
	if o.MaxThreads == 0 {
		o.MaxThreads = 1024
	}
	if o.Workers <= 0 {
		o.Workers = runtime.GOMAXPROCS(0)
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 2
	}

	eng := &Engine{
		opts:      o,
		kernels:   make(map[string]Kernel),
		callables: make(map[string]Callable),
		jobs:      make(chan *job, o.QueueDepth),
		done:      make(chan struct{}),
	}
	for k, v := range builtinKernels {
		eng.kernels[k] = v
	}
	for k, v := range o.Kernels {
		eng.kernels[k] = v
	}
	for k, v := range builtinCallables {
		eng.callables[k] = v
	}
	for k, v := range o.Callables {
		eng.callables[k] = v
	}
	eng.SetLogger(o.Logger)
	go eng.run()
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
	engine *Engine
	label  string
	prog   *shader.Program
	kernel Kernel
	// funcs is indexed by function handle.
	funcs []Callable
}

func (eng *Engine) CreatePipeline(desc *renderer.PipelineDescriptor) (renderer.DevicePipeline, error) {
	prog := desc.Program
	kernel, ok := eng.kernels[prog.Kernel]
	if !ok {
		return nil, fmt.Errorf("%w: kernel %q", ErrNoImplementation, prog.Kernel)
	}
	p := &pipeline{
		engine: eng,
		label:  desc.Label,
		prog:   prog,
		kernel: kernel,
		funcs:  make([]Callable, len(prog.Functions)),
	}
	for _, name := range prog.Functions {
		fn, ok := eng.callables[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrNoImplementation, name)
		}
		p.funcs[prog.Handles[name]] = fn
	}
	eng.log().Debug("created CPU pipeline", "label", desc.Label, "kernel", prog.Kernel, "functions", len(p.funcs))
	return p, nil
}

func (p *pipeline) ThreadExecutionWidth() uint32 {
	return p.engine.opts.ExecutionWidth
}

func (p *pipeline) MaxTotalThreadsPerThreadgroup() uint32 {
	return p.engine.opts.MaxThreads
}

func (p *pipeline) FunctionHandle(name string) (renderer.FunctionHandle, bool) {
	h, ok := p.prog.Handles[name]
	return renderer.FunctionHandle(h), ok
}

func (p *pipeline) NewFunctionTable(label string, n int) (renderer.DeviceTable, error) {
	if n < 0 {
		return nil, fmt.Errorf("negative table size %d", n)
	}
	t := &table{label: label, data: make([]byte, 4*n)}
	for i := range n {
		binary.LittleEndian.PutUint32(t.data[4*i:], unpopulated)
	}
	return t, nil
}

func (p *pipeline) Release() {}

type table struct {
	label string
	data  []byte
}

func (t *table) Len() int {
	return len(t.data) / 4
}

func (t *table) SetFunction(h renderer.FunctionHandle, index int) {
	binary.LittleEndian.PutUint32(t.data[4*index:], uint32(h))
}

func (t *table) Release() {}

// Bytes returns the table's device memory.
func (t *table) Bytes() []byte {
	return t.data
}

type dispatch struct {
	grid, threadgroup [3]uint32
}

type job struct {
	id         renderer.FrameID
	pipeline   *pipeline
	selection  uint32
	tables     map[string][]byte
	surface    *Surface
	image      *image.RGBA
	dispatches []dispatch
	present    bool
}

// execution is the state shared by all threads of a dispatch.
type execution struct {
	pipeline  *pipeline
	selection uint32
	tables    map[string][]byte
	image     *image.RGBA
}

// Submit validates rec and queues it for execution. It doesn't wait for the
// frame to finish.
func (eng *Engine) Submit(rec *renderer.Recording) error {
	if eng == nil {
		return renderer.ErrUnavailable
	}
	j, err := eng.resolve(rec)
	if err != nil {
		return err
	}

	img, ok := j.surface.acquire()
	if !ok {
		return fmt.Errorf("%w: frame %d: surface in use", ErrInvalidRecording, rec.ID)
	}
	j.image = img

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.closed {
		j.surface.release(false)
		return ErrClosed
	}
	eng.pending.Add(1)
	select {
	case eng.jobs <- j:
		return nil
	default:
		eng.pending.Done()
		j.surface.release(false)
		return ErrQueueFull
	}
}

// resolve turns a recording into a job that doesn't refer to the
// recording's memory.
func (eng *Engine) resolve(rec *renderer.Recording) (*job, error) {
	j := &job{id: rec.ID}
	bound := map[uint32][]byte{}
	for _, cmd := range rec.Commands {
		switch cmd := cmd.(type) {
		case *renderer.SetPipeline:
			p, ok := cmd.Pipeline.Device.(*pipeline)
			if !ok || p.engine != eng {
				return nil, fmt.Errorf("%w: pipeline %q belongs to another engine", ErrInvalidRecording, cmd.Pipeline.Label)
			}
			j.pipeline = p
		case *renderer.SetBytes:
			if j.pipeline == nil || cmd.Slot != j.pipeline.prog.SelectionBinding {
				return nil, fmt.Errorf("%w: inline bytes at slot %d", ErrInvalidRecording, cmd.Slot)
			}
			if len(cmd.Data) != 4 {
				return nil, fmt.Errorf("%w: selection is %d bytes", ErrInvalidRecording, len(cmd.Data))
			}
			j.selection = binary.LittleEndian.Uint32(cmd.Data)
		case *renderer.SetFunctionTable:
			t, ok := cmd.Table.Device.(*table)
			if !ok {
				return nil, fmt.Errorf("%w: table %q belongs to another engine", ErrInvalidRecording, cmd.Table.Name)
			}
			bound[cmd.Binding] = t.data
		case *renderer.SetImage:
			s, ok := cmd.Image.(*Surface)
			if !ok {
				return nil, fmt.Errorf("%w: can't render to %T", ErrInvalidRecording, cmd.Image)
			}
			if j.pipeline != nil && cmd.Binding != j.pipeline.prog.ImageBinding {
				return nil, fmt.Errorf("%w: image at binding %d, program expects %d", ErrInvalidRecording, cmd.Binding, j.pipeline.prog.ImageBinding)
			}
			j.surface = s
		case *renderer.Dispatch:
			if j.pipeline == nil || j.surface == nil {
				return nil, fmt.Errorf("%w: dispatch without pipeline or image", ErrInvalidRecording)
			}
			j.dispatches = append(j.dispatches, dispatch{cmd.Grid, cmd.Threadgroup})
		case *renderer.Present:
			if cmd.Image != j.surface {
				return nil, fmt.Errorf("%w: presenting an image that wasn't rendered to", ErrInvalidRecording)
			}
			j.present = true
		default:
			return nil, fmt.Errorf("%w: unhandled command %T", ErrInvalidRecording, cmd)
		}
	}
	if j.pipeline == nil || j.surface == nil {
		return nil, fmt.Errorf("%w: frame %d has no pipeline or image", ErrInvalidRecording, rec.ID)
	}
	j.tables = make(map[string][]byte, len(j.pipeline.prog.Tables))
	for _, layout := range j.pipeline.prog.Tables {
		data, ok := bound[layout.Binding]
		if !ok {
			return nil, fmt.Errorf("%w: no table bound at binding %d (%s)", ErrInvalidRecording, layout.Binding, layout.Name)
		}
		j.tables[layout.Name] = data
	}
	return j, nil
}

func (eng *Engine) run() {
	defer close(eng.done)
	for j := range eng.jobs {
		eng.execute(j)
		eng.pending.Done()
	}
}

func (eng *Engine) execute(j *job) {
	span := eng.opts.Profiler.Start(uint64(j.id), "cpu frame")
	defer span.End()

	x := &execution{
		pipeline:  j.pipeline,
		selection: j.selection,
		tables:    j.tables,
		image:     j.image,
	}
	for _, d := range j.dispatches {
		ds := span.Nest("dispatch")
		eng.dispatch(x, d)
		ds.End()
	}
	eng.frames.Add(1)
	j.surface.release(j.present)
}

func (eng *Engine) dispatch(x *execution, d dispatch) {
	tg := d.threadgroup
	n := renderer.Threadgroups(d.grid, tg)
	invalid := eng.invalid.Load()
	var g errgroup.Group
	g.SetLimit(eng.opts.Workers)
	for gz := range n[2] {
		for gy := range n[1] {
			for gx := range n[0] {
				g.Go(func() error {
					var c groupCounters
					for lz := range tg[2] {
						for ly := range tg[1] {
							for lx := range tg[0] {
								gid := [3]uint32{gx*tg[0] + lx, gy*tg[1] + ly, gz*tg[2] + lz}
								x.pipeline.kernel(Invocation{x: x, group: &c}, gid)
							}
						}
					}
					eng.calls.Add(c.calls)
					eng.exhausted.Add(c.exhausted)
					eng.invalid.Add(c.invalid)
					return nil
				})
			}
		}
	}
	// Threadgroups never fail.
	_ = g.Wait()
	eng.dispatches.Add(1)
	eng.threadgroups.Add(uint64(n[0]) * uint64(n[1]) * uint64(n[2]))
	if n := eng.invalid.Load() - invalid; n > 0 {
		eng.log().Warn("calls through unpopulated table slots", "calls", n)
	}
}

// WaitIdle blocks until all submitted frames have executed.
func (eng *Engine) WaitIdle() {
	eng.pending.Wait()
}

// Close stops accepting frames, waits for pending ones and stops the queue.
func (eng *Engine) Close() {
	eng.mu.Lock()
	if eng.closed {
		eng.mu.Unlock()
		return
	}
	eng.closed = true
	close(eng.jobs)
	eng.mu.Unlock()
	<-eng.done
}

func (eng *Engine) Stats() Stats {
	return Stats{
		Frames:       eng.frames.Load(),
		Dispatches:   eng.dispatches.Load(),
		Threadgroups: eng.threadgroups.Load(),
		Calls:        eng.calls.Load(),
		Exhausted:    eng.exhausted.Load(),
		Invalid:      eng.invalid.Load(),
	}
}
