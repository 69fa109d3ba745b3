// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package renderer

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"honnef.co/go/visfn/mem"
	"honnef.co/go/visfn/profiler"
)

// FrameState is the state of the coordinator's current frame.
type FrameState int32

const (
	FrameIdle FrameState = iota
	FrameEncoding
	FrameSubmitted
)

func (s FrameState) String() string {
	switch s {
	case FrameIdle:
		return "idle"
	case FrameEncoding:
		return "encoding"
	case FrameSubmitted:
		return "submitted"
	default:
		return fmt.Sprintf("FrameState(%d)", int32(s))
	}
}

type CoordinatorOptions struct {
	// Profiler, if not nil, times every frame.
	Profiler *profiler.Timer
}

// Stats counts frame outcomes.
type Stats struct {
	Submitted uint64
	// Skipped frames had no usable destination or submitter.
	Skipped uint64
	// Dropped frames were rejected by the submitter.
	Dropped uint64
}

// Coordinator records and submits one dispatch per frame.
//
// Resize and RequestFrame must be called from a single goroutine. The
// selection may be changed from any goroutine.
type Coordinator struct {
	pipeline *Pipeline
	tables   []*IndirectFunctionTable
	profiler *profiler.Timer
	arena    *mem.Arena

	selection atomic.Uint32
	active    atomic.Pointer[IndirectFunctionTable]
	state     atomic.Int32

	width, height uint32
	grid          [3]uint32
	threadgroup   [3]uint32

	submitted atomic.Uint64
	skipped   atomic.Uint64
	dropped   atomic.Uint64
}

// NewCoordinator returns a coordinator that binds all of tables to every
// frame. active names the table whose capacity bounds the selection index.
func NewCoordinator(p *Pipeline, tables []*IndirectFunctionTable, active string, opts *CoordinatorOptions) (*Coordinator, error) {
	if opts == nil {
		opts = &CoordinatorOptions{}
	}
	c := &Coordinator{
		pipeline:    p,
		tables:      slices.Clone(tables),
		profiler:    opts.Profiler,
		arena:       mem.NewArena(),
		threadgroup: ThreadgroupSize(p.ThreadExecutionWidth(), p.MaxTotalThreadsPerThreadgroup()),
	}
	slices.SortFunc(c.tables, func(a, b *IndirectFunctionTable) int {
		return int(a.Binding) - int(b.Binding)
	})
	for i, t := range c.tables {
		if t.pipeline != p {
			return nil, fmt.Errorf("table %q was built for pipeline %q, not %q", t.Name, t.pipeline.Label, p.Label)
		}
		if i > 0 && c.tables[i-1].Binding == t.Binding {
			return nil, fmt.Errorf("tables %q and %q share binding %d", c.tables[i-1].Name, t.Name, t.Binding)
		}
	}
	if err := c.SetActiveTable(active); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Coordinator) Pipeline() *Pipeline {
	return c.pipeline
}

func (c *Coordinator) Tables() []*IndirectFunctionTable {
	return c.tables
}

// Table returns the bound table called name.
func (c *Coordinator) Table(name string) (*IndirectFunctionTable, bool) {
	for _, t := range c.tables {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// SetActiveTable makes the named table bound the selection index. The current
// selection is reduced modulo the table's capacity.
func (c *Coordinator) SetActiveTable(name string) error {
	t, ok := c.Table(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoSuchTable, name)
	}
	c.active.Store(t)
	c.SetSelection(c.selection.Load())
	return nil
}

func (c *Coordinator) ActiveTable() *IndirectFunctionTable {
	return c.active.Load()
}

func (c *Coordinator) Selection() uint32 {
	return c.selection.Load()
}

// SetSelection stores i modulo the active table's capacity.
func (c *Coordinator) SetSelection(i uint32) {
	n := uint32(c.active.Load().Len())
	c.selection.Store(i % n)
}

// AdvanceSelection increments the selection index, wrapping at the capacity
// of the table that is active at the time of the call, and returns the new
// index.
func (c *Coordinator) AdvanceSelection() uint32 {
	for {
		t := c.active.Load()
		n := uint32(t.Len())
		old := c.selection.Load()
		next := (old + 1) % n
		if !c.selection.CompareAndSwap(old, next) {
			continue
		}
		if c.active.Load() == t {
			return next
		}
		// The active table changed under us and next may exceed its
		// capacity. Reduce it and report the reduced value.
		for {
			cur := c.selection.Load()
			n := uint32(c.active.Load().Len())
			if cur < n {
				return cur
			}
			if c.selection.CompareAndSwap(cur, cur%n) {
				return cur % n
			}
		}
	}
}

// Resize recomputes the thread grid for a destination of width by height
// pixels.
func (c *Coordinator) Resize(width, height uint32) {
	c.width, c.height = width, height
	c.grid = GridSize(width, height)
	c.threadgroup = ThreadgroupSize(c.pipeline.ThreadExecutionWidth(), c.pipeline.MaxTotalThreadsPerThreadgroup())
}

// Grid returns the current thread grid and threadgroup extents.
func (c *Coordinator) Grid() (grid, threadgroup [3]uint32) {
	return c.grid, c.threadgroup
}

func (c *Coordinator) State() FrameState {
	return FrameState(c.state.Load())
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		Submitted: c.submitted.Load(),
		Skipped:   c.skipped.Load(),
		Dropped:   c.dropped.Load(),
	}
}

// RequestFrame records a frame rendering into dst and hands it to sub. It
// reports whether the frame was submitted. Frames without a ready, non-empty
// destination or without an available submitter are skipped; frames the
// submitter rejects are dropped. Neither is an error.
func (c *Coordinator) RequestFrame(dst Drawable, sub Submitter) bool {
	if dst == nil || sub == nil || !dst.Ready() {
		return c.skip("destination or submitter unavailable")
	}
	w, h := dst.Size()
	if w == 0 || h == 0 {
		return c.skip("empty destination")
	}
	if !c.state.CompareAndSwap(int32(FrameIdle), int32(FrameEncoding)) {
		return c.skip("frame already in flight")
	}
	if w != c.width || h != c.height {
		c.Resize(w, h)
	}

	c.arena.Reset()
	rec := mem.Make(c.arena, Recording{ID: nextFrameID()})
	span := c.profiler.Start(uint64(rec.ID), "frame")
	defer span.End()

	enc := span.Nest("encode")
	prog := c.pipeline.Program
	rec.SetPipeline(c.arena, c.pipeline)
	rec.SetSelection(c.arena, prog.SelectionBinding, c.selection.Load())
	for _, t := range c.tables {
		rec.SetFunctionTable(c.arena, t)
	}
	rec.SetImage(c.arena, prog.ImageBinding, dst)
	rec.Dispatch(c.arena, c.grid, c.threadgroup)
	rec.Present(c.arena, dst)
	enc.End()

	c.state.Store(int32(FrameSubmitted))
	submit := span.Nest("submit")
	err := sub.Submit(rec)
	submit.End()
	c.state.Store(int32(FrameIdle))

	if errors.Is(err, ErrUnavailable) {
		return c.skip("submitter unavailable")
	}
	if err != nil {
		c.dropped.Add(1)
		Logger().Warn("dropped frame", "frame", rec.ID, "err", err)
		return false
	}
	c.submitted.Add(1)
	return true
}

func (c *Coordinator) skip(reason string) bool {
	c.skipped.Add(1)
	Logger().Debug("skipped frame", "reason", reason)
	return false
}
