// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package wgpu_engine

import (
	"time"

	"honnef.co/go/safeish"
	"honnef.co/go/visfn/mem"
	"honnef.co/go/wgpu"
)

const maxPassTimestamps = 256

// PassTiming is the GPU execution time of one compute or render pass, in
// timestamp ticks.
type PassTiming struct {
	Frame uint64
	Label string
	Start uint64
	End   uint64
}

// Duration assumes a timestamp period of one nanosecond.
func (t PassTiming) Duration() time.Duration {
	return time.Duration(t.End - t.Start)
}

// gpuTimer records timestamp queries around passes. A nil *gpuTimer records
// nothing.
type gpuTimer struct {
	dev *wgpu.Device

	// started frames that haven't been resolved yet
	started  []*gpuFrame
	resolved []*gpuFrame
	mapped   []*gpuFrame

	// free lists
	querySets      []*wgpu.QuerySet
	resolveBuffers []*wgpu.Buffer
	mapBuffers     []*wgpu.Buffer
	frames         []*gpuFrame
}

type gpuFrame struct {
	tag    uint64
	set    *wgpu.QuerySet
	nextID uint32
	passes []gpuPass

	resolveBuf *wgpu.Buffer
	mapBuf     *wgpu.Buffer
	ch         <-chan error
}

type gpuPass struct {
	label   string
	startID uint32
	endID   uint32
}

func newGPUTimer(dev *wgpu.Device) *gpuTimer {
	return &gpuTimer{dev: dev}
}

func (p *gpuTimer) start(tag uint64) *gpuFrame {
	if p == nil {
		return nil
	}
	var f *gpuFrame
	if n := len(p.frames); n > 0 {
		f = p.frames[n-1]
		p.frames = p.frames[:n-1]
		f.passes = f.passes[:0]
		f.nextID = 0
		f.ch = nil
	} else {
		f = &gpuFrame{}
	}
	f.tag = tag
	f.set = p.getQuerySet()
	f.resolveBuf = p.getBuffer(&p.resolveBuffers, wgpu.BufferUsageQueryResolve|wgpu.BufferUsageCopySrc)
	f.mapBuf = p.getBuffer(&p.mapBuffers, wgpu.BufferUsageMapRead|wgpu.BufferUsageCopyDst)
	p.started = append(p.started, f)
	return f
}

func (f *gpuFrame) pass(label string) (uint32, uint32, bool) {
	if f == nil || f.nextID+2 > maxPassTimestamps {
		return 0, 0, false
	}
	startID, endID := f.nextID, f.nextID+1
	f.nextID += 2
	f.passes = append(f.passes, gpuPass{label: label, startID: startID, endID: endID})
	return startID, endID, true
}

func (f *gpuFrame) compute(arena *mem.Arena, label string) *wgpu.ComputePassTimestampWrites {
	startID, endID, ok := f.pass(label)
	if !ok {
		return nil
	}
	return mem.Make(arena, wgpu.ComputePassTimestampWrites{
		QuerySet:                  f.set,
		BeginningOfPassWriteIndex: startID,
		EndOfPassWriteIndex:       endID,
	})
}

func (f *gpuFrame) render(arena *mem.Arena, label string) *wgpu.RenderPassTimestampWrites {
	startID, endID, ok := f.pass(label)
	if !ok {
		return nil
	}
	return mem.Make(arena, wgpu.RenderPassTimestampWrites{
		QuerySet:                  f.set,
		BeginningOfPassWriteIndex: startID,
		EndOfPassWriteIndex:       endID,
	})
}

func (p *gpuTimer) getQuerySet() *wgpu.QuerySet {
	if n := len(p.querySets); n > 0 {
		q := p.querySets[n-1]
		p.querySets = p.querySets[:n-1]
		return q
	}
	return p.dev.CreateQuerySet(&wgpu.QuerySetDescriptor{
		Type:  wgpu.QueryTypeTimestamp,
		Count: maxPassTimestamps,
	})
}

func (p *gpuTimer) getBuffer(free *[]*wgpu.Buffer, usage wgpu.BufferUsage) *wgpu.Buffer {
	if n := len(*free); n > 0 {
		buf := (*free)[n-1]
		*free = (*free)[:n-1]
		return buf
	}
	return p.dev.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: usage,
		Size:  maxPassTimestamps * 8,
	})
}

// resolve encodes copying the timestamps of all started frames to mappable
// buffers.
func (p *gpuTimer) resolve(enc *wgpu.CommandEncoder) {
	if p == nil {
		return
	}
	for _, f := range p.started {
		if f.nextID == 0 {
			continue
		}
		enc.ResolveQuerySet(f.set, 0, f.nextID, f.resolveBuf, 0)
		enc.CopyBufferToBuffer(f.resolveBuf, 0, f.mapBuf, 0, uint64(f.nextID)*8)
	}
	p.resolved = append(p.resolved, p.started...)
	clear(p.started)
	p.started = p.started[:0]
}

// mapResolved starts mapping the buffers of resolved frames. It must be
// called after the command buffer containing the resolves was submitted.
func (p *gpuTimer) mapResolved() {
	if p == nil {
		return
	}
	for _, f := range p.resolved {
		if f.nextID == 0 {
			p.recycle(f)
			continue
		}
		f.ch = f.mapBuf.Map(p.dev, wgpu.MapModeRead, 0, int(f.nextID)*8)
		p.mapped = append(p.mapped, f)
	}
	clear(p.resolved)
	p.resolved = p.resolved[:0]
}

func (p *gpuTimer) recycle(f *gpuFrame) {
	p.querySets = append(p.querySets, f.set)
	p.resolveBuffers = append(p.resolveBuffers, f.resolveBuf)
	p.mapBuffers = append(p.mapBuffers, f.mapBuf)
	f.set, f.resolveBuf, f.mapBuf = nil, nil, nil
	p.frames = append(p.frames, f)
}

// collect returns the timings of mapped frames. It stops at the first frame
// that hasn't been mapped yet so that frames are returned in order. Frames
// whose buffers failed to map are dropped.
func (p *gpuTimer) collect() []PassTiming {
	if p == nil {
		return nil
	}
	var out []PassTiming
	n := 0
loop:
	for _, f := range p.mapped {
		select {
		case err := <-f.ch:
			if err == nil {
				values := safeish.SliceCast[[]uint64](f.mapBuf.ReadOnlyMappedRange(0, int(f.nextID)*8))
				for _, q := range f.passes {
					out = append(out, PassTiming{
						Frame: f.tag,
						Label: q.label,
						Start: values[q.startID],
						End:   values[q.endID],
					})
				}
				f.mapBuf.Unmap()
			}
			p.recycle(f)
			n++
		default:
			break loop
		}
	}
	copy(p.mapped, p.mapped[n:])
	clear(p.mapped[len(p.mapped)-n:])
	p.mapped = p.mapped[:len(p.mapped)-n]
	return out
}

func (p *gpuTimer) release() {
	if p == nil {
		return
	}
	for _, buf := range p.resolveBuffers {
		buf.Release()
	}
	for _, buf := range p.mapBuffers {
		buf.Release()
	}
	p.resolveBuffers, p.mapBuffers = nil, nil
}
