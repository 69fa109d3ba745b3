// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package renderer

import (
	"sync/atomic"

	"honnef.co/go/safeish"
	"honnef.co/go/visfn/mem"
)

var frameID atomic.Uint64

func nextFrameID() FrameID {
	return FrameID(frameID.Add(1))
}

// FrameID identifies the recording of one frame.
type FrameID uint64

// Recording is the command stream of one frame. Its commands and their data
// are allocated from the coordinator's arena and are only valid until the
// next frame is requested; engines must copy what they keep.
type Recording struct {
	ID       FrameID
	Commands []Command
}

func (rec *Recording) push(arena *mem.Arena, cmd Command) {
	rec.Commands = mem.Append(arena, rec.Commands, cmd)
}

func (rec *Recording) SetPipeline(arena *mem.Arena, p *Pipeline) {
	rec.push(arena, mem.Make(arena, SetPipeline{p}))
}

// SetSelection binds the selection index by value.
func (rec *Recording) SetSelection(arena *mem.Arena, slot uint32, index uint32) {
	v := mem.Make(arena, index)
	rec.push(arena, mem.Make(arena, SetBytes{slot, safeish.AsBytes(v)}))
}

func (rec *Recording) SetFunctionTable(arena *mem.Arena, t *IndirectFunctionTable) {
	rec.push(arena, mem.Make(arena, SetFunctionTable{t.Binding, t}))
}

func (rec *Recording) SetImage(arena *mem.Arena, binding uint32, dst Drawable) {
	rec.push(arena, mem.Make(arena, SetImage{binding, dst}))
}

func (rec *Recording) Dispatch(arena *mem.Arena, grid, threadgroup [3]uint32) {
	rec.push(arena, mem.Make(arena, Dispatch{grid, threadgroup}))
}

func (rec *Recording) Present(arena *mem.Arena, dst Drawable) {
	rec.push(arena, mem.Make(arena, Present{dst}))
}

type Command interface {
	isCommand()
}

func (*SetPipeline) isCommand()      {}
func (*SetBytes) isCommand()         {}
func (*SetFunctionTable) isCommand() {}
func (*SetImage) isCommand()         {}
func (*Dispatch) isCommand()         {}
func (*Present) isCommand()          {}

type SetPipeline struct {
	Pipeline *Pipeline
}

// SetBytes binds a small inline argument. Data is little-endian.
type SetBytes struct {
	Slot uint32
	Data []byte
}

type SetFunctionTable struct {
	Binding uint32
	Table   *IndirectFunctionTable
}

type SetImage struct {
	Binding uint32
	Image   Drawable
}

// Dispatch runs the bound pipeline over Grid threads, in threadgroups of
// Threadgroup threads. Grid need not be a multiple of Threadgroup.
type Dispatch struct {
	Grid        [3]uint32
	Threadgroup [3]uint32
}

type Present struct {
	Image Drawable
}
