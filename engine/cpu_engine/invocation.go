// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package cpu_engine

import (
	"encoding/binary"
	"image/color"

	"honnef.co/go/curve"
)

// Color is a linear RGBA color with components in [0, 1].
type Color [4]float64

func (c Color) Lerp(o Color, t float64) Color {
	for i := range c {
		c[i] += (o[i] - c[i]) * t
	}
	return c
}

// RGBA converts c the way a store to an rgba8unorm texture does.
func (c Color) RGBA() color.RGBA {
	conv := func(v float64) uint8 {
		return uint8(clamp(v, 0, 1)*255 + 0.5)
	}
	return color.RGBA{conv(c[0]), conv(c[1]), conv(c[2]), conv(c[3])}
}

// Kernel is the CPU implementation of a compute entry point. It is called
// once per thread of the grid.
type Kernel func(inv Invocation, gid [3]uint32)

// Callable is the CPU implementation of a function that can be placed in a
// table.
type Callable func(inv Invocation, uv curve.Vec2) Color

// Invocation is the state of one thread, at one call depth.
type Invocation struct {
	x     *execution
	group *groupCounters
	depth int
}

type groupCounters struct {
	calls     uint64
	exhausted uint64
	invalid   uint64
}

// Depth returns the call depth: 0 in the kernel, 1 in a function the kernel
// called through a table, and so on.
func (inv Invocation) Depth() int {
	return inv.depth
}

func (inv Invocation) Selection() uint32 {
	return inv.x.selection
}

func (inv Invocation) ImageSize() (width, height uint32) {
	b := inv.x.image.Bounds()
	return uint32(b.Dx()), uint32(b.Dy())
}

func (inv Invocation) Store(x, y uint32, c Color) {
	inv.x.image.SetRGBA(int(x), int(y), c.RGBA())
}

// HasTable reports whether the program binds a table called name.
func (inv Invocation) HasTable(name string) bool {
	_, ok := inv.x.tables[name]
	return ok
}

// Call calls the function in slot of the named table, wrapping the slot at
// the table's length. Past the pipeline's maximum call stack depth, and for
// empty tables, it returns the zero color without reading the table.
func (inv Invocation) Call(table string, slot uint32, uv curve.Vec2) Color {
	depth := inv.depth + 1
	if depth > inv.x.pipeline.prog.MaxCallStackDepth {
		inv.group.exhausted++
		return Color{}
	}
	data := inv.x.tables[table]
	n := uint32(len(data) / 4)
	if n == 0 {
		return Color{}
	}
	h := binary.LittleEndian.Uint32(data[4*(slot%n):])
	if h >= uint32(len(inv.x.pipeline.funcs)) {
		inv.group.invalid++
		return Color{}
	}
	inv.group.calls++
	return inv.x.pipeline.funcs[h](Invocation{x: inv.x, group: inv.group, depth: depth}, uv)
}
