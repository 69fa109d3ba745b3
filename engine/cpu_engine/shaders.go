// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package cpu_engine

import (
	"math"

	"golang.org/x/exp/constraints"
	"honnef.co/go/curve"
)

// These replicate the functions of the embedded shader library.

var builtinKernels = map[string]Kernel{
	"visible": visible,
}

var builtinCallables = map[string]Callable{
	"purple_gradient":    purpleGradient,
	"turquoise_gradient": turquoiseGradient,
	"sunset_gradient":    sunsetGradient,
	"mirror_recursive":   mirrorRecursive,
}

// mergedTable is the table the merged variant of the library calls through.
const mergedTable = "all"

func visible(inv Invocation, gid [3]uint32) {
	w, h := inv.ImageSize()
	if gid[0] >= w || gid[1] >= h {
		return
	}
	uv := curve.Vec(
		(float64(gid[0])+0.5)/float64(w),
		(float64(gid[1])+0.5)/float64(h),
	)
	var c Color
	if inv.HasTable(mergedTable) {
		c = inv.Call(mergedTable, inv.Selection(), uv)
	} else {
		c = inv.Call("gradients", inv.Selection(), uv)
		if uv.Y > 0.75 {
			c = inv.Call("recursive", 0, uv)
		}
	}
	inv.Store(gid[0], gid[1], c)
}

func mixRGB(a, b [3]float64, t float64) Color {
	return Color{
		a[0] + (b[0]-a[0])*t,
		a[1] + (b[1]-a[1])*t,
		a[2] + (b[2]-a[2])*t,
		1,
	}
}

func purpleGradient(_ Invocation, uv curve.Vec2) Color {
	return mixRGB([3]float64{0.35, 0.1, 0.55}, [3]float64{0.85, 0.55, 0.95}, uv.Y)
}

func turquoiseGradient(_ Invocation, uv curve.Vec2) Color {
	return mixRGB([3]float64{0, 0.35, 0.4}, [3]float64{0.45, 0.95, 0.85}, uv.X)
}

func sunsetGradient(_ Invocation, uv curve.Vec2) Color {
	d := clamp(uv.Sub(curve.Vec(0.5, 1)).Hypot(), 0, 1)
	return mixRGB([3]float64{0.95, 0.45, 0.1}, [3]float64{0.4, 0.05, 0.35}, d)
}

func mirrorRecursive(inv Invocation, uv curve.Vec2) Color {
	f := uv.Mul(2).Sub(curve.Vec(1, 1))
	folded := curve.Vec(math.Abs(f.X), math.Abs(f.Y))
	var inner Color
	if inv.HasTable(mergedTable) {
		inner = inv.Call(mergedTable, inv.Selection(), folded)
	} else {
		inner = inv.Call("recursive", 0, folded)
	}
	base := mixRGB([3]float64{0.1, 0.1, 0.2}, [3]float64{0.9, 0.8, 0.3}, folded.X*folded.Y)
	return base.Lerp(inner, 0.5)
}

func clamp[T constraints.Integer | constraints.Float](v, lo, hi T) T {
	return min(max(v, lo), hi)
}
