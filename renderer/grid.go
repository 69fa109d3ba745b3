// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package renderer

// ThreadgroupSize returns the threadgroup extent for a pipeline: one row of
// executionWidth threads, and as many rows as maxThreads allows. At least one
// row is used.
func ThreadgroupSize(executionWidth, maxThreads uint32) [3]uint32 {
	w := max(executionWidth, 1)
	h := max(maxThreads/w, 1)
	return [3]uint32{w, h, 1}
}

// GridSize returns the thread grid for an image: one thread per pixel.
func GridSize(width, height uint32) [3]uint32 {
	return [3]uint32{width, height, 1}
}

// Threadgroups returns the number of threadgroups of size tg needed to cover
// grid, rounding up in every dimension.
func Threadgroups(grid, tg [3]uint32) [3]uint32 {
	var out [3]uint32
	for i := range out {
		n := max(tg[i], 1)
		out[i] = (grid[i] + n - 1) / n
	}
	return out
}
