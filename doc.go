// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package visfn renders with a compute kernel that calls shading functions
// through tables of function handles in device memory.
//
// A [Config] names the kernel and groups of functions. [Build] resolves them
// in a shader library, links and compiles the pipeline, fills one table per
// group (or a single merged table) and returns a [Renderer] whose
// coordinator records one dispatch per frame:
//
//	cfg := visfn.DefaultConfig()
//	lib, err := visfn.DefaultLibrary(cfg)
//	...
//	r, err := visfn.Build(cfg, lib, engine, nil)
//	...
//	r.Coordinator.RequestFrame(surface, engine)
//	r.Coordinator.AdvanceSelection()
//
// Build errors are fatal configuration defects. Frames that can't be
// rendered are skipped without error.
package visfn
