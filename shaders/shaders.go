// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package shaders contains the WGSL shading library and its default function
// group configuration.
package shaders

import "embed"

//go:embed visible.wgsl shared/*.wgsl
var FS embed.FS

// Library is the name of the library's main file in FS.
const Library = "visible.wgsl"

// Shared is the directory #import loads from.
const Shared = "shared"

//go:embed groups.toml
var DefaultConfig []byte
