// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package visfn

import (
	"log/slog"

	"honnef.co/go/visfn/renderer"
)

// SetLogger configures the logger for visfn and its sub-packages. By
// default nothing is logged. Passing nil disables logging again.
//
// Log levels:
//   - [slog.LevelDebug]: build steps, skipped frames, preprocessor imports
//   - [slog.LevelInfo]: the finished build
//   - [slog.LevelWarn]: dropped frames
//
// Example:
//
//	visfn.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	renderer.SetLogger(l)
}

// Logger returns the current logger.
func Logger() *slog.Logger {
	return renderer.Logger()
}
