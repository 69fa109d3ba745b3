// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package renderer

import (
	"errors"
	"fmt"
)

// Build errors. They indicate a mismatch between the group configuration and
// the shader library and are not recoverable.
var (
	ErrMissingEntryPoint = errors.New("renderer: missing entry point")
	ErrDuplicateGroup    = errors.New("renderer: duplicate function group")
	ErrMissingKernel     = errors.New("renderer: missing kernel")
	ErrEmptyGroup        = errors.New("renderer: empty function group")
	ErrPipelineRejected  = errors.New("renderer: pipeline rejected")
	ErrHandleResolution  = errors.New("renderer: couldn't resolve function handle")
	ErrTableCapacity     = errors.New("renderer: table capacity doesn't match group")
	ErrNoSuchTable       = errors.New("renderer: no such table")
)

// ErrUnavailable is returned by a Submitter that can't accept frames at all,
// such as a nil engine. The coordinator skips such frames instead of
// dropping them.
var ErrUnavailable = errors.New("renderer: submitter unavailable")

// BuildStage is the step of the build phase that failed.
type BuildStage int

const (
	StageConfig BuildStage = iota + 1
	StageLibrary
	StageRegistry
	StagePipeline
	StageTables
	StageCoordinator
)

func (s BuildStage) String() string {
	switch s {
	case StageConfig:
		return "config"
	case StageLibrary:
		return "library"
	case StageRegistry:
		return "registry"
	case StagePipeline:
		return "pipeline"
	case StageTables:
		return "tables"
	case StageCoordinator:
		return "coordinator"
	default:
		return fmt.Sprintf("BuildStage(%d)", int(s))
	}
}

// BuildError is returned by the build phase.
type BuildError struct {
	Stage BuildStage
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build failed in %s stage: %s", e.Stage, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}
