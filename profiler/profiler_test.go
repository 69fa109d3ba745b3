// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package profiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimer(t *testing.T) {
	tm := NewTimer()
	frame := tm.Start(7, "frame")
	enc := frame.Nest("encode")
	enc.End()
	sub := frame.Start("submit")
	sub.End()
	frame.End()

	res := tm.Collect()
	require.Len(t, res, 1)
	assert.Equal(t, uint64(7), res[0].Tag)
	assert.Equal(t, "frame", res[0].Label)
	require.Len(t, res[0].Children, 2)
	assert.Equal(t, "encode", res[0].Children[0].Label)
	assert.Equal(t, "submit", res[0].Children[1].Label)
	assert.GreaterOrEqual(t, res[0].Duration(), res[0].Children[0].Duration())

	assert.Empty(t, tm.Collect())
}

func TestNilTimer(t *testing.T) {
	var tm *Timer
	s := tm.Start(0, "frame")
	assert.Nil(t, s)
	child := s.Start("child")
	child.End()
	s.End()
	assert.Nil(t, tm.Collect())
}

func TestEndTwice(t *testing.T) {
	s := NewTimer().Start(0, "frame")
	s.End()
	assert.Panics(t, s.End)
}
