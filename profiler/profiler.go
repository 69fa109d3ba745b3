// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package profiler records nested CPU timing spans for frames and dispatches.
package profiler

import (
	"sync"
	"time"
)

type ProfilerGroup interface {
	Start(label string) ProfilerGroup
	End()
}

// Timer collects spans. A nil *Timer is valid and records nothing.
type Timer struct {
	mu       sync.Mutex
	finished []*Span
	free     []*Span
}

func NewTimer() *Timer {
	return &Timer{}
}

// Span is one timed region. Methods on a nil *Span are no-ops.
type Span struct {
	Tag   uint64
	Label string

	start    time.Time
	end      time.Time
	children []*Span
	parent   *Span
	timer    *Timer
}

// Start begins a top-level span.
func (t *Timer) Start(tag uint64, label string) *Span {
	if t == nil {
		return nil
	}
	s := t.getSpan()
	s.Tag = tag
	s.Label = label
	s.start = time.Now()
	return s
}

func (t *Timer) getSpan() *Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := len(t.free); n > 0 {
		s := t.free[n-1]
		t.free = t.free[:n-1]
		// Don't use *s = Span{...} so that we reuse s.children.
		s.end = time.Time{}
		s.parent = nil
		s.children = s.children[:0]
		s.timer = t
		return s
	}
	return &Span{timer: t}
}

func (s *Span) Start(label string) ProfilerGroup {
	if s == nil {
		return (*Span)(nil)
	}
	return s.Nest(label)
}

// Nest begins a child span.
func (s *Span) Nest(label string) *Span {
	if s == nil {
		return nil
	}
	cs := s.timer.getSpan()
	cs.Tag = s.Tag
	cs.Label = label
	cs.start = time.Now()
	cs.parent = s
	s.children = append(s.children, cs)
	return cs
}

func (s *Span) End() {
	if s == nil {
		return
	}
	if !s.end.IsZero() {
		panic("trying to end same span twice")
	}
	s.end = time.Now()
	if s.parent == nil {
		s.timer.mu.Lock()
		s.timer.finished = append(s.timer.finished, s)
		s.timer.mu.Unlock()
	}
}

type Result struct {
	Tag      uint64
	Label    string
	Start    time.Time
	End      time.Time
	Children []Result
}

func (r Result) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Collect returns the results of all finished top-level spans in the order
// they ended and releases the spans for reuse.
func (t *Timer) Collect() []Result {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	finished := t.finished
	t.finished = nil
	t.mu.Unlock()

	out := make([]Result, len(finished))
	var release []*Span
	var populate func(s *Span, res *Result)
	populate = func(s *Span, res *Result) {
		res.Tag = s.Tag
		res.Label = s.Label
		res.Start = s.start
		res.End = s.end
		if len(s.children) > 0 {
			res.Children = make([]Result, len(s.children))
		}
		for i, c := range s.children {
			populate(c, &res.Children[i])
		}
		release = append(release, s)
	}
	for i, s := range finished {
		populate(s, &out[i])
	}

	t.mu.Lock()
	t.free = append(t.free, release...)
	t.mu.Unlock()
	return out
}
