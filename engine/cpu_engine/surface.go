// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package cpu_engine

import (
	"image"
	"sync"
)

// Surface is a destination image in host memory. A surface is unavailable
// while a frame renders into it, like a swapchain image that hasn't been
// returned yet.
type Surface struct {
	// OnPresent, if set, is called from the engine's queue goroutine after a
	// frame has been rendered into the surface.
	OnPresent func(img *image.RGBA)

	mu        sync.Mutex
	img       *image.RGBA
	hidden    bool
	inFlight  bool
	presented uint64
}

func NewSurface(width, height int) *Surface {
	return &Surface{img: image.NewRGBA(image.Rect(0, 0, width, height))}
}

func (s *Surface) Size() (width, height uint32) {
	if s == nil {
		return 0, 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.img.Bounds()
	return uint32(b.Dx()), uint32(b.Dy())
}

// Ready reports whether the surface can accept a new frame. A nil surface
// never can.
func (s *Surface) Ready() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.hidden && !s.inFlight
}

// SetHidden marks the surface as unavailable, e.g. while its window is
// minimized.
func (s *Surface) SetHidden(hidden bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hidden = hidden
}

// Resize replaces the surface's image. It must not be called while a frame
// is in flight.
func (s *Surface) Resize(width, height int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		panic("resizing surface with frame in flight")
	}
	s.img = image.NewRGBA(image.Rect(0, 0, width, height))
}

// Image returns the surface's image. Its contents are only meaningful while
// no frame is in flight.
func (s *Surface) Image() *image.RGBA {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.img
}

// Presented returns the number of frames presented to the surface.
func (s *Surface) Presented() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presented
}

func (s *Surface) acquire() (*image.RGBA, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return nil, false
	}
	s.inFlight = true
	return s.img, true
}

// release returns the surface after a frame, presenting it if present is
// true.
func (s *Surface) release(present bool) {
	s.mu.Lock()
	s.inFlight = false
	if present {
		s.presented++
	}
	img := s.img
	fn := s.OnPresent
	s.mu.Unlock()
	if present && fn != nil {
		fn(img)
	}
}
