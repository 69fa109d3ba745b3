// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package wgpu_engine

import (
	"sync"
	"sync/atomic"

	"honnef.co/go/visfn/mem"
	"honnef.co/go/visfn/renderer"
	"honnef.co/go/wgpu"
)

// Target is an rgba8unorm storage texture that kernels render into.
type Target struct {
	// Output, if set, returns the view to blit presented frames to, usually
	// the current surface texture, and a function to call once the blit has
	// been submitted. Returning a nil view skips the blit.
	Output func() (view *wgpu.TextureView, done func())

	dev *wgpu.Device

	mu            sync.Mutex
	texture       *wgpu.Texture
	View          *wgpu.TextureView
	width, height uint32
	hidden        atomic.Bool
	presented     atomic.Uint64
}

var _ renderer.Drawable = (*Target)(nil)

func NewTarget(eng *Engine, width, height uint32) *Target {
	t := &Target{dev: eng.Device}
	t.Resize(width, height)
	return t
}

// Resize replaces the target's texture.
func (t *Target) Resize(width, height uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.release()
	t.width, t.height = width, height
	if width == 0 || height == 0 {
		return
	}
	t.texture = t.dev.CreateTexture(&wgpu.TextureDescriptor{
		Label: "target texture",
		Size: wgpu.Extent3D{
			Width:              width,
			Height:             height,
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Usage:         wgpu.TextureUsageStorageBinding | wgpu.TextureUsageTextureBinding | wgpu.TextureUsageCopySrc,
		Format:        wgpu.TextureFormatRGBA8Unorm,
	})
	t.View = t.texture.CreateView(nil)
}

func (t *Target) Size() (width, height uint32) {
	if t == nil {
		return 0, 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.width, t.height
}

// Ready reports whether the target can accept a frame. The queue orders
// frames, so a target is never busy. A nil target is never ready.
func (t *Target) Ready() bool {
	if t == nil {
		return false
	}
	return !t.hidden.Load()
}

// SetHidden marks the target as unavailable, e.g. while its window is
// minimized.
func (t *Target) SetHidden(hidden bool) {
	t.hidden.Store(hidden)
}

// Presented returns the number of frames presented from the target.
func (t *Target) Presented() uint64 {
	return t.presented.Load()
}

// Texture returns the target's texture, e.g. for copying it to a buffer.
func (t *Target) Texture() *wgpu.Texture {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.texture
}

func (t *Target) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.release()
}

func (t *Target) release() {
	if t.View != nil {
		t.View.Release()
		t.View = nil
	}
	if t.texture != nil {
		t.texture.Release()
		t.texture = nil
	}
}

type blitPipeline struct {
	BindLayout *wgpu.BindGroupLayout
	Pipeline   *wgpu.RenderPipeline
}

// blitSource draws a single triangle that covers the viewport and copies the
// target's texels unchanged.
const blitSource = `
@vertex
fn vs_main(@builtin(vertex_index) ix: u32) -> @builtin(position) vec4<f32> {
	let uv = vec2<f32>(f32((ix << 1u) & 2u), f32(ix & 2u));
	return vec4<f32>(uv * 2.0 - 1.0, 0.0, 1.0);
}

@group(0) @binding(0)
var target_image: texture_2d<f32>;

@fragment
fn fs_main(@builtin(position) pos: vec4<f32>) -> @location(0) vec4<f32> {
	return textureLoad(target_image, vec2<i32>(pos.xy), 0);
}
`

func newBlitPipeline(dev *wgpu.Device, format wgpu.TextureFormat) *blitPipeline {
	shader := dev.CreateShaderModule(wgpu.ShaderModuleDescriptor{
		Label:  "blit",
		Source: wgpu.ShaderSourceWGSL(blitSource),
	})
	bindLayout := dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Entries: []wgpu.BindGroupLayoutEntry{{
			Visibility: wgpu.ShaderStageFragment,
			Binding:    0,
			Texture: &wgpu.TextureBindingLayout{
				SampleType:    wgpu.TextureSampleTypeFloat,
				ViewDimension: wgpu.TextureViewDimension2D,
			},
		}},
	})
	layout := dev.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "blit",
		BindGroupLayouts: []*wgpu.BindGroupLayout{bindLayout},
	})
	defer layout.Release()
	pipeline := dev.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label:  "blit",
		Layout: layout,
		Vertex: &wgpu.VertexState{
			Module:     shader,
			EntryPoint: "vs_main",
		},
		Fragment: &wgpu.FragmentState{
			Module:     shader,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{{
				Format:    format,
				WriteMask: wgpu.ColorWriteMaskAll,
			}},
		},
		Primitive: &wgpu.PrimitiveState{
			Topology:         wgpu.PrimitiveTopologyTriangleList,
			StripIndexFormat: ^wgpu.IndexFormat(0),
			FrontFace:        wgpu.FrontFaceCCW,
		},
		Multisample: &wgpu.MultisampleState{
			Count: 1,
			Mask:  ^uint32(0),
		},
	})
	return &blitPipeline{
		BindLayout: bindLayout,
		Pipeline:   pipeline,
	}
}

// blitTarget encodes a render pass that copies the target to its output.
// The returned function, which may be nil, must be called after submission.
func (eng *Engine) blitTarget(arena *mem.Arena, encoder *wgpu.CommandEncoder, t *Target, timings *gpuFrame) func() {
	view, done := t.Output()
	if view == nil {
		return done
	}

	bindGroup := eng.Device.CreateBindGroup(mem.Make(arena, wgpu.BindGroupDescriptor{
		Layout: eng.blit.BindLayout,
		Entries: mem.MakeSlice(arena, []wgpu.BindGroupEntry{
			{
				Binding:     0,
				TextureView: t.View,
			},
		}),
	}))
	defer bindGroup.Release()

	renderPass := encoder.BeginRenderPass(mem.Make(arena, wgpu.RenderPassDescriptor{
		ColorAttachments: mem.MakeSlice(arena, []wgpu.RenderPassColorAttachment{
			{
				View:       view,
				LoadOp:     wgpu.LoadOpClear,
				StoreOp:    wgpu.StoreOpStore,
				ClearValue: wgpu.Color{A: 1},
			},
		}),
		TimestampWrites: timings.render(arena, "blit"),
	}))
	defer renderPass.Release()

	renderPass.SetPipeline(eng.blit.Pipeline)
	renderPass.SetBindGroup(0, bindGroup, nil)
	renderPass.Draw(3, 1, 0, 0)
	renderPass.End()
	return done
}
