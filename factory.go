// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipecache

import "github.com/gogpu/wgpu/hal"

// Factory creates and destroys backend pipeline objects.
//
// The pipeline and manager types never talk to a device directly; they
// hand a shader set, a binding layout and a state vector to a Factory
// and cache whatever handle comes back. HALFactory is the production
// implementation; tests substitute counting fakes.
//
// Thread safety: implementations must allow concurrent creation of
// different pipelines. Creation of instances for the same pipeline is
// serialized by the caller.
type Factory interface {
	// CreateRenderPipeline builds a graphics pipeline for the exact
	// configuration described by state.
	CreateRenderPipeline(shaders *GraphicsShaderSet, layout *BindingLayout, state *GraphicsState) (hal.RenderPipeline, error)

	// DestroyRenderPipeline releases a handle returned by
	// CreateRenderPipeline.
	DestroyRenderPipeline(p hal.RenderPipeline)

	// CreateComputePipeline builds a compute pipeline, applying the
	// state's specialization constant overrides.
	CreateComputePipeline(shaders *ComputeShaderSet, layout *BindingLayout, state *ComputeState) (hal.ComputePipeline, error)

	// DestroyComputePipeline releases a handle returned by
	// CreateComputePipeline.
	DestroyComputePipeline(p hal.ComputePipeline)
}
