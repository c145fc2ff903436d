// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipecache

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// HALFactory construction errors.
var (
	// ErrMissingShader is returned when a required shader slot is empty.
	ErrMissingShader = errors.New("pipecache: required shader slot is empty")

	// ErrUnsupportedStages is returned when the shader set uses stages
	// the backend cannot express.
	ErrUnsupportedStages = errors.New("pipecache: shader stages not supported by backend")
)

// HALFactory is the production Factory backed by a hal.Device. It
// translates the portable state vector into backend pipeline
// descriptors.
//
// Tessellation and geometry stages have no backend representation;
// CreateRenderPipeline rejects sets that populate those slots.
type HALFactory struct {
	device hal.Device
}

// NewHALFactory creates a factory over device.
func NewHALFactory(device hal.Device) *HALFactory {
	return &HALFactory{device: device}
}

// CreateRenderPipeline builds a hal render pipeline from the state
// vector.
func (f *HALFactory) CreateRenderPipeline(shaders *GraphicsShaderSet, layout *BindingLayout, state *GraphicsState) (hal.RenderPipeline, error) {
	if shaders.VS == nil {
		return nil, fmt.Errorf("%w: vertex", ErrMissingShader)
	}
	if shaders.TCS != nil || shaders.TES != nil || shaders.GS != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedStages,
			shaders.Stages()&(StageTessControl|StageTessEval|StageGeometry))
	}

	desc := &hal.RenderPipelineDescriptor{
		Label: shaders.VS.Label(),
		Vertex: hal.VertexState{
			Module:     shaders.VS.Module(),
			EntryPoint: shaders.VS.EntryPoint(),
			Buffers:    convertVertexBuffers(state.VertexBuffers),
		},
		Multisample: convertMultisample(state),
		Primitive: gputypes.PrimitiveState{
			Topology:  state.Topology,
			FrontFace: state.FrontFace,
			CullMode:  state.CullMode,
		},
	}
	if layout != nil {
		desc.Layout = layout.Handle()
	}

	if shaders.FS != nil {
		desc.Fragment = &hal.FragmentState{
			Module:     shaders.FS.Module(),
			EntryPoint: shaders.FS.EntryPoint(),
			Targets:    convertColorTargets(state.ColorTargets),
		}
	}

	if state.HasDepthStencil() {
		desc.DepthStencil = &hal.DepthStencilState{
			Format:            state.DepthFormat,
			DepthWriteEnabled: state.DepthWriteEnabled,
			DepthCompare:      state.DepthCompare,
			StencilFront:      convertStencilFace(state.StencilFront),
			StencilBack:       convertStencilFace(state.StencilBack),
			StencilReadMask:   state.StencilReadMask,
			StencilWriteMask:  state.StencilWriteMask,
		}
	}

	p, err := f.device.CreateRenderPipeline(desc)
	if err != nil {
		return nil, fmt.Errorf("pipecache: create render pipeline: %w", err)
	}
	return p, nil
}

// DestroyRenderPipeline releases p.
func (f *HALFactory) DestroyRenderPipeline(p hal.RenderPipeline) {
	f.device.DestroyRenderPipeline(p)
}

// CreateComputePipeline builds a hal compute pipeline.
//
// Specialization constants have no descriptor representation in the
// backend yet; non-default states compile the same module and rely on
// the caller keying instances by state.
func (f *HALFactory) CreateComputePipeline(shaders *ComputeShaderSet, layout *BindingLayout, state *ComputeState) (hal.ComputePipeline, error) {
	if shaders.CS == nil {
		return nil, fmt.Errorf("%w: compute", ErrMissingShader)
	}

	desc := &hal.ComputePipelineDescriptor{
		Label: shaders.CS.Label(),
		Compute: hal.ComputeState{
			Module:     shaders.CS.Module(),
			EntryPoint: shaders.CS.EntryPoint(),
		},
	}
	if layout != nil {
		desc.Layout = layout.Handle()
	}

	p, err := f.device.CreateComputePipeline(desc)
	if err != nil {
		return nil, fmt.Errorf("pipecache: create compute pipeline: %w", err)
	}
	return p, nil
}

// DestroyComputePipeline releases p.
func (f *HALFactory) DestroyComputePipeline(p hal.ComputePipeline) {
	f.device.DestroyComputePipeline(p)
}

// convertMultisample widens the 32-bit sample mask to the backend's
// 64-bit field and fills in single-sample defaults for zero values.
func convertMultisample(state *GraphicsState) gputypes.MultisampleState {
	ms := gputypes.MultisampleState{
		Count: state.SampleCount,
		Mask:  uint64(state.SampleMask),
	}
	if ms.Count == 0 {
		ms.Count = 1
	}
	if ms.Mask == 0 {
		ms.Mask = 0xFFFFFFFF
	}
	return ms
}

func convertVertexBuffers(buffers []VertexBufferLayout) []gputypes.VertexBufferLayout {
	if len(buffers) == 0 {
		return nil
	}
	out := make([]gputypes.VertexBufferLayout, len(buffers))
	for i, vb := range buffers {
		attrs := make([]gputypes.VertexAttribute, len(vb.Attributes))
		for j, a := range vb.Attributes {
			attrs[j] = gputypes.VertexAttribute{
				Format:         a.Format,
				Offset:         a.Offset,
				ShaderLocation: a.ShaderLocation,
			}
		}
		out[i] = gputypes.VertexBufferLayout{
			ArrayStride: vb.ArrayStride,
			StepMode:    vb.StepMode,
			Attributes:  attrs,
		}
	}
	return out
}

func convertColorTargets(targets []ColorTargetState) []gputypes.ColorTargetState {
	out := make([]gputypes.ColorTargetState, len(targets))
	for i, ct := range targets {
		out[i] = gputypes.ColorTargetState{
			Format:    ct.Format,
			WriteMask: ct.WriteMask,
		}
		if ct.Blend.Enabled {
			// TODO: map the blend equation once gputypes exposes blend
			// component construction. Premultiplied alpha covers every
			// blend mode the current backends ship.
			blend := gputypes.BlendStatePremultiplied()
			out[i].Blend = &blend
		}
	}
	return out
}

func convertStencilFace(f StencilFaceState) hal.StencilFaceState {
	return hal.StencilFaceState{
		Compare:     f.Compare,
		FailOp:      f.FailOp,
		DepthFailOp: f.DepthFailOp,
		PassOp:      f.PassOp,
	}
}
