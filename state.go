// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipecache

import (
	"encoding/binary"
	"errors"
	"hash"
	"hash/fnv"
	"math"
	"slices"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// ErrCorruptState is returned when a serialized state vector cannot be
// decoded.
var ErrCorruptState = errors.New("pipecache: corrupt state vector")

// MaxSpecConstants is the number of specialization constant slots in a
// ComputeState.
const MaxSpecConstants = 8

// VertexBufferLayout describes one vertex buffer binding.
type VertexBufferLayout struct {
	// ArrayStride is the byte stride between consecutive vertices.
	ArrayStride uint64

	// StepMode is the input rate (per vertex or per instance).
	StepMode gputypes.VertexStepMode

	// Attributes describes the vertex attributes in this buffer.
	Attributes []VertexAttribute
}

// VertexAttribute describes a vertex attribute.
type VertexAttribute struct {
	// ShaderLocation is the attribute location in the shader.
	ShaderLocation uint32

	// Format is the attribute data format.
	Format gputypes.VertexFormat

	// Offset is the byte offset from the start of the vertex.
	Offset uint64
}

// BlendComponent describes a blend equation for color or alpha.
type BlendComponent struct {
	SrcFactor gputypes.BlendFactor
	DstFactor gputypes.BlendFactor
	Operation gputypes.BlendOperation
}

// BlendState describes the blending configuration of one color target.
// The zero value is blending disabled.
type BlendState struct {
	Enabled bool
	Color   BlendComponent
	Alpha   BlendComponent
}

// ColorTargetState describes one color attachment.
type ColorTargetState struct {
	Format    gputypes.TextureFormat
	Blend     BlendState
	WriteMask gputypes.ColorWriteMask
}

// StencilFaceState describes the stencil operations for one face.
type StencilFaceState struct {
	Compare     gputypes.CompareFunction
	FailOp      hal.StencilOperation
	DepthFailOp hal.StencilOperation
	PassOp      hal.StencilOperation
}

// GraphicsState is the full non-dynamic state vector of a graphics
// pipeline instance. Two states are interchangeable exactly when Eq
// reports them equal; Hash is consistent with Eq.
//
// The struct is treated as immutable once it becomes an instance key.
// Clone is used at insertion so later caller mutations cannot corrupt
// the cache.
type GraphicsState struct {
	// Vertex input.
	VertexBuffers []VertexBufferLayout

	// Input assembly and rasterization.
	Topology  gputypes.PrimitiveTopology
	FrontFace gputypes.FrontFace
	CullMode  gputypes.CullMode

	// Color output.
	ColorTargets []ColorTargetState

	// Depth/stencil. DepthFormat TextureFormatUndefined means no
	// depth-stencil attachment and the remaining fields are ignored.
	DepthFormat       gputypes.TextureFormat
	DepthWriteEnabled bool
	DepthCompare      gputypes.CompareFunction
	StencilFront      StencilFaceState
	StencilBack       StencilFaceState
	StencilReadMask   uint32
	StencilWriteMask  uint32

	// Multisampling.
	SampleCount uint32
	SampleMask  uint32

	// Sample-rate shading.
	SampleShadingEnabled bool
	SampleShadingFactor  float32
}

// DefaultGraphicsState returns a minimal valid state: one BGRA8 target
// without blending, triangle list, no depth-stencil, single sampled.
func DefaultGraphicsState() *GraphicsState {
	return &GraphicsState{
		Topology:  gputypes.PrimitiveTopologyTriangleList,
		CullMode:  gputypes.CullModeNone,
		ColorTargets: []ColorTargetState{
			{
				Format:    gputypes.TextureFormatBGRA8Unorm,
				WriteMask: gputypes.ColorWriteMaskAll,
			},
		},
		DepthFormat: gputypes.TextureFormatUndefined,
		StencilFront: StencilFaceState{
			Compare:     gputypes.CompareFunctionAlways,
			FailOp:      hal.StencilOperationKeep,
			DepthFailOp: hal.StencilOperationKeep,
			PassOp:      hal.StencilOperationKeep,
		},
		StencilBack: StencilFaceState{
			Compare:     gputypes.CompareFunctionAlways,
			FailOp:      hal.StencilOperationKeep,
			DepthFailOp: hal.StencilOperationKeep,
			PassOp:      hal.StencilOperationKeep,
		},
		SampleCount: 1,
		SampleMask:  0xFFFFFFFF,
	}
}

// Clone returns a deep copy of s.
func (s *GraphicsState) Clone() *GraphicsState {
	c := *s
	c.VertexBuffers = make([]VertexBufferLayout, len(s.VertexBuffers))
	for i, vb := range s.VertexBuffers {
		c.VertexBuffers[i] = vb
		c.VertexBuffers[i].Attributes = slices.Clone(vb.Attributes)
	}
	c.ColorTargets = slices.Clone(s.ColorTargets)
	return &c
}

// Hash computes an FNV-1a hash over every field, order-sensitive.
// Slice lengths are hashed before their elements so that states with
// different shapes never fold to the same byte stream.
func (s *GraphicsState) Hash() uint64 {
	h := fnv.New64a()

	//nolint:gosec // G115: vertex buffer count is bounded by GPU limits (< 16)
	hashWriteUint32(h, uint32(len(s.VertexBuffers)))
	for i := range s.VertexBuffers {
		vb := &s.VertexBuffers[i]
		hashWriteUint64(h, vb.ArrayStride)
		hashWriteUint32(h, uint32(vb.StepMode))
		//nolint:gosec // G115: attribute count is bounded by GPU limits (< 32)
		hashWriteUint32(h, uint32(len(vb.Attributes)))
		for j := range vb.Attributes {
			attr := &vb.Attributes[j]
			hashWriteUint32(h, attr.ShaderLocation)
			hashWriteUint32(h, uint32(attr.Format))
			hashWriteUint64(h, attr.Offset)
		}
	}

	hashWriteUint32(h, uint32(s.Topology))
	hashWriteUint32(h, uint32(s.FrontFace))
	hashWriteUint32(h, uint32(s.CullMode))

	//nolint:gosec // G115: color target count is bounded by GPU limits (<= 8)
	hashWriteUint32(h, uint32(len(s.ColorTargets)))
	for i := range s.ColorTargets {
		ct := &s.ColorTargets[i]
		hashWriteUint32(h, uint32(ct.Format))
		hashWriteBool(h, ct.Blend.Enabled)
		hashWriteUint32(h, uint32(ct.Blend.Color.SrcFactor))
		hashWriteUint32(h, uint32(ct.Blend.Color.DstFactor))
		hashWriteUint32(h, uint32(ct.Blend.Color.Operation))
		hashWriteUint32(h, uint32(ct.Blend.Alpha.SrcFactor))
		hashWriteUint32(h, uint32(ct.Blend.Alpha.DstFactor))
		hashWriteUint32(h, uint32(ct.Blend.Alpha.Operation))
		hashWriteUint32(h, uint32(ct.WriteMask))
	}

	hashWriteUint32(h, uint32(s.DepthFormat))
	hashWriteBool(h, s.DepthWriteEnabled)
	hashWriteUint32(h, uint32(s.DepthCompare))
	hashWriteStencilFace(h, &s.StencilFront)
	hashWriteStencilFace(h, &s.StencilBack)
	hashWriteUint32(h, s.StencilReadMask)
	hashWriteUint32(h, s.StencilWriteMask)

	hashWriteUint32(h, s.SampleCount)
	hashWriteUint32(h, s.SampleMask)
	hashWriteBool(h, s.SampleShadingEnabled)
	hashWriteUint32(h, math.Float32bits(s.SampleShadingFactor))

	return h.Sum64()
}

// Eq reports full structural equality. Float fields compare by bit
// pattern so that Eq stays consistent with Hash.
func (s *GraphicsState) Eq(o *GraphicsState) bool {
	if len(s.VertexBuffers) != len(o.VertexBuffers) ||
		len(s.ColorTargets) != len(o.ColorTargets) {
		return false
	}
	for i := range s.VertexBuffers {
		a, b := &s.VertexBuffers[i], &o.VertexBuffers[i]
		if a.ArrayStride != b.ArrayStride || a.StepMode != b.StepMode {
			return false
		}
		if !slices.Equal(a.Attributes, b.Attributes) {
			return false
		}
	}
	if !slices.Equal(s.ColorTargets, o.ColorTargets) {
		return false
	}
	return s.Topology == o.Topology &&
		s.FrontFace == o.FrontFace &&
		s.CullMode == o.CullMode &&
		s.DepthFormat == o.DepthFormat &&
		s.DepthWriteEnabled == o.DepthWriteEnabled &&
		s.DepthCompare == o.DepthCompare &&
		s.StencilFront == o.StencilFront &&
		s.StencilBack == o.StencilBack &&
		s.StencilReadMask == o.StencilReadMask &&
		s.StencilWriteMask == o.StencilWriteMask &&
		s.SampleCount == o.SampleCount &&
		s.SampleMask == o.SampleMask &&
		s.SampleShadingEnabled == o.SampleShadingEnabled &&
		math.Float32bits(s.SampleShadingFactor) == math.Float32bits(o.SampleShadingFactor)
}

// HasDepthStencil reports whether the state carries a depth-stencil
// attachment.
func (s *GraphicsState) HasDepthStencil() bool {
	return s.DepthFormat != gputypes.TextureFormatUndefined
}

// MarshalBinary encodes the state for the on-disk state cache.
func (s *GraphicsState) MarshalBinary() ([]byte, error) {
	var w stateWriter

	//nolint:gosec // G115: slice lengths are bounded by GPU limits
	w.putUint32(uint32(len(s.VertexBuffers)))
	for i := range s.VertexBuffers {
		vb := &s.VertexBuffers[i]
		w.putUint64(vb.ArrayStride)
		w.putUint32(uint32(vb.StepMode))
		//nolint:gosec // G115: attribute count is bounded by GPU limits
		w.putUint32(uint32(len(vb.Attributes)))
		for j := range vb.Attributes {
			attr := &vb.Attributes[j]
			w.putUint32(attr.ShaderLocation)
			w.putUint32(uint32(attr.Format))
			w.putUint64(attr.Offset)
		}
	}

	w.putUint32(uint32(s.Topology))
	w.putUint32(uint32(s.FrontFace))
	w.putUint32(uint32(s.CullMode))

	//nolint:gosec // G115: color target count is bounded by GPU limits
	w.putUint32(uint32(len(s.ColorTargets)))
	for i := range s.ColorTargets {
		ct := &s.ColorTargets[i]
		w.putUint32(uint32(ct.Format))
		w.putBool(ct.Blend.Enabled)
		w.putUint32(uint32(ct.Blend.Color.SrcFactor))
		w.putUint32(uint32(ct.Blend.Color.DstFactor))
		w.putUint32(uint32(ct.Blend.Color.Operation))
		w.putUint32(uint32(ct.Blend.Alpha.SrcFactor))
		w.putUint32(uint32(ct.Blend.Alpha.DstFactor))
		w.putUint32(uint32(ct.Blend.Alpha.Operation))
		w.putUint32(uint32(ct.WriteMask))
	}

	w.putUint32(uint32(s.DepthFormat))
	w.putBool(s.DepthWriteEnabled)
	w.putUint32(uint32(s.DepthCompare))
	w.putStencilFace(&s.StencilFront)
	w.putStencilFace(&s.StencilBack)
	w.putUint32(s.StencilReadMask)
	w.putUint32(s.StencilWriteMask)

	w.putUint32(s.SampleCount)
	w.putUint32(s.SampleMask)
	w.putBool(s.SampleShadingEnabled)
	w.putUint32(math.Float32bits(s.SampleShadingFactor))

	return w.buf, nil
}

// UnmarshalBinary decodes a state produced by MarshalBinary.
func (s *GraphicsState) UnmarshalBinary(data []byte) error {
	r := stateReader{buf: data}

	nvb := r.uint32()
	if nvb > maxDecodeCount {
		return ErrCorruptState
	}
	s.VertexBuffers = make([]VertexBufferLayout, 0, nvb)
	for range nvb {
		var vb VertexBufferLayout
		vb.ArrayStride = r.uint64()
		vb.StepMode = gputypes.VertexStepMode(r.uint32())
		nattr := r.uint32()
		if nattr > maxDecodeCount {
			return ErrCorruptState
		}
		vb.Attributes = make([]VertexAttribute, 0, nattr)
		for range nattr {
			vb.Attributes = append(vb.Attributes, VertexAttribute{
				ShaderLocation: r.uint32(),
				Format:         gputypes.VertexFormat(r.uint32()),
				Offset:         r.uint64(),
			})
		}
		s.VertexBuffers = append(s.VertexBuffers, vb)
	}

	s.Topology = gputypes.PrimitiveTopology(r.uint32())
	s.FrontFace = gputypes.FrontFace(r.uint32())
	s.CullMode = gputypes.CullMode(r.uint32())

	nct := r.uint32()
	if nct > maxDecodeCount {
		return ErrCorruptState
	}
	s.ColorTargets = make([]ColorTargetState, 0, nct)
	for range nct {
		var ct ColorTargetState
		ct.Format = gputypes.TextureFormat(r.uint32())
		ct.Blend.Enabled = r.bool()
		ct.Blend.Color.SrcFactor = gputypes.BlendFactor(r.uint32())
		ct.Blend.Color.DstFactor = gputypes.BlendFactor(r.uint32())
		ct.Blend.Color.Operation = gputypes.BlendOperation(r.uint32())
		ct.Blend.Alpha.SrcFactor = gputypes.BlendFactor(r.uint32())
		ct.Blend.Alpha.DstFactor = gputypes.BlendFactor(r.uint32())
		ct.Blend.Alpha.Operation = gputypes.BlendOperation(r.uint32())
		ct.WriteMask = gputypes.ColorWriteMask(r.uint32())
		s.ColorTargets = append(s.ColorTargets, ct)
	}

	s.DepthFormat = gputypes.TextureFormat(r.uint32())
	s.DepthWriteEnabled = r.bool()
	s.DepthCompare = gputypes.CompareFunction(r.uint32())
	s.StencilFront = r.stencilFace()
	s.StencilBack = r.stencilFace()
	s.StencilReadMask = r.uint32()
	s.StencilWriteMask = r.uint32()

	s.SampleCount = r.uint32()
	s.SampleMask = r.uint32()
	s.SampleShadingEnabled = r.bool()
	s.SampleShadingFactor = math.Float32frombits(r.uint32())

	if r.failed || len(r.buf) != r.off {
		return ErrCorruptState
	}
	return nil
}

// ComputeState is the state vector of a compute pipeline instance:
// specialization constant overrides only. The zero value is the default
// state, eligible for the pipeline library fast path.
type ComputeState struct {
	// SpecConstantMask marks which constant slots carry an override.
	SpecConstantMask uint32

	// SpecConstants holds the override values for marked slots.
	SpecConstants [MaxSpecConstants]uint32
}

// IsDefault reports whether no specialization constants are overridden.
func (s *ComputeState) IsDefault() bool {
	return s.SpecConstantMask == 0
}

// Hash computes an FNV-1a hash of the state.
func (s *ComputeState) Hash() uint64 {
	h := fnv.New64a()
	hashWriteUint32(h, s.SpecConstantMask)
	for _, v := range s.SpecConstants {
		hashWriteUint32(h, v)
	}
	return h.Sum64()
}

// Eq reports structural equality. ComputeState is comparable, so this
// is plain struct equality.
func (s *ComputeState) Eq(o *ComputeState) bool {
	return *s == *o
}

// MarshalBinary encodes the state for the on-disk state cache.
func (s *ComputeState) MarshalBinary() ([]byte, error) {
	var w stateWriter
	w.putUint32(s.SpecConstantMask)
	for _, v := range s.SpecConstants {
		w.putUint32(v)
	}
	return w.buf, nil
}

// UnmarshalBinary decodes a state produced by MarshalBinary.
func (s *ComputeState) UnmarshalBinary(data []byte) error {
	r := stateReader{buf: data}
	s.SpecConstantMask = r.uint32()
	for i := range s.SpecConstants {
		s.SpecConstants[i] = r.uint32()
	}
	if r.failed || len(r.buf) != r.off {
		return ErrCorruptState
	}
	return nil
}

// maxDecodeCount bounds slice lengths read from serialized state so a
// corrupt record cannot trigger a huge allocation.
const maxDecodeCount = 256

// =============================================================================
// Hash and serialization helpers
// =============================================================================

// hashWriteUint32 writes a uint32 to the hash.
func hashWriteUint32(h hash.Hash64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, _ = h.Write(buf[:])
}

// hashWriteUint64 writes a uint64 to the hash.
func hashWriteUint64(h hash.Hash64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	_, _ = h.Write(buf[:])
}

// hashWriteString writes a length-prefixed string to the hash.
//
//nolint:gosec // G115: entry point names are short
func hashWriteString(h hash.Hash64, s string) {
	hashWriteUint32(h, uint32(len(s)))
	_, _ = h.Write([]byte(s))
}

// hashWriteBool writes a bool to the hash.
func hashWriteBool(h hash.Hash64, v bool) {
	if v {
		_, _ = h.Write([]byte{1})
	} else {
		_, _ = h.Write([]byte{0})
	}
}

func hashWriteStencilFace(h hash.Hash64, f *StencilFaceState) {
	hashWriteUint32(h, uint32(f.Compare))
	hashWriteUint32(h, uint32(f.FailOp))
	hashWriteUint32(h, uint32(f.DepthFailOp))
	hashWriteUint32(h, uint32(f.PassOp))
}

// stateWriter accumulates little-endian fields for MarshalBinary.
type stateWriter struct {
	buf []byte
}

func (w *stateWriter) putUint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *stateWriter) putUint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *stateWriter) putBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *stateWriter) putStencilFace(f *StencilFaceState) {
	w.putUint32(uint32(f.Compare))
	w.putUint32(uint32(f.FailOp))
	w.putUint32(uint32(f.DepthFailOp))
	w.putUint32(uint32(f.PassOp))
}

// stateReader decodes fields written by stateWriter. It records failure
// instead of returning an error per read; callers check failed once.
type stateReader struct {
	buf    []byte
	off    int
	failed bool
}

func (r *stateReader) uint32() uint32 {
	if r.off+4 > len(r.buf) {
		r.failed = true
		return 0
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *stateReader) uint64() uint64 {
	if r.off+8 > len(r.buf) {
		r.failed = true
		return 0
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *stateReader) bool() bool {
	if r.off+1 > len(r.buf) {
		r.failed = true
		return false
	}
	v := r.buf[r.off] != 0
	r.off++
	return v
}

func (r *stateReader) stencilFace() StencilFaceState {
	return StencilFaceState{
		Compare:     gputypes.CompareFunction(r.uint32()),
		FailOp:      hal.StencilOperation(r.uint32()),
		DepthFailOp: hal.StencilOperation(r.uint32()),
		PassOp:      hal.StencilOperation(r.uint32()),
	}
}
