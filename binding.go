// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipecache

import (
	"hash/fnv"
	"slices"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// AccessFlags describe the resource access classes a pipeline may
// perform, aggregated over all of its bindings.
type AccessFlags uint32

const (
	AccessUniformRead AccessFlags = 1 << iota
	AccessStorageRead
	AccessStorageWrite
	AccessTextureSample
)

// GlobalBarrier summarizes which stages of a pipeline may access which
// resource classes. It is derived once from the shader set and binding
// layout; draw state never contributes, so all instances of a pipeline
// share the same barrier.
type GlobalBarrier struct {
	Stages ShaderStage
	Access AccessFlags
}

// merge folds another barrier into b.
func (b *GlobalBarrier) merge(o GlobalBarrier) {
	b.Stages |= o.Stages
	b.Access |= o.Access
}

// BindingLayout is an immutable wrapper around an externally created
// pipeline layout and the bind group entries it was built from. The
// entries are retained so pipelines can derive storage usage and the
// global barrier without talking to the device.
type BindingLayout struct {
	handle  hal.PipelineLayout
	entries []gputypes.BindGroupLayoutEntry
	hash    uint64
}

// NewBindingLayout wraps handle with the entries of every bind group
// layout it was created from, flattened in group order. The entries are
// copied; the caller keeps ownership of the handle.
func NewBindingLayout(handle hal.PipelineLayout, entries []gputypes.BindGroupLayoutEntry) *BindingLayout {
	l := &BindingLayout{
		handle:  handle,
		entries: slices.Clone(entries),
	}
	l.hash = l.computeHash()
	return l
}

func (l *BindingLayout) computeHash() uint64 {
	h := fnv.New64a()
	//nolint:gosec // G115: binding count is bounded by device limits
	hashWriteUint32(h, uint32(len(l.entries)))
	for i := range l.entries {
		e := &l.entries[i]
		hashWriteUint32(h, e.Binding)
		hashWriteUint32(h, uint32(e.Visibility))
		switch {
		case e.Buffer != nil:
			hashWriteUint32(h, 1)
			hashWriteUint32(h, uint32(e.Buffer.Type))
		case e.Texture != nil:
			hashWriteUint32(h, 2)
			hashWriteUint32(h, uint32(e.Texture.SampleType))
			hashWriteUint32(h, uint32(e.Texture.ViewDimension))
		case e.Sampler != nil:
			hashWriteUint32(h, 3)
			hashWriteUint32(h, uint32(e.Sampler.Type))
		default:
			hashWriteUint32(h, 0)
		}
	}
	return h.Sum64()
}

// Handle returns the wrapped pipeline layout.
func (l *BindingLayout) Handle() hal.PipelineLayout { return l.handle }

// Hash returns the stable identity hash of the layout's entries.
func (l *BindingLayout) Hash() uint64 { return l.hash }

// Entries returns the bind group entries. The returned slice must not
// be modified.
func (l *BindingLayout) Entries() []gputypes.BindGroupLayoutEntry { return l.entries }

// HasStorageDescriptors reports whether any binding is a storage
// buffer. Pipelines with storage bindings need stricter hazard
// tracking at draw time.
func (l *BindingLayout) HasStorageDescriptors() bool {
	for i := range l.entries {
		b := l.entries[i].Buffer
		if b == nil {
			continue
		}
		if b.Type == gputypes.BufferBindingTypeStorage ||
			b.Type == gputypes.BufferBindingTypeReadOnlyStorage {
			return true
		}
	}
	return false
}

// Barrier derives the layout's contribution to the pipeline's global
// barrier: for each binding, the stages it is visible to and the access
// class implied by its binding type.
func (l *BindingLayout) Barrier() GlobalBarrier {
	var barrier GlobalBarrier
	for i := range l.entries {
		e := &l.entries[i]
		stages := stagesFromVisibility(e.Visibility)

		var access AccessFlags
		switch {
		case e.Buffer != nil:
			switch e.Buffer.Type {
			case gputypes.BufferBindingTypeUniform:
				access = AccessUniformRead
			case gputypes.BufferBindingTypeReadOnlyStorage:
				access = AccessStorageRead
			case gputypes.BufferBindingTypeStorage:
				access = AccessStorageRead | AccessStorageWrite
			}
		case e.Texture != nil:
			access = AccessTextureSample
		}

		if access != 0 {
			barrier.merge(GlobalBarrier{Stages: stages, Access: access})
		}
	}
	return barrier
}

// stagesFromVisibility converts a binding visibility mask to the wider
// stage enumeration.
func stagesFromVisibility(v gputypes.ShaderStage) ShaderStage {
	var s ShaderStage
	if v&gputypes.ShaderStageVertex != 0 {
		s |= StageVertex
	}
	if v&gputypes.ShaderStageFragment != 0 {
		s |= StageFragment
	}
	if v&gputypes.ShaderStageCompute != 0 {
		s |= StageCompute
	}
	return s
}
