// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipecache

import (
	"sync"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/pipecache/internal/synclist"
)

// PipelineLibrary is a pre-linked compute pipeline compiled ahead of
// time for a specific binding layout. A ComputePipeline with a matching
// layout serves the default state straight from the library, skipping
// instance creation on first dispatch.
//
// The library owns its handle; pipelines never destroy it.
type PipelineLibrary struct {
	layoutHash uint64
	handle     hal.ComputePipeline
}

// NewPipelineLibrary wraps a pre-linked handle for the given layout.
func NewPipelineLibrary(layout *BindingLayout, handle hal.ComputePipeline) *PipelineLibrary {
	l := &PipelineLibrary{handle: handle}
	if layout != nil {
		l.layoutHash = layout.Hash()
	}
	return l
}

// Handle returns the pre-linked pipeline handle.
func (l *PipelineLibrary) Handle() hal.ComputePipeline { return l.handle }

// ComputePipelineInstance pairs one compute state with its compiled
// handle.
type ComputePipelineInstance struct {
	state  ComputeState
	handle hal.ComputePipeline
}

// State returns the state this instance was compiled for.
func (i *ComputePipelineInstance) State() ComputeState { return i.state }

// Handle returns the compiled pipeline handle.
func (i *ComputePipelineInstance) Handle() hal.ComputePipeline { return i.handle }

// ComputePipeline caches compiled instances of one compute shader, one
// per distinct specialization state. Obtain pipelines from a Manager;
// all methods are safe for concurrent use.
type ComputePipeline struct {
	factory    Factory
	stateCache *StateCache
	shaders    *ComputeShaderSet
	layout     *BindingLayout
	barrier    GlobalBarrier

	// library, when set, serves the default state as long as no
	// compiled instance for it exists. Instances always win so every
	// caller resolves equal states to the same handle.
	library atomic.Pointer[PipelineLibrary]

	failLogged atomic.Bool

	mu        sync.Mutex
	instances synclist.List[ComputePipelineInstance]
}

// newComputePipeline wires a pipeline for a validated shader set.
func newComputePipeline(factory Factory, shaders *ComputeShaderSet, layout *BindingLayout, stateCache *StateCache) *ComputePipeline {
	p := &ComputePipeline{
		factory:    factory,
		stateCache: stateCache,
		shaders:    shaders,
		layout:     layout,
	}
	if shaders.CS != nil {
		shaders.CS.Retain()
	}
	p.barrier.Stages = StageCompute
	if layout != nil {
		p.barrier.merge(layout.Barrier())
	}
	return p
}

// Shaders returns the pipeline's shader set.
func (p *ComputePipeline) Shaders() *ComputeShaderSet { return p.shaders }

// Layout returns the pipeline's binding layout, which may be nil.
func (p *ComputePipeline) Layout() *BindingLayout { return p.layout }

// InstanceCount returns the number of compiled instances, not counting
// a registered library.
func (p *ComputePipeline) InstanceCount() int { return p.instances.Len() }

// GetGlobalBarrier returns the pipeline's resource barrier. It depends
// only on the shader and binding layout and never blocks.
func (p *ComputePipeline) GetGlobalBarrier(state *ComputeState) GlobalBarrier {
	_ = state
	return p.barrier
}

// setLibrary attaches a pre-linked library. Called by the Manager when
// a library registered for this pipeline's layout becomes available.
func (p *ComputePipeline) setLibrary(lib *PipelineLibrary) {
	if lib == nil || p.layout == nil || lib.layoutHash != p.layout.Hash() {
		return
	}
	p.library.Store(lib)
}

// GetHandle returns the compiled handle for state, creating the
// instance synchronously on first use. The default state is served
// from an attached pipeline library while no instance for it exists;
// a compiled instance takes precedence over a library attached later.
// A nil return means creation failed; the failure is not cached.
func (p *ComputePipeline) GetHandle(state *ComputeState) hal.ComputePipeline {
	if inst := p.findInstance(state); inst != nil {
		return inst.handle
	}
	if state.IsDefault() {
		if lib := p.library.Load(); lib != nil {
			return lib.handle
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if inst := p.findInstance(state); inst != nil {
		return inst.handle
	}
	// A library attached while this goroutine waited for the lock also
	// serves the default state; compiling here would hand out a second
	// handle for it.
	if state.IsDefault() {
		if lib := p.library.Load(); lib != nil {
			return lib.handle
		}
	}

	inst := p.createInstanceLocked(state)
	if inst == nil {
		return nil
	}
	return inst.handle
}

// CompileAsync compiles the instance for state if it is not already
// present, creating outside the insertion lock. The loser of a
// creation race destroys its duplicate handle.
func (p *ComputePipeline) CompileAsync(state *ComputeState) {
	if p.findInstance(state) != nil {
		return
	}
	if state.IsDefault() && p.library.Load() != nil {
		return
	}

	handle, err := p.factory.CreateComputePipeline(p.shaders, p.layout, state)
	if err != nil {
		p.logCreateFailure(err)
		return
	}

	p.mu.Lock()
	if existing := p.findInstance(state); existing != nil {
		p.mu.Unlock()
		p.factory.DestroyComputePipeline(handle)
		Logger().Debug("pipecache: discarded duplicate async pipeline",
			"shader", p.label())
		return
	}
	p.insertLocked(state, handle)
	p.mu.Unlock()

	p.recordState(state)
}

func (p *ComputePipeline) findInstance(state *ComputeState) *ComputePipelineInstance {
	return p.instances.Find(func(inst *ComputePipelineInstance) bool {
		return inst.state == *state
	})
}

// createInstanceLocked compiles and stores the instance for state.
// Called with mu held.
func (p *ComputePipeline) createInstanceLocked(state *ComputeState) *ComputePipelineInstance {
	handle, err := p.factory.CreateComputePipeline(p.shaders, p.layout, state)
	if err != nil {
		p.logCreateFailure(err)
		return nil
	}

	inst := p.insertLocked(state, handle)
	p.recordState(state)
	return inst
}

func (p *ComputePipeline) insertLocked(state *ComputeState, handle hal.ComputePipeline) *ComputePipelineInstance {
	return p.instances.Insert(&ComputePipelineInstance{
		state:  *state,
		handle: handle,
	})
}

func (p *ComputePipeline) logCreateFailure(err error) {
	if p.failLogged.CompareAndSwap(false, true) {
		Logger().Warn("pipecache: compute pipeline creation failed",
			"shader", p.label(), "error", err)
	}
}

func (p *ComputePipeline) recordState(state *ComputeState) {
	if p.stateCache != nil {
		p.stateCache.WriteCompute(p.shaders.Key(), state)
	}
}

func (p *ComputePipeline) label() string {
	if p.shaders.CS != nil && p.shaders.CS.label != "" {
		return p.shaders.CS.label
	}
	return "unnamed"
}

// destroy releases every owned handle and the shader reference.
// Library handles belong to the Manager and are not touched. Called
// once by the owning Manager.
func (p *ComputePipeline) destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instances.Range(func(inst *ComputePipelineInstance) bool {
		if inst.handle != nil {
			p.factory.DestroyComputePipeline(inst.handle)
		}
		return true
	})
	if p.shaders.CS != nil {
		p.shaders.CS.Release()
	}
}
