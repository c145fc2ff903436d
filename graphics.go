// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipecache

import (
	"sync"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/pipecache/internal/synclist"
)

// PipelineFlags describe pipeline-wide properties derived from the
// shader set and binding layout at construction time.
type PipelineFlags uint32

const (
	// PipelineHasTransformFeedback marks pipelines whose shaders
	// capture vertex output to buffers.
	PipelineHasTransformFeedback PipelineFlags = 1 << iota

	// PipelineHasStorageDescriptors marks pipelines whose layout binds
	// storage buffers, requiring hazard tracking at draw time.
	PipelineHasStorageDescriptors
)

// GraphicsPipelineInstance pairs one state vector with its compiled
// handle. Instances are immutable after insertion into the store.
type GraphicsPipelineInstance struct {
	stateHash uint64
	state     *GraphicsState
	handle    hal.RenderPipeline
}

// State returns the state vector this instance was compiled for.
// The returned value must not be modified.
func (i *GraphicsPipelineInstance) State() *GraphicsState { return i.state }

// Handle returns the compiled pipeline handle.
func (i *GraphicsPipelineInstance) Handle() hal.RenderPipeline { return i.handle }

// GraphicsPipeline caches compiled instances of one graphics shader
// set, one per distinct state vector. Obtain pipelines from a Manager;
// all methods are safe for concurrent use.
type GraphicsPipeline struct {
	factory    Factory
	stateCache *StateCache
	shaders    *GraphicsShaderSet
	layout     *BindingLayout

	flags   PipelineFlags
	barrier GlobalBarrier

	// Interface masks derived at construction: the vertex input
	// locations the pipeline consumes and the fragment output
	// locations it produces.
	vsInputMask  uint32
	fsOutputMask uint32

	// failLogged throttles creation failure logging to once per
	// pipeline. Failures themselves are never cached.
	failLogged atomic.Bool

	// mu serializes instance creation. Lookups never take it.
	mu        sync.Mutex
	instances synclist.List[GraphicsPipelineInstance]
}

// newGraphicsPipeline wires a pipeline for a validated shader set.
// The caller has already run shaders.Validate.
func newGraphicsPipeline(factory Factory, shaders *GraphicsShaderSet, layout *BindingLayout, stateCache *StateCache) *GraphicsPipeline {
	p := &GraphicsPipeline{
		factory:    factory,
		stateCache: stateCache,
		shaders:    shaders,
		layout:     layout,
	}
	shaders.retain()

	for _, sh := range shaders.slots() {
		if sh != nil && sh.flags&ShaderFlagTransformFeedback != 0 {
			p.flags |= PipelineHasTransformFeedback
		}
	}
	if shaders.VS != nil {
		p.vsInputMask = shaders.VS.inputMask
	}
	if shaders.FS != nil {
		p.fsOutputMask = shaders.FS.outputMask
	}
	p.barrier.Stages = shaders.Stages()
	if layout != nil {
		if layout.HasStorageDescriptors() {
			p.flags |= PipelineHasStorageDescriptors
		}
		p.barrier.merge(layout.Barrier())
	}
	return p
}

// Shaders returns the pipeline's shader set.
func (p *GraphicsPipeline) Shaders() *GraphicsShaderSet { return p.shaders }

// Layout returns the pipeline's binding layout, which may be nil.
func (p *GraphicsPipeline) Layout() *BindingLayout { return p.layout }

// Flags returns the derived pipeline flags.
func (p *GraphicsPipeline) Flags() PipelineFlags { return p.flags }

// VertexInputMask returns the vertex input locations the pipeline's
// vertex shader consumes.
func (p *GraphicsPipeline) VertexInputMask() uint32 { return p.vsInputMask }

// FragmentOutputMask returns the color attachment locations the
// pipeline's fragment shader writes, or zero without one.
func (p *GraphicsPipeline) FragmentOutputMask() uint32 { return p.fsOutputMask }

// InstanceCount returns the number of compiled instances.
func (p *GraphicsPipeline) InstanceCount() int { return p.instances.Len() }

// GetGlobalBarrier returns the pipeline's resource barrier. The
// barrier depends only on the shader set and binding layout, never on
// the draw state, so every instance shares it. The call never blocks.
func (p *GraphicsPipeline) GetGlobalBarrier(state *GraphicsState) GlobalBarrier {
	_ = state
	return p.barrier
}

// GetHandle returns the compiled handle for state, creating the
// instance synchronously on first use. A nil return means the
// configuration cannot be realized and the caller should skip the
// draw; the failure is not cached, so a later call may succeed.
func (p *GraphicsPipeline) GetHandle(state *GraphicsState) hal.RenderPipeline {
	if inst := p.findInstance(state); inst != nil {
		return inst.handle
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// A racing creator may have inserted the instance while this
	// goroutine waited for the lock.
	if inst := p.findInstance(state); inst != nil {
		return inst.handle
	}

	inst := p.createInstanceLocked(state)
	if inst == nil {
		return nil
	}
	return inst.handle
}

// CompileAsync compiles the instance for state if it is not already
// present. Unlike GetHandle, creation happens outside the insertion
// lock so a foreground GetHandle is never stalled behind a warm-up
// compile; if both race, the loser destroys its duplicate handle.
func (p *GraphicsPipeline) CompileAsync(state *GraphicsState) {
	if p.findInstance(state) != nil {
		return
	}

	creationState, ok := p.prepareState(state)
	if !ok {
		return
	}

	handle, err := p.factory.CreateRenderPipeline(p.shaders, p.layout, creationState)
	if err != nil {
		p.logCreateFailure(err)
		return
	}

	p.mu.Lock()
	if existing := p.findInstance(state); existing != nil {
		p.mu.Unlock()
		// Lost the race against another creator. The stored instance
		// wins; this handle is surplus.
		p.factory.DestroyRenderPipeline(handle)
		Logger().Debug("pipecache: discarded duplicate async pipeline",
			"shader", p.label())
		return
	}
	p.insertLocked(state, handle)
	p.mu.Unlock()

	p.recordState(state)
}

// findInstance is the lock-free lookup path, run on every draw.
func (p *GraphicsPipeline) findInstance(state *GraphicsState) *GraphicsPipelineInstance {
	hash := state.Hash()
	return p.instances.Find(func(inst *GraphicsPipelineInstance) bool {
		return inst.stateHash == hash && inst.state.Eq(state)
	})
}

// createInstanceLocked validates, compiles and stores the instance for
// state. Returns nil when the state is invalid or creation fails.
// Called with mu held.
func (p *GraphicsPipeline) createInstanceLocked(state *GraphicsState) *GraphicsPipelineInstance {
	creationState, ok := p.prepareState(state)
	if !ok {
		return nil
	}

	handle, err := p.factory.CreateRenderPipeline(p.shaders, p.layout, creationState)
	if err != nil {
		p.logCreateFailure(err)
		return nil
	}

	inst := p.insertLocked(state, handle)
	p.recordState(state)
	return inst
}

// insertLocked publishes a new instance keyed by a private copy of the
// caller's state. Called with mu held.
func (p *GraphicsPipeline) insertLocked(state *GraphicsState, handle hal.RenderPipeline) *GraphicsPipelineInstance {
	return p.instances.Insert(&GraphicsPipelineInstance{
		stateHash: state.Hash(),
		state:     state.Clone(),
		handle:    handle,
	})
}

// prepareState checks state against the shader set. Impossible
// configurations return ok=false and are not cached. Recoverable
// mismatches return a degraded copy used only for creation; the
// instance is still keyed by the caller's exact state.
func (p *GraphicsPipeline) prepareState(state *GraphicsState) (creationState *GraphicsState, ok bool) {
	if p.shaders.VS == nil {
		Logger().Warn("pipecache: graphics pipeline without vertex shader",
			"shader", p.label())
		return nil, false
	}

	// Every input location the vertex shader consumes must be fed by a
	// vertex attribute. A gap cannot be papered over.
	if missing := p.missingInputs(state); missing != 0 {
		Logger().Warn("pipecache: vertex inputs not provided by state",
			"shader", p.label(), "locations", missing)
		return nil, false
	}

	creationState = state

	// Sample-rate shading needs a fragment shader compiled for it.
	// Requesting it without one is recoverable: drop it.
	if state.SampleShadingEnabled &&
		(p.shaders.FS == nil || p.shaders.FS.flags&ShaderFlagSampleRateShading == 0) {
		creationState = state.Clone()
		creationState.SampleShadingEnabled = false
		creationState.SampleShadingFactor = 0
		Logger().Debug("pipecache: dropped sample-rate shading",
			"shader", p.label())
	}

	return creationState, true
}

// missingInputs returns the mask of vertex shader input locations that
// no vertex attribute in state provides.
func (p *GraphicsPipeline) missingInputs(state *GraphicsState) uint32 {
	consumed := p.shaders.VS.inputMask
	if consumed == 0 {
		return 0
	}
	var provided uint32
	for i := range state.VertexBuffers {
		for _, attr := range state.VertexBuffers[i].Attributes {
			if attr.ShaderLocation < 32 {
				provided |= 1 << attr.ShaderLocation
			}
		}
	}
	return consumed &^ provided
}

// logCreateFailure reports the first creation failure of this
// pipeline. Later failures stay silent so a hot render loop does not
// flood the log retrying the same broken state.
func (p *GraphicsPipeline) logCreateFailure(err error) {
	if p.failLogged.CompareAndSwap(false, true) {
		Logger().Warn("pipecache: graphics pipeline creation failed",
			"shader", p.label(), "error", err)
	}
}

// recordState appends the compiled state to the on-disk state cache.
func (p *GraphicsPipeline) recordState(state *GraphicsState) {
	if p.stateCache != nil {
		p.stateCache.WriteGraphics(p.shaders.Key(), state)
	}
}

// label returns the best available diagnostic name.
func (p *GraphicsPipeline) label() string {
	for _, sh := range p.shaders.slots() {
		if sh != nil && sh.label != "" {
			return sh.label
		}
	}
	return "unnamed"
}

// destroy releases every compiled handle and the shader references.
// Called once by the owning Manager; the pipeline must not be used
// afterwards.
func (p *GraphicsPipeline) destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instances.Range(func(inst *GraphicsPipelineInstance) bool {
		if inst.handle != nil {
			p.factory.DestroyRenderPipeline(inst.handle)
		}
		return true
	})
	p.shaders.release()
}
