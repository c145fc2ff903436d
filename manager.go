// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipecache

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"
)

// ErrManagerClosed is returned when a pipeline is requested from a
// closed Manager.
var ErrManagerClosed = errors.New("pipecache: manager is closed")

// Manager is the registry of pipeline objects for one device. It
// guarantees at most one pipeline object per distinct shader set, runs
// background compiles through its pool, and owns the teardown of every
// handle its pipelines created.
//
// Create a Manager per device with NewManager and release it with
// Close. All methods are safe for concurrent use.
type Manager struct {
	factory    Factory
	pool       *CompilerPool
	stateCache *StateCache

	closed atomic.Bool

	// mu guards the registries. No device work happens under it;
	// instance compilation is driven by the pipelines themselves.
	mu        sync.Mutex
	graphics  map[GraphicsKey]*GraphicsPipeline
	compute   map[uint64]*ComputePipeline
	libraries map[uint64]*PipelineLibrary
}

// NewManager creates a manager over factory. By default background
// compiles run on a pool with one worker per CPU; see WithWorkers and
// WithStateCache for configuration.
func NewManager(factory Factory, opts ...ManagerOption) *Manager {
	o := defaultManagerOptions()
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		factory:    factory,
		stateCache: o.stateCache,
		graphics:   make(map[GraphicsKey]*GraphicsPipeline),
		compute:    make(map[uint64]*ComputePipeline),
		libraries:  make(map[uint64]*PipelineLibrary),
	}
	if o.workers != 0 {
		m.pool = NewCompilerPool(o.workers)
	}
	return m
}

// GetGraphicsPipeline returns the pipeline object for the shader set,
// creating it on first request. Requests with an identical set return
// the same object. The set is validated; a stage/slot mismatch is a
// caller bug and yields an error, never a pipeline.
func (m *Manager) GetGraphicsPipeline(shaders *GraphicsShaderSet, layout *BindingLayout) (*GraphicsPipeline, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if err := shaders.Validate(); err != nil {
		return nil, err
	}
	if shaders.VS == nil {
		return nil, fmt.Errorf("%w: vertex", ErrMissingShader)
	}

	key := shaders.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.graphics[key]; ok {
		return p, nil
	}
	p := newGraphicsPipeline(m.factory, shaders, layout, m.stateCache)
	m.graphics[key] = p
	return p, nil
}

// GetComputePipeline returns the pipeline object for the shader set,
// creating it on first request. A registered pipeline library with a
// matching layout is attached automatically.
func (m *Manager) GetComputePipeline(shaders *ComputeShaderSet, layout *BindingLayout) (*ComputePipeline, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if err := shaders.Validate(); err != nil {
		return nil, err
	}
	if shaders.CS == nil {
		return nil, fmt.Errorf("%w: compute", ErrMissingShader)
	}

	key := shaders.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.compute[key]; ok {
		return p, nil
	}
	p := newComputePipeline(m.factory, shaders, layout, m.stateCache)
	if layout != nil {
		if lib, ok := m.libraries[layout.Hash()]; ok {
			p.setLibrary(lib)
		}
	}
	m.compute[key] = p
	return p, nil
}

// RegisterLibrary registers a pre-linked compute pipeline for the
// given layout. Compute pipelines with a matching layout serve their
// default state from it, unless they already compiled an instance for
// it; that instance keeps winning. The manager takes ownership of the
// handle and destroys it on Close.
func (m *Manager) RegisterLibrary(layout *BindingLayout, handle hal.ComputePipeline) *PipelineLibrary {
	lib := NewPipelineLibrary(layout, handle)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.libraries[lib.layoutHash] = lib
	for _, p := range m.compute {
		p.setLibrary(lib)
	}
	return lib
}

// CompileGraphicsAsync schedules a background compile of the instance
// for state. The state is copied before the call returns, so the
// caller may reuse it. Without a pool the compile runs inline.
func (m *Manager) CompileGraphicsAsync(p *GraphicsPipeline, state *GraphicsState) {
	if m.closed.Load() {
		return
	}
	snapshot := state.Clone()
	if m.pool == nil {
		p.CompileAsync(snapshot)
		return
	}
	m.pool.Submit(func() { p.CompileAsync(snapshot) })
}

// CompileComputeAsync schedules a background compile of the instance
// for state.
func (m *Manager) CompileComputeAsync(p *ComputePipeline, state *ComputeState) {
	if m.closed.Load() {
		return
	}
	snapshot := *state
	if m.pool == nil {
		p.CompileAsync(&snapshot)
		return
	}
	m.pool.Submit(func() { p.CompileAsync(&snapshot) })
}

// Replay reads a state cache stream and schedules a compile for every
// record whose shader set is already registered with this manager.
// Records for unknown shader sets are skipped: their shaders may not
// exist this run. Replay waits for the scheduled compiles to finish
// and returns the number of records replayed; a record whose instance
// is already cached or fails to compile still counts.
func (m *Manager) Replay(r io.Reader) (int, error) {
	if m.closed.Load() {
		return 0, ErrManagerClosed
	}

	var tasks []func()
	cr := NewStateCacheReader(r)
	for {
		rec, err := cr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}

		switch rec.Kind {
		case StateRecordGraphics:
			m.mu.Lock()
			p, ok := m.graphics[rec.GraphicsKey]
			m.mu.Unlock()
			if !ok {
				continue
			}
			state := rec.GraphicsState
			tasks = append(tasks, func() { p.CompileAsync(state) })

		case StateRecordCompute:
			m.mu.Lock()
			p, ok := m.compute[rec.ComputeKey]
			m.mu.Unlock()
			if !ok {
				continue
			}
			state := rec.ComputeState
			tasks = append(tasks, func() { p.CompileAsync(state) })
		}
	}

	if m.pool != nil {
		m.pool.ExecuteAll(tasks)
	} else {
		for _, task := range tasks {
			task()
		}
	}
	return len(tasks), nil
}

// ManagerStats is a snapshot of registry and instance counts.
type ManagerStats struct {
	GraphicsPipelines int
	ComputePipelines  int
	GraphicsInstances int
	ComputeInstances  int
}

// Stats returns a snapshot of the manager's contents.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s ManagerStats
	s.GraphicsPipelines = len(m.graphics)
	s.ComputePipelines = len(m.compute)
	for _, p := range m.graphics {
		s.GraphicsInstances += p.InstanceCount()
	}
	for _, p := range m.compute {
		s.ComputeInstances += p.InstanceCount()
	}
	return s
}

// Close shuts the manager down: the compiler pool drains, every
// compiled instance handle is destroyed exactly once, library handles
// are destroyed, and shader references are released. Close is
// idempotent; pipeline objects obtained from this manager must not be
// used afterwards.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}

	// Drain in-flight compiles first so no handle is created after
	// teardown starts.
	if m.pool != nil {
		m.pool.Close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, p := range m.graphics {
		p.destroy()
		delete(m.graphics, key)
	}
	for key, p := range m.compute {
		p.destroy()
		delete(m.compute, key)
	}
	for hash, lib := range m.libraries {
		if lib.handle != nil {
			m.factory.DestroyComputePipeline(lib.handle)
		}
		delete(m.libraries, hash)
	}
}
