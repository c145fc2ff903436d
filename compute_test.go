// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipecache

import (
	"sync"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

func testComputePipeline(t *testing.T, f Factory, layout *BindingLayout) *ComputePipeline {
	t.Helper()
	set := &ComputeShaderSet{CS: testShader(t, "cs", StageCompute)}
	return newComputePipeline(f, set, layout, nil)
}

func TestComputePipelineGetHandleCachesInstance(t *testing.T) {
	f := &mockFactory{}
	p := testComputePipeline(t, f, nil)

	state := &ComputeState{SpecConstantMask: 1}
	state.SpecConstants[0] = 64

	h1 := p.GetHandle(state)
	if h1 == nil {
		t.Fatal("GetHandle returned nil")
	}
	copied := *state
	if h2 := p.GetHandle(&copied); h2 != h1 {
		t.Error("equal states returned different handles")
	}
	if got := f.computeCreates.Load(); got != 1 {
		t.Errorf("factory created %d pipelines, want 1", got)
	}

	other := &ComputeState{SpecConstantMask: 1}
	other.SpecConstants[0] = 128
	if h3 := p.GetHandle(other); h3 == h1 {
		t.Error("different specialization returned the same handle")
	}
}

func TestComputePipelineConcurrentGetHandle(t *testing.T) {
	f := &mockFactory{createDelay: time.Millisecond}
	p := testComputePipeline(t, f, nil)

	const goroutines = 16
	handles := make([]hal.ComputePipeline, goroutines)

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := range goroutines {
		go func() {
			defer wg.Done()
			handles[i] = p.GetHandle(&ComputeState{})
		}()
	}
	wg.Wait()

	for i, h := range handles {
		if h == nil || h != handles[0] {
			t.Fatalf("goroutine %d got handle %v, want shared %v", i, h, handles[0])
		}
	}
	if got := f.computeCreates.Load(); got != 1 {
		t.Errorf("factory created %d pipelines under race, want 1", got)
	}
}

func TestComputePipelineLibraryFastPath(t *testing.T) {
	f := &mockFactory{}
	layout := NewBindingLayout(nil, []gputypes.BindGroupLayoutEntry{
		storageEntry(0, gputypes.ShaderStageCompute, false),
	})
	p := testComputePipeline(t, f, layout)

	linked := &fakeComputePipeline{id: 999}
	p.setLibrary(NewPipelineLibrary(layout, linked))

	// Default state: served by the library, no creation.
	if h := p.GetHandle(&ComputeState{}); h != linked {
		t.Error("default state was not served from the library")
	}
	if got := f.computeCreates.Load(); got != 0 {
		t.Errorf("library fast path invoked the factory %d times", got)
	}
	if got := p.InstanceCount(); got != 0 {
		t.Errorf("library handle was stored as an instance: count = %d", got)
	}

	// Specialized state: full creation path.
	state := &ComputeState{SpecConstantMask: 1}
	if h := p.GetHandle(state); h == nil || h == linked {
		t.Error("specialized state was not compiled separately")
	}
	if got := f.computeCreates.Load(); got != 1 {
		t.Errorf("factory created %d pipelines, want 1", got)
	}
}

func TestComputePipelineLibraryLayoutMismatch(t *testing.T) {
	f := &mockFactory{}
	layoutA := NewBindingLayout(nil, []gputypes.BindGroupLayoutEntry{
		storageEntry(0, gputypes.ShaderStageCompute, false),
	})
	layoutB := NewBindingLayout(nil, []gputypes.BindGroupLayoutEntry{
		uniformEntry(0, gputypes.ShaderStageCompute),
	})
	p := testComputePipeline(t, f, layoutA)

	p.setLibrary(NewPipelineLibrary(layoutB, &fakeComputePipeline{id: 7}))

	// Mismatched library must be ignored; the default state compiles.
	if h := p.GetHandle(&ComputeState{}); h == nil {
		t.Fatal("GetHandle returned nil")
	}
	if got := f.computeCreates.Load(); got != 1 {
		t.Errorf("factory created %d pipelines, want 1", got)
	}
}

func TestComputePipelineFailureNotCached(t *testing.T) {
	f := &mockFactory{}
	f.failCompute.Store(true)
	p := testComputePipeline(t, f, nil)

	if h := p.GetHandle(&ComputeState{}); h != nil {
		t.Fatal("GetHandle returned a handle despite creation failure")
	}
	if got := p.InstanceCount(); got != 0 {
		t.Errorf("failed creation was cached: count = %d", got)
	}

	f.failCompute.Store(false)
	if h := p.GetHandle(&ComputeState{}); h == nil {
		t.Error("GetHandle did not retry after earlier failure")
	}
}

func TestComputePipelineCompileAsync(t *testing.T) {
	f := &mockFactory{}
	p := testComputePipeline(t, f, nil)

	state := &ComputeState{SpecConstantMask: 1}
	p.CompileAsync(state)

	if got := p.InstanceCount(); got != 1 {
		t.Fatalf("InstanceCount() = %d after CompileAsync, want 1", got)
	}
	// Already present: no further creation.
	p.CompileAsync(state)
	if got := f.computeCreates.Load(); got != 1 {
		t.Errorf("factory created %d pipelines, want 1", got)
	}
}

func TestComputePipelineBarrier(t *testing.T) {
	f := &mockFactory{}
	layout := NewBindingLayout(nil, []gputypes.BindGroupLayoutEntry{
		storageEntry(0, gputypes.ShaderStageCompute, false),
		uniformEntry(1, gputypes.ShaderStageCompute),
	})
	p := testComputePipeline(t, f, layout)

	barrier := p.GetGlobalBarrier(&ComputeState{})
	if barrier.Stages&StageCompute == 0 {
		t.Error("compute stage missing from barrier")
	}
	wantAccess := AccessUniformRead | AccessStorageRead | AccessStorageWrite
	if barrier.Access != wantAccess {
		t.Errorf("barrier access = %#x, want %#x", barrier.Access, wantAccess)
	}

	// Specialization state does not move the barrier.
	specialized := &ComputeState{SpecConstantMask: 0xFF}
	if p.GetGlobalBarrier(specialized) != barrier {
		t.Error("barrier differs across specialization states")
	}
}

func TestComputePipelineDestroyLeavesLibrary(t *testing.T) {
	f := &mockFactory{}
	layout := NewBindingLayout(nil, []gputypes.BindGroupLayoutEntry{
		uniformEntry(0, gputypes.ShaderStageCompute),
	})
	p := testComputePipeline(t, f, layout)
	p.setLibrary(NewPipelineLibrary(layout, &fakeComputePipeline{id: 5}))

	p.GetHandle(&ComputeState{SpecConstantMask: 1})
	p.destroy()

	// Only the owned instance is destroyed; the library handle belongs
	// to its registrar.
	if got := f.computeDestroys.Load(); got != 1 {
		t.Errorf("destroyed %d handles, want 1", got)
	}
}
