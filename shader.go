// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipecache

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/gogpu/naga"
	"github.com/gogpu/naga/ir"
	"github.com/gogpu/naga/spirv"
	"github.com/gogpu/wgpu/hal"
)

// Shader construction and validation errors.
var (
	// ErrStageMismatch is returned when a shader occupies a slot that
	// does not match its declared stage.
	ErrStageMismatch = errors.New("pipecache: shader stage does not match slot")

	// ErrNoShaderCode is returned when a shader is created without bytecode.
	ErrNoShaderCode = errors.New("pipecache: shader has no bytecode")
)

// ShaderStage identifies one or more pipeline stages as a bitmask.
// The set is wider than WebGPU's three stages because translated source
// APIs expose the full graphics stage list.
type ShaderStage uint32

const (
	StageVertex ShaderStage = 1 << iota
	StageTessControl
	StageTessEval
	StageGeometry
	StageFragment
	StageCompute
)

// String returns a short name for a single-stage value and a
// pipe-joined list for a mask.
func (s ShaderStage) String() string {
	names := [...]struct {
		bit  ShaderStage
		name string
	}{
		{StageVertex, "vertex"},
		{StageTessControl, "tess-control"},
		{StageTessEval, "tess-eval"},
		{StageGeometry, "geometry"},
		{StageFragment, "fragment"},
		{StageCompute, "compute"},
	}
	out := ""
	for _, n := range names {
		if s&n.bit == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += n.name
	}
	if out == "" {
		return "none"
	}
	return out
}

// ShaderFlags describe capabilities a shader declares that affect
// pipeline construction.
type ShaderFlags uint32

const (
	// ShaderFlagTransformFeedback marks a shader that captures vertex
	// outputs to buffers.
	ShaderFlagTransformFeedback ShaderFlags = 1 << iota

	// ShaderFlagSampleRateShading marks a fragment shader that runs
	// per sample rather than per pixel.
	ShaderFlagSampleRateShading
)

// ShaderDescriptor describes a shader to be wrapped in a Shader object.
type ShaderDescriptor struct {
	// Label is attached to diagnostics. Optional.
	Label string

	// Stage is the single pipeline stage this shader runs at.
	Stage ShaderStage

	// EntryPoint is the entry function name, "main" if empty.
	EntryPoint string

	// Code is the shader bytecode. It seeds the identity hash and is
	// required even when Module is already compiled.
	Code []byte

	// Module is the backend shader module, created by the caller.
	// May be nil in tests that never reach a real device.
	Module hal.ShaderModule

	// InputMask and OutputMask are bitmasks of the interface locations
	// the shader consumes and produces.
	InputMask  uint32
	OutputMask uint32

	// Flags declare pipeline-relevant shader capabilities.
	Flags ShaderFlags
}

// Shader is an immutable, reference-counted shader object. A Shader is
// shared between the registry and every pipeline built from it; the
// identity hash is stable for the shader's lifetime and equal hashes
// imply interchangeable shaders.
type Shader struct {
	label      string
	stage      ShaderStage
	hash       uint64
	entryPoint string
	module     hal.ShaderModule
	inputMask  uint32
	outputMask uint32
	flags      ShaderFlags

	refs    atomic.Int64
	release func(*Shader)
}

// NewShader creates a shader with an initial reference count of one.
func NewShader(desc *ShaderDescriptor) (*Shader, error) {
	if len(desc.Code) == 0 {
		return nil, ErrNoShaderCode
	}
	entry := desc.EntryPoint
	if entry == "" {
		entry = "main"
	}
	s := &Shader{
		label:      desc.Label,
		stage:      desc.Stage,
		hash:       shaderContentHash(desc.Stage, entry, desc.Code),
		entryPoint: entry,
		module:     desc.Module,
		inputMask:  desc.InputMask,
		outputMask: desc.OutputMask,
		flags:      desc.Flags,
	}
	s.refs.Store(1)
	return s, nil
}

// shaderContentHash derives the shader identity from stage, entry point
// and bytecode using FNV-1a.
func shaderContentHash(stage ShaderStage, entry string, code []byte) uint64 {
	h := fnv.New64a()
	hashWriteUint32(h, uint32(stage))
	hashWriteString(h, entry)
	_, _ = h.Write(code)
	return h.Sum64()
}

// Label returns the diagnostic label.
func (s *Shader) Label() string { return s.label }

// Stage returns the single stage this shader runs at.
func (s *Shader) Stage() ShaderStage { return s.stage }

// Hash returns the stable identity hash.
func (s *Shader) Hash() uint64 { return s.hash }

// EntryPoint returns the entry function name.
func (s *Shader) EntryPoint() string { return s.entryPoint }

// Module returns the backend shader module.
func (s *Shader) Module() hal.ShaderModule { return s.module }

// InputMask returns the consumed interface location mask.
func (s *Shader) InputMask() uint32 { return s.inputMask }

// OutputMask returns the produced interface location mask.
func (s *Shader) OutputMask() uint32 { return s.outputMask }

// Flags returns the shader capability flags.
func (s *Shader) Flags() ShaderFlags { return s.flags }

// Retain increments the reference count and returns s.
func (s *Shader) Retain() *Shader {
	s.refs.Add(1)
	return s
}

// Release decrements the reference count. When the count reaches zero
// the release hook runs, which typically unregisters the shader and
// destroys the backend module.
func (s *Shader) Release() {
	if s.refs.Add(-1) == 0 && s.release != nil {
		s.release(s)
	}
}

// shaderHash returns the identity hash of s, or zero for nil. Absent
// slots hash as zero so that sets with different populated slots never
// collide with each other by construction order.
func shaderHash(s *Shader) uint64 {
	if s == nil {
		return 0
	}
	return s.hash
}

// GraphicsKey is the comparable registry identity of a graphics shader
// set: the per-slot shader hashes in slot order.
type GraphicsKey [5]uint64

// GraphicsShaderSet is the fixed-slot shader tuple of a graphics
// pipeline. Any slot except VS may be nil.
type GraphicsShaderSet struct {
	VS  *Shader // vertex
	TCS *Shader // tessellation control
	TES *Shader // tessellation evaluation
	GS  *Shader // geometry
	FS  *Shader // fragment
}

// slotStages lists the required stage for each slot, in slot order.
var slotStages = [5]ShaderStage{
	StageVertex,
	StageTessControl,
	StageTessEval,
	StageGeometry,
	StageFragment,
}

func (s *GraphicsShaderSet) slots() [5]*Shader {
	return [5]*Shader{s.VS, s.TCS, s.TES, s.GS, s.FS}
}

// Validate checks that every present shader occupies the slot matching
// its declared stage. A mismatch indicates a caller bug and no pipeline
// may be built from the set.
func (s *GraphicsShaderSet) Validate() error {
	for i, sh := range s.slots() {
		if sh != nil && sh.stage != slotStages[i] {
			return fmt.Errorf("%w: slot %s holds %s shader %q",
				ErrStageMismatch, slotStages[i], sh.stage, sh.label)
		}
	}
	return nil
}

// Key returns the comparable identity of the set.
func (s *GraphicsShaderSet) Key() GraphicsKey {
	var k GraphicsKey
	for i, sh := range s.slots() {
		k[i] = shaderHash(sh)
	}
	return k
}

// Hash folds the slot hashes into a single value, in slot order.
func (s *GraphicsShaderSet) Hash() uint64 {
	h := fnv.New64a()
	for _, sh := range s.slots() {
		hashWriteUint64(h, shaderHash(sh))
	}
	return h.Sum64()
}

// Eq reports whether both sets reference identical shaders in every slot.
func (s *GraphicsShaderSet) Eq(o *GraphicsShaderSet) bool {
	return s.Key() == o.Key()
}

// Stages returns the mask of populated stages.
func (s *GraphicsShaderSet) Stages() ShaderStage {
	var m ShaderStage
	for i, sh := range s.slots() {
		if sh != nil {
			m |= slotStages[i]
		}
	}
	return m
}

// GetShader returns the shader occupying the slot for stage, or nil.
func (s *GraphicsShaderSet) GetShader(stage ShaderStage) *Shader {
	for i, sh := range s.slots() {
		if slotStages[i] == stage {
			return sh
		}
	}
	return nil
}

// retain takes a reference on every populated slot.
func (s *GraphicsShaderSet) retain() {
	for _, sh := range s.slots() {
		if sh != nil {
			sh.Retain()
		}
	}
}

// release drops one reference from every populated slot.
func (s *GraphicsShaderSet) release() {
	for _, sh := range s.slots() {
		if sh != nil {
			sh.Release()
		}
	}
}

// ComputeShaderSet is the single-slot shader tuple of a compute pipeline.
type ComputeShaderSet struct {
	CS *Shader
}

// Validate checks the slot stage.
func (s *ComputeShaderSet) Validate() error {
	if s.CS != nil && s.CS.stage != StageCompute {
		return fmt.Errorf("%w: compute slot holds %s shader %q",
			ErrStageMismatch, s.CS.stage, s.CS.label)
	}
	return nil
}

// Key returns the comparable identity of the set.
func (s *ComputeShaderSet) Key() uint64 { return shaderHash(s.CS) }

// Eq reports whether both sets reference an identical shader.
func (s *ComputeShaderSet) Eq(o *ComputeShaderSet) bool {
	return s.Key() == o.Key()
}

// ShaderRegistry deduplicates shaders by identity hash and manages
// their lifetime through reference counting. Register returns the
// existing shader when an identical one is already present, so
// pipelines built from the same bytecode share one Shader object.
//
// Thread safety: all methods are safe for concurrent use.
type ShaderRegistry struct {
	mu      sync.Mutex
	shaders map[uint64]*Shader
}

// NewShaderRegistry creates an empty registry.
func NewShaderRegistry() *ShaderRegistry {
	return &ShaderRegistry{shaders: make(map[uint64]*Shader)}
}

// Register adds a shader built from desc, or retains and returns the
// already registered shader with the same identity. The caller owns
// one reference either way and must Release it when done.
func (r *ShaderRegistry) Register(desc *ShaderDescriptor) (*Shader, error) {
	s, err := NewShader(desc)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.shaders[s.hash]; ok {
		return existing.Retain(), nil
	}
	s.release = r.remove
	r.shaders[s.hash] = s
	return s, nil
}

// Lookup retains and returns the shader with the given identity hash,
// or nil when absent.
func (r *ShaderRegistry) Lookup(hash uint64) *Shader {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.shaders[hash]
	if !ok {
		return nil
	}
	return s.Retain()
}

// Len returns the number of registered shaders.
func (r *ShaderRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.shaders)
}

// remove is the release hook: it unregisters the shader once its last
// reference is gone. A concurrent Lookup may have revived the count
// between the decrement and the lock, so it is re-checked here.
func (r *ShaderRegistry) remove(s *Shader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.refs.Load() > 0 {
		return
	}
	delete(r.shaders, s.hash)
}

// EntryPointInfo describes one entry point found in a WGSL module.
type EntryPointInfo struct {
	Name  string
	Stage ShaderStage
}

// CompiledShader is the result of CompileWGSL.
type CompiledShader struct {
	// SPIRV is the generated binary, ready for a backend shader module.
	SPIRV []byte

	// EntryPoints lists the entry points declared in the source.
	EntryPoints []EntryPointInfo
}

// CompileWGSLOptions configures CompileWGSL.
type CompileWGSLOptions struct {
	// Debug embeds names and line info in the generated SPIR-V.
	Debug bool

	// Validate runs IR validation before code generation.
	Validate bool
}

// CompileWGSL compiles WGSL source to SPIR-V and reports the entry
// points it declares, so callers can derive the stage tag for
// ShaderDescriptor without parsing the source themselves.
func CompileWGSL(source string, opts CompileWGSLOptions) (*CompiledShader, error) {
	ast, err := naga.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("pipecache: parse WGSL: %w", err)
	}
	module, err := naga.LowerWithSource(ast, source)
	if err != nil {
		return nil, fmt.Errorf("pipecache: lower WGSL: %w", err)
	}
	if opts.Validate {
		verrs, err := naga.Validate(module)
		if err != nil {
			return nil, fmt.Errorf("pipecache: validate WGSL: %w", err)
		}
		if len(verrs) > 0 {
			return nil, fmt.Errorf("pipecache: validate WGSL: %w", &verrs[0])
		}
	}
	code, err := naga.GenerateSPIRV(module, spirv.Options{
		Version: spirv.Version1_3,
		Debug:   opts.Debug,
	})
	if err != nil {
		return nil, fmt.Errorf("pipecache: generate SPIR-V: %w", err)
	}

	eps := make([]EntryPointInfo, 0, len(module.EntryPoints))
	for _, ep := range module.EntryPoints {
		eps = append(eps, EntryPointInfo{
			Name:  ep.Name,
			Stage: stageFromIR(ep.Stage),
		})
	}
	return &CompiledShader{SPIRV: code, EntryPoints: eps}, nil
}

func stageFromIR(s ir.ShaderStage) ShaderStage {
	switch s {
	case ir.StageVertex:
		return StageVertex
	case ir.StageFragment:
		return StageFragment
	case ir.StageCompute:
		return StageCompute
	}
	return 0
}
