// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package pipecache

import (
	"errors"
	"testing"
)

// testShader creates a shader with synthetic bytecode derived from the
// label, so distinct labels yield distinct identity hashes.
func testShader(t *testing.T, label string, stage ShaderStage) *Shader {
	t.Helper()
	s, err := NewShader(&ShaderDescriptor{
		Label: label,
		Stage: stage,
		Code:  []byte(label),
	})
	if err != nil {
		t.Fatalf("NewShader(%q): %v", label, err)
	}
	return s
}

func TestNewShaderRequiresCode(t *testing.T) {
	_, err := NewShader(&ShaderDescriptor{Stage: StageVertex})
	if !errors.Is(err, ErrNoShaderCode) {
		t.Errorf("NewShader without code: err = %v, want ErrNoShaderCode", err)
	}
}

func TestNewShaderDefaultEntryPoint(t *testing.T) {
	s := testShader(t, "vs", StageVertex)
	if got := s.EntryPoint(); got != "main" {
		t.Errorf("EntryPoint() = %q, want \"main\"", got)
	}
}

func TestShaderHashStable(t *testing.T) {
	a := testShader(t, "vs", StageVertex)
	b := testShader(t, "vs", StageVertex)
	c := testShader(t, "fs", StageFragment)

	if a.Hash() != b.Hash() {
		t.Error("shaders with identical code hash differently")
	}
	if a.Hash() == c.Hash() {
		t.Error("shaders with different code share a hash")
	}

	// Same code at a different stage is a different shader.
	d, err := NewShader(&ShaderDescriptor{
		Label: "vs",
		Stage: StageFragment,
		Code:  []byte("vs"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Hash() == d.Hash() {
		t.Error("same code at different stages shares a hash")
	}
}

func TestShaderStageString(t *testing.T) {
	cases := map[ShaderStage]string{
		0:            "none",
		StageVertex:  "vertex",
		StageCompute: "compute",

		StageVertex | StageFragment: "vertex|fragment",
	}
	for stage, want := range cases {
		if got := stage.String(); got != want {
			t.Errorf("ShaderStage(%d).String() = %q, want %q", stage, got, want)
		}
	}
}

func TestGraphicsShaderSetValidate(t *testing.T) {
	vs := testShader(t, "vs", StageVertex)
	fs := testShader(t, "fs", StageFragment)

	good := &GraphicsShaderSet{VS: vs, FS: fs}
	if err := good.Validate(); err != nil {
		t.Errorf("valid set: Validate() = %v", err)
	}

	// Fragment shader in the vertex slot must be rejected.
	bad := &GraphicsShaderSet{VS: fs}
	if err := bad.Validate(); !errors.Is(err, ErrStageMismatch) {
		t.Errorf("misplaced shader: Validate() = %v, want ErrStageMismatch", err)
	}
}

func TestGraphicsShaderSetKey(t *testing.T) {
	vs := testShader(t, "vs", StageVertex)
	fs := testShader(t, "fs", StageFragment)
	gs := testShader(t, "gs", StageGeometry)

	a := &GraphicsShaderSet{VS: vs, FS: fs}
	b := &GraphicsShaderSet{VS: vs, FS: fs}
	c := &GraphicsShaderSet{VS: vs, GS: gs, FS: fs}
	d := &GraphicsShaderSet{VS: vs}

	if !a.Eq(b) || a.Key() != b.Key() || a.Hash() != b.Hash() {
		t.Error("sets with identical slots are not equal")
	}
	if a.Eq(c) {
		t.Error("sets differing in geometry slot are equal")
	}
	if a.Eq(d) {
		t.Error("sets differing in fragment slot are equal")
	}
}

func TestGraphicsShaderSetStages(t *testing.T) {
	vs := testShader(t, "vs", StageVertex)
	fs := testShader(t, "fs", StageFragment)

	set := &GraphicsShaderSet{VS: vs, FS: fs}
	if got := set.Stages(); got != StageVertex|StageFragment {
		t.Errorf("Stages() = %v, want vertex|fragment", got)
	}
	if set.GetShader(StageVertex) != vs {
		t.Error("GetShader(StageVertex) did not return the vertex shader")
	}
	if set.GetShader(StageGeometry) != nil {
		t.Error("GetShader(StageGeometry) returned a shader for an empty slot")
	}
}

func TestComputeShaderSetValidate(t *testing.T) {
	cs := testShader(t, "cs", StageCompute)
	vs := testShader(t, "vs", StageVertex)

	good := &ComputeShaderSet{CS: cs}
	if err := good.Validate(); err != nil {
		t.Errorf("valid set: Validate() = %v", err)
	}

	bad := &ComputeShaderSet{CS: vs}
	if err := bad.Validate(); !errors.Is(err, ErrStageMismatch) {
		t.Errorf("misplaced shader: Validate() = %v, want ErrStageMismatch", err)
	}

	if good.Key() == 0 {
		t.Error("populated set has zero key")
	}
	empty := &ComputeShaderSet{}
	if empty.Key() != 0 {
		t.Error("empty set has nonzero key")
	}
}

func TestShaderRegistryDedupe(t *testing.T) {
	r := NewShaderRegistry()

	desc := &ShaderDescriptor{Label: "vs", Stage: StageVertex, Code: []byte("code")}
	a, err := r.Register(desc)
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Register(desc)
	if err != nil {
		t.Fatal(err)
	}

	if a != b {
		t.Error("registering identical shaders returned distinct objects")
	}
	if got := r.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}

	// Two references are held; the entry survives the first release.
	b.Release()
	if got := r.Len(); got != 1 {
		t.Errorf("Len() after first release = %d, want 1", got)
	}
	a.Release()
	if got := r.Len(); got != 0 {
		t.Errorf("Len() after last release = %d, want 0", got)
	}
}

func TestShaderRegistryLookup(t *testing.T) {
	r := NewShaderRegistry()

	s, err := r.Register(&ShaderDescriptor{Stage: StageCompute, Code: []byte("cs")})
	if err != nil {
		t.Fatal(err)
	}

	got := r.Lookup(s.Hash())
	if got != s {
		t.Error("Lookup did not return the registered shader")
	}
	if r.Lookup(0xDEAD) != nil {
		t.Error("Lookup returned a shader for an unknown hash")
	}

	got.Release()
	s.Release()
	if r.Lookup(s.Hash()) != nil {
		t.Error("Lookup returned a shader after its last release")
	}
}

const (
	testVertexWGSL = `@vertex
fn main(@builtin(vertex_index) idx: u32) -> @builtin(position) vec4<f32> {
    return vec4<f32>(0.0, 0.0, 0.0, 1.0);
}`

	testComputeWGSL = `@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) global_id: vec3<u32>) {
}`
)

func TestCompileWGSL(t *testing.T) {
	compiled, err := CompileWGSL(testVertexWGSL, CompileWGSLOptions{})
	if err != nil {
		t.Fatalf("CompileWGSL: %v", err)
	}
	if len(compiled.SPIRV) == 0 {
		t.Error("CompileWGSL produced no SPIR-V")
	}
	if len(compiled.EntryPoints) != 1 {
		t.Fatalf("got %d entry points, want 1", len(compiled.EntryPoints))
	}
	ep := compiled.EntryPoints[0]
	if ep.Name != "main" || ep.Stage != StageVertex {
		t.Errorf("entry point = %+v, want {main vertex}", ep)
	}
}

func TestCompileWGSLComputeStage(t *testing.T) {
	compiled, err := CompileWGSL(testComputeWGSL, CompileWGSLOptions{})
	if err != nil {
		t.Fatalf("CompileWGSL: %v", err)
	}
	if len(compiled.EntryPoints) != 1 || compiled.EntryPoints[0].Stage != StageCompute {
		t.Errorf("entry points = %+v, want one compute entry", compiled.EntryPoints)
	}
}

func TestCompileWGSLParseError(t *testing.T) {
	if _, err := CompileWGSL("not wgsl at all {", CompileWGSLOptions{}); err == nil {
		t.Error("CompileWGSL accepted invalid source")
	}
}
