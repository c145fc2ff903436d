// Package pipecache caches and manages GPU pipeline objects for the
// GoGPU ecosystem.
//
// # Overview
//
// pipecache sits between a rendering front end and a gogpu/wgpu HAL
// device. Given a set of shaders and a draw-time state vector, it
// returns a compiled pipeline handle, compiling on first use and
// serving every later request from an append-only instance cache with
// lock-free lookups.
//
// # Quick Start
//
//	import "github.com/gogpu/pipecache"
//
//	m := pipecache.NewManager(pipecache.NewHALFactory(device))
//	defer m.Close()
//
//	p, err := m.GetGraphicsPipeline(&pipecache.GraphicsShaderSet{VS: vs, FS: fs}, layout)
//	if err != nil {
//	    return err
//	}
//
//	// Per draw: never blocks unless this exact state is new.
//	handle := p.GetHandle(state)
//
// # Architecture
//
// The library is organized into:
//   - Manager: per-device registry, one pipeline object per shader set
//   - GraphicsPipeline, ComputePipeline: per-state instance caches
//   - Factory: backend abstraction (HALFactory for gogpu/wgpu)
//   - CompilerPool: background workers for warm-up compiles
//   - StateCache: replayable record of compiled instances
//
// # Concurrency
//
// Every exported type is safe for concurrent use. The draw path is a
// lock-free list walk; a mutex is taken only to compile a state vector
// the cache has never seen.
package pipecache

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0-alpha.1"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0

	// VersionPrerelease is the prerelease identifier
	VersionPrerelease = "alpha.1"
)
