package pipecache

// ManagerOption configures a Manager during creation.
// Use functional options to customize Manager behavior.
//
// Example:
//
//	// Default: background pool with one worker per CPU
//	m := pipecache.NewManager(factory)
//
//	// Deterministic inline compilation (tests, small apps)
//	m := pipecache.NewManager(factory, pipecache.WithWorkers(0))
type ManagerOption func(*managerOptions)

// managerOptions holds optional configuration for Manager creation.
type managerOptions struct {
	workers    int
	stateCache *StateCache
}

// defaultManagerOptions returns the default manager options.
func defaultManagerOptions() managerOptions {
	return managerOptions{
		workers: -1, // resolved to GOMAXPROCS by NewCompilerPool
	}
}

// WithWorkers sets the number of background compile workers.
// Zero disables the pool entirely: async requests compile inline on
// the calling goroutine, which keeps tests deterministic. Negative
// values select one worker per CPU.
func WithWorkers(n int) ManagerOption {
	return func(o *managerOptions) {
		o.workers = n
	}
}

// WithStateCache attaches a state cache. Every successful instance
// compile is recorded to it, and Manager.Replay can warm a later run
// from the recorded stream.
//
// Example:
//
//	f, _ := os.OpenFile("pipelines.pcsc", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
//	m := pipecache.NewManager(factory, pipecache.WithStateCache(pipecache.NewStateCache(f)))
func WithStateCache(c *StateCache) ManagerOption {
	return func(o *managerOptions) {
		o.stateCache = c
	}
}
