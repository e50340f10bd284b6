package pipeline

import (
	"fmt"
	"sort"
	"sync"
)

// Loader registers stages into a registry. Loaders passed to NewRegistry run
// once, on first use, and must only call Register/MustRegister.
type Loader func(*Registry) error

// Registry maps implementation names to stages. Safe for concurrent use.
// Stages can be added but never removed.
type Registry struct {
	mu      sync.RWMutex
	stages  map[string]Stage
	loaders []Loader
	once    sync.Once
	loadErr error
}

// NewRegistry returns a registry. The loaders run exactly once, lazily, the
// first time the registry is queried.
func NewRegistry(loaders ...Loader) *Registry {
	return &Registry{stages: make(map[string]Stage), loaders: loaders}
}

// Register adds a stage under the given name. Returns a *DuplicateNameError
// if the name is already taken.
func (r *Registry) Register(name string, stage Stage) error {
	if name == "" {
		return fmt.Errorf("pipeline: stage name required")
	}
	if stage == nil {
		return fmt.Errorf("pipeline: stage %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.stages[name]; exists {
		return &DuplicateNameError{Name: name}
	}
	r.stages[name] = stage
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(name string, stage Stage) {
	if err := r.Register(name, stage); err != nil {
		panic(err)
	}
}

func (r *Registry) load() error {
	r.once.Do(func() {
		for _, l := range r.loaders {
			if err := l(r); err != nil {
				r.loadErr = fmt.Errorf("pipeline: load builtin stages: %w", err)
				return
			}
		}
	})
	return r.loadErr
}

// Lookup returns the stage for name or a *UnknownStageError.
func (r *Registry) Lookup(name string) (Stage, error) {
	if err := r.load(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stages[name]
	if !ok {
		return nil, &UnknownStageError{Name: name}
	}
	return s, nil
}

// Names returns all registered stage names, sorted.
func (r *Registry) Names() []string {
	_ = r.load()
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stages))
	for n := range r.stages {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
