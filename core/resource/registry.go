package resource

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Producer hands out XA participation for one configured resource. The
// registry tracks producers process-wide so recovery can find them by the
// unique names stored in journal records.
type Producer interface {
	UniqueName() string
	Bean() *Bean
	// StartRecovery yields a branch holder connected for a recovery scan.
	StartRecovery() (*HolderState, error)
	// EndRecovery releases the recovery connection.
	EndRecovery() error
	// SetFailed marks the producer failed; acquisition heals it later.
	SetFailed(failed bool)
	Close() error
}

// Registry is the process-wide uniqueName → Producer mapping. Mutation is
// mutex-guarded; reads work on an immutable snapshot.
type Registry struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[map[string]Producer]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	empty := map[string]Producer{}
	r.snapshot.Store(&empty)
	return r
}

// Register adds a producer. An empty or duplicate unique name is an error.
func (r *Registry) Register(p Producer) error {
	name := p.UniqueName()
	if name == "" {
		return fmt.Errorf("cannot register a resource with an empty uniqueName")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	if _, exists := current[name]; exists {
		return fmt.Errorf("a resource with uniqueName %s is already registered", name)
	}
	next := make(map[string]Producer, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[name] = p
	r.snapshot.Store(&next)
	return nil
}

// Unregister removes a producer by name. Unknown names are an error.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := *r.snapshot.Load()
	if _, exists := current[name]; !exists {
		return fmt.Errorf("no resource with uniqueName %s is registered", name)
	}
	next := make(map[string]Producer, len(current)-1)
	for k, v := range current {
		if k != name {
			next[k] = v
		}
	}
	r.snapshot.Store(&next)
	return nil
}

// Get returns the producer registered under the name, or nil.
func (r *Registry) Get(name string) Producer {
	return (*r.snapshot.Load())[name]
}

// All returns every registered producer, sorted by unique name so scans are
// deterministic.
func (r *Registry) All() []Producer {
	current := *r.snapshot.Load()
	out := make([]Producer, 0, len(current))
	for _, p := range current {
		out = append(out, p)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UniqueName() < out[b].UniqueName() })
	return out
}
