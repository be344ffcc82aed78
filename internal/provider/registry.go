package provider

import (
	"fmt"
	"sync"
)

// Constructor creates an adapter from its configuration.
// Implementations register themselves with the registry using Register().
type Constructor func(cfg Config) (Adapter, error)

// registry maps backend ids to their constructors
var (
	registry      = make(map[ID]Constructor)
	registryMutex sync.RWMutex
)

// Register registers a backend constructor.
// This is called from init() functions in implementation packages.
//
// Example:
//
//	func init() {
//	    provider.Register(provider.IDRelay, New)
//	}
func Register(id ID, constructor Constructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("provider: Register constructor is nil for id %s", id))
	}

	if _, exists := registry[id]; exists {
		panic(fmt.Sprintf("provider: Register called twice for id %s", id))
	}

	registry[id] = constructor
}

// Open constructs the adapter registered under id. Unknown ids fail
// here, at construction, rather than surfacing later as a nil adapter.
func Open(id ID, cfg Config) (Adapter, error) {
	registryMutex.RLock()
	constructor := registry[id]
	registryMutex.RUnlock()

	if constructor == nil {
		return nil, fmt.Errorf("provider: unknown backend %q (registered: %v)", id, RegisteredIDs())
	}
	return constructor(cfg)
}

// IsRegistered returns true if a constructor is registered for the given id.
func IsRegistered(id ID) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	_, exists := registry[id]
	return exists
}

// RegisteredIDs returns all registered backend ids.
// Useful for testing and CLI help output.
func RegisteredIDs() []ID {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	ids := make([]ID, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	return ids
}

// UnregisterAll clears all registered constructors.
// This is primarily useful for testing.
func UnregisterAll() {
	registryMutex.Lock()
	defer registryMutex.Unlock()
	registry = make(map[ID]Constructor)
}
