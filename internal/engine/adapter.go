// Package engine contains the provider-independent core of the sync engine:
// the CRM adapter contract, conflict detection and resolution, field
// transformation, error classification, and domain event dispatch. Nothing
// in this package touches the network or the database.
package engine

import (
	"context"
	"sync"
	"time"
)

// AdapterConfig describes a registered CRM adapter
type AdapterConfig struct {
	Name            string        `json:"name"`         // e.g. "hubspot", "pipedrive", "salesforce"
	DisplayName     string        `json:"display_name"` // e.g. "HubSpot"
	ObjectTypes     []string      `json:"object_types"` // remote object types the adapter handles
	RequestTimeout  time.Duration `json:"request_timeout"`
	SupportsWebhook bool          `json:"supports_webhook"` // false means polling-only providers
}

// PushResult is the outcome of pushing a payload to the external CRM
type PushResult struct {
	RemoteID      string `json:"remote_id"`
	RemoteVersion int64  `json:"remote_version"`
}

// PullResult is the outcome of fetching a remote object
type PullResult struct {
	Payload       map[string]any `json:"payload"`
	RemoteVersion int64          `json:"remote_version"`
}

// Adapter is the per-provider boundary the engine drives. One implementation
// exists per external CRM; the engine itself never knows provider API shapes.
type Adapter interface {
	// Config returns the adapter's configuration
	Config() AdapterConfig

	// Push creates or updates a remote object from an already-transformed
	// payload. remoteID is nil for creates; the returned RemoteID identifies
	// the object for all future operations.
	Push(ctx context.Context, remoteType string, remoteID *string, payload map[string]any) (*PushResult, error)

	// Pull fetches the current remote state of an object
	Pull(ctx context.Context, remoteType, remoteID string) (*PullResult, error)

	// Delete removes or archives the remote object
	Delete(ctx context.Context, remoteType, remoteID string) error
}

// AdapterRegistry manages registered CRM adapters.
// It is thread-safe for concurrent access.
type AdapterRegistry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewAdapterRegistry creates a new empty adapter registry
func NewAdapterRegistry() *AdapterRegistry {
	return &AdapterRegistry{
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter to the registry.
// The adapter's Config().Name is used as the key.
// If an adapter with the same name already exists, it will be replaced.
func (r *AdapterRegistry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()

	config := adapter.Config()
	r.adapters[config.Name] = adapter
}

// Unregister removes an adapter from the registry.
func (r *AdapterRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.adapters, name)
}

// Get retrieves an adapter by name.
// Returns the adapter and true if found, nil and false otherwise.
func (r *AdapterRegistry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[name]
	return adapter, ok
}

// List returns the configurations of all registered adapters.
func (r *AdapterRegistry) List() []AdapterConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	configs := make([]AdapterConfig, 0, len(r.adapters))
	for _, a := range r.adapters {
		configs = append(configs, a.Config())
	}
	return configs
}

// Names returns all registered adapter names.
func (r *AdapterRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// Count returns the number of registered adapters.
func (r *AdapterRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.adapters)
}
