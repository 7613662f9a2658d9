package engine

import (
	"fmt"
	"sync"
)

// Route maps a local entity type onto the adapter and remote object type
// that handle it. Registered at startup alongside adapters.
type Route struct {
	Adapter    string `json:"adapter"`
	RemoteType string `json:"remote_type"`
}

// RouteTable resolves local entity types to their sync route.
// It is thread-safe for concurrent access.
type RouteTable struct {
	mu     sync.RWMutex
	routes map[string]Route
}

// NewRouteTable creates a new empty route table
func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[string]Route)}
}

// Register adds or replaces the route for a local entity type
func (t *RouteTable) Register(entityType string, route Route) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[entityType] = route
}

// RouteFor returns the route for a local entity type. An unrouted entity
// type is a configuration error, not a transient condition.
func (t *RouteTable) RouteFor(entityType string) (Route, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	route, ok := t.routes[entityType]
	if !ok {
		return Route{}, Permanent(fmt.Errorf("no sync route registered for entity type %q", entityType))
	}
	return route, nil
}

// EntityTypeFor reverses a route: given the adapter and remote object type
// of an inbound change, it returns the local entity type it maps to.
func (t *RouteTable) EntityTypeFor(adapter, remoteType string) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for entityType, route := range t.routes {
		if route.Adapter == adapter && route.RemoteType == remoteType {
			return entityType, nil
		}
	}
	return "", Permanent(fmt.Errorf("no sync route registered for %s object type %q", adapter, remoteType))
}

// EntityTypes returns all routed local entity types
func (t *RouteTable) EntityTypes() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	types := make([]string, 0, len(t.routes))
	for et := range t.routes {
		types = append(types, et)
	}
	return types
}
