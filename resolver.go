package xframe

import (
	"errors"
	"sort"
	"sync"
)

// Resolver picks the destination and allowed target origin for an
// outbound envelope. The empty id names the default destination.
type Resolver interface {
	Resolve(id string) (Destination, string, error)
}

// SingleResolver always resolves to one fixed destination.
type SingleResolver struct {
	dest   Destination
	origin string
}

func NewSingleResolver(dest Destination, targetOrigin string) *SingleResolver {
	if targetOrigin == "" {
		targetOrigin = AnyOrigin
	}
	return &SingleResolver{dest: dest, origin: targetOrigin}
}

func (r *SingleResolver) Resolve(id string) (Destination, string, error) {
	if r.dest == nil || !r.dest.Reachable() {
		return nil, "", ErrDestinationUnavailable
	}
	return r.dest, r.origin, nil
}

type registryEntry struct {
	dest   Destination
	origin string
}

// Registry maps caller-assigned ids to destinations and their allowed
// origins. Entries live until Unregister; a destination that goes away is
// reported unavailable but not removed.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]registryEntry
	byOrigin map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]registryEntry),
		byOrigin: make(map[string]map[string]struct{}),
	}
}

// Register adds or replaces the destination stored under id.
func (r *Registry) Register(id string, dest Destination, origin string) error {
	if id == "" {
		return errors.New("xframe: empty destination id")
	}
	if dest == nil {
		return errors.New("xframe: nil destination")
	}
	if origin == "" {
		origin = AnyOrigin
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byID[id]; ok {
		r.removeOriginLocked(id, old.origin)
	}
	r.byID[id] = registryEntry{dest: dest, origin: origin}
	if _, ok := r.byOrigin[origin]; !ok {
		r.byOrigin[origin] = make(map[string]struct{})
	}
	r.byOrigin[origin][id] = struct{}{}
	return nil
}

func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	r.removeOriginLocked(id, entry.origin)
}

// Lookup returns the destination and origin registered under id.
func (r *Registry) Lookup(id string) (Destination, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byID[id]
	return entry.dest, entry.origin, ok
}

// Resolve refuses the default id: with several destinations there is no
// meaningful default.
func (r *Registry) Resolve(id string) (Destination, string, error) {
	if id == "" {
		return nil, "", ErrNoDefaultDestination
	}
	dest, origin, ok := r.Lookup(id)
	if !ok || dest == nil || !dest.Reachable() {
		return nil, "", &DestinationError{ID: id}
	}
	return dest, origin, nil
}

// IDForOrigin returns the id registered for origin when exactly one
// destination uses it.
func (r *Registry) IDForOrigin(origin string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byOrigin[origin]
	if len(ids) != 1 {
		return "", false
	}
	for id := range ids {
		return id, true
	}
	return "", false
}

// IDForDestination returns the id dest is registered under. Destinations
// are compared with ==, so implementations should be pointers.
func (r *Registry) IDForDestination(dest Destination) (string, bool) {
	if dest == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, entry := range r.byID {
		if entry.dest == dest {
			return id, true
		}
	}
	return "", false
}

func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Registry) removeOriginLocked(id string, origin string) {
	ids, ok := r.byOrigin[origin]
	if !ok {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(r.byOrigin, origin)
	}
}
