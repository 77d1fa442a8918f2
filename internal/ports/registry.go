// Package ports tracks runtime-exposed network ports and their reachable
// URLs for the preview surface.
package ports

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nexus-nebula/nebula/internal/telemetry/invariants"
)

// Binding associates a runtime-exposed port with its reachable URL.
type Binding struct {
	Port            int
	URL             string
	LastAnnouncedAt time.Time
}

// Registry records port announcements for one workspace session.
//
// The first announced port becomes active; later announcements update their
// own binding but never steal activation. Bindings are never evicted within
// a session; they live exactly as long as the runtime handle they describe.
type Registry struct {
	mu        sync.RWMutex
	bindings  map[int]Binding
	active    int
	hasActive bool
	now       func() time.Time
}

// NewRegistry builds an empty port registry.
func NewRegistry() *Registry {
	return &Registry{
		bindings: map[int]Binding{},
		now:      time.Now,
	}
}

// Announce records or updates the binding for port. When no port is active
// yet, this port becomes active.
func (r *Registry) Announce(port int, url string) {
	if r == nil || port <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	previousActive := r.active
	r.bindings[port] = Binding{
		Port:            port,
		URL:             url,
		LastAnnouncedAt: r.now().UTC(),
	}
	if !r.hasActive {
		r.active = port
		r.hasActive = true
	}

	invariants.CheckPortActivationStable(
		context.Background(),
		"ports.Registry.Announce",
		previousActive,
		port,
		r.hasActive && previousActive != 0 && r.active != previousActive,
	)
}

// SetActive overrides the active port selection. The port must have been
// announced before.
func (r *Registry) SetActive(port int) error {
	if r == nil {
		return errors.New("registry is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bindings[port]; !ok {
		return fmt.Errorf("port %d has not been announced", port)
	}
	r.active = port
	r.hasActive = true
	return nil
}

// Active returns the currently selected binding.
func (r *Registry) Active() (Binding, bool) {
	if r == nil {
		return Binding{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.hasActive {
		return Binding{}, false
	}
	binding, ok := r.bindings[r.active]
	return binding, ok
}

// ResolveURL returns the reachable URL for a previously announced port.
func (r *Registry) ResolveURL(port int) (string, bool) {
	if r == nil {
		return "", false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	binding, ok := r.bindings[port]
	if !ok {
		return "", false
	}
	return binding.URL, true
}

// Bindings returns all announced bindings ordered by port.
func (r *Registry) Bindings() []Binding {
	if r == nil {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Binding, 0, len(r.bindings))
	for _, binding := range r.bindings {
		out = append(out, binding)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Port < out[j].Port
	})
	return out
}
