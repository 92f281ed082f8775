// Package flows defines the units of work the worker can execute and the
// registry the worker dispatches through.
//
// Dispatch is by flow name against a registry populated at startup, so the
// set of runnable flows is fixed and typo'd names fail fast instead of
// falling through a string-match chain.
package flows

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aether-media/vidforge/internal/flowtrace"
)

// Flow is a named, traceable unit of work. Execute must be safe to re-run
// for the same job: the queue delivers at least once.
type Flow interface {
	// Name is the registry key jobs refer to.
	Name() string

	// Execute runs the flow, recording sub-steps on the tracer. The returned
	// map becomes the root event's result.
	Execute(ctx context.Context, tracer *flowtrace.Tracer, params map[string]any) (map[string]any, error)
}

// Registry maps flow names to implementations.
type Registry struct {
	mu    sync.RWMutex
	flows map[string]Flow
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{flows: make(map[string]Flow)}
}

// Register adds a flow. Registering the same name twice is a programming
// error and panics at startup rather than silently shadowing.
func (r *Registry) Register(f Flow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.flows[f.Name()]; exists {
		panic(fmt.Sprintf("flow %q registered twice", f.Name()))
	}
	r.flows[f.Name()] = f
}

// Lookup returns the flow for name, or an error naming the known flows.
func (r *Registry) Lookup(name string) (Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[name]
	if !ok {
		return nil, fmt.Errorf("unknown flow %q (known: %v)", name, r.names())
	}
	return f, nil
}

// Names lists registered flow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Registry) names() []string {
	out := make([]string, 0, len(r.flows))
	for name := range r.flows {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
