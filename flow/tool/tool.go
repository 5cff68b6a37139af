// Package tool defines the external-callable boundary for tool nodes: the
// Tool interface, an allow-list Registry with optional per-tool rate
// limits, a general HTTP tool, and a scripted Mock for tests.
package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/time/rate"
)

// Tool is an executable external callable. Implementations validate their
// own input, respect context cancellation, and return structured output.
type Tool interface {
	Name() string
	Call(ctx context.Context, input map[string]any) (map[string]any, error)
}

// NotAllowedError reports a call to a tool outside the registry allow-list.
type NotAllowedError struct {
	Tool string
}

func (e *NotAllowedError) Error() string {
	return fmt.Sprintf("tool %q is not allow-listed", e.Tool)
}

// Registry is the allow-list consulted by tool nodes. Only registered
// tools are callable; each may carry a rate limit that callers wait on.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	limiters map[string]*rate.Limiter
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]Tool),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Register allow-lists a tool. Registering the same name twice is an error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool has no name")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// RegisterWithLimit allow-lists a tool and caps its call rate. Calls above
// the rate block until a slot frees or the context ends.
func (r *Registry) RegisterWithLimit(t Tool, callsPerSecond float64, burst int) error {
	if err := r.Register(t); err != nil {
		return err
	}
	r.mu.Lock()
	r.limiters[t.Name()] = rate.NewLimiter(rate.Limit(callsPerSecond), burst)
	r.mu.Unlock()
	return nil
}

// Lookup returns the registered tool by name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call invokes an allow-listed tool, honoring its rate limit.
func (r *Registry) Call(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	limiter := r.limiters[name]
	r.mu.RUnlock()

	if !ok {
		return nil, &NotAllowedError{Tool: name}
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return t.Call(ctx, input)
}
