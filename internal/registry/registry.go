// Package registry holds the catalog of tools a dispatcher can invoke: name,
// version, description, input/output schemas, handler function, and free-form
// metadata. Registration and lookup are safe for concurrent use.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cloudshipai/noetic/internal/schema"
)

// ErrNotFound is returned by Get and Unregister for an unknown tool name.
var ErrNotFound = errors.New("tool not found")

// Handler executes a tool call. ctx carries deadline/cancellation and the
// session-scoped values the dispatcher attaches; input has already been
// validated and normalized against the tool's InputSchema.
type Handler func(ctx context.Context, input interface{}) (interface{}, error)

// Spec is everything the registry knows about one tool.
type Spec struct {
	Name         string
	Version      string
	Description  string
	InputSchema  *schema.Schema
	OutputSchema *schema.Schema
	Handler      Handler
	Metadata     map[string]string
}

func (s Spec) validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("registry: tool name must not be empty")
	}
	if s.Handler == nil {
		return fmt.Errorf("registry: tool %q has no handler", s.Name)
	}
	return nil
}

// Registry is a concurrency-safe catalog of Specs keyed by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Spec
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]Spec)}
}

// Register adds spec to the catalog. Two tools with the same name must
// never coexist: registering a name that is already taken replaces the
// prior spec atomically rather than failing, so a re-registration behaves
// exactly like one registration followed by one replacement.
func (r *Registry) Register(spec Spec) error {
	if err := spec.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[spec.Name] = spec
	return nil
}

// Replace is Register under the name a caller uses when the intent is
// specifically to overwrite (workflow reloads, hot-swap deployments). It is
// identical to Register; both replace atomically.
func (r *Registry) Replace(spec Spec) error {
	return r.Register(spec)
}

// Unregister removes a tool from the catalog.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.tools, name)
	return nil
}

// Get returns the Spec registered under name.
func (r *Registry) Get(name string) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, exists := r.tools[name]
	if !exists {
		return Spec{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return spec, nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.tools[name]
	return exists
}

// List returns all registered Specs, sorted by name for deterministic
// tools/list responses.
func (r *Registry) List() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.tools))
	for _, spec := range r.tools {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Search returns registered Specs whose name or description contains query,
// case-insensitively. An empty query returns every tool, same as List.
func (r *Registry) Search(query string) []Spec {
	if strings.TrimSpace(query) == "" {
		return r.List()
	}
	needle := strings.ToLower(query)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Spec
	for _, spec := range r.tools {
		if strings.Contains(strings.ToLower(spec.Name), needle) ||
			strings.Contains(strings.ToLower(spec.Description), needle) {
			out = append(out, spec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
