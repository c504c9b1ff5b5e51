// Package provider defines the polymorphic capability every data-acquisition
// provider exposes to the fallback chain, and a registry of configured
// providers. Provider internals (how content is extracted or summarized) are
// opaque to the engine.
package provider

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/sells-group/research-orchestrator/internal/model"
)

// Payload is the normalized output of one successful provider attempt.
type Payload struct {
	Provider string            `json:"provider"`
	Fields   map[string]string `json:"fields"`
	CostUSD  float64           `json:"cost_usd"`
	Raw      json.RawMessage   `json:"raw,omitempty"`
}

// Provider is one external data-acquisition or transform capability. The
// engine treats scraping providers and deep-research providers identically;
// they differ only in cost tier and output quality.
type Provider interface {
	// Name returns the provider identifier (matches the chain config).
	Name() string
	// Class returns the budget class the provider's spend counts against.
	Class() string
	// EstimatedCostUSD is the worst-case cost of one attempt, reserved
	// against the budget before the call.
	EstimatedCostUSD() float64
	// Attempt researches one entity. Errors are classified by the retry
	// controller: wrap permanent rejections in resilience.TerminalError and
	// transient conditions in resilience.TransientError.
	Attempt(ctx context.Context, entity model.Entity) (*Payload, error)
}

// Registry manages the configured providers by name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns a provider by name, or nil if not found.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// List returns all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
