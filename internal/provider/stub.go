package provider

import (
	"context"
	"sync"

	"github.com/sells-group/research-orchestrator/internal/model"
)

// Stub is a scripted provider for offline runs and tests. Outcomes are
// consumed in order; once the script is exhausted the last outcome repeats.
type Stub struct {
	ProviderName  string
	ProviderClass string
	Cost          float64

	mu      sync.Mutex
	script  []StubOutcome
	callIdx int
	Calls   int
}

// StubOutcome is one scripted attempt result.
type StubOutcome struct {
	Fields map[string]string
	Err    error
}

// NewStub creates a scripted stub provider.
func NewStub(name, class string, cost float64, script ...StubOutcome) *Stub {
	return &Stub{ProviderName: name, ProviderClass: class, Cost: cost, script: script}
}

func (s *Stub) Name() string { return s.ProviderName }

func (s *Stub) Class() string { return s.ProviderClass }

func (s *Stub) EstimatedCostUSD() float64 { return s.Cost }

func (s *Stub) Attempt(ctx context.Context, entity model.Entity) (*Payload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++

	if len(s.script) == 0 {
		return &Payload{Provider: s.ProviderName, CostUSD: s.Cost, Fields: map[string]string{
			"summary": "stub research for " + entity.Name,
		}}, nil
	}

	out := s.script[s.callIdx]
	if s.callIdx < len(s.script)-1 {
		s.callIdx++
	}
	if out.Err != nil {
		return nil, out.Err
	}
	return &Payload{Provider: s.ProviderName, CostUSD: s.Cost, Fields: out.Fields}, nil
}
