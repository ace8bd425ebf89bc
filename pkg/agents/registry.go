package agents

import (
	"fmt"
	"sync"

	"github.com/agentlink/servicedesk/pkg/a2a"
)

// Registry holds the dispatchable agents keyed by agent id. Registration
// happens at startup; lookups happen on every dispatch.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Proxy
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Proxy)}
}

// Register adds an agent after validating its card. Re-registering an id is
// a configuration error.
func (r *Registry) Register(p Proxy) error {
	card := p.Card()
	if err := card.Validate(); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[card.AgentID]; exists {
		return fmt.Errorf("register agent: duplicate id %q", card.AgentID)
	}
	r.agents[card.AgentID] = p
	r.order = append(r.order, card.AgentID)
	return nil
}

// Get returns the agent for id.
func (r *Registry) Get(id string) (Proxy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", a2a.ErrAgentNotFound, id)
	}
	return p, nil
}

// Cards returns all agent cards in registration order.
func (r *Registry) Cards() []*a2a.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*a2a.AgentCard, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id].Card())
	}
	return out
}

// FindByCapability returns the first registered agent advertising the
// capability, in registration order.
func (r *Registry) FindByCapability(capability string) (Proxy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		card := r.agents[id].Card()
		for _, c := range card.Capabilities {
			if c == capability {
				return r.agents[id], nil
			}
		}
	}
	return nil, fmt.Errorf("%w: no agent with capability %q", a2a.ErrAgentNotFound, capability)
}
