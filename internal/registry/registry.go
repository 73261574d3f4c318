// Package registry holds the fixed, ordered agent set and mirrors it into
// the store for the API.
package registry

import (
	"fmt"

	"github.com/mtzanidakis/synedrio/internal/agent"
	"github.com/mtzanidakis/synedrio/internal/store"
)

type Registry struct {
	store  *store.Store
	agents []agent.Agent
}

// New copies agents, so later changes to the caller's slice are not seen.
func New(s *store.Store, agents []agent.Agent) *Registry {
	own := make([]agent.Agent, len(agents))
	copy(own, agents)
	return &Registry{
		store:  s,
		agents: own,
	}
}

// Sync writes every agent with its position and removes rows for agents no
// longer configured.
func (r *Registry) Sync() error {
	names := make([]string, 0, len(r.agents))
	for i, a := range r.agents {
		names = append(names, a.Name)

		row := &store.Agent{
			Name:     a.Name,
			Endpoint: a.Endpoint,
			Model:    a.Model,
			Position: i,
		}
		if err := r.store.SaveAgent(row); err != nil {
			return fmt.Errorf("save agent %s: %w", a.Name, err)
		}
	}

	if err := r.store.DeleteAgentsNotIn(names); err != nil {
		return fmt.Errorf("delete stale agents: %w", err)
	}
	return nil
}

// Agents returns a copy of the agent set in configuration order.
func (r *Registry) Agents() []agent.Agent {
	out := make([]agent.Agent, len(r.agents))
	copy(out, r.agents)
	return out
}

func (r *Registry) Get(name string) (agent.Agent, bool) {
	for _, a := range r.agents {
		if a.Name == name {
			return a, true
		}
	}
	return agent.Agent{}, false
}

// Synthesizer is the agent that writes the final answer: the first one.
func (r *Registry) Synthesizer() (agent.Agent, bool) {
	if len(r.agents) == 0 {
		return agent.Agent{}, false
	}
	return r.agents[0], true
}

func (r *Registry) List() ([]store.Agent, error) {
	return r.store.ListAgents()
}
