// Package agent defines the contract every orchestrated agent implements and
// the registry the kernel resolves agent names through. The kernel treats
// agent bodies as opaque: an agent is a pure function from a state snapshot to
// a state patch.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/maestro-ai/maestro/pkg/state"
)

// Canonical agent names. The kernel never hard-codes this list; it is only
// used by the built-in agents and the planner's intent tables.
const (
	NameSearch     = "search"
	NameAnalytics  = "analytics"
	NameDocument   = "document"
	NameCompliance = "compliance"
)

// Agent is the uniform contract. Execute must not mutate the snapshot; it
// returns a patch that, at minimum, fills Results[Name()] with a status and
// timestamp. Agents never write Errors — the retry wrapper owns those.
// Execute must be idempotent: re-invocation with the same snapshot produces an
// equivalent patch.
type Agent interface {
	Name() string
	Execute(ctx context.Context, snapshot *state.RunState) (*state.Patch, error)
}

// Registry maps canonical names to implementations. Populated at startup;
// Names preserves registration order, which doubles as the canonical agent
// order for planning and event serialization.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds a, rejecting duplicate names.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if _, exists := r.agents[name]; exists {
		return fmt.Errorf("agent %q already registered", name)
	}
	r.agents[name] = a
	r.order = append(r.order, name)
	return nil
}

// Get resolves a canonical name.
func (r *Registry) Get(name string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[name]
	return ok
}
