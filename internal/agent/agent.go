// Package agent defines pluggable agents and the stream interception
// pipeline that executes their tools mid-response.
//
// DESIGN: Agents are duck-typed external modules resolved once at startup
// into a Registry. The gateway only consumes the narrow surface below: a
// claim predicate, a request mutator and a set of named tools with handlers.
package agent

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/modelroute/gateway/internal/config"
)

// ToolContext carries request-scoped state into a tool handler.
type ToolContext struct {
	Request []byte // current request body, including prior splice turns
	Config  *config.Config
}

// ToolHandler executes one tool call. args is the model-emitted JSON
// argument object (already repaired by the tolerant parser).
type ToolHandler func(ctx context.Context, args []byte, tc ToolContext) ([]byte, error)

// Tool is one named capability an agent exposes to the model.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     ToolHandler
}

// Agent is the contract supplied by the agent-registration collaborator.
type Agent interface {
	// Name identifies the agent in logs.
	Name() string

	// ShouldHandle reports whether this agent claims the request.
	ShouldHandle(body []byte, cfg *config.Config) bool

	// PrepareRequest mutates the outbound request (e.g. injects the agent's
	// tool schemas). Must return the body, changed or not.
	PrepareRequest(body []byte, cfg *config.Config) []byte

	// Tools lists the tools this agent owns.
	Tools() []Tool
}

// Registry holds the registered agents. Registration happens once at
// startup; lookups are read-only afterwards, but the lock keeps late
// registration safe anyway.
type Registry struct {
	mu     sync.RWMutex
	agents []Agent
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an agent.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = append(r.agents, a)
}

// Active returns the agents claiming this request, in registration order.
func (r *Registry) Active(body []byte, cfg *config.Config) []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []Agent
	for _, a := range r.agents {
		if a.ShouldHandle(body, cfg) {
			active = append(active, a)
		}
	}
	return active
}

// toolOwner finds the agent among active that owns a tool name.
func toolOwner(active []Agent, name string) (Agent, Tool, bool) {
	for _, a := range active {
		for _, t := range a.Tools() {
			if t.Name == name {
				return a, t, true
			}
		}
	}
	return nil, Tool{}, false
}
