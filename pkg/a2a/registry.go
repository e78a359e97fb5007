// Package a2a implements the agent-to-agent protocol: an in-process
// executor registry, the HTTP JSON-RPC server, and the topology-agnostic
// client with failure classification.
package a2a

import (
	"context"
	"fmt"
	"sync"

	"flock/pkg/proto"
)

// Executor handles messages addressed to one local agent.
type Executor interface {
	ExecuteMessage(ctx context.Context, msg proto.Message) (*proto.Task, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, msg proto.Message) (*proto.Task, error)

func (f ExecutorFunc) ExecuteMessage(ctx context.Context, msg proto.Message) (*proto.Task, error) {
	return f(ctx, msg)
}

type registration struct {
	executor Executor
	card     proto.AgentCard
	meta     proto.CardMeta
}

// LocalRegistry is the table of agents served by this process. It backs
// the server's dispatch, the card directory, and the routing layer's
// local-agent check.
type LocalRegistry struct {
	mu     sync.RWMutex
	agents map[string]registration
}

// NewLocalRegistry creates an empty registry.
func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{agents: make(map[string]registration)}
}

// Register installs an executor and its public card. Replaces any
// previous registration for the same agent.
func (r *LocalRegistry) Register(card proto.AgentCard, meta proto.CardMeta, executor Executor) error {
	if err := proto.ValidateID(card.ID); err != nil {
		return fmt.Errorf("agent card id: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[card.ID] = registration{executor: executor, card: card, meta: meta}
	return nil
}

// Unregister removes an agent.
func (r *LocalRegistry) Unregister(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, agentID)
}

// HasAgent reports whether the agent is served locally.
func (r *LocalRegistry) HasAgent(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// Executor returns the executor for agentID, or nil.
func (r *LocalRegistry) Executor(agentID string) Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[agentID].executor
}

// Card returns the public card for agentID.
func (r *LocalRegistry) Card(agentID string) (proto.AgentCard, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[agentID]
	return reg.card, ok
}

// Meta returns the private side-table metadata for agentID.
func (r *LocalRegistry) Meta(agentID string) (proto.CardMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.agents[agentID]
	return reg.meta, ok
}

// Directory returns the public card directory. Private metadata stays out.
func (r *LocalRegistry) Directory() proto.CardDirectory {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dir := proto.CardDirectory{Agents: make([]proto.AgentCard, 0, len(r.agents))}
	for _, reg := range r.agents {
		dir.Agents = append(dir.Agents, reg.card)
	}
	return dir
}
