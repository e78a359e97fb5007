package routing

import (
	"sync"
	"time"
)

// NodeStatus is the registry's view of a remote node's health.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
	NodeUnknown NodeStatus = "unknown"
)

// NodeInfo describes one remote node and the agents it claims.
type NodeInfo struct {
	NodeID   string
	Endpoint string
	Status   NodeStatus
	AgentIDs []string
	SeenAt   time.Time
}

func (n *NodeInfo) claims(agentID string) bool {
	for _, id := range n.AgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

// Registry is the in-memory table of known remote nodes. It is rebuilt
// from discovery and parent lookups; it is not persisted.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*NodeInfo
}

// NewRegistry creates an empty node registry.
func NewRegistry() *Registry {
	return &Registry{nodes: make(map[string]*NodeInfo)}
}

// Upsert records or refreshes a node entry.
func (r *Registry) Upsert(info NodeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info.SeenAt = time.Now().UTC()
	copied := info
	copied.AgentIDs = append([]string(nil), info.AgentIDs...)
	r.nodes[info.NodeID] = &copied
}

// Get returns the node entry, or nil.
func (r *Registry) Get(nodeID string) *NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.nodes[nodeID]
	if !ok {
		return nil
	}
	copied := *info
	copied.AgentIDs = append([]string(nil), info.AgentIDs...)
	return &copied
}

// SetStatus updates a node's status; unknown nodes are ignored.
func (r *Registry) SetStatus(nodeID string, status NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.nodes[nodeID]; ok {
		info.Status = status
		info.SeenAt = time.Now().UTC()
	}
}

// Remove drops a node entry.
func (r *Registry) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, nodeID)
}

// FindAgent returns the first non-offline node claiming agentID, or nil.
func (r *Registry) FindAgent(agentID string) *NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, info := range r.nodes {
		if info.Status == NodeOffline {
			continue
		}
		if info.claims(agentID) {
			copied := *info
			copied.AgentIDs = append([]string(nil), info.AgentIDs...)
			return &copied
		}
	}
	return nil
}

// List returns a snapshot of all known nodes.
func (r *Registry) List() []*NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*NodeInfo, 0, len(r.nodes))
	for _, info := range r.nodes {
		copied := *info
		copied.AgentIDs = append([]string(nil), info.AgentIDs...)
		out = append(out, &copied)
	}
	return out
}
