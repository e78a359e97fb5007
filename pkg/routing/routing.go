// Package routing resolves agent IDs to delivery routes. A route is either
// local (the agent runs in this process) or remote (an A2A endpoint on
// another node). Resolvers are composed from topology factories: the peer
// topology consults a node registry with an optional parent fallback, the
// central topology treats every worker as local.
package routing

// Route tells a caller how to reach an agent.
type Route interface {
	IsLocal() bool
}

// LocalRoute means the agent is served by the in-process executor.
type LocalRoute struct {
	AgentID string
}

func (LocalRoute) IsLocal() bool { return true }

// RemoteRoute means the agent lives on another node.
type RemoteRoute struct {
	AgentID  string
	NodeID   string
	Endpoint string
}

func (RemoteRoute) IsLocal() bool { return false }

// Resolver maps an agent ID to a route. Resolve never fails: when nothing
// claims the agent it falls back to a LocalRoute and lets the local server
// produce the authoritative not-found.
type Resolver interface {
	Resolve(agentID string) Route
}

// LocalDirectory is the local A2A server's agent table, consulted before
// any remote lookup.
type LocalDirectory interface {
	HasAgent(agentID string) bool
}
