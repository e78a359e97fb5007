package routing

import (
	"context"

	"flock/pkg/logx"
	"flock/pkg/store"
)

// CentralResolver is the hub topology: every worker runs on the central
// node, so Resolve always answers local. Sysadmin agents keep living on
// their physical nodes and are resolved through the assignment store.
type CentralResolver struct {
	assignments store.AssignmentStore
	registry    *Registry
	logger      *logx.Logger
}

// NewCentralResolver builds the central-topology resolver.
func NewCentralResolver(assignments store.AssignmentStore, registry *Registry) *CentralResolver {
	return &CentralResolver{
		assignments: assignments,
		registry:    registry,
		logger:      logx.NewLogger("routing"),
	}
}

// Resolve always returns a LocalRoute: workers live on the central node.
func (r *CentralResolver) Resolve(agentID string) Route {
	return LocalRoute{AgentID: agentID}
}

// ResolveSysadmin routes a sysadmin agent to its physical node. Missing
// assignment, unknown node, or an offline node all fall back to local.
func (r *CentralResolver) ResolveSysadmin(ctx context.Context, agentID string) Route {
	assignment, err := r.assignments.Get(ctx, agentID)
	if err != nil {
		r.logger.Debug("No assignment for sysadmin %s: %v", agentID, err)
		return LocalRoute{AgentID: agentID}
	}

	info := r.registry.Get(assignment.NodeID)
	if info == nil || info.Status == NodeOffline {
		r.logger.Debug("Node %s for sysadmin %s unavailable, routing locally", assignment.NodeID, agentID)
		return LocalRoute{AgentID: agentID}
	}

	return RemoteRoute{AgentID: agentID, NodeID: info.NodeID, Endpoint: info.Endpoint}
}
