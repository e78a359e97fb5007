package migration

import (
	"context"
	"fmt"

	"flock/pkg/a2a"
	"flock/pkg/logx"
	"flock/pkg/store"
)

// Guard refuses message delivery to agents that are mid-migration. It
// implements a2a.FrozenGuard over the ticket store: any in-flight ticket
// in a rejecting phase makes the agent unreachable until the migration
// settles.
type Guard struct {
	tickets store.TicketStore
	logger  *logx.Logger
}

// NewGuard builds the frozen guard over the ticket store.
func NewGuard(tickets store.TicketStore) *Guard {
	return &Guard{
		tickets: tickets,
		logger:  logx.NewLogger("migration-guard"),
	}
}

// Check returns a rejection when agentID has an active ticket in a phase
// where its home is frozen or in transit. Store errors fail open: a
// broken ticket lookup must not black-hole every agent on the node.
func (g *Guard) Check(ctx context.Context, agentID string) a2a.Rejection {
	tickets, err := g.tickets.List(ctx, store.TicketFilter{AgentID: agentID})
	if err != nil {
		g.logger.Warn("Frozen check for %s failed, allowing send: %v", agentID, err)
		return a2a.Rejection{}
	}

	for _, t := range tickets {
		rejects, downtime := PhaseRejects(t.Phase)
		if !rejects {
			continue
		}
		return a2a.Rejection{
			Rejected:            true,
			Reason:              fmt.Sprintf("agent %s is migrating (migration %s, phase %s)", agentID, t.ID, t.Phase),
			EstimatedDowntimeMS: downtime,
		}
	}
	return a2a.Rejection{}
}
