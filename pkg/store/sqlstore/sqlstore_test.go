package sqlstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flock/pkg/store"
)

func openTestBackend(t *testing.T) *Backend {
	t.Helper()
	backend, err := Open(filepath.Join(t.TempDir(), "flock.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	require.NoError(t, backend.Migrate(context.Background()))
	return backend
}

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	backend := openTestBackend(t)

	require.NoError(t, backend.Migrate(ctx))
	version, err := backend.schemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestHomeRoundTrip(t *testing.T) {
	ctx := context.Background()
	homes := openTestBackend(t).Homes()

	now := time.Now().UTC()
	expiry := now.Add(30 * time.Minute)
	home := &store.Home{
		ID:             "a1@n1",
		AgentID:        "a1",
		NodeID:         "n1",
		State:          store.StateLeased,
		LeaseExpiresAt: &expiry,
		Metadata:       map[string]string{"image": "bookworm"},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, homes.Insert(ctx, home))
	assert.ErrorIs(t, homes.Insert(ctx, home), store.ErrAlreadyExists)

	got, err := homes.Get(ctx, "a1@n1")
	require.NoError(t, err)
	assert.Equal(t, store.StateLeased, got.State)
	require.NotNil(t, got.LeaseExpiresAt)
	assert.True(t, got.LeaseExpiresAt.Equal(expiry))
	assert.Equal(t, "bookworm", got.Metadata["image"])

	state := store.StateActive
	updated, err := homes.Update(ctx, "a1@n1", store.HomeUpdate{State: &state, ClearLease: true})
	require.NoError(t, err)
	assert.Equal(t, store.StateActive, updated.State)
	assert.Nil(t, updated.LeaseExpiresAt)

	_, err = homes.Get(ctx, "missing@n1")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, homes.Delete(ctx, "a1@n1"))
	assert.ErrorIs(t, homes.Delete(ctx, "a1@n1"), store.ErrNotFound)
}

func TestHomeListStateFilter(t *testing.T) {
	ctx := context.Background()
	homes := openTestBackend(t).Homes()

	now := time.Now().UTC()
	for i, state := range []store.HomeState{store.StateIdle, store.StateLeased, store.StateActive} {
		require.NoError(t, homes.Insert(ctx, &store.Home{
			ID:        fmt.Sprintf("a%d@n1", i),
			AgentID:   fmt.Sprintf("a%d", i),
			NodeID:    "n1",
			State:     state,
			CreatedAt: now,
			UpdatedAt: now,
		}))
	}

	busy, err := homes.List(ctx, store.HomeFilter{States: []store.HomeState{store.StateLeased, store.StateActive}})
	require.NoError(t, err)
	assert.Len(t, busy, 2)

	limited, err := homes.List(ctx, store.HomeFilter{NodeID: "n1", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestTransitionLogOrdering(t *testing.T) {
	ctx := context.Background()
	transitions := openTestBackend(t).Transitions()

	base := time.Now().UTC()
	steps := []struct {
		from, to store.HomeState
	}{
		{store.StateUnassigned, store.StateProvisioning},
		{store.StateProvisioning, store.StateIdle},
		{store.StateIdle, store.StateLeased},
	}
	for i, step := range steps {
		require.NoError(t, transitions.Insert(ctx, &store.HomeTransition{
			HomeID:      "a1@n1",
			FromState:   step.from,
			ToState:     step.to,
			TriggeredBy: "system",
			Timestamp:   base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	listed, err := transitions.List(ctx, store.TransitionFilter{HomeID: "a1@n1"})
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, store.StateProvisioning, listed[0].ToState)
	assert.Equal(t, store.StateLeased, listed[2].ToState)
}

func TestAuditDuplicateAndCount(t *testing.T) {
	ctx := context.Background()
	audit := openTestBackend(t).Audit()

	entry := &store.AuditEntry{
		ID:        "create-home-a1@n1-1700000000",
		Timestamp: time.Now().UTC(),
		AgentID:   "a1",
		HomeID:    "a1@n1",
		Action:    "create-home",
		Level:     store.AuditGreen,
	}
	require.NoError(t, audit.Insert(ctx, entry))
	assert.ErrorIs(t, audit.Insert(ctx, entry), store.ErrAlreadyExists)

	count, err := audit.Count(ctx, store.AuditFilter{AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	reds, err := audit.List(ctx, store.AuditFilter{Level: store.AuditRed})
	require.NoError(t, err)
	assert.Empty(t, reds)
}

func TestChannelMembersJSON(t *testing.T) {
	ctx := context.Background()
	channels := openTestBackend(t).Channels()

	now := time.Now().UTC()
	require.NoError(t, channels.Insert(ctx, &store.Channel{
		ID: "c1", Name: "general", CreatedBy: "sys",
		Members: []string{"a1", "a2"}, CreatedAt: now, UpdatedAt: now,
	}))

	got, err := channels.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, got.Members)

	members := []string{"a1", "a2", "a3"}
	updated, err := channels.Update(ctx, "c1", store.ChannelUpdate{Members: &members})
	require.NoError(t, err)
	assert.Len(t, updated.Members, 3)

	byMember, err := channels.List(ctx, store.ChannelFilter{Member: "a3"})
	require.NoError(t, err)
	assert.Len(t, byMember, 1)

	byMember, err = channels.List(ctx, store.ChannelFilter{Member: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, byMember)
}

func TestMessageAppendGapFree(t *testing.T) {
	ctx := context.Background()
	messages := openTestBackend(t).ChannelMessages()

	for i := 1; i <= 5; i++ {
		seq, err := messages.Append(ctx, &store.ChannelMessage{
			ChannelID: "c1",
			AgentID:   "a1",
			Content:   fmt.Sprintf("msg %d", i),
			Timestamp: time.Now().UTC(),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i), seq)
	}

	// Independent channels keep independent sequences.
	seq, err := messages.Append(ctx, &store.ChannelMessage{
		ChannelID: "c2", AgentID: "a1", Content: "hi", Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	since, err := messages.List(ctx, store.MessageFilter{ChannelID: "c1", SinceSeq: 3})
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, int64(4), since[0].Seq)

	count, err := messages.Count(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 5, count)

	last, err := messages.LastSeq(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), last)
}

func TestBridgeActiveUniqueness(t *testing.T) {
	ctx := context.Background()
	bridges := openTestBackend(t).Bridges()

	now := time.Now().UTC()
	require.NoError(t, bridges.Insert(ctx, &store.Bridge{
		ID: "b1", ChannelID: "c1", Platform: "discord", ExternalChannelID: "dc-1",
		Active: true, CreatedAt: now, UpdatedAt: now,
	}))

	err := bridges.Insert(ctx, &store.Bridge{
		ID: "b2", ChannelID: "c2", Platform: "discord", ExternalChannelID: "dc-1",
		Active: true, CreatedAt: now, UpdatedAt: now,
	})
	assert.ErrorIs(t, err, store.ErrAlreadyExists)

	// The partial index only covers active rows.
	require.NoError(t, bridges.Insert(ctx, &store.Bridge{
		ID: "b3", ChannelID: "c2", Platform: "discord", ExternalChannelID: "dc-1",
		Active: false, CreatedAt: now, UpdatedAt: now,
	}))

	inactive := false
	updated, err := bridges.Update(ctx, "b1", store.BridgeUpdate{Active: &inactive})
	require.NoError(t, err)
	assert.False(t, updated.Active)

	active := true
	actives, err := bridges.List(ctx, store.BridgeFilter{Platform: "discord", Active: &active})
	require.NoError(t, err)
	assert.Empty(t, actives)
}

func TestAssignmentPreservesPortablePath(t *testing.T) {
	ctx := context.Background()
	assignments := openTestBackend(t).Assignments()

	require.NoError(t, assignments.Upsert(ctx, &store.Assignment{
		AgentID: "a1", NodeID: "n1", PortablePath: "work/portable", AssignedAt: time.Now().UTC(),
	}))
	require.NoError(t, assignments.Upsert(ctx, &store.Assignment{
		AgentID: "a1", NodeID: "n2", AssignedAt: time.Now().UTC(),
	}))

	got, err := assignments.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "n2", got.NodeID)
	assert.Equal(t, "work/portable", got.PortablePath)

	require.NoError(t, assignments.Upsert(ctx, &store.Assignment{
		AgentID: "a1", NodeID: "n3", PortablePath: "work/other", AssignedAt: time.Now().UTC(),
	}))
	got, err = assignments.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "work/other", got.PortablePath)

	require.NoError(t, assignments.Delete(ctx, "a1"))
	assert.ErrorIs(t, assignments.Delete(ctx, "a1"), store.ErrNotFound)
}

func TestTicketRoundTrip(t *testing.T) {
	ctx := context.Background()
	tickets := openTestBackend(t).Tickets()

	now := time.Now().UTC()
	ticket := &store.MigrationTicket{
		ID:      "m1",
		AgentID: "a1",
		Source:  store.MigrationEnd{NodeID: "n1", HomeID: "a1@n1", Endpoint: "http://n1:9090"},
		Target:  store.MigrationEnd{NodeID: "n2", HomeID: "a1@n2"},
		Phase:   store.PhaseRequested,
		Reason:  "rebalance",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, tickets.Insert(ctx, ticket))
	assert.ErrorIs(t, tickets.Insert(ctx, ticket), store.ErrAlreadyExists)

	phase := store.PhaseTransferring
	endpoint := "http://n2:9090"
	updated, err := tickets.Update(ctx, "m1", store.TicketUpdate{Phase: &phase, TargetEndpoint: &endpoint})
	require.NoError(t, err)
	assert.Equal(t, store.PhaseTransferring, updated.Phase)
	assert.Equal(t, "http://n2:9090", updated.Target.Endpoint)

	inflight, err := tickets.List(ctx, store.TicketFilter{
		AgentID: "a1",
		Phases:  []store.Phase{store.PhaseTransferring, store.PhaseVerifying},
	})
	require.NoError(t, err)
	require.Len(t, inflight, 1)
	assert.Equal(t, "m1", inflight[0].ID)
}

func TestLoopRecordUpdate(t *testing.T) {
	ctx := context.Background()
	loops := openTestBackend(t).AgentLoops()

	now := time.Now().UTC()
	require.NoError(t, loops.Insert(ctx, &store.AgentLoopRecord{
		AgentID: "a1", State: store.LoopAwake, AwakenedAt: now, LastTickAt: now,
	}))

	sleep := store.LoopSleep
	reason := "idle"
	slept := now.Add(time.Minute)
	rec, err := loops.Update(ctx, "a1", store.LoopUpdate{State: &sleep, SleptAt: &slept, SleepReason: &reason})
	require.NoError(t, err)
	assert.Equal(t, store.LoopSleep, rec.State)
	require.NotNil(t, rec.SleptAt)
	assert.Equal(t, "idle", rec.SleepReason)

	awake, err := loops.List(ctx, store.LoopFilter{State: store.LoopAwake})
	require.NoError(t, err)
	assert.Empty(t, awake)
}
