package home

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flock/pkg/store"
	"flock/pkg/store/memstore"
)

func newService(t *testing.T) (*Service, store.Backend) {
	t.Helper()
	backend := memstore.New()
	return NewService(backend), backend
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	h, err := svc.Create(ctx, "a1", "n1")
	require.NoError(t, err)
	assert.Equal(t, "a1@n1", h.ID)
	assert.Equal(t, store.StateUnassigned, h.State)

	got, err := svc.Get(ctx, "a1@n1")
	require.NoError(t, err)
	assert.Equal(t, h.ID, got.ID)

	_, err = svc.Get(ctx, "missing@n1")
	assert.ErrorIs(t, err, ErrHomeNotFound)
}

func TestCreateRejectsBadIDs(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, err := svc.Create(ctx, "bad/agent", "n1")
	assert.Error(t, err)

	_, err = svc.Create(ctx, "a1", "node with spaces")
	assert.Error(t, err)
}

func TestTransitionWalk(t *testing.T) {
	ctx := context.Background()
	svc, backend := newService(t)

	_, err := svc.Create(ctx, "a1", "n1")
	require.NoError(t, err)

	walk := []store.HomeState{
		store.StateProvisioning,
		store.StateIdle,
		store.StateLeased,
		store.StateActive,
		store.StateFrozen,
		store.StateMigrating,
	}
	for _, to := range walk {
		_, err := svc.Transition(ctx, "a1@n1", to, "test", "tester")
		require.NoError(t, err, "transition to %s", to)
	}

	h, err := svc.Get(ctx, "a1@n1")
	require.NoError(t, err)
	assert.Equal(t, store.StateMigrating, h.State)

	// Replaying the transition log reproduces a valid path.
	log, err := svc.TransitionLog(ctx, "a1@n1")
	require.NoError(t, err)
	require.Len(t, log, len(walk))
	state := store.StateUnassigned
	for _, tr := range log {
		assert.Equal(t, state, tr.FromState)
		assert.True(t, IsValidTransition(tr.FromState, tr.ToState))
		state = tr.ToState
	}

	// GREEN for routine moves, YELLOW for FROZEN.
	yellow, err := backend.Audit().List(ctx, store.AuditFilter{Level: store.AuditYellow})
	require.NoError(t, err)
	assert.Len(t, yellow, 1)
}

func TestInvalidTransitionNamesStates(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, err := svc.Create(ctx, "a1", "n1")
	require.NoError(t, err)

	_, err = svc.Transition(ctx, "a1@n1", store.StateActive, "", "tester")
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "UNASSIGNED")
	assert.Contains(t, err.Error(), "ACTIVE")
	assert.Contains(t, err.Error(), "PROVISIONING, RETIRED")
}

func TestRetiredIsTerminal(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, err := svc.Create(ctx, "a1", "n1")
	require.NoError(t, err)
	_, err = svc.Transition(ctx, "a1@n1", store.StateRetired, "done", "tester")
	require.NoError(t, err)

	for to := range TransitionTable {
		_, err := svc.Transition(ctx, "a1@n1", to, "", "tester")
		assert.ErrorIs(t, err, ErrInvalidTransition, "RETIRED → %s must be rejected", to)
	}
}

func TestLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	svc, backend := newService(t)

	_, err := svc.Create(ctx, "a1", "n1")
	require.NoError(t, err)
	for _, to := range []store.HomeState{store.StateProvisioning, store.StateIdle, store.StateLeased} {
		_, err := svc.Transition(ctx, "a1@n1", to, "", "tester")
		require.NoError(t, err)
	}

	require.NoError(t, svc.SetLeaseExpiry(ctx, "a1@n1", time.Now().UTC().Add(-time.Second)))

	expired, err := svc.CheckLeaseExpiry(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, store.StateLeased, expired[0].FromState)
	assert.Equal(t, store.StateFrozen, expired[0].ToState)
	assert.Equal(t, "lease expired", expired[0].Reason)
	assert.Equal(t, "system", expired[0].TriggeredBy)

	h, err := svc.Get(ctx, "a1@n1")
	require.NoError(t, err)
	assert.Equal(t, store.StateFrozen, h.State)
	assert.Nil(t, h.LeaseExpiresAt, "freezing clears the lease")

	yellow, err := backend.Audit().List(ctx, store.AuditFilter{Level: store.AuditYellow})
	require.NoError(t, err)
	require.Len(t, yellow, 1)
	assert.Contains(t, yellow[0].Detail, "lease expired")

	// Second sweep finds nothing.
	again, err := svc.CheckLeaseExpiry(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestLeaseExpiryIgnoresFutureAndUnleased(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	_, err := svc.Create(ctx, "a1", "n1")
	require.NoError(t, err)
	for _, to := range []store.HomeState{store.StateProvisioning, store.StateIdle, store.StateLeased} {
		_, err := svc.Transition(ctx, "a1@n1", to, "", "tester")
		require.NoError(t, err)
	}
	require.NoError(t, svc.SetLeaseExpiry(ctx, "a1@n1", time.Now().UTC().Add(time.Hour)))

	_, err = svc.Create(ctx, "a2", "n1")
	require.NoError(t, err)

	expired, err := svc.CheckLeaseExpiry(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)
}
