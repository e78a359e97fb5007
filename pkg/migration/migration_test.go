package migration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flock/pkg/a2a"
	"flock/pkg/home"
	"flock/pkg/proto"
	"flock/pkg/store"
	"flock/pkg/store/memstore"
)

const (
	testAgent      = "workerA"
	sourceNode     = "node-A"
	targetNode     = "node-B"
	sourceHomeID   = testAgent + "@" + sourceNode
	targetHomeID   = testAgent + "@" + targetNode
	targetEndpoint = "http://node-b:8700"
)

// cluster is a two-node fixture: both engines share nothing except the
// in-process transport between them.
type cluster struct {
	sourceBackend store.Backend
	targetBackend store.Backend
	sourceHomes   *home.Service
	source        *Engine
	target        *Engine
	sourceDir     string
	targetDir     string
}

func newCluster(t *testing.T) *cluster {
	t.Helper()
	sourceBackend := memstore.New()
	targetBackend := memstore.New()
	sourceHomes := home.NewService(sourceBackend)
	targetHomes := home.NewService(targetBackend)

	sourceDir := t.TempDir()
	targetDir := t.TempDir()
	return &cluster{
		sourceBackend: sourceBackend,
		targetBackend: targetBackend,
		sourceHomes:   sourceHomes,
		source:        NewEngine(sourceBackend, sourceHomes, sourceNode, "http://node-a:8700", sourceDir),
		target:        NewEngine(targetBackend, targetHomes, targetNode, targetEndpoint, targetDir),
		sourceDir:     sourceDir,
		targetDir:     targetDir,
	}
}

// seedActiveHome walks the source home to ACTIVE and fills its portable
// subtree with work state.
func (c *cluster) seedActiveHome(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	_, err := c.sourceHomes.Create(ctx, testAgent, sourceNode)
	require.NoError(t, err)
	for _, state := range []store.HomeState{store.StateProvisioning, store.StateIdle, store.StateLeased, store.StateActive} {
		_, err := c.sourceHomes.Transition(ctx, sourceHomeID, state, "test setup", "test")
		require.NoError(t, err)
	}

	work := filepath.Join(c.sourceDir, sourceHomeID, "work")
	require.NoError(t, os.MkdirAll(filepath.Join(work, "notes"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(work, "state.json"),
		[]byte(`{"endpoint":"http://node-a:8700","task":"refactor"}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(work, "notes", "todo.md"),
		[]byte("- finish the refactor\n"), 0o600))
}

func (c *cluster) initiate(t *testing.T) *store.MigrationTicket {
	t.Helper()
	ticket, err := c.source.Initiate(context.Background(), testAgent, "rebalance",
		store.MigrationEnd{NodeID: sourceNode, HomeID: sourceHomeID, Endpoint: "http://node-a:8700"},
		store.MigrationEnd{NodeID: targetNode, HomeID: targetHomeID, Endpoint: targetEndpoint},
	)
	require.NoError(t, err)
	require.Equal(t, store.PhaseRequested, ticket.Phase)
	return ticket
}

// hookedTransport lets a test observe or corrupt traffic between the nodes.
type hookedTransport struct {
	inner      Transport
	onTransfer func(*proto.MigrationTransferParams)
	failures   int
}

func (h *hookedTransport) Request(ctx context.Context, p proto.MigrationRequestParams) (proto.MigrationRequestResult, error) {
	return h.inner.Request(ctx, p)
}

func (h *hookedTransport) Transfer(ctx context.Context, p proto.MigrationTransferParams) (proto.MigrationTransferResult, error) {
	if h.failures > 0 {
		h.failures--
		return proto.MigrationTransferResult{}, fmt.Errorf("connection reset")
	}
	if h.onTransfer != nil {
		h.onTransfer(&p)
	}
	return h.inner.Transfer(ctx, p)
}

func (h *hookedTransport) Rehydrate(ctx context.Context, p proto.MigrationRehydrateParams) (proto.MigrationRehydrateResult, error) {
	return h.inner.Rehydrate(ctx, p)
}

func TestMigrationHappyPath(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	c.seedActiveHome(t)

	// Preserved across the move even though Complete upserts without it.
	require.NoError(t, c.sourceBackend.Assignments().Upsert(ctx, &store.Assignment{
		AgentID:      testAgent,
		NodeID:       sourceNode,
		AssignedAt:   time.Now().UTC(),
		PortablePath: "work",
	}))

	c.target.SetTransformer(func(name string, data []byte) ([]byte, error) {
		return []byte(strings.ReplaceAll(string(data), "node-a", "node-b")), nil
	})
	c.target.SetRehydrateHook(func(homePath string) ([]string, error) {
		return []string{"tool cache not carried over"}, nil
	})

	ticket := c.initiate(t)
	guard := NewGuard(c.sourceBackend.Tickets())

	// Sample the guard mid-transfer: the agent must be unreachable while
	// the archive is on the wire.
	var midFlight a2a.Rejection
	transport := &hookedTransport{
		inner: InProcessTransport{Target: c.target},
		onTransfer: func(*proto.MigrationTransferParams) {
			midFlight = guard.Check(ctx, testAgent)
		},
	}

	completed, warnings, err := NewOrchestrator(c.source).Run(ctx, ticket.ID, transport)
	require.NoError(t, err)

	require.True(t, midFlight.Rejected)
	assert.Equal(t, int64(300000), midFlight.EstimatedDowntimeMS)
	assert.Contains(t, midFlight.Reason, "TRANSFERRING")

	require.Equal(t, store.PhaseCompleted, completed.Phase)
	assert.Equal(t, targetEndpoint, completed.Target.Endpoint)

	// Source retired, assignment moved, portable path intact.
	sourceHome, err := c.sourceHomes.Get(ctx, sourceHomeID)
	require.NoError(t, err)
	assert.Equal(t, store.StateRetired, sourceHome.State)

	assignment, err := c.sourceBackend.Assignments().Get(ctx, testAgent)
	require.NoError(t, err)
	assert.Equal(t, targetNode, assignment.NodeID)
	assert.Equal(t, "work", assignment.PortablePath)

	// Target home is IDLE with the work state rehydrated and transformed.
	targetHome, err := home.NewService(c.targetBackend).Get(ctx, targetHomeID)
	require.NoError(t, err)
	assert.Equal(t, store.StateIdle, targetHome.State)

	state, err := os.ReadFile(filepath.Join(c.targetDir, targetHomeID, "work", "state.json"))
	require.NoError(t, err)
	assert.Contains(t, string(state), "http://node-b:8700")
	assert.NotContains(t, string(state), "node-a")

	todo, err := os.ReadFile(filepath.Join(c.targetDir, targetHomeID, "work", "notes", "todo.md"))
	require.NoError(t, err)
	assert.Equal(t, "- finish the refactor\n", string(todo))

	note, ok, err := ReadPostMigrationNote(filepath.Join(c.targetDir, targetHomeID))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, note, sourceNode)
	assert.Contains(t, note, ticket.ID)

	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "tool cache")

	// Settled migration no longer blocks sends.
	assert.False(t, guard.Check(ctx, testAgent).Rejected)
}

func TestMigrationTamperedArchiveFails(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	c.seedActiveHome(t)
	require.NoError(t, c.sourceBackend.Assignments().Upsert(ctx, &store.Assignment{
		AgentID: testAgent, NodeID: sourceNode, AssignedAt: time.Now().UTC(), PortablePath: "work",
	}))
	ticket := c.initiate(t)

	transport := &hookedTransport{
		inner: InProcessTransport{Target: c.target},
		onTransfer: func(p *proto.MigrationTransferParams) {
			p.Archive[len(p.Archive)/2] ^= 0xFF
		},
	}

	_, _, err := NewOrchestrator(c.source).Run(ctx, ticket.ID, transport)
	require.ErrorIs(t, err, ErrVerificationFailed)

	failed, getErr := c.source.Get(ctx, ticket.ID)
	require.NoError(t, getErr)
	assert.Equal(t, store.PhaseFailed, failed.Phase)
	assert.Contains(t, failed.Error, "digest mismatch")

	// Source keeps the agent: not retired, thawed back to FROZEN, and the
	// assignment never moved.
	sourceHome, err := c.sourceHomes.Get(ctx, sourceHomeID)
	require.NoError(t, err)
	assert.Equal(t, store.StateFrozen, sourceHome.State)

	assignment, err := c.sourceBackend.Assignments().Get(ctx, testAgent)
	require.NoError(t, err)
	assert.Equal(t, sourceNode, assignment.NodeID)

	// Terminal ticket no longer rejects sends.
	assert.False(t, NewGuard(c.sourceBackend.Tickets()).Check(ctx, testAgent).Rejected)
}

func TestMigrationTargetRefusal(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	c.seedActiveHome(t)
	ticket := c.initiate(t)

	refusing := &refusingTransport{}
	_, _, err := NewOrchestrator(c.source).Run(ctx, ticket.ID, refusing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")

	aborted, err := c.source.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PhaseAborted, aborted.Phase)

	// Never froze: the home keeps serving.
	sourceHome, err := c.sourceHomes.Get(ctx, sourceHomeID)
	require.NoError(t, err)
	assert.Equal(t, store.StateActive, sourceHome.State)
}

type refusingTransport struct{}

func (refusingTransport) Request(context.Context, proto.MigrationRequestParams) (proto.MigrationRequestResult, error) {
	return proto.MigrationRequestResult{Accepted: false, Reason: "node draining"}, nil
}

func (refusingTransport) Transfer(context.Context, proto.MigrationTransferParams) (proto.MigrationTransferResult, error) {
	return proto.MigrationTransferResult{}, fmt.Errorf("unreachable")
}

func (refusingTransport) Rehydrate(context.Context, proto.MigrationRehydrateParams) (proto.MigrationRehydrateResult, error) {
	return proto.MigrationRehydrateResult{}, fmt.Errorf("unreachable")
}

func TestMigrationTransferRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	c.seedActiveHome(t)
	ticket := c.initiate(t)

	transport := &hookedTransport{
		inner:    InProcessTransport{Target: c.target},
		failures: 2,
	}
	orch := NewOrchestrator(c.source)
	timeouts := DefaultTimeouts()
	timeouts.Transferring = 30 * time.Second
	orch.SetTimeouts(timeouts)

	completed, _, err := orch.Run(ctx, ticket.ID, transport)
	require.NoError(t, err)
	assert.Equal(t, store.PhaseCompleted, completed.Phase)
}

func TestAdvancePhaseRejectsSkips(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	c.seedActiveHome(t)
	ticket := c.initiate(t)

	_, err := c.source.AdvancePhase(ctx, ticket.ID, store.PhaseFrozen)
	require.ErrorIs(t, err, ErrInvalidPhase)
	assert.Contains(t, err.Error(), "REQUESTED")
	assert.Contains(t, err.Error(), "AUTHORIZED")

	// The failed attempt left the ticket where it was.
	unchanged, err := c.source.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PhaseRequested, unchanged.Phase)
}

func TestAdvancePhaseTerminalIsFinal(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	c.seedActiveHome(t)
	ticket := c.initiate(t)

	require.NoError(t, c.source.Rollback(ctx, ticket.ID, "operator abort", false))

	_, err := c.source.AdvancePhase(ctx, ticket.ID, store.PhaseAuthorized)
	require.ErrorIs(t, err, ErrInvalidPhase)
	assert.Contains(t, err.Error(), "terminal")

	// Rolling back again is a no-op, not an error.
	require.NoError(t, c.source.Rollback(ctx, ticket.ID, "again", true))
	final, err := c.source.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PhaseAborted, final.Phase)
}

func TestAdvancePhaseConcurrentExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	c.seedActiveHome(t)
	ticket := c.initiate(t)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.source.AdvancePhase(ctx, ticket.ID, store.PhaseAuthorized)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, ErrInvalidPhase)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestRollbackThawsMigratingHome(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t)
	c.seedActiveHome(t)
	ticket := c.initiate(t)

	for _, phase := range []store.Phase{store.PhaseAuthorized, store.PhaseFreezing, store.PhaseFrozen, store.PhaseSnapshotting} {
		_, err := c.source.AdvancePhase(ctx, ticket.ID, phase)
		require.NoError(t, err)
	}
	require.NoError(t, c.source.FreezeSource(ctx, ticket))
	require.NoError(t, c.source.MarkSourceMigrating(ctx, ticket))

	require.NoError(t, c.source.Rollback(ctx, ticket.ID, "snapshot timed out", false))

	h, err := c.sourceHomes.Get(ctx, sourceHomeID)
	require.NoError(t, err)
	assert.Equal(t, store.StateFrozen, h.State)

	rolled, err := c.source.Get(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, store.PhaseAborted, rolled.Phase)
	assert.Equal(t, "snapshot timed out", rolled.Error)
}

func TestGuardPhases(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	guard := NewGuard(backend.Tickets())

	rejecting := []store.Phase{
		store.PhaseFreezing, store.PhaseFrozen, store.PhaseSnapshotting,
		store.PhaseTransferring, store.PhaseVerifying, store.PhaseRehydrating,
	}
	open := []store.Phase{
		store.PhaseRequested, store.PhaseAuthorized, store.PhaseFinalizing,
		store.PhaseCompleted, store.PhaseAborted, store.PhaseFailed,
	}

	now := time.Now().UTC()
	for i, phase := range append(append([]store.Phase{}, rejecting...), open...) {
		agentID := fmt.Sprintf("agent%d", i)
		require.NoError(t, backend.Tickets().Insert(ctx, &store.MigrationTicket{
			ID:        fmt.Sprintf("m%d", i),
			AgentID:   agentID,
			Phase:     phase,
			CreatedAt: now,
			UpdatedAt: now,
		}))
	}

	for i, phase := range rejecting {
		rejection := guard.Check(ctx, fmt.Sprintf("agent%d", i))
		assert.True(t, rejection.Rejected, "phase %s must reject", phase)
		assert.Positive(t, rejection.EstimatedDowntimeMS, "phase %s downtime", phase)
	}
	for i, phase := range open {
		rejection := guard.Check(ctx, fmt.Sprintf("agent%d", len(rejecting)+i))
		assert.False(t, rejection.Rejected, "phase %s must not reject", phase)
	}

	// Unknown agent: nothing in flight.
	assert.False(t, guard.Check(ctx, "stranger").Rejected)
}

func TestSnapshotRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "deep", "nested"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("alpha"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(src, "deep", "nested", "b.txt"), []byte("beta"), 0o600))

	snapshot, err := BuildSnapshot(src, Manifest{MigrationID: "m1", AgentID: testAgent, SourceNode: sourceNode})
	require.NoError(t, err)
	require.NoError(t, Verify(snapshot.Archive, snapshot.Digest, MaxPortableSizeBytes))

	dst := t.TempDir()
	manifest, err := ExtractArchive(snapshot.Archive, dst, nil)
	require.NoError(t, err)
	assert.Equal(t, "m1", manifest.MigrationID)
	assert.Equal(t, 2, manifest.FileCount)
	assert.Equal(t, int64(len("alpha")+len("beta")), manifest.TotalBytes)

	a, err := os.ReadFile(filepath.Join(dst, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(a))
	b, err := os.ReadFile(filepath.Join(dst, "deep", "nested", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "beta", string(b))

	// No stray manifest file lands in the extracted tree.
	_, err = os.Stat(filepath.Join(dst, manifestName))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestVerifyRejectsMismatchAndOversize(t *testing.T) {
	archive := []byte("not really a tarball")

	err := Verify(archive, Digest(archive), 4)
	require.ErrorIs(t, err, ErrVerificationFailed)
	assert.Contains(t, err.Error(), "ceiling")

	err = Verify(archive, "deadbeef", MaxPortableSizeBytes)
	require.ErrorIs(t, err, ErrVerificationFailed)
	assert.Contains(t, err.Error(), "digest mismatch")

	require.NoError(t, Verify(archive, Digest(archive), MaxPortableSizeBytes))
}

func TestHandleTransferUnknownMigration(t *testing.T) {
	c := newCluster(t)
	result, err := c.target.HandleTransfer(context.Background(), proto.MigrationTransferParams{
		MigrationID: "never-requested",
		Archive:     []byte("x"),
		Digest:      Digest([]byte("x")),
	})
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Contains(t, result.Reason, "unknown migration")
}

func TestPostMigrationNoteLifecycle(t *testing.T) {
	homePath := filepath.Join(t.TempDir(), "home")

	_, ok, err := ReadPostMigrationNote(homePath)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, WritePostMigrationNote(homePath, "you moved"))
	note, ok, err := ReadPostMigrationNote(homePath)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "you moved", note)

	require.NoError(t, ClearPostMigrationNote(homePath))
	require.NoError(t, ClearPostMigrationNote(homePath))
	_, ok, err = ReadPostMigrationNote(homePath)
	require.NoError(t, err)
	assert.False(t, ok)
}
