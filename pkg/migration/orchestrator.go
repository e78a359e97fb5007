package migration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"flock/pkg/logx"
	"flock/pkg/metrics"
	"flock/pkg/proto"
	"flock/pkg/store"
)

// transferAttempts bounds transport retries during TRANSFERRING. A clean
// verification failure is never retried; only transport errors are.
const transferAttempts = 3

// Orchestrator drives one migration end to end on the source node:
// request, freeze, snapshot, transfer, verify, rehydrate, finalize. Any
// failed or timed-out phase rolls the ticket back and thaws the source.
type Orchestrator struct {
	engine   *Engine
	timeouts Timeouts
	logger   *logx.Logger
	recorder metrics.Recorder
}

// NewOrchestrator builds the migration driver with default phase budgets.
func NewOrchestrator(engine *Engine) *Orchestrator {
	return &Orchestrator{
		engine:   engine,
		timeouts: DefaultTimeouts(),
		logger:   logx.NewLogger("migration-orch"),
		recorder: metrics.Nop(),
	}
}

// SetTimeouts overrides the per-phase budgets.
func (o *Orchestrator) SetTimeouts(t Timeouts) { o.timeouts = t }

// SetRecorder installs a metrics recorder.
func (o *Orchestrator) SetRecorder(recorder metrics.Recorder) { o.recorder = recorder }

// Run executes the migration named by migrationID against the target via
// transport. It returns the completed ticket plus any non-fatal warnings
// from rehydration. On error the ticket is rolled back (ABORTED, or FAILED
// for verification failures) before the error is returned.
func (o *Orchestrator) Run(ctx context.Context, migrationID string, transport Transport) (*store.MigrationTicket, []string, error) {
	ticket, err := o.engine.Get(ctx, migrationID)
	if err != nil {
		return nil, nil, err
	}
	if ticket.Phase != store.PhaseRequested {
		return nil, nil, invalidPhaseError(migrationID, ticket.Phase, store.PhaseAuthorized)
	}
	o.logger.Info("🚀 Running migration %s: %s from %s to %s",
		migrationID, ticket.AgentID, ticket.Source.NodeID, ticket.Target.NodeID)

	warnings, err := o.run(ctx, ticket, transport)
	if err != nil {
		fatal := isFatal(err)
		// Roll back on a fresh context so cancellation of the run does
		// not strand the ticket mid-phase.
		rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if rbErr := o.engine.Rollback(rbCtx, migrationID, err.Error(), fatal); rbErr != nil {
			o.logger.Error("Rollback of %s failed: %v", migrationID, rbErr)
		}
		return nil, warnings, err
	}

	completed, err := o.engine.Get(ctx, migrationID)
	return completed, warnings, err
}

func (o *Orchestrator) run(ctx context.Context, ticket *store.MigrationTicket, transport Transport) ([]string, error) {
	id := ticket.ID

	// REQUESTED → AUTHORIZED: the target must accept before anything freezes.
	accept, err := transport.Request(ctx, proto.MigrationRequestParams{
		MigrationID:    id,
		AgentID:        ticket.AgentID,
		Reason:         ticket.Reason,
		SourceEndpoint: ticket.Source.Endpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("request phase: %w", err)
	}
	if !accept.Accepted {
		return nil, fmt.Errorf("target %s refused migration: %s", ticket.Target.NodeID, accept.Reason)
	}
	if _, err := o.engine.AdvancePhase(ctx, id, store.PhaseAuthorized); err != nil {
		return nil, err
	}

	// AUTHORIZED → FREEZING → FROZEN: the source home stops serving.
	if _, err := o.engine.AdvancePhase(ctx, id, store.PhaseFreezing); err != nil {
		return nil, err
	}
	err = o.withBudget(ctx, store.PhaseFreezing, o.timeouts.Freezing, func(ctx context.Context) error {
		return o.engine.FreezeSource(ctx, ticket)
	})
	if err != nil {
		return nil, fmt.Errorf("freezing phase: %w", err)
	}
	if _, err := o.engine.AdvancePhase(ctx, id, store.PhaseFrozen); err != nil {
		return nil, err
	}

	// FROZEN → SNAPSHOTTING: archive the portable subtree.
	if _, err := o.engine.AdvancePhase(ctx, id, store.PhaseSnapshotting); err != nil {
		return nil, err
	}
	if err := o.engine.MarkSourceMigrating(ctx, ticket); err != nil {
		return nil, fmt.Errorf("snapshotting phase: %w", err)
	}
	var snapshot *Snapshot
	err = o.withBudget(ctx, store.PhaseSnapshotting, o.timeouts.Snapshotting, func(ctx context.Context) error {
		var buildErr error
		snapshot, buildErr = o.engine.BuildSourceSnapshot(ctx, ticket)
		return buildErr
	})
	if err != nil {
		return nil, fmt.Errorf("snapshotting phase: %w", err)
	}

	// SNAPSHOTTING → TRANSFERRING: ship the archive, retrying transport
	// hiccups with exponential backoff.
	if _, err := o.engine.AdvancePhase(ctx, id, store.PhaseTransferring); err != nil {
		return nil, err
	}
	var verdict proto.MigrationTransferResult
	err = o.withBudget(ctx, store.PhaseTransferring, o.timeouts.Transferring, func(ctx context.Context) error {
		return o.transferWithRetry(ctx, id, transport, snapshot, &verdict)
	})
	if err != nil {
		return nil, fmt.Errorf("transferring phase: %w", err)
	}

	// TRANSFERRING → VERIFYING: the target's digest check is the verdict.
	if _, err := o.engine.AdvancePhase(ctx, id, store.PhaseVerifying); err != nil {
		return nil, err
	}
	if !verdict.Verified {
		return nil, fmt.Errorf("verifying phase: %w: %s", ErrVerificationFailed, verdict.Reason)
	}

	// VERIFYING → REHYDRATING: the target unpacks into the new home.
	if _, err := o.engine.AdvancePhase(ctx, id, store.PhaseRehydrating); err != nil {
		return nil, err
	}
	var rehydrated proto.MigrationRehydrateResult
	err = o.withBudget(ctx, store.PhaseRehydrating, o.timeouts.Rehydrating, func(ctx context.Context) error {
		var rErr error
		rehydrated, rErr = transport.Rehydrate(ctx, proto.MigrationRehydrateParams{
			MigrationID: id,
			AgentID:     ticket.AgentID,
		})
		return rErr
	})
	if err != nil {
		return nil, fmt.Errorf("rehydrating phase: %w", err)
	}
	if !rehydrated.OK {
		return rehydrated.Warnings, fmt.Errorf("rehydrating phase: target reported failure")
	}
	for _, warning := range rehydrated.Warnings {
		o.logger.Warn("Migration %s rehydrate warning: %s", id, warning)
	}

	// REHYDRATING → FINALIZING → COMPLETED: retire the source, move the
	// assignment, record the new endpoint.
	if _, err := o.engine.AdvancePhase(ctx, id, store.PhaseFinalizing); err != nil {
		return rehydrated.Warnings, err
	}
	err = o.withBudget(ctx, store.PhaseFinalizing, o.timeouts.Finalizing, func(ctx context.Context) error {
		_, cErr := o.engine.Complete(ctx, id, rehydrated.Endpoint)
		return cErr
	})
	if err != nil {
		return rehydrated.Warnings, fmt.Errorf("finalizing phase: %w", err)
	}
	return rehydrated.Warnings, nil
}

func (o *Orchestrator) transferWithRetry(ctx context.Context, migrationID string, transport Transport, snapshot *Snapshot, verdict *proto.MigrationTransferResult) error {
	params := proto.MigrationTransferParams{
		MigrationID: migrationID,
		Archive:     snapshot.Archive,
		Digest:      snapshot.Digest,
		Size:        snapshot.Size,
	}

	bo := backoff.NewExponentialBackOff()
	var lastErr error
	for attempt := 1; attempt <= transferAttempts; attempt++ {
		result, err := transport.Transfer(ctx, params)
		if err == nil {
			*verdict = result
			return nil
		}
		lastErr = err
		o.logger.Warn("Transfer for %s failed (attempt %d/%d): %v", migrationID, attempt, transferAttempts, err)

		if attempt == transferAttempts {
			break
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("transfer exhausted %d attempts: %w", transferAttempts, lastErr)
}

func (o *Orchestrator) withBudget(ctx context.Context, phase store.Phase, budget time.Duration, fn func(context.Context) error) error {
	phaseCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	start := time.Now()
	err := fn(phaseCtx)
	o.recorder.ObserveMigrationPhase(string(phase), time.Since(start))
	return err
}

// isFatal reports whether the failure should mark the ticket FAILED
// instead of ABORTED. Verification failures are fatal: the snapshot on
// the wire cannot be trusted.
func isFatal(err error) bool {
	return errors.Is(err, ErrVerificationFailed)
}
