// Package migration implements the multi-phase protocol that moves an
// agent's home between nodes: ticket state machine, snapshot builder and
// verifier, rehydration, rollback, the frozen guard, and the orchestrator
// that drives a migration end to end.
package migration

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"flock/pkg/store"
)

var (
	// ErrInvalidPhase is returned for phase transitions outside the DAG.
	ErrInvalidPhase = errors.New("invalid migration phase transition")
	// ErrTicketNotFound is returned when the migration ticket is missing.
	ErrTicketNotFound = errors.New("migration ticket not found")
	// ErrVerificationFailed is returned when the transferred archive does
	// not match its digest or exceeds the size ceiling.
	ErrVerificationFailed = errors.New("snapshot verification failed")
)

// phaseGraph is the forward edge set. Every non-terminal phase may also
// move to ABORTED or FAILED (the rollback path), handled in validEdge.
var phaseGraph = map[store.Phase][]store.Phase{
	store.PhaseRequested:    {store.PhaseAuthorized},
	store.PhaseAuthorized:   {store.PhaseFreezing},
	store.PhaseFreezing:     {store.PhaseFrozen},
	store.PhaseFrozen:       {store.PhaseSnapshotting},
	store.PhaseSnapshotting: {store.PhaseTransferring},
	store.PhaseTransferring: {store.PhaseVerifying},
	store.PhaseVerifying:    {store.PhaseRehydrating},
	store.PhaseRehydrating:  {store.PhaseFinalizing},
	store.PhaseFinalizing:   {store.PhaseCompleted},
}

// validEdge reports whether from → to is a legal phase transition.
func validEdge(from, to store.Phase) bool {
	if from.Terminal() {
		return false
	}
	if to == store.PhaseAborted || to == store.PhaseFailed {
		return true
	}
	for _, next := range phaseGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

func allowedPhases(from store.Phase) string {
	if from.Terminal() {
		return "(none, terminal)"
	}
	names := make([]string, 0, len(phaseGraph[from])+2)
	for _, p := range phaseGraph[from] {
		names = append(names, string(p))
	}
	names = append(names, string(store.PhaseAborted), string(store.PhaseFailed))
	return strings.Join(names, ", ")
}

// Timeouts bounds each migration phase. Exceeding one triggers rollback.
type Timeouts struct {
	Freezing     time.Duration
	Snapshotting time.Duration
	Transferring time.Duration
	Verifying    time.Duration
	Rehydrating  time.Duration
	Finalizing   time.Duration
}

// DefaultTimeouts returns the standard per-phase budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Freezing:     30 * time.Second,
		Snapshotting: 300 * time.Second,
		Transferring: 300 * time.Second,
		Verifying:    60 * time.Second,
		Rehydrating:  300 * time.Second,
		Finalizing:   30 * time.Second,
	}
}

// MaxPortableSizeBytes is the default ceiling on a snapshot archive.
const MaxPortableSizeBytes int64 = 512 << 20 // 512 MiB

// rejectingPhases are the phases during which the agent is unreachable and
// sends must be refused, with the estimated downtime reported to callers.
var rejectingPhases = map[store.Phase]int64{
	store.PhaseFreezing:     30000,
	store.PhaseFrozen:       60000,
	store.PhaseSnapshotting: 300000,
	store.PhaseTransferring: 300000,
	store.PhaseVerifying:    60000,
	store.PhaseRehydrating:  300000,
}

// PhaseRejects reports whether sends to an agent in the given migration
// phase must be refused, and the estimated downtime in milliseconds.
func PhaseRejects(phase store.Phase) (bool, int64) {
	downtime, ok := rejectingPhases[phase]
	return ok, downtime
}

func invalidPhaseError(migrationID string, from, to store.Phase) error {
	return fmt.Errorf("%w: ticket %s: %s → %s (allowed from %s: %s)",
		ErrInvalidPhase, migrationID, from, to, from, allowedPhases(from))
}
