// Package session drives an ephemeral session through its five lifecycle
// stages: quorum convergence, key materialization, gated execution, outcome
// commitment, and verified destruction. The orchestrator exclusively owns all
// session state and is the single ledger writer.
package session

import (
	"fmt"

	"github.com/veilcompute/ephemeral-session-backend/biokey"
	"github.com/veilcompute/ephemeral-session-backend/canary"
	"github.com/veilcompute/ephemeral-session-backend/compliance"
	"github.com/veilcompute/ephemeral-session-backend/interfaces"
	"github.com/veilcompute/ephemeral-session-backend/ledger"
	"github.com/veilcompute/ephemeral-session-backend/outcome"
	"github.com/veilcompute/ephemeral-session-backend/proxyapproval"
	"github.com/veilcompute/ephemeral-session-backend/quorum"
	"github.com/veilcompute/ephemeral-session-backend/snapshot"
	"github.com/veilcompute/ephemeral-session-backend/watchdog"
)

// Stage is the session lifecycle marker. Stages only advance forward; no
// stage is ever re-entered.
type Stage int

const (
	// StageConvergence collects quorum votes on session entry.
	StageConvergence Stage = iota
	// StageMaterialization reconstructs key material and initializes the
	// ledger, canary, snapshot, proxy, and watchdog subsystems.
	StageMaterialization
	// StageExecution runs the input operations under per-operation gating.
	StageExecution
	// StageCommitment gathers signatures over the salted outcome.
	StageCommitment
	// StageDestruction zeroizes all remaining session state.
	StageDestruction
)

func (s Stage) String() string {
	switch s {
	case StageConvergence:
		return "convergence"
	case StageMaterialization:
		return "materialization"
	case StageExecution:
		return "execution"
	case StageCommitment:
		return "commitment"
	case StageDestruction:
		return "destruction"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// State aggregates everything a live session owns. It is created empty at
// convergence and filled in during materialization; the orchestrator never
// hands out live references to its contents.
type State struct {
	ID    interfaces.SessionID
	stage Stage

	convergence *quorum.Convergence
	material    *biokey.Material
	ledger      *ledger.Ledger
	canary      *canary.Emitter
	snapshots   *snapshot.Manager
	proxies     *proxyapproval.Manager
	attestor    *compliance.Attestor
	watchdogs   *watchdog.Rotation
	committer   *outcome.Committer

	// execState is the opaque execution state the executor threads through
	// operations; snapshots capture it verbatim.
	execState []byte
}

// Stage returns the current lifecycle stage.
func (s *State) Stage() Stage {
	return s.stage
}

// advance moves the stage marker forward by exactly one stage. Any other
// transition is a stage violation.
func (s *State) advance(next Stage) error {
	if next != s.stage+1 {
		return fmt.Errorf("%w: %s -> %s", interfaces.ErrStageViolation, s.stage, next)
	}
	s.stage = next
	return nil
}

// destroy jumps directly to the destruction stage. Allowed from any earlier
// stage; cancellation and stage-fatal errors both land here.
func (s *State) destroy() error {
	if s.stage == StageDestruction {
		return fmt.Errorf("%w: already destroying", interfaces.ErrStageViolation)
	}
	s.stage = StageDestruction
	return nil
}
