package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/veilcompute/ephemeral-session-backend/biokey"
	"github.com/veilcompute/ephemeral-session-backend/canary"
	"github.com/veilcompute/ephemeral-session-backend/compliance"
	"github.com/veilcompute/ephemeral-session-backend/interfaces"
	"github.com/veilcompute/ephemeral-session-backend/ledger"
	"github.com/veilcompute/ephemeral-session-backend/metrics"
	"github.com/veilcompute/ephemeral-session-backend/outcome"
	"github.com/veilcompute/ephemeral-session-backend/proxyapproval"
	"github.com/veilcompute/ephemeral-session-backend/quorum"
	"github.com/veilcompute/ephemeral-session-backend/snapshot"
	"github.com/veilcompute/ephemeral-session-backend/txo"
	"github.com/veilcompute/ephemeral-session-backend/watchdog"
)

// Operation is one unit of session work supplied by the caller. Each
// operation becomes an input transaction object on the ledger; its execution
// is gated by proxy approval and compliance policy when so marked.
type Operation struct {
	// Name identifies the operation kind, e.g. "transfer".
	Name string

	// Payload is the operation's input record.
	Payload []byte

	// RequiresApproval gates the operation behind bonded proxy approval.
	RequiresApproval bool

	// Justification accompanies the approval request.
	Justification string

	// PolicyID names the compliance policy the operation falls under.
	// Empty means the operation is not regulation-scoped.
	PolicyID string

	// PrivateInputs and PublicInputs feed compliance proof generation.
	PrivateInputs []byte
	PublicInputs  []byte
}

// ExecuteFunc runs one operation against the session's execution state and
// returns the new state plus the operation's result record.
type ExecuteFunc func(ctx context.Context, op Operation, state []byte) (newState, result []byte, err error)

// Config parameterizes a session.
type Config struct {
	SessionID interfaces.SessionID
	Members   []interfaces.MemberID

	Quorum quorum.Config

	CanaryInterval   time.Duration
	SnapshotInterval time.Duration
	SnapshotLimit    int
	WatchdogInterval time.Duration

	// CommitTimeout bounds outcome signature collection per result.
	CommitTimeout time.Duration

	// RevealRatio is the fraction of members that must sign an outcome.
	RevealRatio float64

	// MaxRollbacks bounds re-attempts of a repeatedly failing operation
	// before it is skipped.
	MaxRollbacks int

	// AbortOnCensorship terminates the session when canary gaps are
	// detected during execution. Default is to record and continue.
	AbortOnCensorship bool

	// InitialState seeds the execution state threaded through operations.
	InitialState []byte
}

// Dependencies are the collaborating subsystems the orchestrator drives.
// Proxies and Watchdogs may be nil when no operation needs them.
type Dependencies struct {
	Signer       interfaces.Signer
	Verifier     interfaces.SignatureVerifier
	Materializer *biokey.Materializer
	Proxies      *proxyapproval.Manager
	ProofBackend interfaces.ProofBackend
	Watchdogs    *watchdog.Rotation
	Broadcaster  interfaces.Broadcaster
	Execute      ExecuteFunc
	Log          *slog.Logger
}

// Result is what survives a session. Only sealed outcomes carry data; all
// other session state has been zeroized by the time Run returns.
type Result struct {
	SessionID         interfaces.SessionID
	Outcomes          []*outcome.Outcome
	FinalRoot         interfaces.Hash
	StageReached      Stage
	Rollbacks         int
	CensorshipEvents  int
	FailedCommitments int
	Anomalies         []watchdog.AnomalyReport
}

// approvalMsg routes an external proxy approval into the execution loop.
type approvalMsg struct {
	RequestID string
	Proxy     interfaces.MemberID
	Signature []byte
}

// outcomeSigMsg routes an external outcome endorsement into the commitment
// loop. Commitment selects which pending outcome the signature belongs to.
type outcomeSigMsg struct {
	Commitment interfaces.Hash
	Member     interfaces.MemberID
	Signature  []byte
	Timestamp  time.Time
}

// rollbackRecord is the ledger payload of a rollback audit object.
type rollbackRecord struct {
	FailedOperation string          `cbor:"1,keyasint"`
	FailedIndex     int             `cbor:"2,keyasint"`
	RestoredSeq     uint64          `cbor:"3,keyasint"`
	RestoredRoot    interfaces.Hash `cbor:"4,keyasint"`
	ResumeIndex     int             `cbor:"5,keyasint"`
}

// opResultRecord is the ledger payload of an operation result.
type opResultRecord struct {
	Operation string          `cbor:"1,keyasint"`
	Input     interfaces.Hash `cbor:"2,keyasint"`
	Result    []byte          `cbor:"3,keyasint,omitempty"`
	Succeeded bool            `cbor:"4,keyasint"`
	Fault     string          `cbor:"5,keyasint,omitempty"`
}

// Orchestrator owns one session end to end. It is the only writer to the
// ledger; every collaborating task communicates results back through
// channels and the orchestrator performs the append.
type Orchestrator struct {
	cfg  Config
	deps Dependencies
	log  *slog.Logger

	state *State

	votes       chan quorum.Vote
	approvals   chan approvalMsg
	outcomeSigs chan outcomeSigMsg

	// pendingTxos buffers audit objects produced before the ledger exists
	// (convergence-stage decay justifications); they are appended first
	// thing after materialization.
	pendingTxos []*txo.TXO

	result Result
}

// New creates an orchestrator for one session.
func New(cfg Config, deps Dependencies) (*Orchestrator, error) {
	if deps.Execute == nil {
		return nil, errors.New("execute function is required")
	}
	if deps.Signer == nil || deps.Verifier == nil {
		return nil, errors.New("signer and verifier are required")
	}
	if deps.Materializer == nil {
		return nil, errors.New("materializer is required")
	}
	if len(cfg.Members) == 0 {
		return nil, errors.New("session needs at least one member")
	}
	if cfg.MaxRollbacks <= 0 {
		cfg.MaxRollbacks = 3
	}
	if cfg.RevealRatio <= 0 {
		cfg.RevealRatio = 0.67
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = 30 * time.Second
	}

	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("session", interfaces.Hash(cfg.SessionID).String()[:16]))

	return &Orchestrator{
		cfg:  cfg,
		deps: deps,
		log:  log,
		state: &State{
			ID:        cfg.SessionID,
			stage:     StageConvergence,
			execState: append([]byte{}, cfg.InitialState...),
		},
		votes:       make(chan quorum.Vote, len(cfg.Members)),
		approvals:   make(chan approvalMsg, 64),
		outcomeSigs: make(chan outcomeSigMsg, 64),
		result:      Result{SessionID: cfg.SessionID},
	}, nil
}

// Stage returns the session's current lifecycle stage.
func (o *Orchestrator) Stage() Stage {
	return o.state.Stage()
}

// SubmitVote delivers a member's convergence vote. Non-blocking; votes
// arriving after convergence resolved are dropped.
func (o *Orchestrator) SubmitVote(v quorum.Vote) {
	select {
	case o.votes <- v:
	default:
	}
}

// SubmitApproval delivers a proxy's approval signature for a pending request.
func (o *Orchestrator) SubmitApproval(requestID string, proxy interfaces.MemberID, signature []byte) {
	select {
	case o.approvals <- approvalMsg{RequestID: requestID, Proxy: proxy, Signature: signature}:
	default:
	}
}

// SubmitOutcomeSignature delivers a member's endorsement of a pending outcome
// commitment.
func (o *Orchestrator) SubmitOutcomeSignature(commitment interfaces.Hash, member interfaces.MemberID, signature []byte, timestamp time.Time) {
	select {
	case o.outcomeSigs <- outcomeSigMsg{Commitment: commitment, Member: member, Signature: signature, Timestamp: timestamp}:
	default:
	}
}

// Run drives the session through all five stages. It always ends in
// destruction; the returned result carries whatever outcomes were sealed
// before termination. A non-nil error describes why the session fell short
// of a full commitment, except zeroization failures, which are fatal and
// returned as interfaces.ErrZeroization.
func (o *Orchestrator) Run(ctx context.Context, operations []Operation) (*Result, error) {
	runErr := o.run(ctx, operations)

	o.result.StageReached = o.state.Stage()
	if o.state.Stage() != StageDestruction {
		if err := o.state.destroy(); err != nil {
			return &o.result, err
		}
	}
	if err := o.destroyAll(); err != nil {
		// Zeroization failure overrides everything else.
		return &o.result, err
	}
	return &o.result, runErr
}

func (o *Orchestrator) run(ctx context.Context, operations []Operation) error {
	if err := o.converge(ctx); err != nil {
		return err
	}
	if err := o.state.advance(StageMaterialization); err != nil {
		return err
	}
	if err := o.materialize(ctx); err != nil {
		return err
	}
	if err := o.state.advance(StageExecution); err != nil {
		return err
	}
	if err := o.execute(ctx, operations); err != nil {
		return err
	}
	if err := o.state.advance(StageCommitment); err != nil {
		return err
	}
	return o.commit(ctx)
}

// converge drives quorum convergence to consensus or censorship abort.
func (o *Orchestrator) converge(ctx context.Context) error {
	started := time.Now()
	conv, err := quorum.New(o.cfg.Quorum, o.cfg.Members, o.deps.Signer, o.deps.Verifier, started, o.log)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrConvergenceFailure, err)
	}
	o.state.convergence = conv

	tickInterval := o.cfg.Quorum.DecayInterval
	if tickInterval <= 0 {
		tickInterval = time.Second
	}
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		if conv.HasConsensus() {
			o.log.Info("quorum converged",
				slog.Float64("threshold", conv.Threshold()),
				slog.Int("decaySteps", conv.DecaySteps()))
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: cancelled during convergence: %v", interfaces.ErrSessionDestroyed, ctx.Err())

		case v := <-o.votes:
			if err := conv.SubmitVote(v); err != nil {
				o.log.Warn("rejected convergence vote",
					slog.String("member", v.Member.String()), "err", err)
			}

		case <-ticker.C:
			now := time.Now()
			if decayTxo, err := conv.DecayIfStalled(now); err != nil {
				return fmt.Errorf("%w: %v", interfaces.ErrConvergenceFailure, err)
			} else if decayTxo != nil {
				o.pendingTxos = append(o.pendingTxos, decayTxo)
			}

			eventTxo, abort, err := conv.AbortCheck(now)
			if err != nil {
				return fmt.Errorf("%w: %v", interfaces.ErrConvergenceFailure, err)
			}
			if abort {
				o.result.CensorshipEvents++
				metrics.CensorshipEvents.Inc()
				o.broadcastTxo(ctx, "censorship-event", eventTxo)
				return fmt.Errorf("%w: %v", interfaces.ErrConvergenceFailure, interfaces.ErrCensorshipDetected)
			}
		}
	}
}

// materialize reconstructs key material and brings up the execution-stage
// subsystems. Convergence-stage audit objects buffered before the ledger
// existed are appended here.
func (o *Orchestrator) materialize(ctx context.Context) error {
	material, err := o.deps.Materializer.Material()
	if err != nil {
		return fmt.Errorf("materializing session key: %w", err)
	}
	o.state.material = material

	o.state.ledger = ledger.New(o.log)

	commitment, err := material.Commitment(o.cfg.SessionID)
	if err != nil {
		return fmt.Errorf("binding key material to session: %w", err)
	}
	bindingTxo, err := txo.New(txo.KindSessionBinding, commitment.Bytes(), nil, time.Now())
	if err != nil {
		return err
	}
	if _, err := o.state.ledger.Append(bindingTxo); err != nil {
		return err
	}

	for _, pending := range o.pendingTxos {
		if _, err := o.state.ledger.Append(pending); err != nil {
			return err
		}
	}
	o.pendingTxos = nil

	canaryInterval := o.cfg.CanaryInterval
	if canaryInterval <= 0 {
		canaryInterval = 5 * time.Second
	}
	o.state.canary = canary.NewEmitter(canaryInterval, o.deps.Signer, o.log)

	snapLimit := o.cfg.SnapshotLimit
	if snapLimit <= 0 {
		snapLimit = 8
	}
	snapInterval := o.cfg.SnapshotInterval
	if snapInterval <= 0 {
		snapInterval = 30 * time.Second
	}
	snaps, err := snapshot.NewManager(material, snapLimit, snapInterval, o.log)
	if err != nil {
		return fmt.Errorf("initializing snapshot manager: %w", err)
	}
	o.state.snapshots = snaps

	o.state.proxies = o.deps.Proxies
	o.state.watchdogs = o.deps.Watchdogs
	if o.deps.ProofBackend != nil {
		o.state.attestor = compliance.NewAttestor(o.deps.ProofBackend, o.log)
	}

	o.log.Info("session materialized", slog.String("binding", commitment.String()[:16]))
	return nil
}

// execute runs the operation pipeline. Faults roll the execution state back
// to the latest checkpoint and re-attempt; every recovery path appends an
// audit object.
func (o *Orchestrator) execute(ctx context.Context, operations []Operation) error {
	canaryTick := make(chan struct{}, 1)
	watchdogTick := make(chan struct{}, 1)
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go tickLoop(execCtx, o.state.canary.Interval(), canaryTick)
	if o.state.watchdogs != nil && o.cfg.WatchdogInterval > 0 {
		go tickLoop(execCtx, o.cfg.WatchdogInterval, watchdogTick)
	}

	// latestCheckpointIdx is the operation index execution resumes from
	// after restoring the latest snapshot.
	latestCheckpointIdx := 0
	retries := make(map[int]int)

	for i := 0; i < len(operations); i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: cancelled during execution: %v", interfaces.ErrSessionDestroyed, err)
		}
		o.drainTicks(ctx, canaryTick, watchdogTick)

		op := operations[i]
		now := time.Now()

		// The canary fires on its timer regardless of the tick drain
		// above; an extra probe per operation keeps the chain dense.
		if err := o.emitCanary(ctx, now); err != nil {
			return err
		}
		if abort := o.checkLiveness(ctx, now); abort {
			return interfaces.ErrCensorshipDetected
		}

		if o.state.snapshots.Due(now) {
			if err := o.captureSnapshot(now, i); err != nil {
				return err
			}
			latestCheckpointIdx = i
		}

		if op.RequiresApproval {
			approved, err := o.awaitApproval(ctx, op, canaryTick, watchdogTick)
			if err != nil {
				return err
			}
			if !approved {
				if err := o.appendOpResult(op, interfaces.Hash{}, nil, false, interfaces.ErrProxyRejected.Error()); err != nil {
					return err
				}
				continue
			}
		}

		inputTxo, err := txo.New(txo.KindInput, op.Payload, nil, now)
		if err != nil {
			return err
		}
		if _, err := o.state.ledger.Append(inputTxo); err != nil {
			return err
		}

		newState, opResult, execErr := o.deps.Execute(ctx, op, o.state.execState)
		if execErr != nil {
			o.log.Warn("operation faulted",
				slog.String("operation", op.Name),
				slog.Int("index", i), "err", execErr)

			retries[i]++
			if retries[i] > o.cfg.MaxRollbacks {
				if err := o.appendOpResult(op, inputTxo.ID, nil, false, execErr.Error()); err != nil {
					return err
				}
				continue
			}

			resumeIdx, err := o.rollback(op, i, latestCheckpointIdx)
			if err != nil {
				return err
			}
			o.result.Rollbacks++
			metrics.Rollbacks.Inc()
			i = resumeIdx - 1
			continue
		}

		if op.PolicyID != "" && o.state.attestor != nil {
			proven, fault, err := o.proveCompliance(ctx, op, inputTxo.ID)
			if err != nil {
				return err
			}
			if !proven {
				if err := o.appendOpResult(op, inputTxo.ID, nil, false, fault); err != nil {
					return err
				}
				continue
			}
		}

		o.state.execState = newState
		if err := o.appendOpResult(op, inputTxo.ID, opResult, true, ""); err != nil {
			return err
		}

		if err := o.collectWatchdogAttestations(ctx); err != nil {
			return err
		}
	}

	return nil
}

// commit computes the final execution hash and seals one outcome over the
// final execution state. Insufficient signatures fail that result but never
// block destruction.
func (o *Orchestrator) commit(ctx context.Context) error {
	executionHash := o.state.ledger.RootHash()
	o.result.FinalRoot = executionHash

	committer, err := outcome.NewCommitter(o.cfg.SessionID, o.cfg.Members, o.cfg.RevealRatio, o.deps.Verifier, o.log)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrCommitmentFailure, err)
	}
	// Zeroized with everything else in destroyAll so a scrub failure is
	// never silently dropped.
	o.state.committer = committer

	commitment, err := committer.Commit(o.state.execState, executionHash)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrCommitmentFailure, err)
	}
	o.broadcastCommitment(ctx, commitment, executionHash)

	// The orchestrator's own member endorses first.
	ts := time.Now()
	selfSig, err := o.deps.Signer.Sign(committer.SigningMessage(ts))
	if err == nil {
		if err := committer.AddSignature(o.deps.Signer.MemberID(), selfSig, ts); err != nil {
			o.log.Warn("self endorsement rejected", "err", err)
		}
	}

	deadline := time.NewTimer(o.cfg.CommitTimeout)
	defer deadline.Stop()

collecting:
	for committer.SignatureCount() < committer.Threshold() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: cancelled during commitment: %v", interfaces.ErrSessionDestroyed, ctx.Err())
		case <-deadline.C:
			break collecting
		case msg := <-o.outcomeSigs:
			if !msg.Commitment.Equal(commitment) {
				continue
			}
			if err := committer.AddSignature(msg.Member, msg.Signature, msg.Timestamp); err != nil {
				o.log.Warn("rejected outcome endorsement",
					slog.String("member", msg.Member.String()), "err", err)
			}
		}
	}

	sealed, outcomeTxo, err := committer.Seal(time.Now())
	if err != nil {
		o.result.FailedCommitments++
		o.log.Warn("outcome commitment failed", "err", err)
		return err
	}

	if _, err := o.state.ledger.Append(outcomeTxo); err != nil {
		return err
	}
	o.broadcastTxo(ctx, "outcome", outcomeTxo)
	o.result.Outcomes = append(o.result.Outcomes, sealed)
	o.result.FinalRoot = o.state.ledger.RootHash()
	return nil
}

// destroyAll zeroizes every session structure in the mandated order,
// verifying each before proceeding. Any failure is fatal.
func (o *Orchestrator) destroyAll() error {
	if o.state.watchdogs != nil {
		o.result.Anomalies = o.state.watchdogs.Anomalies()
	}

	// The materializer is scrubbed unconditionally: a session aborted
	// before its materialization stage may already hold a reconstructed
	// key there.
	steps := []struct {
		name string
		z    interfaces.Zeroizer
	}{
		{"biokey material", o.state.material},
		{"biokey materializer", o.deps.Materializer},
		{"ledger", o.state.ledger},
		{"canary state", o.state.canary},
		{"snapshots", o.state.snapshots},
		{"proxy approvals", o.state.proxies},
		{"compliance cache", o.state.attestor},
		{"watchdog state", o.state.watchdogs},
		{"outcome committer", o.state.committer},
	}

	for _, step := range steps {
		if step.z == nil || isNilZeroizer(step.z) {
			continue
		}
		if err := step.z.Zeroize(); err != nil {
			o.log.Error("zeroization failed", slog.String("structure", step.name), "err", err)
			return fmt.Errorf("%w: %s: %v", interfaces.ErrZeroization, step.name, err)
		}
	}

	o.state.execState = nil
	o.log.Info("session destroyed", slog.Int("outcomes", len(o.result.Outcomes)))
	return nil
}

// isNilZeroizer guards against typed-nil interface values for the optional
// subsystems.
func isNilZeroizer(z interfaces.Zeroizer) bool {
	switch v := z.(type) {
	case *biokey.Material:
		return v == nil
	case *biokey.Materializer:
		return v == nil
	case *outcome.Committer:
		return v == nil
	case *ledger.Ledger:
		return v == nil
	case *canary.Emitter:
		return v == nil
	case *snapshot.Manager:
		return v == nil
	case *proxyapproval.Manager:
		return v == nil
	case *compliance.Attestor:
		return v == nil
	case *watchdog.Rotation:
		return v == nil
	default:
		return false
	}
}

func (o *Orchestrator) emitCanary(ctx context.Context, now time.Time) error {
	probeTxo, _, err := o.state.canary.Emit(o.state.ledger.RootHash(), now)
	if err != nil {
		return err
	}
	if _, err := o.state.ledger.Append(probeTxo); err != nil {
		return err
	}
	metrics.CanaryProbes.Inc()
	o.broadcastTxo(ctx, "canary-probe", probeTxo)
	return nil
}

// checkLiveness appends any gap events and reports whether the session must
// abort per policy.
func (o *Orchestrator) checkLiveness(ctx context.Context, now time.Time) bool {
	gapTxos, err := o.state.canary.CheckLiveness(now)
	if err != nil {
		o.log.Warn("canary liveness check failed", "err", err)
		return false
	}
	for _, gap := range gapTxos {
		o.result.CensorshipEvents++
		metrics.CensorshipEvents.Inc()
		if _, err := o.state.ledger.Append(gap); err != nil {
			o.log.Error("failed to record censorship event", "err", err)
			continue
		}
		o.broadcastTxo(ctx, "censorship-event", gap)
	}
	return len(gapTxos) > 0 && o.cfg.AbortOnCensorship
}

func (o *Orchestrator) captureSnapshot(now time.Time, opIdx int) error {
	snap, err := o.state.snapshots.Capture(o.state.execState, o.state.ledger.RootHash(), now)
	if err != nil {
		return fmt.Errorf("capturing checkpoint: %w", err)
	}
	o.log.Debug("checkpoint captured",
		slog.Uint64("seq", snap.Sequence),
		slog.Int("nextOp", opIdx))
	return nil
}

// rollback restores the latest checkpoint, records the recovery on the
// ledger, and returns the operation index execution resumes from. Without
// any checkpoint the session restarts execution state from its initial seed.
func (o *Orchestrator) rollback(failed Operation, failedIdx, checkpointIdx int) (int, error) {
	record := rollbackRecord{
		FailedOperation: failed.Name,
		FailedIndex:     failedIdx,
		ResumeIndex:     checkpointIdx,
	}

	snap, err := o.state.snapshots.Latest()
	switch {
	case err == nil:
		restored, err := o.state.snapshots.Restore(snap)
		if err != nil {
			return 0, fmt.Errorf("%w: restoring checkpoint: %v", interfaces.ErrExecutionFault, err)
		}
		o.state.execState = restored
		record.RestoredSeq = snap.Sequence
		record.RestoredRoot = snap.RootHash
	case errors.Is(err, snapshot.ErrNoSnapshot):
		o.state.execState = append([]byte{}, o.cfg.InitialState...)
		record.ResumeIndex = 0
	default:
		return 0, fmt.Errorf("%w: %v", interfaces.ErrExecutionFault, err)
	}

	payload, err := txo.MarshalPayload(&record)
	if err != nil {
		return 0, err
	}
	rollbackTxo, err := txo.New(txo.KindRollback, payload, nil, time.Now())
	if err != nil {
		return 0, err
	}
	if _, err := o.state.ledger.Append(rollbackTxo); err != nil {
		return 0, err
	}

	o.log.Info("rolled back to checkpoint",
		slog.String("operation", failed.Name),
		slog.Int("failedIndex", failedIdx),
		slog.Int("resumeIndex", record.ResumeIndex))
	return record.ResumeIndex, nil
}

// awaitApproval gates an operation behind the proxy approval quorum,
// servicing canary and watchdog ticks while waiting so suppressed execution
// cannot suppress the canary.
func (o *Orchestrator) awaitApproval(ctx context.Context, op Operation, canaryTick, watchdogTick chan struct{}) (bool, error) {
	if o.state.proxies == nil {
		return false, fmt.Errorf("operation %q requires approval but no proxies are configured", op.Name)
	}

	req, err := o.state.proxies.RequestApproval(op.Name, op.Justification, time.Now())
	if err != nil {
		return false, err
	}
	o.log.Info("awaiting proxy approval",
		slog.String("request", req.ID),
		slog.String("operation", op.Name))

	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()

	for {
		resolution, auditTxo, err := o.state.proxies.Resolve(req.ID, time.Now())
		if err != nil {
			return false, err
		}
		if resolution != proxyapproval.Pending {
			if auditTxo != nil {
				if _, err := o.state.ledger.Append(auditTxo); err != nil {
					return false, err
				}
				o.broadcastTxo(ctx, "proxy-approval", auditTxo)
			}
			return resolution == proxyapproval.Approved, nil
		}

		select {
		case <-ctx.Done():
			return false, fmt.Errorf("%w: cancelled awaiting approval: %v", interfaces.ErrSessionDestroyed, ctx.Err())
		case msg := <-o.approvals:
			if msg.RequestID != req.ID {
				continue
			}
			if err := o.state.proxies.Approve(msg.RequestID, msg.Proxy, msg.Signature, time.Now()); err != nil {
				o.log.Warn("rejected proxy approval",
					slog.String("proxy", msg.Proxy.String()), "err", err)
			}
		case <-canaryTick:
			now := time.Now()
			if err := o.emitCanary(ctx, now); err != nil {
				return false, err
			}
			if abort := o.checkLiveness(ctx, now); abort {
				return false, interfaces.ErrCensorshipDetected
			}
		case <-watchdogTick:
			if err := o.collectWatchdogAttestations(ctx); err != nil {
				return false, err
			}
		case <-poll.C:
		}
	}
}

// proveCompliance generates and records the attestation for a regulation-
// scoped operation. A prover failure blocks the operation, never the session;
// the caller skips the operation when proven is false. Ledger faults stay
// fatal.
func (o *Orchestrator) proveCompliance(ctx context.Context, op Operation, inputID interfaces.Hash) (proven bool, fault string, err error) {
	_, proofTxo, proveErr := o.state.attestor.Prove(ctx, op.PolicyID, inputID, op.PrivateInputs, op.PublicInputs, time.Now())
	if proveErr != nil {
		o.log.Warn("compliance proof failed, operation blocked",
			slog.String("operation", op.Name),
			slog.String("policy", op.PolicyID), "err", proveErr)
		return false, fmt.Sprintf("compliance proof for %q: %v", op.Name, proveErr), nil
	}
	if _, err := o.state.ledger.Append(proofTxo); err != nil {
		return false, "", err
	}
	o.broadcastTxo(ctx, "compliance-attestation", proofTxo)
	return true, "", nil
}

func (o *Orchestrator) collectWatchdogAttestations(ctx context.Context) error {
	if o.state.watchdogs == nil {
		return nil
	}

	now := time.Now()
	epoch := o.state.watchdogs.Epoch(now)
	attestations := o.state.watchdogs.CollectAttestations(ctx, o.state.ledger.RootHash(), epoch)
	for _, att := range attestations {
		attTxo, err := att.Txo(now)
		if err != nil {
			return err
		}
		if _, err := o.state.ledger.Append(attTxo); err != nil {
			return err
		}
		o.broadcastTxo(ctx, "watchdog-attestation", attTxo)
	}
	return nil
}

func (o *Orchestrator) appendOpResult(op Operation, inputID interfaces.Hash, result []byte, succeeded bool, fault string) error {
	record := opResultRecord{
		Operation: op.Name,
		Input:     inputID,
		Result:    result,
		Succeeded: succeeded,
		Fault:     fault,
	}
	payload, err := txo.MarshalPayload(&record)
	if err != nil {
		return err
	}

	var preds []interfaces.Hash
	if !inputID.IsZero() {
		preds = []interfaces.Hash{inputID}
	}
	resultTxo, err := txo.New(txo.KindOperationResult, payload, preds, time.Now())
	if err != nil {
		return err
	}
	_, err = o.state.ledger.Append(resultTxo)
	return err
}

// drainTicks services pending canary and watchdog ticks without blocking.
func (o *Orchestrator) drainTicks(ctx context.Context, canaryTick, watchdogTick chan struct{}) {
	for {
		select {
		case <-canaryTick:
			now := time.Now()
			if err := o.emitCanary(ctx, now); err != nil {
				o.log.Warn("canary emission failed", "err", err)
			}
			o.checkLiveness(ctx, now)
		case <-watchdogTick:
			if err := o.collectWatchdogAttestations(ctx); err != nil {
				o.log.Warn("watchdog collection failed", "err", err)
			}
		default:
			return
		}
	}
}

func (o *Orchestrator) broadcastTxo(ctx context.Context, kind string, t *txo.TXO) {
	if o.deps.Broadcaster == nil || t == nil {
		return
	}
	data, err := t.MarshalBinary()
	if err != nil {
		return
	}
	if err := o.deps.Broadcaster.Publish(ctx, kind, t.ID, data); err != nil {
		o.log.Warn("broadcast failed", slog.String("kind", kind), "err", err)
	}
}

func (o *Orchestrator) broadcastCommitment(ctx context.Context, commitment, executionHash interfaces.Hash) {
	if o.deps.Broadcaster == nil {
		return
	}
	data := append(commitment.Bytes(), executionHash.Bytes()...)
	if err := o.deps.Broadcaster.Publish(ctx, "outcome-commitment", commitment, data); err != nil {
		o.log.Warn("commitment broadcast failed", "err", err)
	}
}

// tickLoop forwards timer ticks into a non-blocking channel so a stalled
// consumer drops ticks instead of backing up the timer.
func tickLoop(ctx context.Context, interval time.Duration, out chan<- struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}
}
