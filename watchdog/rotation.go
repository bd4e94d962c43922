package watchdog

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/veilcompute/ephemeral-session-backend/interfaces"
)

var (
	// ErrNoValidators is returned when the rotation has an empty roster.
	ErrNoValidators = errors.New("watchdog roster is empty")

	// ErrNotActive is returned when an attestation arrives from a
	// validator outside the current epoch's active subset.
	ErrNotActive = errors.New("validator is not active this epoch")
)

// AnomalyReport captures disagreement between watchdog validators over the
// ledger root within one epoch. Anomalies are surfaced to the orchestrator,
// which decides whether to halt; the rotation itself never aborts.
type AnomalyReport struct {
	Epoch         uint64
	ExpectedRoot  interfaces.Hash
	DivergentRoot interfaces.Hash
	Validator     interfaces.MemberID
	ObservedAt    time.Time
}

// Config parameterizes a watchdog rotation.
type Config struct {
	// SubsetSize is how many validators are active per epoch.
	SubsetSize int

	// EpochInterval is how long each active subset serves before the
	// selection rotates.
	EpochInterval time.Duration

	// Seed anchors the deterministic per-epoch selection. All session
	// members derive the same subsets from the same seed.
	Seed interfaces.Hash
}

// Rotation selects a deterministic, nomadic subset of the validator roster
// each epoch and collects their attestations over the ledger root.
type Rotation struct {
	mu    sync.Mutex
	cfg   Config
	log   *slog.Logger
	start time.Time

	roster    []interfaces.MemberID
	attestors map[interfaces.MemberID]Attestor

	// attestations maps epoch to the attestations collected during it.
	attestations map[uint64][]*Attestation
	anomalies    []AnomalyReport
}

// NewRotation creates a rotation over the given roster. start marks epoch 0.
func NewRotation(cfg Config, roster []interfaces.MemberID, start time.Time, log *slog.Logger) (*Rotation, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(roster) == 0 {
		return nil, ErrNoValidators
	}
	if cfg.SubsetSize <= 0 || cfg.SubsetSize > len(roster) {
		cfg.SubsetSize = len(roster)
	}

	// Canonical roster order so every member derives identical subsets.
	sorted := make([]interfaces.MemberID, len(roster))
	copy(sorted, roster)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].String() < sorted[j].String()
	})

	return &Rotation{
		cfg:          cfg,
		log:          log,
		start:        start,
		roster:       sorted,
		attestors:    make(map[interfaces.MemberID]Attestor),
		attestations: make(map[uint64][]*Attestation),
	}, nil
}

// RegisterAttestor binds an attestation capability to a roster member.
// Members without a registered attestor are still selectable but produce no
// attestations, which surfaces as reduced epoch coverage.
func (r *Rotation) RegisterAttestor(att Attestor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attestors[att.MemberID()] = att
}

// Epoch returns the epoch index containing the given time.
func (r *Rotation) Epoch(now time.Time) uint64 {
	if now.Before(r.start) || r.cfg.EpochInterval <= 0 {
		return 0
	}
	return uint64(now.Sub(r.start) / r.cfg.EpochInterval)
}

// ActiveSubset returns the validators selected for the epoch. Selection
// ranks the roster by keccak256(seed || epoch || member) and takes the
// lowest SubsetSize digests, so consecutive epochs share no fixed bias and
// every member can recompute the subset offline.
func (r *Rotation) ActiveSubset(epoch uint64) []interfaces.MemberID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.selectSubset(epoch)
}

func (r *Rotation) selectSubset(epoch uint64) []interfaces.MemberID {
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], epoch)

	type ranked struct {
		member interfaces.MemberID
		rank   []byte
	}
	rankings := make([]ranked, 0, len(r.roster))
	for _, m := range r.roster {
		digest := crypto.Keccak256(r.cfg.Seed.Bytes(), epochBytes[:], m.Bytes())
		rankings = append(rankings, ranked{member: m, rank: digest})
	}
	sort.Slice(rankings, func(i, j int) bool {
		for k := range rankings[i].rank {
			if rankings[i].rank[k] != rankings[j].rank[k] {
				return rankings[i].rank[k] < rankings[j].rank[k]
			}
		}
		return false
	})

	subset := make([]interfaces.MemberID, 0, r.cfg.SubsetSize)
	for _, rk := range rankings[:r.cfg.SubsetSize] {
		subset = append(subset, rk.member)
	}
	return subset
}

// IsActive reports whether the member belongs to the epoch's subset.
func (r *Rotation) IsActive(member interfaces.MemberID, epoch uint64) bool {
	for _, m := range r.ActiveSubset(epoch) {
		if m.Equal(member) {
			return true
		}
	}
	return false
}

// CollectAttestations asks every active validator with a registered attestor
// to attest the root for the epoch. Individual validator failures are logged
// and skipped; the caller sees whatever coverage was achievable.
func (r *Rotation) CollectAttestations(ctx context.Context, root interfaces.Hash, epoch uint64) []*Attestation {
	subset := r.ActiveSubset(epoch)

	collected := make([]*Attestation, 0, len(subset))
	for _, member := range subset {
		r.mu.Lock()
		att, ok := r.attestors[member]
		r.mu.Unlock()
		if !ok {
			continue
		}

		attestation, err := att.Attest(ctx, root, epoch)
		if err != nil {
			r.log.Warn("watchdog validator failed to attest",
				slog.String("validator", member.String()),
				slog.Uint64("epoch", epoch),
				"err", err)
			continue
		}
		if err := r.Record(attestation, root, epoch); err != nil {
			r.log.Warn("rejected watchdog attestation",
				slog.String("validator", member.String()), "err", err)
			continue
		}
		collected = append(collected, attestation)
	}
	return collected
}

// Record stores an attestation for the epoch, checking subset membership and
// flagging root disagreement as an anomaly. Divergent attestations are kept
// as evidence but counted separately.
func (r *Rotation) Record(att *Attestation, expectedRoot interfaces.Hash, epoch uint64) error {
	if att.Epoch != epoch {
		return errors.New("attestation epoch mismatch")
	}
	if !r.IsActive(att.Validator, epoch) {
		return ErrNotActive
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !att.RootHash.Equal(expectedRoot) {
		report := AnomalyReport{
			Epoch:         epoch,
			ExpectedRoot:  expectedRoot,
			DivergentRoot: att.RootHash,
			Validator:     att.Validator,
			ObservedAt:    time.Now(),
		}
		r.anomalies = append(r.anomalies, report)
		r.log.Warn("watchdog root divergence",
			slog.String("validator", att.Validator.String()),
			slog.Uint64("epoch", epoch),
			slog.String("expected", expectedRoot.String()),
			slog.String("observed", att.RootHash.String()))
	}

	r.attestations[epoch] = append(r.attestations[epoch], att)
	return nil
}

// Attestations returns the attestations recorded for the epoch.
func (r *Rotation) Attestations(epoch uint64) []*Attestation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Attestation, len(r.attestations[epoch]))
	copy(out, r.attestations[epoch])
	return out
}

// Anomalies returns every root-divergence report observed so far.
func (r *Rotation) Anomalies() []AnomalyReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AnomalyReport, len(r.anomalies))
	copy(out, r.anomalies)
	return out
}

// RosterSize returns the total roster size.
func (r *Rotation) RosterSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.roster)
}

// Zeroize drops collected attestations and anomaly evidence.
func (r *Rotation) Zeroize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attestations = make(map[uint64][]*Attestation)
	r.anomalies = nil
	return nil
}
