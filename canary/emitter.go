// Package canary emits sequence-chained liveness probes at fixed intervals.
// A missing probe is evidence of suppression that external observers can
// detect without trusting the session's own self-report.
package canary

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veilcompute/ephemeral-session-backend/interfaces"
	"github.com/veilcompute/ephemeral-session-backend/txo"
)

// Probe is the payload of one liveness probe. Each probe embeds the previous
// probe's hash, so a suppressed probe breaks the chain visibly.
type Probe struct {
	Sequence      uint64          `cbor:"1,keyasint"`
	Timestamp     int64           `cbor:"2,keyasint"`
	RootHash      interfaces.Hash `cbor:"3,keyasint"`
	PrevProbeHash interfaces.Hash `cbor:"4,keyasint"`
	Signature     []byte          `cbor:"5,keyasint,omitempty"`
}

// GapEvent is the payload of the censorship object generated when an expected
// emission is overdue.
type GapEvent struct {
	ExpectedSequence uint64 `cbor:"1,keyasint"`
	LastSequence     uint64 `cbor:"2,keyasint"`
	ElapsedMs        int64  `cbor:"3,keyasint"`
}

// Emitter produces the probe chain. Sequence numbers strictly increase by one
// per emission.
type Emitter struct {
	mu sync.Mutex

	interval time.Duration
	signer   interfaces.Signer
	log      *slog.Logger

	seq       uint64
	lastHash  interfaces.Hash
	lastEmit  time.Time
	started   time.Time
	reported  uint64 // highest window for which a gap event was generated
	zeroized  bool
	startOnce sync.Once
}

// NewEmitter creates an emitter with the given emission interval.
func NewEmitter(interval time.Duration, signer interfaces.Signer, log *slog.Logger) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{
		interval: interval,
		signer:   signer,
		log:      log,
		lastHash: interfaces.HashOf([]byte("canary/genesis")),
	}
}

// Interval returns the configured emission interval.
func (e *Emitter) Interval() time.Duration {
	return e.interval
}

// Emit produces the next probe in the chain, embedding the current ledger
// root hash. Returns the probe's transaction object for ledger append and
// broadcast.
func (e *Emitter) Emit(root interfaces.Hash, now time.Time) (*txo.TXO, *Probe, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.zeroized {
		return nil, nil, interfaces.ErrSessionDestroyed
	}

	e.startOnce.Do(func() { e.started = now })

	probe := &Probe{
		Sequence:      e.seq + 1,
		Timestamp:     now.UnixMicro(),
		RootHash:      root,
		PrevProbeHash: e.lastHash,
	}

	unsigned, err := txo.MarshalPayload(probe)
	if err != nil {
		return nil, nil, err
	}
	if e.signer != nil {
		sig, err := e.signer.Sign(unsigned)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to sign canary probe: %w", err)
		}
		probe.Signature = sig
	}

	payload, err := txo.MarshalPayload(probe)
	if err != nil {
		return nil, nil, err
	}

	t, err := txo.New(txo.KindCanaryProbe, payload, nil, now)
	if err != nil {
		return nil, nil, err
	}

	e.seq = probe.Sequence
	e.lastHash = t.ID
	e.lastEmit = now

	e.log.Debug("Canary probe emitted", slog.Uint64("sequence", e.seq))
	return t, probe, nil
}

// CheckLiveness generates exactly one censorship object per missed emission
// window since the last check. A window is missed when the expected emission
// is overdue by more than one interval.
func (e *Emitter) CheckLiveness(now time.Time) ([]*txo.TXO, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.zeroized {
		return nil, interfaces.ErrSessionDestroyed
	}
	if e.interval <= 0 {
		return nil, nil
	}

	ref := e.lastEmit
	if ref.IsZero() {
		if e.started.IsZero() {
			return nil, nil
		}
		ref = e.started
	}

	elapsed := now.Sub(ref)
	missed := uint64(elapsed / e.interval)
	if missed <= 1 {
		return nil, nil
	}
	missed-- // the first interval is the expected emission slot, not a gap

	var events []*txo.TXO
	for w := uint64(1); w <= missed; w++ {
		window := e.seq + w
		if window <= e.reported {
			continue
		}
		e.reported = window

		gap := GapEvent{
			ExpectedSequence: window,
			LastSequence:     e.seq,
			ElapsedMs:        elapsed.Milliseconds(),
		}
		payload, err := txo.MarshalPayload(gap)
		if err != nil {
			return nil, err
		}
		t, err := txo.New(txo.KindCensorshipEvent, payload, nil, now)
		if err != nil {
			return nil, err
		}
		events = append(events, t)

		e.log.Warn("Canary emission gap detected",
			slog.Uint64("expectedSequence", window),
			slog.Uint64("lastSequence", e.seq))
	}
	return events, nil
}

// Sequence returns the last emitted sequence number.
func (e *Emitter) Sequence() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq
}

// Zeroize scrubs chain state. Probes already broadcast are out of reach.
func (e *Emitter) Zeroize() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastHash = interfaces.Hash{}
	e.seq = 0
	e.zeroized = true
	return nil
}
