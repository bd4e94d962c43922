// Package proxyapproval gates privileged operations behind bonded,
// reputation-staked multi-party approval.
package proxyapproval

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veilcompute/ephemeral-session-backend/interfaces"
	"github.com/veilcompute/ephemeral-session-backend/txo"
)

var (
	// ErrUnknownProxy is returned for approvals from unregistered proxies.
	ErrUnknownProxy = errors.New("unknown proxy")

	// ErrUnknownRequest is returned for operations on a request ID that
	// was never issued.
	ErrUnknownRequest = errors.New("unknown approval request")

	// ErrRequestResolved is returned when approving or resolving a request
	// that already reached a terminal state.
	ErrRequestResolved = errors.New("approval request already resolved")

	// ErrInsufficientBond is returned when a proxy's remaining reputation
	// cannot cover the bond.
	ErrInsufficientBond = errors.New("insufficient reputation for bond")
)

// Resolution is the terminal state of an approval request.
type Resolution int

const (
	// Pending means the request has not reached a terminal state.
	Pending Resolution = iota
	// Approved means the M-of-N signature threshold was met in time.
	Approved
	// Rejected means the request was explicitly rejected or timed out.
	Rejected
)

// String returns the resolution name.
func (r Resolution) String() string {
	switch r {
	case Approved:
		return "approved"
	case Rejected:
		return "rejected"
	default:
		return "pending"
	}
}

// AuditRecord is the payload of the audit object recorded for every resolved
// request. Approval failure is never silent.
type AuditRecord struct {
	RequestID  string   `cbor:"1,keyasint"`
	Operation  string   `cbor:"2,keyasint"`
	Resolution string   `cbor:"3,keyasint"`
	Approvers  []string `cbor:"4,keyasint,omitempty"`
	BondEach   uint64   `cbor:"5,keyasint"`
	ElapsedMs  int64    `cbor:"6,keyasint"`
}

// Request tracks one pending or resolved approval.
type Request struct {
	ID            string
	Operation     string
	Justification string
	CreatedAt     time.Time
	Deadline      time.Time

	approvals  map[interfaces.MemberID][]byte
	resolution Resolution
	released   bool
}

// Result returns the request's current state.
func (r *Request) Result() Resolution { return r.resolution }

// Manager maintains the registered proxies, their reputation balances and the
// in-flight approval requests. Bonds follow an explicit two-phase discipline:
// locked when the proxy approves, released when the request resolves and never
// earlier, so a crash between the two phases is observable as a stuck bond
// rather than lost stake.
type Manager struct {
	mu  sync.Mutex
	log *slog.Logger

	threshold  int
	bondAmount uint64
	timeout    time.Duration
	verifier   interfaces.SignatureVerifier

	reputation map[interfaces.MemberID]uint64
	locked     map[interfaces.MemberID]uint64
	requests   map[string]*Request
	zeroized   bool
}

// NewManager creates a manager requiring threshold approvals, each bonded
// with bondAmount reputation, resolved within timeout.
func NewManager(threshold int, bondAmount uint64, timeout time.Duration, verifier interfaces.SignatureVerifier, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	if threshold < 1 {
		return nil, errors.New("approval threshold must be at least 1")
	}

	return &Manager{
		log:        log,
		threshold:  threshold,
		bondAmount: bondAmount,
		timeout:    timeout,
		verifier:   verifier,
		reputation: make(map[interfaces.MemberID]uint64),
		locked:     make(map[interfaces.MemberID]uint64),
		requests:   make(map[string]*Request),
	}, nil
}

// RegisterProxy registers a proxy with its initial reputation balance.
func (m *Manager) RegisterProxy(id interfaces.MemberID, reputation uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reputation < m.bondAmount {
		return ErrInsufficientBond
	}
	m.reputation[id] = reputation
	return nil
}

// ProxyCount returns the number of registered proxies.
func (m *Manager) ProxyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reputation)
}

// RequestApproval opens a new approval request for a privileged operation.
func (m *Manager) RequestApproval(operation, justification string, now time.Time) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.zeroized {
		return nil, interfaces.ErrSessionDestroyed
	}
	if len(m.reputation) < m.threshold {
		return nil, fmt.Errorf("%d proxies registered, %d approvals required", len(m.reputation), m.threshold)
	}

	req := &Request{
		ID:            uuid.NewString(),
		Operation:     operation,
		Justification: justification,
		CreatedAt:     now,
		Deadline:      now.Add(m.timeout),
		approvals:     make(map[interfaces.MemberID][]byte),
	}
	m.requests[req.ID] = req

	m.log.Info("Approval requested",
		slog.String("requestID", req.ID),
		slog.String("operation", operation))
	return req, nil
}

// ApprovalMessage returns the message a proxy signs to approve a request.
func ApprovalMessage(requestID, operation string) []byte {
	return []byte("proxy-approval/" + requestID + "/" + operation)
}

// Approve records one proxy's signed approval and locks its bond for the
// duration of the request.
func (m *Manager) Approve(requestID string, proxy interfaces.MemberID, signature []byte, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return ErrUnknownRequest
	}
	if req.resolution != Pending {
		return ErrRequestResolved
	}

	balance, ok := m.reputation[proxy]
	if !ok {
		return ErrUnknownProxy
	}
	if _, dup := req.approvals[proxy]; dup {
		return nil // idempotent
	}
	if balance < m.bondAmount {
		return ErrInsufficientBond
	}

	if m.verifier != nil {
		if !m.verifier.Verify(ApprovalMessage(requestID, req.Operation), signature, proxy) {
			return errors.New("invalid approval signature")
		}
	}

	// phase one: bond
	m.reputation[proxy] -= m.bondAmount
	m.locked[proxy] += m.bondAmount
	req.approvals[proxy] = signature

	m.log.Debug("Approval recorded",
		slog.String("requestID", requestID),
		slog.String("proxy", proxy.String()))
	return nil
}

// Reject marks a request as explicitly rejected. Bonds are released at
// Resolve.
func (m *Manager) Reject(requestID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return ErrUnknownRequest
	}
	if req.resolution != Pending {
		return ErrRequestResolved
	}
	req.resolution = Rejected
	return nil
}

// Resolve determines the request's terminal state: Approved when the
// threshold is met in time, Rejected on timeout or explicit rejection.
// All bonds are released (phase two) and the mandatory audit object is
// returned for ledger append. Bonds release exactly once; resolving an
// already-released request returns ErrRequestResolved.
func (m *Manager) Resolve(requestID string, now time.Time) (Resolution, *txo.TXO, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return Pending, nil, ErrUnknownRequest
	}
	if req.released {
		return req.resolution, nil, ErrRequestResolved
	}

	if req.resolution == Pending {
		switch {
		case len(req.approvals) >= m.threshold:
			req.resolution = Approved
		case now.After(req.Deadline):
			req.resolution = Rejected
		default:
			return Pending, nil, nil
		}
	}

	// phase two: release all bonds locked for this request
	approvers := make([]string, 0, len(req.approvals))
	for proxy := range req.approvals {
		m.locked[proxy] -= m.bondAmount
		m.reputation[proxy] += m.bondAmount
		approvers = append(approvers, proxy.String())
	}
	req.released = true

	record := AuditRecord{
		RequestID:  req.ID,
		Operation:  req.Operation,
		Resolution: req.resolution.String(),
		Approvers:  approvers,
		BondEach:   m.bondAmount,
		ElapsedMs:  now.Sub(req.CreatedAt).Milliseconds(),
	}
	payload, err := txo.MarshalPayload(record)
	if err != nil {
		return req.resolution, nil, err
	}

	t, err := txo.New(txo.KindProxyApproval, payload, nil, now)
	if err != nil {
		return req.resolution, nil, err
	}

	m.log.Info("Approval resolved",
		slog.String("requestID", req.ID),
		slog.String("resolution", req.resolution.String()))
	return req.resolution, t, nil
}

// PendingRequests returns the requests that have not yet resolved, for
// operator tooling that watches and countersigns.
func (m *Manager) PendingRequests() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Request, 0, len(m.requests))
	for _, req := range m.requests {
		if req.resolution == Pending {
			out = append(out, req)
		}
	}
	return out
}

// LockedBonds returns the total reputation currently locked across proxies.
// Zero after every request has resolved.
func (m *Manager) LockedBonds() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total uint64
	for _, v := range m.locked {
		total += v
	}
	return total
}

// Reputation returns a proxy's available (unlocked) reputation.
func (m *Manager) Reputation(id interfaces.MemberID) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reputation[id]
}

// Zeroize releases and clears all approval state.
func (m *Manager) Zeroize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, req := range m.requests {
		for proxy := range req.approvals {
			for i := range req.approvals[proxy] {
				req.approvals[proxy][i] = 0
			}
		}
		delete(m.requests, id)
	}
	m.reputation = make(map[interfaces.MemberID]uint64)
	m.locked = make(map[interfaces.MemberID]uint64)
	m.zeroized = true
	return nil
}
