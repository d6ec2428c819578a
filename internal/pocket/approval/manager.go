// Package approval correlates provider-initiated tool-permission requests
// with client decisions. Pending entries are keyed by rpcId — multiple
// approvals may be outstanding per session — and resolve exactly once: by a
// client decision, by the expiry timer, or when the owning adapter stops.
package approval

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ddevalco/codex-pocket/internal/pocket/provider"
)

// DefaultTTL is how long a permission prompt waits for a decision before it
// auto-cancels. Timing out never auto-approves.
const DefaultTTL = 60 * time.Second

// ErrUnknownApproval is returned for decisions on missing or expired
// entries.
var ErrUnknownApproval = errors.New("approval: unknown or expired approval")

// Responder delivers the outcome back to the owning adapter, which frames
// the JSON-RPC response to its subprocess.
type Responder func(outcome provider.ApprovalOutcome) error

// Pending is one unresolved permission request.
type Pending struct {
	Request   provider.ApprovalRequest
	ThreadID  string
	ExpiresAt time.Time

	responder Responder
	timer     *time.Timer
}

// Manager holds the pending-approval table.
type Manager struct {
	ttl time.Duration

	mu      sync.Mutex
	pending map[string]*Pending

	expired int64

	now func() time.Time
}

// NewManager creates a Manager. ttl <= 0 uses DefaultTTL.
func NewManager(ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		ttl:     ttl,
		pending: make(map[string]*Pending),
		now:     time.Now,
	}
}

// Add registers a pending approval and arms its expiry timer. threadID is
// the wire-level thread the prompt belongs to; decisions are only accepted
// from clients subscribed to it.
func (m *Manager) Add(req provider.ApprovalRequest, threadID string, responder Responder) *Pending {
	p := &Pending{
		Request:   req,
		ThreadID:  threadID,
		ExpiresAt: m.now().Add(m.ttl),
		responder: responder,
	}
	p.timer = time.AfterFunc(m.ttl, func() { m.expire(req.RPCID) })

	m.mu.Lock()
	m.pending[req.RPCID] = p
	m.mu.Unlock()
	return p
}

// Get returns the pending entry for rpcID, if any. Used by the relay's
// authorization check before a decision is applied.
func (m *Manager) Get(rpcID string) (*Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[rpcID]
	return p, ok
}

// Count returns the number of outstanding approvals.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Expired returns how many approvals auto-cancelled at their deadline.
func (m *Manager) Expired() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expired
}

// Resolve applies a client decision. A present optionID selects it; an
// empty optionID cancels. Deciding an unknown or already-resolved rpcID
// returns ErrUnknownApproval.
func (m *Manager) Resolve(rpcID, optionID string) error {
	p, ok := m.take(rpcID)
	if !ok {
		return ErrUnknownApproval
	}
	p.timer.Stop()

	outcome := provider.ApprovalOutcome{Outcome: provider.OutcomeCancelled}
	if optionID != "" {
		outcome = provider.ApprovalOutcome{Outcome: provider.OutcomeSelected, OptionID: optionID}
	}
	return p.responder(outcome)
}

// CancelForProvider cancels every pending approval owned by the given
// provider. Called when an adapter stops; the responder may already be dead
// (ChannelClosed), which is fine.
func (m *Manager) CancelForProvider(providerID string) {
	m.mu.Lock()
	var victims []*Pending
	for rpcID, p := range m.pending {
		if p.Request.Provider == providerID {
			delete(m.pending, rpcID)
			victims = append(victims, p)
		}
	}
	m.mu.Unlock()

	for _, p := range victims {
		p.timer.Stop()
		if err := p.responder(provider.ApprovalOutcome{Outcome: provider.OutcomeCancelled}); err != nil {
			slog.Debug("approval: cancel on adapter stop", "rpcId", p.Request.RPCID, "err", err)
		}
	}
}

// expire is the timer path: auto-cancel with no decision.
func (m *Manager) expire(rpcID string) {
	p, ok := m.take(rpcID)
	if !ok {
		return
	}
	m.mu.Lock()
	m.expired++
	m.mu.Unlock()

	slog.Info("approval: auto-cancelling expired prompt",
		"rpcId", rpcID, "provider", p.Request.Provider, "tool", p.Request.ToolTitle)
	if err := p.responder(provider.ApprovalOutcome{Outcome: provider.OutcomeCancelled}); err != nil {
		slog.Warn("approval: expiry responder failed", "rpcId", rpcID, "err", err)
	}
}

// take removes and returns the entry, guaranteeing single resolution.
func (m *Manager) take(rpcID string) (*Pending, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[rpcID]
	if ok {
		delete(m.pending, rpcID)
	}
	return p, ok
}
