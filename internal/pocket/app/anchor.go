package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ddevalco/codex-pocket/internal/pocket/events"
	"github.com/ddevalco/codex-pocket/internal/pocket/provider"
)

// anchorAdapter represents the default provider inside the registry. The
// anchor is a remote WebSocket peer, not an in-process subprocess: this
// adapter owns no resources and exists so the relay can treat the default
// provider symmetrically — capability injection, health aggregation, and
// the enable/disable rules all go through the same table.
//
// Prompt routing for the default provider never reaches SendPrompt here;
// the relay forwards those frames over the anchor socket.
type anchorAdapter struct {
	id string

	mu        sync.Mutex
	connected func() bool
}

func newAnchorAdapter(id string) *anchorAdapter {
	return &anchorAdapter{id: id}
}

// setConnectedProbe wires the hub's anchor-presence check after the hub
// exists.
func (a *anchorAdapter) setConnectedProbe(probe func() bool) {
	a.mu.Lock()
	a.connected = probe
	a.mu.Unlock()
}

func (a *anchorAdapter) ID() string                      { return a.id }
func (a *anchorAdapter) Start(ctx context.Context) error { return nil }
func (a *anchorAdapter) Stop(ctx context.Context) error  { return nil }

func (a *anchorAdapter) Health(ctx context.Context) provider.Health {
	a.mu.Lock()
	probe := a.connected
	a.mu.Unlock()

	h := provider.Health{Provider: a.id, LastCheck: time.Now()}
	switch {
	case probe == nil:
		h.State = provider.Unknown
		h.Message = "anchor presence unknown"
	case probe():
		h.State = provider.Healthy
	default:
		h.State = provider.Degraded
		h.Message = "no anchor connected"
	}
	return h
}

func (a *anchorAdapter) Capabilities() provider.Capabilities {
	c := provider.Capabilities{
		ListSessions: true,
		OpenSession:  true,
		SendPrompt:   true,
		Streaming:    true,
		Attachments:  true,
		Approvals:    true,
		MultiTurn:    true,
	}
	return c.WithUIFlags()
}

// ListSessions is served by the anchor over its socket, not here.
func (a *anchorAdapter) ListSessions(ctx context.Context, params provider.ListParams) ([]events.NormalizedSession, error) {
	return nil, nil
}

func (a *anchorAdapter) SendPrompt(ctx context.Context, sessionID string, input provider.PromptInput, opts *provider.PromptOptions) (provider.PromptAck, error) {
	return provider.PromptAck{}, fmt.Errorf("anchor prompts are relayed over the anchor socket")
}

func (a *anchorAdapter) Subscribe(sessionID string, h provider.EventHandler) error { return nil }
func (a *anchorAdapter) Unsubscribe(sessionID string)                             {}
func (a *anchorAdapter) OnApprovalRequest(h provider.ApprovalHandler)             {}
func (a *anchorAdapter) ResolveApproval(rpcID string, outcome provider.ApprovalOutcome) error {
	return fmt.Errorf("anchor approvals resolve over the anchor socket")
}
