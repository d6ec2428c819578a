package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/ddevalco/codex-pocket/internal/pocket/approval"
	"github.com/ddevalco/codex-pocket/internal/pocket/provider"
	"github.com/ddevalco/codex-pocket/internal/pocket/store"
)

// JSON-RPC error codes used by the relay's gates.
const (
	codeCapability = -32000
	codeReadOnly   = -32003
)

// frameProbe is the superset of fields the relay inspects before deciding
// what a frame is. The raw bytes are what gets forwarded.
type frameProbe struct {
	Type            string          `json:"type,omitempty"`
	JSONRPC         string          `json:"jsonrpc,omitempty"`
	ID              json.RawMessage `json:"id,omitempty"`
	Method          string          `json:"method,omitempty"`
	Params          json.RawMessage `json:"params,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	ClientRequestID string          `json:"clientRequestId,omitempty"`

	// Control-message fields.
	ThreadID  string          `json:"threadId,omitempty"`
	ThreadIDs []string        `json:"threadIds,omitempty"`
	RPCID     json.RawMessage `json:"rpcId,omitempty"`
	OptionID  string          `json:"optionId,omitempty"`
	StableID  string          `json:"stableId,omitempty"`
	Hostname  string          `json:"hostname,omitempty"`
	Platform  string          `json:"platform,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`
}

// HandleClient upgrades and serves one UI client connection on /ws/client.
func (h *Hub) HandleClient(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := h.authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("relay: client upgrade failed", "err", err)
		return
	}

	p := newPeer(conn)
	cs := &clientState{peer: p, auth: authCtx, subs: make(map[string]struct{})}

	h.mu.Lock()
	h.clients[p] = cs
	h.mu.Unlock()
	slog.Info("relay: client connected", "scope", authCtx.Scope, "addr", conn.RemoteAddr())

	defer h.dropClient(p)
	h.clientReadLoop(p, cs)
}

// dropClient removes the client from every index.
func (h *Hub) dropClient(p *peer) {
	h.mu.Lock()
	cs, ok := h.clients[p]
	if ok {
		delete(h.clients, p)
		for threadID := range cs.subs {
			if set, live := h.threadToClients[threadID]; live {
				delete(set, p)
				if len(set) == 0 {
					delete(h.threadToClients, threadID)
				}
			}
		}
	}
	h.mu.Unlock()
	p.close(websocket.CloseNormalClosure, "")
}

func (h *Hub) clientReadLoop(p *peer, cs *clientState) {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		h.counters.FramesIn.Add(1)

		var probe frameProbe
		if err := json.Unmarshal(data, &probe); err != nil {
			h.counters.DroppedFrames.Add(1)
			continue
		}

		if probe.Type != "" {
			h.handleClientControl(p, cs, probe)
			continue
		}
		if probe.Method != "" {
			h.routeClientRPC(p, cs, probe, data)
			continue
		}
		// A bare response from a client answers nothing we track.
		h.counters.DroppedFrames.Add(1)
	}
}

// handleClientControl terminates orbit.* and ping envelopes; they are never
// forwarded.
func (h *Hub) handleClientControl(p *peer, cs *clientState, probe frameProbe) {
	switch probe.Type {
	case "ping":
		p.enqueue([]byte(`{"type":"pong"}`))
	case "orbit.subscribe":
		for _, threadID := range append(probe.ThreadIDs, probe.ThreadID) {
			if threadID != "" {
				h.subscribeClient(p, threadID)
			}
		}
	case "orbit.unsubscribe":
		for _, threadID := range append(probe.ThreadIDs, probe.ThreadID) {
			if threadID != "" {
				h.unsubscribeClient(p, threadID)
			}
		}
	case "orbit.list-anchors":
		p.enqueue(h.anchorListFrame())
	case "acp:approval_decision":
		h.handleApprovalDecision(p, cs, probe)
	default:
		// Unknown control traffic is dropped, never acknowledged.
		h.counters.DroppedFrames.Add(1)
	}
}

// anchorListFrame renders the connected-anchor roster.
func (h *Hub) anchorListFrame() []byte {
	h.mu.Lock()
	list := make([]map[string]any, 0, len(h.anchors))
	for _, as := range h.anchors {
		list = append(list, map[string]any{
			"stableId":    as.stableID,
			"hostname":    as.hostname,
			"platform":    as.platform,
			"connectedAt": as.connectedAt,
		})
	}
	h.mu.Unlock()

	frame, _ := json.Marshal(map[string]any{"type": "orbit.anchors", "anchors": list})
	return frame
}

// handleApprovalDecision authorizes and applies a client's answer to a
// permission prompt. Broadcasting a prompt widely is acceptable UX, but a
// decision is only accepted from a client subscribed to the prompt's thread
// at decision time.
func (h *Hub) handleApprovalDecision(p *peer, cs *clientState, probe frameProbe) {
	rpcID := rawToString(probe.RPCID)
	if rpcID == "" {
		h.counters.DroppedFrames.Add(1)
		return
	}

	if cs.auth.ReadOnly() {
		h.sendTransportError(p, "Read-only token session cannot resolve approvals")
		return
	}

	pending, ok := h.approvals.Get(rpcID)
	if !ok {
		h.sendTransportError(p, "Unknown or expired approval")
		return
	}
	if !h.isSubscribed(p, pending.ThreadID) {
		h.sendTransportError(p, "Not authorized to resolve approvals for "+pending.ThreadID)
		return
	}

	if err := h.approvals.Resolve(rpcID, probe.OptionID); err != nil {
		if errors.Is(err, approval.ErrUnknownApproval) {
			h.sendTransportError(p, "Unknown or expired approval")
			return
		}
		slog.Warn("relay: approval resolution failed", "rpcId", rpcID, "err", err)
		h.sendTransportError(p, "Approval could not be delivered")
	}
}

// sendTransportError delivers a non-JSON-RPC error envelope to one peer.
func (h *Hub) sendTransportError(p *peer, message string) {
	frame, _ := json.Marshal(map[string]any{"type": "error", "message": message})
	p.enqueue(frame)
}

// routeClientRPC applies the relay's gates in order, then forwards to the
// anchor fabric or routes to a provider adapter.
func (h *Hub) routeClientRPC(p *peer, cs *clientState, probe frameProbe, raw []byte) {
	// 1. Duplicate suppression.
	if h.dedupe.check(probe.ClientRequestID) {
		h.counters.DedupeHits.Add(1)
		return
	}

	// 2. Read-only gate.
	if cs.auth.ReadOnly() && !isReadOnlySafe(probe.Method) {
		h.counters.DroppedFrames.Add(1)
		h.sendRPCError(p, probe.ID, codeReadOnly,
			fmt.Sprintf("Read-only token session cannot call %s", probe.Method), nil)
		return
	}

	// 3-4. Thread discovery and the capability gate for provider-owned
	// threads.
	threadID := extractThreadID(probe.Params)
	if threadID != "" {
		providerID, sessionID := SplitThreadID(threadID, h.registry.DefaultID())
		if providerID != h.registry.DefaultID() {
			if h.routeToAdapter(p, cs, probe, providerID, sessionID) {
				return
			}
		}
	}

	// Persist the client's copy before forwarding.
	if threadID != "" {
		if _, err := h.store.Append(context.Background(), store.StoredEvent{
			ThreadID:  threadID,
			Direction: store.DirectionClient,
			Role:      store.RoleClient,
			Method:    probe.Method,
			Payload:   raw,
		}); err != nil {
			h.counters.StoreErrors.Add(1)
			slog.Error("relay: persist client frame", "thread", threadID, "err", err)
		}
	}

	if len(probe.ID) > 0 {
		h.rememberMethod(probe.ID, probe.Method)
	}

	// 5. Forward to the thread's anchors, or broadcast when none are
	// subscribed yet.
	if h.sendToThreadAnchors(threadID, raw) == 0 {
		h.sendRPCError(p, probe.ID, codeCapability, "No anchor connected", nil)
	}
}

// routeToAdapter handles a frame that targets a non-default provider's
// thread. Returns true when the frame was fully handled here.
func (h *Hub) routeToAdapter(p *peer, cs *clientState, probe frameProbe, providerID, sessionID string) bool {
	adapter, ok := h.registry.Get(providerID)
	if !ok {
		if isMutating(probe.Method) {
			h.sendRPCError(p, probe.ID, codeCapability,
				fmt.Sprintf("Provider %s is not running", providerID),
				map[string]any{"provider": providerID, "capability": "sendPrompt"})
			return true
		}
		return false
	}

	caps := adapter.Capabilities()
	if isMutating(probe.Method) && !caps.SendPrompt {
		h.sendRPCError(p, probe.ID, codeCapability,
			fmt.Sprintf("%s write operation is not supported", providerID),
			map[string]any{"provider": providerID, "capability": "sendPrompt"})
		return true
	}

	if !isPromptMethod(probe.Method) {
		// Reads and other methods still flow through the anchor fabric.
		return false
	}

	// turn/start against a capable provider routes straight to the adapter;
	// the anchor never sees it.
	var params struct {
		Text   string `json:"text"`
		Prompt string `json:"prompt"`
		Model  string `json:"model"`
	}
	json.Unmarshal(probe.Params, &params)
	text := params.Text
	if text == "" {
		text = params.Prompt
	}

	threadID := JoinThreadID(providerID, sessionID)
	if _, err := h.store.Append(context.Background(), store.StoredEvent{
		ThreadID:  threadID,
		Direction: store.DirectionClient,
		Role:      store.RoleClient,
		Method:    probe.Method,
		Payload:   probe.Params,
	}); err != nil {
		h.counters.StoreErrors.Add(1)
	}

	h.ensureAdapterSubscription(threadID)

	var opts *provider.PromptOptions
	if params.Model != "" {
		opts = &provider.PromptOptions{Model: params.Model}
	}
	ack, err := adapter.SendPrompt(context.Background(), sessionID, provider.PromptInput{Text: text}, opts)
	if err != nil {
		h.sendRPCError(p, probe.ID, codeCapability, err.Error(),
			map[string]any{"provider": providerID})
		return true
	}
	h.sendRPCResult(p, probe.ID, ack)
	return true
}

// sendRPCError frames a JSON-RPC error response to one peer.
func (h *Hub) sendRPCError(p *peer, id json.RawMessage, code int, message string, data map[string]any) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	errObj := map[string]any{"code": code, "message": message}
	if data != nil {
		errObj["data"] = data
	}
	frame, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   errObj,
	})
	p.enqueue(frame)
}

// sendRPCResult frames a JSON-RPC result response to one peer.
func (h *Hub) sendRPCResult(p *peer, id json.RawMessage, result any) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	frame, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	})
	p.enqueue(frame)
	h.counters.FramesOut.Add(1)
}

// rawToString renders a JSON scalar (string or number) as its bare string
// form, so rpcId 7 and rpcId "7" address the same pending approval.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
