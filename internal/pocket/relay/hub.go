// Package relay implements the WebSocket fabric between UI clients, the
// anchor (the default-provider bridge), and the secondary provider
// adapters: subscription routing, duplicate suppression, scope and
// capability gates, approval routing, and thread enrichment.
package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ddevalco/codex-pocket/internal/pocket/approval"
	"github.com/ddevalco/codex-pocket/internal/pocket/auth"
	"github.com/ddevalco/codex-pocket/internal/pocket/events"
	"github.com/ddevalco/codex-pocket/internal/pocket/observability"
	"github.com/ddevalco/codex-pocket/internal/pocket/provider"
	"github.com/ddevalco/codex-pocket/internal/pocket/store"
	"github.com/ddevalco/codex-pocket/internal/pocket/titles"
)

// pendingMethodWindow is how long a forwarded request id is remembered so
// the anchor's response can be shaped by the method that asked for it.
const pendingMethodWindow = 10 * time.Minute

// clientState tracks one connected UI client.
type clientState struct {
	peer *peer
	auth *auth.Context
	subs map[string]struct{}
}

// anchorState tracks one connected anchor peer.
type anchorState struct {
	peer        *peer
	stableID    string
	hostname    string
	platform    string
	connectedAt time.Time
	authState   json.RawMessage
	subs        map[string]struct{}
}

// pendingMethod remembers which method a forwarded request id belongs to.
type pendingMethod struct {
	method string
	at     time.Time
}

// Hub is the relay's shared state. Subscription indices are guarded by one
// short-critical-section mutex; per-peer writes go through each peer's own
// pump, so routing for one thread never waits on another peer's socket.
type Hub struct {
	auth      *auth.Service
	store     *store.Store
	registry  *provider.Registry
	approvals *approval.Manager
	titles    *titles.Store
	counters  *observability.Counters

	upgrader websocket.Upgrader

	mu              sync.Mutex
	clients         map[*peer]*clientState
	anchors         map[*peer]*anchorState
	threadToClients map[string]map[*peer]struct{}
	threadToAnchors map[string]map[*peer]struct{}
	adapterSubs     map[string]struct{} // "<provider>:<session>" already subscribed
	pendingMethods  map[string]pendingMethod

	dedupe *dedupeCache
}

// New creates a Hub.
func New(authSvc *auth.Service, st *store.Store, reg *provider.Registry, approvals *approval.Manager, titleStore *titles.Store, counters *observability.Counters) *Hub {
	h := &Hub{
		auth:      authSvc,
		store:     st,
		registry:  reg,
		approvals: approvals,
		titles:    titleStore,
		counters:  counters,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The relay is token-authenticated; browsers reach it through
			// the pairing flow, so origin pinning is not the auth boundary.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:         make(map[*peer]*clientState),
		anchors:         make(map[*peer]*anchorState),
		threadToClients: make(map[string]map[*peer]struct{}),
		threadToAnchors: make(map[string]map[*peer]struct{}),
		adapterSubs:     make(map[string]struct{}),
		pendingMethods:  make(map[string]pendingMethod),
		dedupe:          newDedupeCache(),
	}
	h.wireAdapters()
	return h
}

// wireAdapters registers the approval sink on every adapter that surfaces
// permission prompts.
func (h *Hub) wireAdapters() {
	for _, adapter := range h.registry.List() {
		adapter := adapter
		adapter.OnApprovalRequest(func(req provider.ApprovalRequest) {
			h.onApprovalRequest(adapter, req)
		})
	}
}

// bearerToken pulls the token from ?token= or the Authorization header.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

// authenticate resolves the request's bearer token.
func (h *Hub) authenticate(r *http.Request) (*auth.Context, bool) {
	authCtx, err := h.auth.Authenticate(r.Context(), bearerToken(r))
	if err != nil {
		h.counters.AuthFailures.Add(1)
		return nil, false
	}
	return authCtx, true
}

// CloseAll closes every connected socket, e.g. after a token rotation.
func (h *Hub) CloseAll(reason string) {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.clients)+len(h.anchors))
	for p := range h.clients {
		peers = append(peers, p)
	}
	for p := range h.anchors {
		peers = append(peers, p)
	}
	h.mu.Unlock()

	for _, p := range peers {
		p.close(websocket.CloseNormalClosure, reason)
	}
}

// ClientCount and AnchorCount feed the health surface.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) AnchorCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.anchors)
}

// subscribeClient adds the client to a thread's fan-out set, and attaches
// the relay to the owning adapter's event stream for provider-prefixed
// threads.
func (h *Hub) subscribeClient(p *peer, threadID string) {
	h.mu.Lock()
	cs, ok := h.clients[p]
	if !ok {
		h.mu.Unlock()
		return
	}
	cs.subs[threadID] = struct{}{}
	set, ok := h.threadToClients[threadID]
	if !ok {
		set = make(map[*peer]struct{})
		h.threadToClients[threadID] = set
	}
	set[p] = struct{}{}
	h.mu.Unlock()

	h.ensureAdapterSubscription(threadID)
}

func (h *Hub) unsubscribeClient(p *peer, threadID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cs, ok := h.clients[p]; ok {
		delete(cs.subs, threadID)
	}
	if set, ok := h.threadToClients[threadID]; ok {
		delete(set, p)
		if len(set) == 0 {
			delete(h.threadToClients, threadID)
		}
	}
}

// subscribeAnchor mirrors subscribeClient for anchor peers.
func (h *Hub) subscribeAnchor(p *peer, threadID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	as, ok := h.anchors[p]
	if !ok {
		return
	}
	as.subs[threadID] = struct{}{}
	set, ok := h.threadToAnchors[threadID]
	if !ok {
		set = make(map[*peer]struct{})
		h.threadToAnchors[threadID] = set
	}
	set[p] = struct{}{}
}

func (h *Hub) unsubscribeAnchor(p *peer, threadID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if as, ok := h.anchors[p]; ok {
		delete(as.subs, threadID)
	}
	if set, ok := h.threadToAnchors[threadID]; ok {
		delete(set, p)
		if len(set) == 0 {
			delete(h.threadToAnchors, threadID)
		}
	}
}

// isSubscribed reports whether the client peer is subscribed to threadID —
// the authorization predicate for approval decisions.
func (h *Hub) isSubscribed(p *peer, threadID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	cs, ok := h.clients[p]
	if !ok {
		return false
	}
	_, ok = cs.subs[threadID]
	return ok
}

// sendToThreadClients fans a frame out to the thread's subscribers. When
// none are subscribed and fallbackAll is set, every client receives it —
// the symmetric safety net against blank-thread races.
func (h *Hub) sendToThreadClients(threadID string, frame []byte, fallbackAll bool) int {
	h.mu.Lock()
	var targets []*peer
	if set, ok := h.threadToClients[threadID]; ok && len(set) > 0 {
		for p := range set {
			targets = append(targets, p)
		}
	} else if fallbackAll {
		for p := range h.clients {
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()

	sent := 0
	for _, p := range targets {
		if p.enqueue(frame) {
			sent++
			h.counters.FramesOut.Add(1)
		}
	}
	return sent
}

// sendToThreadAnchors fans a client frame out to the thread's anchors, or —
// for a thread no anchor has subscribed to yet (a brand-new thread) — to
// every anchor, which uses the observed id to subscribe itself. The
// amplification is acceptable at this system's scale: anchors are a
// handful, not a fleet.
func (h *Hub) sendToThreadAnchors(threadID string, frame []byte) int {
	h.mu.Lock()
	var targets []*peer
	if set, ok := h.threadToAnchors[threadID]; threadID != "" && ok && len(set) > 0 {
		for p := range set {
			targets = append(targets, p)
		}
	} else {
		for p := range h.anchors {
			targets = append(targets, p)
		}
	}
	h.mu.Unlock()

	sent := 0
	for _, p := range targets {
		if p.enqueue(frame) {
			sent++
			h.counters.FramesOut.Add(1)
		}
	}
	return sent
}

// rememberMethod records a forwarded request id → method binding so the
// response can be enriched later.
func (h *Hub) rememberMethod(id json.RawMessage, method string) {
	if len(id) == 0 || method == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	now := time.Now()
	if len(h.pendingMethods) > 4096 {
		for k, pm := range h.pendingMethods {
			if now.Sub(pm.at) > pendingMethodWindow {
				delete(h.pendingMethods, k)
			}
		}
	}
	h.pendingMethods[string(id)] = pendingMethod{method: method, at: now}
}

// takeMethod resolves and forgets a request id → method binding.
func (h *Hub) takeMethod(id json.RawMessage) string {
	if len(id) == 0 {
		return ""
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	pm, ok := h.pendingMethods[string(id)]
	if !ok {
		return ""
	}
	delete(h.pendingMethods, string(id))
	if time.Since(pm.at) > pendingMethodWindow {
		return ""
	}
	return pm.method
}

// ensureAdapterSubscription attaches the relay to the owning adapter's
// event stream for a provider-prefixed thread, once per session.
func (h *Hub) ensureAdapterSubscription(threadID string) {
	providerID, sessionID := SplitThreadID(threadID, h.registry.DefaultID())
	if providerID == h.registry.DefaultID() {
		return // default-provider events arrive via the anchor socket
	}
	adapter, ok := h.registry.Get(providerID)
	if !ok {
		return
	}

	h.mu.Lock()
	if _, done := h.adapterSubs[threadID]; done {
		h.mu.Unlock()
		return
	}
	h.adapterSubs[threadID] = struct{}{}
	h.mu.Unlock()

	adapter.Subscribe(sessionID, func(ev events.NormalizedEvent) {
		h.onAdapterEvent(providerID, ev)
	})
}

// onAdapterEvent persists a normalized adapter event and broadcasts it to
// the thread's subscribers. The append happens before the live broadcast so
// a reader that replays and then subscribes sees a consistent prefix.
func (h *Hub) onAdapterEvent(providerID string, ev events.NormalizedEvent) {
	threadID := JoinThreadID(providerID, ev.SessionID)

	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("relay: marshal normalized event", "err", err)
		return
	}
	if _, err := h.store.Append(context.Background(), store.StoredEvent{
		ThreadID:  threadID,
		TurnID:    turnIDOf(ev),
		Direction: store.DirectionServer,
		Role:      store.RoleAnchor,
		Method:    "session/event",
		Payload:   payload,
	}); err != nil {
		// Live broadcast still goes out; the replay log just has a hole.
		h.counters.StoreErrors.Add(1)
		slog.Error("relay: persist adapter event", "thread", threadID, "err", err)
	}

	frame, err := json.Marshal(map[string]any{
		"type":     "acp:event",
		"threadId": threadID,
		"event":    json.RawMessage(payload),
	})
	if err != nil {
		return
	}
	h.sendToThreadClients(threadID, frame, false)
}

func turnIDOf(ev events.NormalizedEvent) string {
	if ev.Payload == nil {
		return ""
	}
	if turnID, ok := ev.Payload["turnId"].(string); ok {
		return turnID
	}
	return ""
}

// onApprovalRequest registers the pending entry and broadcasts the prompt
// to the thread's subscribers — or to every client when none are subscribed
// yet. Authorization still happens at decision time.
func (h *Hub) onApprovalRequest(adapter provider.Adapter, req provider.ApprovalRequest) {
	threadID := JoinThreadID(adapter.ID(), req.SessionID)
	h.approvals.Add(req, threadID, func(outcome provider.ApprovalOutcome) error {
		return adapter.ResolveApproval(req.RPCID, outcome)
	})

	frame, err := json.Marshal(map[string]any{
		"type":     "acp:approval_request",
		"threadId": threadID,
		"rpcId":    req.RPCID,
		"options":  req.Options,
		"toolCall": map[string]any{
			"toolCallId": req.ToolCallID,
			"title":      req.ToolTitle,
			"kind":       req.ToolKind,
		},
	})
	if err != nil {
		return
	}
	h.sendToThreadClients(threadID, frame, true)
}
