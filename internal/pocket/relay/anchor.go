package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ddevalco/codex-pocket/internal/pocket/events"
	"github.com/ddevalco/codex-pocket/internal/pocket/provider"
	"github.com/ddevalco/codex-pocket/internal/pocket/store"
)

// listAugmentTimeout bounds the per-adapter session gather on thread/list
// enrichment.
const listAugmentTimeout = 4 * time.Second

// HandleAnchor upgrades and serves the anchor bridge connection on
// /ws/anchor. Anchors hold full-scope credentials; a read-only token cannot
// act as an anchor.
func (h *Hub) HandleAnchor(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := h.authenticate(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if authCtx.ReadOnly() {
		http.Error(w, "read-only tokens cannot register an anchor", http.StatusForbidden)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("relay: anchor upgrade failed", "err", err)
		return
	}

	p := newPeer(conn)
	as := &anchorState{peer: p, connectedAt: time.Now(), subs: make(map[string]struct{})}

	h.mu.Lock()
	h.anchors[p] = as
	h.mu.Unlock()
	slog.Info("relay: anchor connected", "addr", conn.RemoteAddr())

	defer h.dropAnchor(p)
	h.anchorReadLoop(p, as)
}

// dropAnchor removes the anchor and tells clients it is gone.
func (h *Hub) dropAnchor(p *peer) {
	h.mu.Lock()
	as, ok := h.anchors[p]
	var stableID string
	if ok {
		stableID = as.stableID
		delete(h.anchors, p)
		for threadID := range as.subs {
			if set, live := h.threadToAnchors[threadID]; live {
				delete(set, p)
				if len(set) == 0 {
					delete(h.threadToAnchors, threadID)
				}
			}
		}
	}
	clients := make([]*peer, 0, len(h.clients))
	for cp := range h.clients {
		clients = append(clients, cp)
	}
	h.mu.Unlock()

	p.close(websocket.CloseNormalClosure, "")
	if !ok {
		return
	}

	frame, _ := json.Marshal(map[string]any{
		"type":     "orbit.anchor-disconnected",
		"stableId": stableID,
	})
	for _, cp := range clients {
		cp.enqueue(frame)
	}
}

func (h *Hub) anchorReadLoop(p *peer, as *anchorState) {
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
			h.handleAnchorControl(p, as, probe)
			continue
		}
		h.routeAnchorMessage(p, probe, data)
	}
}

// handleAnchorControl terminates anchor-side control envelopes.
func (h *Hub) handleAnchorControl(p *peer, as *anchorState, probe frameProbe) {
	switch probe.Type {
	case "ping":
		p.enqueue([]byte(`{"type":"pong"}`))
	case "anchor.hello":
		h.registerAnchor(p, as, probe)
	case "orbit.subscribe":
		for _, threadID := range append(probe.ThreadIDs, probe.ThreadID) {
			if threadID != "" {
				h.subscribeAnchor(p, threadID)
			}
		}
	case "orbit.unsubscribe":
		for _, threadID := range append(probe.ThreadIDs, probe.ThreadID) {
			if threadID != "" {
				h.unsubscribeAnchor(p, threadID)
			}
		}
	case "orbit.anchor-auth":
		h.mu.Lock()
		as.authState = probe.State
		h.mu.Unlock()
	default:
		h.counters.DroppedFrames.Add(1)
	}
}

// registerAnchor records the anchor's identity. A reconnect with the same
// stable id replaces the previous socket.
func (h *Hub) registerAnchor(p *peer, as *anchorState, probe frameProbe) {
	var replaced *peer
	h.mu.Lock()
	if probe.StableID != "" {
		for other, otherState := range h.anchors {
			if other != p && otherState.stableID == probe.StableID {
				replaced = other
				break
			}
		}
	}
	as.stableID = probe.StableID
	as.hostname = probe.Hostname
	as.platform = probe.Platform
	h.mu.Unlock()

	if replaced != nil {
		slog.Info("relay: anchor replaced", "stableId", probe.StableID)
		replaced.close(websocket.CloseNormalClosure, "replaced")
	}
}

// routeAnchorMessage enriches and fans an anchor frame out to clients.
func (h *Hub) routeAnchorMessage(p *peer, probe frameProbe, raw []byte) {
	isResponse := probe.Method == "" && len(probe.ID) > 0

	// Resolve which request method a response answers, for shape-aware
	// enrichment.
	method := probe.Method
	if isResponse {
		method = h.takeMethod(probe.ID)
	}

	enriched := h.enrichAnchorMessage(method, probe, raw)

	threadID := extractThreadID(probe.Params)
	if threadID == "" && len(probe.Result) > 0 {
		threadID = extractThreadID(probe.Result)
	}

	if threadID != "" {
		if _, err := h.store.Append(context.Background(), store.StoredEvent{
			ThreadID:  threadID,
			Direction: store.DirectionServer,
			Role:      store.RoleAnchor,
			Method:    method,
			Payload:   enriched,
		}); err != nil {
			h.counters.StoreErrors.Add(1)
			slog.Error("relay: persist anchor frame", "thread", threadID, "err", err)
		}
	}

	// Subscribed clients get it; a response with no subscribers broadcasts
	// to everyone so the requesting client is never left blank.
	h.sendToThreadClients(threadID, enriched, isResponse)
}

// enrichAnchorMessage applies title merging, capability injection, and
// thread-list augmentation to the shapes that carry threads. Unrecognized
// frames pass through untouched.
func (h *Hub) enrichAnchorMessage(method string, probe frameProbe, raw []byte) []byte {
	switch method {
	case "thread/started":
		return h.enrichSingleThread(raw, "params")
	case "thread/get", "thread/read":
		return h.enrichSingleThread(raw, "result")
	case "thread/list":
		if len(probe.Result) > 0 {
			return h.enrichThreadList(raw)
		}
		return raw
	default:
		return raw
	}
}

// enrichSingleThread decorates the thread object found under key (either
// directly or nested as .thread).
func (h *Hub) enrichSingleThread(raw []byte, key string) []byte {
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		return raw
	}
	section, ok := frame[key]
	if !ok {
		return raw
	}

	var obj map[string]any
	if err := json.Unmarshal(section, &obj); err != nil {
		return raw
	}

	if nested, ok := obj["thread"].(map[string]any); ok {
		h.decorateThread(nested)
	} else {
		h.decorateThread(obj)
	}

	patched, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	frame[key] = patched
	out, err := json.Marshal(frame)
	if err != nil {
		return raw
	}
	return out
}

// enrichThreadList decorates every thread in a thread/list response and
// appends the sessions of every secondary adapter that can list them.
func (h *Hub) enrichThreadList(raw []byte) []byte {
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		return raw
	}
	resultRaw, ok := frame["result"]
	if !ok {
		return raw
	}

	// The result is either an array of threads or {threads: [...]}.
	var threads []map[string]any
	wrapped := false
	if err := json.Unmarshal(resultRaw, &threads); err != nil {
		var obj struct {
			Threads []map[string]any `json:"threads"`
		}
		if err := json.Unmarshal(resultRaw, &obj); err != nil || obj.Threads == nil {
			return raw
		}
		threads = obj.Threads
		wrapped = true
	}

	for _, t := range threads {
		h.decorateThread(t)
	}
	threads = append(threads, h.gatherAdapterThreads()...)

	var patched []byte
	var err error
	if wrapped {
		var full map[string]any
		if json.Unmarshal(resultRaw, &full) != nil {
			return raw
		}
		full["threads"] = threads
		patched, err = json.Marshal(full)
	} else {
		patched, err = json.Marshal(threads)
	}
	if err != nil {
		return raw
	}
	frame["result"] = patched
	out, err := json.Marshal(frame)
	if err != nil {
		return raw
	}
	return out
}

// gatherAdapterThreads concurrently lists sessions from every secondary
// adapter whose listSessions capability is on. Iterating the full registry
// (not a hard-coded sibling) is deliberate; errors are isolated per
// adapter.
func (h *Hub) gatherAdapterThreads() []map[string]any {
	adapters := h.registry.Secondary()

	var mu sync.Mutex
	var out []map[string]any
	var wg sync.WaitGroup
	for _, adapter := range adapters {
		if !adapter.Capabilities().ListSessions {
			continue
		}
		wg.Add(1)
		go func(adapter provider.Adapter) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), listAugmentTimeout)
			defer cancel()
			sessions, err := adapter.ListSessions(ctx, provider.ListParams{})
			if err != nil {
				slog.Warn("relay: thread-list augmentation failed",
					"provider", adapter.ID(), "err", err)
				return
			}
			caps := adapter.Capabilities()
			mu.Lock()
			for _, s := range sessions {
				out = append(out, h.adapterThreadEntry(adapter.ID(), caps, s))
			}
			mu.Unlock()
		}(adapter)
	}
	wg.Wait()
	return out
}

// adapterThreadEntry renders one secondary-adapter session as a thread-list
// entry.
func (h *Hub) adapterThreadEntry(providerID string, caps provider.Capabilities, s events.NormalizedSession) map[string]any {
	threadID := JoinThreadID(providerID, s.SessionID)
	entry := map[string]any{
		"id":           threadID,
		"title":        s.Title,
		"provider":     providerID,
		"status":       string(s.Status),
		"createdAt":    s.CreatedAt,
		"updatedAt":    s.UpdatedAt,
		"capabilities": caps.WithUIFlags(),
	}
	if s.Preview != "" {
		entry["preview"] = s.Preview
	}
	if userTitle, ok := h.titles.Get(threadID); ok && s.Title == "" {
		entry["title"] = userTitle
	}
	return entry
}

// decorateThread merges the user title (without clobbering a non-empty one)
// and injects capabilities keyed by the provider field or id prefix.
// Threads that already carry capabilities keep them as-is.
func (h *Hub) decorateThread(t map[string]any) {
	id, _ := t["id"].(string)
	if id == "" {
		return
	}

	if userTitle, ok := h.titles.Get(id); ok {
		if existing, _ := t["title"].(string); existing == "" {
			t["title"] = userTitle
		}
	}

	if _, has := t["capabilities"]; has {
		return
	}

	providerID, _ := t["provider"].(string)
	if providerID == "" {
		providerID, _ = SplitThreadID(id, h.registry.DefaultID())
	}
	if adapter, ok := h.registry.Get(providerID); ok {
		t["capabilities"] = adapter.Capabilities().WithUIFlags()
	}
}
