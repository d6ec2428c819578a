// Package claude implements the external HTTP provider adapter for
// Claude-style agents: a bearer-authenticated JSON API for session listing
// and prompt submission, plus a server-sent-event stream that feeds the
// normalizer.
package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ddevalco/codex-pocket/common/trace"
	"github.com/ddevalco/codex-pocket/internal/pocket/events"
	"github.com/ddevalco/codex-pocket/internal/pocket/provider"
)

// Per-operation timeouts; streaming requests manage their own lifetime.
const (
	timeoutHealth = 2 * time.Second
	timeoutList   = 5 * time.Second
	timeoutPrompt = 30 * time.Second
)

// maxResponseBytes caps non-streaming body reads to prevent memory
// exhaustion from a misbehaving backend.
const maxResponseBytes = 1 << 20 // 1 MiB

// Adapter is the Claude-style HTTP/SSE provider adapter.
type Adapter struct {
	id      string
	cfg     provider.Config
	baseURL string

	httpClient *http.Client
	norm       *events.Normalizer

	mu      sync.Mutex
	subs    map[string][]provider.EventHandler
	streams map[string]context.CancelFunc

	healthState provider.HealthState
	healthMsg   string
	lastCheck   time.Time
}

// New constructs the adapter.
func New(id string, cfg provider.Config) *Adapter {
	a := &Adapter{
		id:          id,
		cfg:         cfg,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  &http.Client{}, // no global timeout — per-op contexts are used
		subs:        make(map[string][]provider.EventHandler),
		streams:     make(map[string]context.CancelFunc),
		healthState: provider.Unknown,
	}
	a.norm = events.NewNormalizer(id, events.DefaultFlushTimeout, a.emit)
	return a
}

// Factory adapts New to the registry's factory shape.
func Factory(id string, cfg provider.Config) (provider.Adapter, error) {
	return New(id, cfg), nil
}

// ID returns the provider id.
func (a *Adapter) ID() string { return a.id }

// Start probes the backend. An unreachable backend degrades health; it does
// not fail the start.
func (a *Adapter) Start(ctx context.Context) error {
	if a.baseURL == "" {
		a.setHealth(provider.Degraded, "no baseUrl configured")
		return nil
	}
	if a.cfg.APIKey == "" {
		a.setHealth(provider.Degraded, "no apiKey configured")
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	err := backoff.Retry(func() error { return a.ping(ctx) }, policy)
	if err != nil {
		a.setHealth(provider.Degraded, fmt.Sprintf("backend unreachable: %v", err))
		return nil
	}
	a.setHealth(provider.Healthy, "")
	return nil
}

// Stop cancels every live event stream.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	for sessionID, cancel := range a.streams {
		cancel()
		delete(a.streams, sessionID)
	}
	a.mu.Unlock()
	a.norm.Close()
	a.setHealth(provider.Unknown, "stopped")
	return nil
}

// Health reports the adapter's current state.
func (a *Adapter) Health(ctx context.Context) provider.Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	return provider.Health{
		Provider:  a.id,
		State:     a.healthState,
		Message:   a.healthMsg,
		LastCheck: a.lastCheck,
	}
}

// Capabilities: an HTTP agent streams and lists but has no tool-permission
// channel, so approvals stay off.
func (a *Adapter) Capabilities() provider.Capabilities {
	c := provider.Capabilities{
		ListSessions: true,
		OpenSession:  true,
		SendPrompt:   true,
		Streaming:    true,
		MultiTurn:    true,
		Filtering:    true,
		Pagination:   true,
	}
	return c.WithUIFlags()
}

// ListSessions fetches GET /v1/sessions.
func (a *Adapter) ListSessions(ctx context.Context, params provider.ListParams) ([]events.NormalizedSession, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutList)
	defer cancel()

	path := "/v1/sessions"
	var query []string
	if params.Limit > 0 {
		query = append(query, fmt.Sprintf("limit=%d", params.Limit))
	}
	if params.Cursor != "" {
		query = append(query, "cursor="+params.Cursor)
	}
	if params.Filter != "" {
		query = append(query, "q="+params.Filter)
	}
	if len(query) > 0 {
		path += "?" + strings.Join(query, "&")
	}

	var res struct {
		Sessions []json.RawMessage `json:"sessions"`
	}
	if err := a.get(ctx, path, &res); err != nil {
		a.setHealth(provider.Degraded, err.Error())
		return nil, fmt.Errorf("claude: list sessions: %w", err)
	}
	a.setHealth(provider.Healthy, "")

	out := make([]events.NormalizedSession, 0, len(res.Sessions))
	for _, raw := range res.Sessions {
		out = append(out, a.normalizeSession(raw))
	}
	return out, nil
}

func (a *Adapter) normalizeSession(raw json.RawMessage) events.NormalizedSession {
	var s struct {
		ID        string         `json:"id"`
		Title     string         `json:"title"`
		Summary   string         `json:"summary"`
		Project   string         `json:"project"`
		Repo      string         `json:"repo"`
		Status    string         `json:"status"`
		CreatedAt time.Time      `json:"createdAt"`
		UpdatedAt time.Time      `json:"updatedAt"`
		Metadata  map[string]any `json:"metadata"`
	}
	json.Unmarshal(raw, &s)

	title := s.Title
	if title == "" {
		title = events.DeriveTitle(s.Summary)
	}
	status := events.SessionStatus(s.Status)
	switch status {
	case events.StatusActive, events.StatusIdle, events.StatusCompleted, events.StatusError, events.StatusInterrupted:
	default:
		status = events.StatusIdle
	}
	return events.NormalizedSession{
		Provider:   a.id,
		SessionID:  s.ID,
		Title:      title,
		Project:    s.Project,
		Repo:       s.Repo,
		Status:     status,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
		Preview:    s.Summary,
		Metadata:   s.Metadata,
		RawSession: raw,
	}
}

// SendPrompt POSTs the prompt and makes sure the session's event stream is
// attached.
func (a *Adapter) SendPrompt(ctx context.Context, sessionID string, input provider.PromptInput, opts *provider.PromptOptions) (provider.PromptAck, error) {
	timeout := a.cfg.Timeout(timeoutPrompt)
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := map[string]any{"text": input.Text}
	if model := a.model(opts); model != "" {
		body["model"] = model
	}

	var res provider.PromptAck
	if err := a.post(ctx, "/v1/sessions/"+sessionID+"/messages", body, &res); err != nil {
		a.setHealth(provider.Degraded, err.Error())
		return provider.PromptAck{}, fmt.Errorf("claude: send prompt: %w", err)
	}
	a.setHealth(provider.Healthy, "")

	if res.TurnID == "" {
		res.TurnID = uuid.NewString()
	}
	if res.Status == "" {
		res.Status = "accepted"
	}

	a.ensureStream(sessionID)
	return res, nil
}

func (a *Adapter) model(opts *provider.PromptOptions) string {
	if opts != nil && opts.Model != "" {
		return opts.Model
	}
	return a.cfg.Model
}

// Subscribe registers h and attaches the session's event stream.
func (a *Adapter) Subscribe(sessionID string, h provider.EventHandler) error {
	a.mu.Lock()
	a.subs[sessionID] = append(a.subs[sessionID], h)
	a.mu.Unlock()
	a.ensureStream(sessionID)
	return nil
}

// Unsubscribe drops handlers and detaches the stream.
func (a *Adapter) Unsubscribe(sessionID string) {
	a.mu.Lock()
	delete(a.subs, sessionID)
	cancel, ok := a.streams[sessionID]
	if ok {
		delete(a.streams, sessionID)
	}
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

// OnApprovalRequest is a no-op: the HTTP protocol has no permission channel.
func (a *Adapter) OnApprovalRequest(h provider.ApprovalHandler) {}

// ResolveApproval always fails: nothing can be pending.
func (a *Adapter) ResolveApproval(rpcID string, outcome provider.ApprovalOutcome) error {
	return fmt.Errorf("claude: approvals are not supported")
}

// emit fans a normalized event out to the session's subscribers.
func (a *Adapter) emit(ev events.NormalizedEvent) {
	a.mu.Lock()
	handlers := append([]provider.EventHandler(nil), a.subs[ev.SessionID]...)
	a.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// ensureStream attaches one SSE reader per session.
func (a *Adapter) ensureStream(sessionID string) {
	a.mu.Lock()
	if _, live := a.streams[sessionID]; live {
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.streams[sessionID] = cancel
	a.mu.Unlock()

	go a.streamLoop(ctx, sessionID)
}

// streamLoop consumes the session's SSE feed, reconnecting with backoff
// until the stream is detached or the backend says it is done.
func (a *Adapter) streamLoop(ctx context.Context, sessionID string) {
	defer func() {
		a.mu.Lock()
		delete(a.streams, sessionID)
		a.mu.Unlock()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // reconnect until detached
	for {
		if ctx.Err() != nil {
			return
		}
		done, err := a.consumeStream(ctx, sessionID)
		if done || ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		slog.Debug("claude: event stream dropped, reconnecting",
			"provider", a.id, "session", sessionID, "err", err, "wait", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// consumeStream reads one SSE connection. Returns done=true when the server
// terminates the stream with [DONE].
func (a *Adapter) consumeStream(ctx context.Context, sessionID string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+"/v1/sessions/"+sessionID+"/events", nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	a.setCommonHeaders(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return false, fmt.Errorf("claude: stream %s: %s", sessionID, resp.Status)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxResponseBytes)
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data:") {
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			continue
		}
		if line != "" {
			continue // comment or field we do not use
		}
		// Blank line terminates one event.
		payload := data.String()
		data.Reset()
		if payload == "" {
			continue
		}
		if payload == "[DONE]" {
			return true, nil
		}
		a.handleStreamEvent(sessionID, []byte(payload))
	}
	return false, scanner.Err()
}

// handleStreamEvent feeds one SSE payload into the normalizer.
func (a *Adapter) handleStreamEvent(sessionID string, payload []byte) {
	var u struct {
		TurnID string             `json:"turnId"`
		Type   string             `json:"type"`
		Delta  string             `json:"delta"`
		Done   bool               `json:"done"`
		Status string             `json:"status"`
		Error  string             `json:"error"`
		Usage  *events.TokenUsage `json:"usage"`
	}
	if err := json.Unmarshal(payload, &u); err != nil {
		slog.Warn("claude: unparseable stream event", "provider", a.id, "err", err)
		return
	}

	fields := map[string]any{}
	if u.Status != "" {
		fields["status"] = u.Status
	}
	if u.Error != "" {
		fields["error"] = u.Error
	}

	a.norm.Process(events.Update{
		SessionID: sessionID,
		TurnID:    u.TurnID,
		Type:      u.Type,
		Delta:     u.Delta,
		Done:      u.Done,
		Fields:    fields,
		Usage:     u.Usage,
		Raw:       payload,
	})
}

// --- HTTP plumbing ---

func (a *Adapter) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, timeoutHealth)
	defer cancel()
	return a.get(ctx, "/v1/health", nil)
}

func (a *Adapter) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+path, nil)
	if err != nil {
		return err
	}
	a.setCommonHeaders(req)
	return a.do(req, out)
}

func (a *Adapter) post(ctx context.Context, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	a.setCommonHeaders(req)
	return a.do(req, out)
}

func (a *Adapter) setCommonHeaders(req *http.Request) {
	if traceID := trace.FromContext(req.Context()); traceID != "" {
		req.Header.Set("X-Trace-ID", traceID)
	}
	req.Header.Set("X-Request-ID", trace.GenerateID())
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
}

func (a *Adapter) do(req *http.Request, out any) error {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, maxResponseBytes)
	bodyBytes, err := io.ReadAll(limited)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if jsonErr := json.Unmarshal(bodyBytes, &errResp); jsonErr == nil && errResp.Error != "" {
			return fmt.Errorf("claude %s %s → %d %s: %s",
				req.Method, req.URL.Path, resp.StatusCode, resp.Status, errResp.Error)
		}
		snippet := string(bodyBytes)
		if len(snippet) > 200 {
			snippet = snippet[:200] + "…"
		}
		if snippet != "" {
			return fmt.Errorf("claude %s %s → %d %s: %s",
				req.Method, req.URL.Path, resp.StatusCode, resp.Status, snippet)
		}
		return fmt.Errorf("claude %s %s → %d %s",
			req.Method, req.URL.Path, resp.StatusCode, resp.Status)
	}

	if out != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func (a *Adapter) setHealth(state provider.HealthState, msg string) {
	a.mu.Lock()
	a.healthState = state
	a.healthMsg = msg
	a.lastCheck = time.Now()
	a.mu.Unlock()
}
