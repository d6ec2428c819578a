// Package acp implements the subprocess provider adapter: it spawns an
// agent CLI (Codex app-server, Copilot in ACP mode) and speaks bidirectional
// JSON-RPC 2.0 over the child's stdio. Streaming session/update
// notifications feed the normalizer; server-initiated
// session/request_permission requests surface as approval events and block
// until the relay delivers a decision.
package acp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/ddevalco/codex-pocket/internal/pocket/events"
	"github.com/ddevalco/codex-pocket/internal/pocket/jsonrpc"
	"github.com/ddevalco/codex-pocket/internal/pocket/provider"
)

// stopGrace bounds how long Stop waits for the child to exit after stdin
// closes before killing it.
const stopGrace = 3 * time.Second

// agentInfo is the identity block from the initialize handshake.
type agentInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// initializeResult is the handshake response.
type initializeResult struct {
	ProtocolVersion int       `json:"protocolVersion"`
	AgentInfo       agentInfo `json:"agentInfo"`
	Capabilities    struct {
		ListSessions bool `json:"listSessions"`
		LoadSession  bool `json:"loadSession"`
		Prompt       struct {
			Image        bool `json:"image"`
			EmbeddedText bool `json:"embeddedText"`
		} `json:"promptCapabilities"`
	} `json:"agentCapabilities"`
}

// Adapter is the subprocess ACP provider adapter.
type Adapter struct {
	id  string
	cfg provider.Config

	mu       sync.Mutex
	cmd      *exec.Cmd
	client   *jsonrpc.Client
	norm     *events.Normalizer
	info     *agentInfo
	agentCap initializeResult

	subs            map[string][]provider.EventHandler
	approvalHandler provider.ApprovalHandler
	// pendingPerms routes a client decision back into the blocked inbound
	// request handler, keyed by the request's JSON-RPC id.
	pendingPerms map[string]chan provider.ApprovalOutcome

	stopping bool

	healthState provider.HealthState
	healthMsg   string
	lastCheck   time.Time
}

// New constructs the adapter; a provider.Factory closure around it plugs
// into the registry.
func New(id string, cfg provider.Config) *Adapter {
	a := &Adapter{
		id:           id,
		cfg:          cfg,
		subs:         make(map[string][]provider.EventHandler),
		pendingPerms: make(map[string]chan provider.ApprovalOutcome),
		healthState:  provider.Unknown,
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

// Start spawns the agent process and performs the initialize handshake.
// Idempotent; a missing binary degrades health and still returns nil so the
// registry keeps the adapter registered.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.client != nil && !a.client.Closed() {
		a.mu.Unlock()
		return nil
	}
	a.stopping = false
	a.mu.Unlock()

	if a.cfg.ExecutablePath == "" {
		a.setHealth(provider.Degraded, "no executablePath configured")
		return nil
	}
	if _, err := exec.LookPath(a.cfg.ExecutablePath); err != nil {
		a.setHealth(provider.Degraded, fmt.Sprintf("binary not found: %s", a.cfg.ExecutablePath))
		return nil
	}

	if err := a.spawn(ctx); err != nil {
		a.setHealth(provider.Degraded, err.Error())
		return nil
	}
	return nil
}

// spawn launches the child, wires the JSON-RPC client, and handshakes.
func (a *Adapter) spawn(ctx context.Context) error {
	cmd := exec.Command(a.cfg.ExecutablePath, a.cfg.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("acp %s: stdin pipe: %w", a.id, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("acp %s: stdout pipe: %w", a.id, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("acp %s: stderr pipe: %w", a.id, err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("acp %s: start process: %w", a.id, err)
	}

	// Drain the child's stderr into our log so diagnostics survive.
	go func() {
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			slog.Debug("acp stderr", "provider", a.id, "line", sc.Text())
		}
	}()

	client := jsonrpc.New(a.id, stdin, stdout)
	client.OnNotification("session/update", a.handleUpdate)
	client.OnRequest("session/request_permission", a.handlePermission)

	var initRes initializeResult
	raw, err := client.Request(ctx, "initialize", map[string]any{
		"protocolVersion": 1,
		"clientInfo":      map[string]any{"name": "pocketd", "version": "1"},
	}, jsonrpc.StartupTimeout)
	if err != nil {
		client.Close()
		cmd.Process.Kill()
		cmd.Wait()
		return fmt.Errorf("acp %s: initialize handshake: %w", a.id, err)
	}
	if err := json.Unmarshal(raw, &initRes); err != nil {
		slog.Warn("acp: unparseable initialize result", "provider", a.id, "err", err)
	}

	a.mu.Lock()
	a.cmd = cmd
	a.client = client
	a.info = &initRes.AgentInfo
	a.agentCap = initRes
	a.mu.Unlock()
	a.setHealth(provider.Healthy, "")

	slog.Info("acp agent ready",
		"provider", a.id,
		"agent", initRes.AgentInfo.Name,
		"version", initRes.AgentInfo.Version)

	go a.watch(client, cmd)
	return nil
}

// watch reaps the child and attempts a bounded restart on unexpected exit.
func (a *Adapter) watch(client *jsonrpc.Client, cmd *exec.Cmd) {
	<-client.Done()
	cmd.Wait()

	a.mu.Lock()
	stopping := a.stopping
	a.failPermsLocked()
	a.mu.Unlock()

	if stopping {
		return
	}

	a.setHealth(provider.Unhealthy, "agent process exited")
	slog.Warn("acp agent exited unexpectedly, attempting restart", "provider", a.id)

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	err := backoff.Retry(func() error {
		a.mu.Lock()
		if a.stopping {
			a.mu.Unlock()
			return nil
		}
		a.mu.Unlock()
		return a.spawn(context.Background())
	}, policy)
	if err != nil {
		a.setHealth(provider.Unhealthy, fmt.Sprintf("restart failed: %v", err))
	}
}

// Stop closes the child's stdin and waits briefly for a clean exit before
// killing it. Idempotent.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.stopping = true
	client := a.client
	cmd := a.cmd
	a.client = nil
	a.cmd = nil
	a.failPermsLocked()
	a.mu.Unlock()

	a.norm.Close()

	if client == nil {
		return nil
	}
	client.Close()

	if cmd != nil {
		done := make(chan struct{})
		go func() {
			cmd.Wait()
			close(done)
		}()
		grace := stopGrace
		if dl, ok := ctx.Deadline(); ok {
			if until := time.Until(dl); until < grace {
				grace = until
			}
		}
		select {
		case <-done:
		case <-time.After(grace):
			cmd.Process.Kill()
			<-done
		}
	}
	a.setHealth(provider.Unknown, "stopped")
	return nil
}

// Health reports the adapter's current state.
func (a *Adapter) Health(ctx context.Context) provider.Health {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := provider.Health{
		Provider:  a.id,
		State:     a.healthState,
		Message:   a.healthMsg,
		LastCheck: a.lastCheck,
	}
	if a.info != nil && a.info.Name != "" {
		h.Details = map[string]any{"agent": a.info.Name, "version": a.info.Version}
	}
	return h
}

// Capabilities reflects the agent handshake and the runtime config; the
// autoApprove flag turns Approvals off because prompts resolve without a
// client in the loop.
func (a *Adapter) Capabilities() provider.Capabilities {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := provider.Capabilities{
		ListSessions: a.agentCap.Capabilities.ListSessions,
		OpenSession:  true,
		SendPrompt:   true,
		Streaming:    true,
		Attachments:  a.agentCap.Capabilities.Prompt.Image,
		Approvals:    !a.cfg.AutoApprove,
		MultiTurn:    true,
	}
	return c.WithUIFlags()
}

// ListSessions asks the agent for its sessions. Agents without session
// listing degrade to an empty list rather than an error.
func (a *Adapter) ListSessions(ctx context.Context, params provider.ListParams) ([]events.NormalizedSession, error) {
	client := a.liveClient()
	if client == nil {
		return nil, fmt.Errorf("acp %s: agent not running", a.id)
	}

	req := map[string]any{}
	if params.Limit > 0 {
		req["limit"] = params.Limit
	}
	if params.Cursor != "" {
		req["cursor"] = params.Cursor
	}

	raw, err := client.Request(ctx, "session/list", req, a.cfg.Timeout(jsonrpc.DefaultRequestTimeout))
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) && rpcErr.Code == -32601 {
			return nil, nil
		}
		a.setHealth(provider.Degraded, err.Error())
		return nil, fmt.Errorf("acp %s: session/list: %w", a.id, err)
	}
	a.setHealth(provider.Healthy, "")

	var res struct {
		Sessions []json.RawMessage `json:"sessions"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("acp %s: parse session list: %w", a.id, err)
	}

	out := make([]events.NormalizedSession, 0, len(res.Sessions))
	for _, rawSession := range res.Sessions {
		out = append(out, normalizeSession(a.id, rawSession))
	}
	return out, nil
}

// normalizeSession maps one raw agent session object onto the shared shape,
// keeping the raw form for debugging.
func normalizeSession(providerID string, raw json.RawMessage) events.NormalizedSession {
	var s struct {
		SessionID string         `json:"sessionId"`
		ID        string         `json:"id"`
		Title     string         `json:"title"`
		Cwd       string         `json:"cwd"`
		Status    string         `json:"status"`
		Preview   string         `json:"preview"`
		FirstUser string         `json:"firstUserMessage"`
		CreatedAt time.Time      `json:"createdAt"`
		UpdatedAt time.Time      `json:"updatedAt"`
		Metadata  map[string]any `json:"metadata"`
	}
	json.Unmarshal(raw, &s)

	id := s.SessionID
	if id == "" {
		id = s.ID
	}
	title := s.Title
	if title == "" {
		title = events.DeriveTitle(s.FirstUser)
	}
	status := events.SessionStatus(s.Status)
	switch status {
	case events.StatusActive, events.StatusIdle, events.StatusCompleted, events.StatusError, events.StatusInterrupted:
	default:
		status = events.StatusIdle
	}

	return events.NormalizedSession{
		Provider:   providerID,
		SessionID:  id,
		Title:      title,
		Project:    s.Cwd,
		Status:     status,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
		Preview:    s.Preview,
		Metadata:   s.Metadata,
		RawSession: raw,
	}
}

// SendPrompt submits the prompt over session/prompt. The acknowledgment
// carries the turn id; the content itself streams back as session/update
// notifications.
func (a *Adapter) SendPrompt(ctx context.Context, sessionID string, input provider.PromptInput, opts *provider.PromptOptions) (provider.PromptAck, error) {
	client := a.liveClient()
	if client == nil {
		return provider.PromptAck{}, fmt.Errorf("acp %s: agent not running: %w", a.id, jsonrpc.ErrChannelClosed)
	}

	blocks := []map[string]any{{"type": "text", "text": input.Text}}
	for _, att := range input.Attachments {
		switch att.Type {
		case "image":
			blocks = append(blocks, map[string]any{
				"type": "image", "mimeType": att.MimeType, "data": att.Data, "uri": att.URI,
			})
		case "resource_link":
			blocks = append(blocks, map[string]any{
				"type": "resource_link", "uri": att.URI, "mimeType": att.MimeType,
			})
		default:
			blocks = append(blocks, map[string]any{"type": "text", "text": att.Data})
		}
	}

	req := map[string]any{"sessionId": sessionID, "prompt": blocks}
	if opts != nil && opts.Model != "" {
		req["model"] = opts.Model
	}

	timeout := a.cfg.Timeout(jsonrpc.DefaultRequestTimeout)
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	raw, err := client.Request(ctx, "session/prompt", req, timeout)
	if err != nil {
		if errors.Is(err, jsonrpc.ErrChannelClosed) {
			a.setHealth(provider.Degraded, "agent channel closed")
		}
		return provider.PromptAck{}, fmt.Errorf("acp %s: session/prompt: %w", a.id, err)
	}
	a.setHealth(provider.Healthy, "")

	var res struct {
		TurnID     string `json:"turnId"`
		StopReason string `json:"stopReason"`
		Status     string `json:"status"`
	}
	json.Unmarshal(raw, &res)
	if res.TurnID == "" {
		res.TurnID = uuid.NewString()
	}
	status := res.Status
	if status == "" {
		status = "accepted"
	}
	return provider.PromptAck{TurnID: res.TurnID, Status: status}, nil
}

// Subscribe registers h for the session's normalized events.
func (a *Adapter) Subscribe(sessionID string, h provider.EventHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subs[sessionID] = append(a.subs[sessionID], h)
	return nil
}

// Unsubscribe drops the session's handlers.
func (a *Adapter) Unsubscribe(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.subs, sessionID)
}

// OnApprovalRequest registers the sink for permission prompts.
func (a *Adapter) OnApprovalRequest(h provider.ApprovalHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.approvalHandler = h
}

// ResolveApproval completes a pending permission prompt; the blocked inbound
// request handler frames the JSON-RPC response back to the agent.
func (a *Adapter) ResolveApproval(rpcID string, outcome provider.ApprovalOutcome) error {
	a.mu.Lock()
	ch, ok := a.pendingPerms[rpcID]
	if ok {
		delete(a.pendingPerms, rpcID)
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("acp %s: no pending approval for rpc id %s", a.id, rpcID)
	}
	ch <- outcome
	return nil
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

// handleUpdate parses one session/update notification into a normalizer
// update. Known scalar fields ride along in the rolling payload.
func (a *Adapter) handleUpdate(params json.RawMessage) {
	var u struct {
		SessionID string             `json:"sessionId"`
		TurnID    string             `json:"turnId"`
		Type      string             `json:"type"`
		Delta     string             `json:"delta"`
		Done      bool               `json:"done"`
		Command   string             `json:"command"`
		Args      json.RawMessage    `json:"args"`
		Output    string             `json:"output"`
		ExitCode  *int               `json:"exitCode"`
		Path      string             `json:"path"`
		Diff      string             `json:"diff"`
		Language  string             `json:"language"`
		Status    string             `json:"status"`
		Error     string             `json:"error"`
		Usage     *events.TokenUsage `json:"usage"`
	}
	if err := json.Unmarshal(params, &u); err != nil {
		slog.Warn("acp: unparseable session/update", "provider", a.id, "err", err)
		return
	}

	fields := map[string]any{}
	if u.Command != "" {
		fields["command"] = u.Command
	}
	if len(u.Args) > 0 {
		var args any
		if json.Unmarshal(u.Args, &args) == nil {
			fields["args"] = args
		}
	}
	if u.Output != "" {
		fields["output"] = u.Output
	}
	if u.ExitCode != nil {
		fields["exitCode"] = *u.ExitCode
	}
	if u.Path != "" {
		fields["path"] = u.Path
	}
	if u.Diff != "" {
		fields["diff"] = u.Diff
	}
	if u.Language != "" {
		fields["language"] = u.Language
	}
	if u.Status != "" {
		fields["status"] = u.Status
	}
	if u.Error != "" {
		fields["error"] = u.Error
	}

	a.norm.Process(events.Update{
		SessionID: u.SessionID,
		TurnID:    u.TurnID,
		Type:      u.Type,
		Delta:     u.Delta,
		Done:      u.Done,
		Fields:    fields,
		Usage:     u.Usage,
		Raw:       params,
	})
}

// handlePermission serves a session/request_permission request from the
// agent. It blocks on its own goroutine until the relay resolves the
// approval (or the 60 s manager timeout cancels it), then returns the
// outcome as the JSON-RPC result.
func (a *Adapter) handlePermission(ctx context.Context, id json.RawMessage, params json.RawMessage) (any, error) {
	var p struct {
		SessionID string `json:"sessionId"`
		ToolCall  struct {
			ToolCallID string `json:"toolCallId"`
			Title      string `json:"title"`
			Kind       string `json:"kind"`
		} `json:"toolCall"`
		Options []provider.ApprovalOption `json:"options"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &jsonrpc.Error{Code: -32602, Message: "malformed permission request"}
	}

	if a.cfg.AutoApprove {
		for _, opt := range p.Options {
			if strings.HasPrefix(opt.Kind, "allow") || strings.HasPrefix(opt.OptionID, "allow") {
				return provider.ApprovalOutcome{Outcome: provider.OutcomeSelected, OptionID: opt.OptionID}, nil
			}
		}
		return provider.ApprovalOutcome{Outcome: provider.OutcomeCancelled}, nil
	}

	rpcID := string(id)
	req := provider.ApprovalRequest{
		RPCID:      rpcID,
		Provider:   a.id,
		SessionID:  p.SessionID,
		ToolCallID: p.ToolCall.ToolCallID,
		ToolTitle:  p.ToolCall.Title,
		ToolKind:   p.ToolCall.Kind,
		Options:    p.Options,
		Raw:        params,
	}

	ch := make(chan provider.ApprovalOutcome, 1)
	a.mu.Lock()
	a.pendingPerms[rpcID] = ch
	handler := a.approvalHandler
	client := a.client
	a.mu.Unlock()

	if handler == nil {
		// No relay wired; cancel rather than approving unattended.
		a.mu.Lock()
		delete(a.pendingPerms, rpcID)
		a.mu.Unlock()
		return provider.ApprovalOutcome{Outcome: provider.OutcomeCancelled}, nil
	}
	handler(req)

	var done <-chan struct{}
	if client != nil {
		done = client.Done()
	}
	select {
	case outcome := <-ch:
		return outcome, nil
	case <-done:
		return nil, &jsonrpc.Error{Code: -32000, Message: "channel closed"}
	}
}

// failPermsLocked unblocks any permission handlers waiting on a dead
// channel. Caller holds the lock.
func (a *Adapter) failPermsLocked() {
	for rpcID, ch := range a.pendingPerms {
		select {
		case ch <- provider.ApprovalOutcome{Outcome: provider.OutcomeCancelled}:
		default:
		}
		delete(a.pendingPerms, rpcID)
	}
}

// liveClient returns the current client or nil.
func (a *Adapter) liveClient() *jsonrpc.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil || a.client.Closed() {
		return nil
	}
	return a.client
}

func (a *Adapter) setHealth(state provider.HealthState, msg string) {
	a.mu.Lock()
	a.healthState = state
	a.healthMsg = msg
	a.lastCheck = time.Now()
	a.mu.Unlock()
}
