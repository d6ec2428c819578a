package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ddevalco/codex-pocket/internal/pocket/approval"
	"github.com/ddevalco/codex-pocket/internal/pocket/auth"
	"github.com/ddevalco/codex-pocket/internal/pocket/config"
	"github.com/ddevalco/codex-pocket/internal/pocket/events"
	"github.com/ddevalco/codex-pocket/internal/pocket/observability"
	"github.com/ddevalco/codex-pocket/internal/pocket/provider"
	"github.com/ddevalco/codex-pocket/internal/pocket/relay"
	"github.com/ddevalco/codex-pocket/internal/pocket/store"
	"github.com/ddevalco/codex-pocket/internal/pocket/titles"
	"github.com/ddevalco/codex-pocket/internal/pocket/uploads"
)

const testToken = "httpapi-test-legacy-token"

type nullAdapter struct{ id string }

func (n *nullAdapter) ID() string                          { return n.id }
func (n *nullAdapter) Start(ctx context.Context) error     { return nil }
func (n *nullAdapter) Stop(ctx context.Context) error      { return nil }
func (n *nullAdapter) Capabilities() provider.Capabilities { return provider.Capabilities{} }
func (n *nullAdapter) Health(ctx context.Context) provider.Health {
	return provider.Health{Provider: n.id, State: provider.Healthy, LastCheck: time.Now()}
}
func (n *nullAdapter) ListSessions(ctx context.Context, params provider.ListParams) ([]events.NormalizedSession, error) {
	return nil, nil
}
func (n *nullAdapter) SendPrompt(ctx context.Context, sessionID string, input provider.PromptInput, opts *provider.PromptOptions) (provider.PromptAck, error) {
	return provider.PromptAck{}, nil
}
func (n *nullAdapter) Subscribe(sessionID string, h provider.EventHandler) error { return nil }
func (n *nullAdapter) Unsubscribe(sessionID string)                              {}
func (n *nullAdapter) OnApprovalRequest(h provider.ApprovalHandler)              {}
func (n *nullAdapter) ResolveApproval(rpcID string, outcome provider.ApprovalOutcome) error {
	return nil
}

type apiRig struct {
	srv     *httptest.Server
	server  *Server
	store   *store.Store
	auth    *auth.Service
	cfgPath string
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()

	dir := t.TempDir()
	dbFile := filepath.Join(dir, "pocket.db")
	st, err := store.New(dbFile)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfgPath := filepath.Join(dir, "config.json")
	cfg := &config.Config{Token: testToken, Host: "127.0.0.1", Port: 8901}
	if err := config.Save(cfgPath, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	loaded, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	authSvc := auth.NewService(testToken, st)

	reg := provider.NewRegistry("codex")
	reg.Register("codex", func(id string, _ provider.Config) (provider.Adapter, error) {
		return &nullAdapter{id: id}, nil
	}, provider.Config{})
	reg.StartAll(context.Background())

	counters := observability.NewCounters()
	titleStore := titles.NewStore(filepath.Join(dir, "titles.json"))
	hub := relay.New(authSvc, st, reg, approval.NewManager(time.Minute), titleStore, counters)
	up := uploads.NewManager(filepath.Join(dir, "uploads"), st, 7)

	server := New(cfgPath, loaded, authSvc, st, reg, hub, titleStore, up, counters)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &apiRig{srv: srv, server: server, store: st, auth: authSvc, cfgPath: cfgPath}
}

// call performs one request with optional bearer token and JSON body.
func (rig *apiRig) call(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, rig.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data := new(bytes.Buffer)
	data.ReadFrom(resp.Body)
	return resp, data.Bytes()
}

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return m
}

func TestHealthIsUnauthenticated(t *testing.T) {
	rig := newAPIRig(t)
	resp, body := rig.call(t, "GET", "/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	m := decode(t, body)
	if m["status"] != "ok" {
		t.Fatalf("body = %v", m)
	}
	if _, ok := m["anchorRunning"]; !ok {
		t.Fatal("missing anchorRunning")
	}
}

func TestAdminStatusRequiresToken(t *testing.T) {
	rig := newAPIRig(t)

	resp, _ := rig.call(t, "GET", "/admin/status", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d", resp.StatusCode)
	}

	resp, body := rig.call(t, "GET", "/admin/status", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with token: status = %d", resp.StatusCode)
	}
	m := decode(t, body)
	if _, ok := m["counters"]; !ok {
		t.Fatal("missing reliability counters")
	}
	if _, ok := m["tokenSessions"]; !ok {
		t.Fatal("missing token session stats")
	}
}

func TestReadOnlyTokenRejectedForHTTPWrites(t *testing.T) {
	rig := newAPIRig(t)
	raw, _, err := rig.auth.MintSession(context.Background(), "viewer", auth.ScopeReadOnly)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Reads are fine.
	resp, _ := rig.call(t, "GET", "/admin/status", raw, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("read with read-only token: %d", resp.StatusCode)
	}

	// Every write is a 401.
	for _, probe := range []struct{ method, path string }{
		{"POST", "/admin/token/rotate"},
		{"POST", "/admin/pair/new"},
		{"POST", "/admin/repair"},
		{"PATCH", "/api/threads/t1/archive"},
		{"POST", "/uploads/new"},
	} {
		resp, _ := rig.call(t, probe.method, probe.path, raw, map[string]any{})
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s %s with read-only token: %d, want 401", probe.method, probe.path, resp.StatusCode)
		}
	}
}

func TestPairRateLimit(t *testing.T) {
	rig := newAPIRig(t)

	for i := 0; i < 6; i++ {
		resp, _ := rig.call(t, "POST", "/admin/pair/new", testToken, map[string]any{})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d", i+1, resp.StatusCode)
		}
	}
	resp, _ := rig.call(t, "POST", "/admin/pair/new", testToken, map[string]any{})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("seventh request: status = %d, want 429", resp.StatusCode)
	}
	retryAfter, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || retryAfter < 1 {
		t.Fatalf("Retry-After = %q, want >= 1", resp.Header.Get("Retry-After"))
	}
}

func TestPairFlow(t *testing.T) {
	rig := newAPIRig(t)

	_, body := rig.call(t, "POST", "/admin/pair/new", testToken, map[string]any{"label": "phone"})
	code := decode(t, body)["code"].(string)

	resp, body := rig.call(t, "POST", "/pair/consume", "", map[string]any{"code": code})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("consume: %d %s", resp.StatusCode, body)
	}
	token := decode(t, body)["token"].(string)
	if !strings.HasPrefix(token, "pkt_") {
		t.Fatalf("token = %q", token)
	}

	// The exchanged token works.
	resp, _ = rig.call(t, "GET", "/admin/status", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("paired token rejected: %d", resp.StatusCode)
	}

	// Single use.
	resp, _ = rig.call(t, "POST", "/pair/consume", "", map[string]any{"code": code})
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("second consume: %d, want 410", resp.StatusCode)
	}
}

func TestPairQRSVG(t *testing.T) {
	rig := newAPIRig(t)
	resp, body := rig.call(t, "GET", "/admin/pair/qr.svg?code=ABCD2345", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/svg+xml" {
		t.Fatalf("content type = %q", ct)
	}
	if !bytes.Contains(body, []byte("<svg")) {
		t.Fatal("body is not SVG")
	}
}

func TestTokenRotatePersistsAndInvalidates(t *testing.T) {
	rig := newAPIRig(t)

	resp, body := rig.call(t, "POST", "/admin/token/rotate", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rotate: %d", resp.StatusCode)
	}
	newToken := decode(t, body)["token"].(string)
	if newToken == testToken {
		t.Fatal("token unchanged")
	}

	// The old token is dead, the new one works.
	resp, _ = rig.call(t, "GET", "/admin/status", testToken, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("old token still valid: %d", resp.StatusCode)
	}
	resp, _ = rig.call(t, "GET", "/admin/status", newToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("new token rejected: %d", resp.StatusCode)
	}

	// Persisted to the config file.
	saved, err := config.Load(rig.cfgPath)
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if saved.Token != newToken {
		t.Fatal("rotated token not persisted")
	}

	// rotate → rotate yields another distinct token.
	resp, body = rig.call(t, "POST", "/admin/token/rotate", newToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second rotate: %d", resp.StatusCode)
	}
	if decode(t, body)["token"].(string) == newToken {
		t.Fatal("second rotation produced the same token")
	}
}

func TestTokenSessionEndpoints(t *testing.T) {
	rig := newAPIRig(t)

	_, body := rig.call(t, "POST", "/admin/token/sessions/new", testToken,
		map[string]any{"label": "ipad", "mode": "read_only"})
	m := decode(t, body)
	id := m["id"].(string)
	if !strings.HasPrefix(m["token"].(string), "pkt_") {
		t.Fatalf("raw token missing: %v", m)
	}

	_, body = rig.call(t, "GET", "/admin/token/sessions", testToken, nil)
	list := decode(t, body)["sessions"].([]any)
	if len(list) != 1 {
		t.Fatalf("sessions = %v", list)
	}
	row := list[0].(map[string]any)
	if _, leaked := row["token"]; leaked {
		t.Fatal("raw token must never appear in the list")
	}
	if _, leaked := row["tokenHash"]; leaked {
		t.Fatal("hash must not appear in the list")
	}

	resp, _ := rig.call(t, "POST", "/admin/token/sessions/revoke", testToken, map[string]any{"id": id})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("revoke: %d", resp.StatusCode)
	}
	resp, _ = rig.call(t, "POST", "/admin/token/sessions/revoke", testToken, map[string]any{"id": id})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("double revoke: %d, want 404", resp.StatusCode)
	}
}

func seedThread(t *testing.T, rig *apiRig, threadID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := rig.store.Append(context.Background(), store.StoredEvent{
			ThreadID:  threadID,
			Direction: store.DirectionServer,
			Role:      store.RoleAnchor,
			Method:    "thread/event",
			Payload:   json.RawMessage(fmt.Sprintf(`{"seq":%d,"text":"hello number %d"}`, i, i)),
		})
		if err != nil {
			t.Fatalf("seed append: %v", err)
		}
	}
}

func TestThreadEventsNDJSONReplay(t *testing.T) {
	rig := newAPIRig(t)
	seedThread(t, rig, "t1", 3)

	resp, body := rig.call(t, "GET", "/threads/t1/events?order=asc", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}

	lines := strings.Split(strings.TrimSpace(string(body)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d", len(lines))
	}
	var lastID float64
	for i, line := range lines {
		m := decode(t, []byte(line))
		id := m["id"].(float64)
		if i > 0 && id <= lastID {
			t.Fatal("ids not strictly increasing")
		}
		lastID = id
	}

	// order=desc with limit.
	_, body = rig.call(t, "GET", "/threads/t1/events?order=desc&limit=1", testToken, nil)
	m := decode(t, []byte(strings.TrimSpace(string(body))))
	if m["id"].(float64) != lastID {
		t.Fatalf("desc first id = %v, want %v", m["id"], lastID)
	}
}

func TestThreadSearch(t *testing.T) {
	rig := newAPIRig(t)
	seedThread(t, rig, "t1", 2)

	resp, body := rig.call(t, "GET", "/api/threads/t1/search?q=hello", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	matches := decode(t, body)["matches"].([]any)
	if len(matches) != 2 {
		t.Fatalf("matches = %d", len(matches))
	}

	resp, _ = rig.call(t, "GET", "/api/threads/t1/search", testToken, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing q: %d", resp.StatusCode)
	}
}

func TestExportImportRoundTripHTTP(t *testing.T) {
	rig := newAPIRig(t)
	seedThread(t, rig, "t1", 4)

	resp, exported := rig.call(t, "GET", "/api/threads/t1/export?format=json", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("export: %d", resp.StatusCode)
	}

	req, _ := http.NewRequest("POST", rig.srv.URL+"/api/threads/import", bytes.NewReader(exported))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/x-ndjson")
	importResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	defer importResp.Body.Close()
	var importBody bytes.Buffer
	importBody.ReadFrom(importResp.Body)
	if importResp.StatusCode != http.StatusOK {
		t.Fatalf("import status = %d: %s", importResp.StatusCode, importBody.String())
	}
	m := decode(t, importBody.Bytes())
	newThread := m["threadId"].(string)
	if m["events"].(float64) != 4 {
		t.Fatalf("imported count = %v", m["events"])
	}

	// The new thread replays with identical payload bytes.
	_, replay := rig.call(t, "GET", "/api/threads/"+newThread+"/export?format=json", testToken, nil)
	origLines := strings.Split(strings.TrimSpace(string(exported)), "\n")
	newLines := strings.Split(strings.TrimSpace(string(replay)), "\n")
	if len(origLines) != len(newLines) {
		t.Fatalf("line count %d vs %d", len(origLines), len(newLines))
	}
	for i := range origLines {
		var a, b map[string]any
		json.Unmarshal([]byte(origLines[i]), &a)
		json.Unmarshal([]byte(newLines[i]), &b)
		ap, _ := json.Marshal(a["payload"])
		bp, _ := json.Marshal(b["payload"])
		if !bytes.Equal(ap, bp) {
			t.Fatalf("payload %d differs: %s vs %s", i, ap, bp)
		}
	}

	// Markdown export works too.
	resp, md := rig.call(t, "GET", "/api/threads/t1/export?format=markdown", testToken, nil)
	if resp.StatusCode != http.StatusOK || !bytes.Contains(md, []byte("# Thread t1")) {
		t.Fatalf("markdown export: %d %s", resp.StatusCode, md[:40])
	}
}

func TestThreadArchive(t *testing.T) {
	rig := newAPIRig(t)

	resp, body := rig.call(t, "PATCH", "/api/threads/t9/archive", testToken, map[string]any{"archived": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archive: %d", resp.StatusCode)
	}
	if decode(t, body)["archived"] != true {
		t.Fatalf("body = %s", body)
	}

	meta, err := rig.store.GetMetadata(context.Background(), "t9")
	if err != nil || meta == nil || !meta.Archived {
		t.Fatalf("metadata = %+v err %v", meta, err)
	}
}

func TestProvidersConfigMaskedReadAndMergeWrite(t *testing.T) {
	rig := newAPIRig(t)

	// Seed a provider with a secret via PATCH.
	resp, _ := rig.call(t, "PATCH", "/api/config/providers", testToken, map[string]any{
		"claude": map[string]any{"enabled": true, "apiKey": "sk-verysecret", "baseUrl": "http://localhost:9"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: %d", resp.StatusCode)
	}

	_, body := rig.call(t, "GET", "/api/config/providers", testToken, nil)
	providers := decode(t, body)["providers"].(map[string]any)
	claude := providers["claude"].(map[string]any)
	if claude["apiKey"] == "sk-verysecret" {
		t.Fatal("apiKey not masked on read")
	}

	// A masked write keeps the stored secret.
	resp, _ = rig.call(t, "PATCH", "/api/config/providers", testToken, map[string]any{
		"claude": map[string]any{"enabled": true, "apiKey": claude["apiKey"], "model": "claude-x"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("masked patch: %d", resp.StatusCode)
	}
	saved, err := config.Load(rig.cfgPath)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if saved.Providers["claude"].APIKey != "sk-verysecret" {
		t.Fatalf("stored secret lost: %q", saved.Providers["claude"].APIKey)
	}
	if saved.Providers["claude"].Model != "claude-x" {
		t.Fatal("patched field not persisted")
	}

	// Invalid patches are rejected.
	resp, _ = rig.call(t, "PATCH", "/api/config/providers", testToken, map[string]any{
		"claude": map[string]any{"nonsense": 1},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid patch: %d", resp.StatusCode)
	}
}

func TestUploadFlow(t *testing.T) {
	rig := newAPIRig(t)

	_, body := rig.call(t, "POST", "/uploads/new", testToken, map[string]any{"mime": "image/png"})
	token := decode(t, body)["token"].(string)

	// Mismatched content type is rejected.
	req, _ := http.NewRequest("PUT", rig.srv.URL+"/uploads/"+token, strings.NewReader("data"))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("mismatched mime: %d", resp.StatusCode)
	}

	// Matching upload succeeds.
	req, _ = http.NewRequest("PUT", rig.srv.URL+"/uploads/"+token, strings.NewReader("png-bytes"))
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "image/png")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put: %d", resp.StatusCode)
	}

	// Capability read needs no bearer token.
	getResp, err := http.Get(rig.srv.URL + "/u/" + token)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer getResp.Body.Close()
	var served bytes.Buffer
	served.ReadFrom(getResp.Body)
	if getResp.StatusCode != http.StatusOK || served.String() != "png-bytes" {
		t.Fatalf("serve: %d %q", getResp.StatusCode, served.String())
	}
	if ct := getResp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("served content type = %q", ct)
	}

	// Unknown tokens 404.
	missResp, _ := http.Get(rig.srv.URL + "/u/up_nope")
	missResp.Body.Close()
	if missResp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown token: %d", missResp.StatusCode)
	}
}

func TestAdminValidate(t *testing.T) {
	rig := newAPIRig(t)
	resp, body := rig.call(t, "GET", "/admin/validate", testToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	m := decode(t, body)
	checks := m["checks"].([]any)
	if len(checks) == 0 {
		t.Fatal("no checks reported")
	}
	// No anchor is connected in this rig, so overall ok is false.
	if m["ok"] != false {
		t.Fatalf("expected ok=false without an anchor, got %v", m["ok"])
	}
}

func TestCLIRunAllowList(t *testing.T) {
	rig := newAPIRig(t)

	resp, _ := rig.call(t, "POST", "/admin/cli/run", testToken, map[string]any{
		"command": "rm", "args": []string{"-rf", "/"},
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("disallowed command: %d, want 403", resp.StatusCode)
	}
}
