package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/ddevalco/codex-pocket/internal/pocket/auth"
	"github.com/ddevalco/codex-pocket/internal/pocket/config"
	"github.com/ddevalco/codex-pocket/internal/pocket/provider"
	"github.com/ddevalco/codex-pocket/internal/pocket/store"
)

// handleAdminStatus reports anchor and adapter health, reliability
// counters, and token-session stats.
func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request, _ *auth.Context) {
	stats, err := s.store.TokenSessionStats(r.Context())
	if err != nil {
		slog.Warn("admin/status: token stats", "err", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"anchors": map[string]any{
			"connected": s.hub.AnchorCount(),
		},
		"clients":       s.hub.ClientCount(),
		"providers":     s.registry.HealthAll(r.Context()),
		"counters":      s.counters.Snapshot(),
		"tokenSessions": stats,
		"pairingCodes":  s.auth.PairingCount(),
		"uptimeSeconds": time.Since(s.startedAt).Seconds(),
	})
}

// handleAdminValidate runs the non-mutating self-check.
func (s *Server) handleAdminValidate(w http.ResponseWriter, r *http.Request, _ *auth.Context) {
	type check struct {
		Name  string `json:"name"`
		OK    bool   `json:"ok"`
		Error string `json:"error,omitempty"`
	}
	var checks []check
	add := func(name string, err error) {
		c := check{Name: name, OK: err == nil}
		if err != nil {
			c.Error = err.Error()
		}
		checks = append(checks, c)
	}

	cfg := s.snapshotConfig()
	add("config", cfg.Validate())
	_, dbErr := s.store.EventCount(r.Context())
	add("database", dbErr)
	add("uploadDir", writableDir(s.uploads.Dir()))
	if s.hub.AnchorCount() == 0 {
		add("anchor", errors.New("no anchor connected"))
	} else {
		add("anchor", nil)
	}
	for _, h := range s.registry.HealthAll(r.Context()) {
		if h.State == provider.Healthy || h.State == provider.Unknown {
			add("provider/"+h.Provider, nil)
		} else {
			add("provider/"+h.Provider, fmt.Errorf("%s: %s", h.State, h.Message))
		}
	}

	ok := true
	for _, c := range checks {
		if !c.OK {
			ok = false
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": ok, "checks": checks})
}

func writableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	probe := dir + "/.probe"
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return err
	}
	return os.Remove(probe)
}

// repairActions is the whitelist of safe repairs.
var repairActions = map[string]struct{}{
	"ensureUploadDir": {},
	"pruneUploads":    {},
	"pruneEvents":     {},
}

// handleAdminRepair executes one whitelisted repair action.
func (s *Server) handleAdminRepair(w http.ResponseWriter, r *http.Request, _ *auth.Context) {
	var req struct {
		Action string `json:"action"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if _, ok := repairActions[req.Action]; !ok {
		writeError(w, http.StatusBadRequest, "unknown repair action")
		return
	}

	var result any
	var err error
	switch req.Action {
	case "ensureUploadDir":
		err = s.uploads.EnsureDir()
	case "pruneUploads":
		result, err = s.uploads.Prune(r.Context())
	case "pruneEvents":
		cfg := s.snapshotConfig()
		cutoff := time.Now().AddDate(0, 0, -cfg.RetentionDays)
		result, err = s.store.PruneEventsBefore(r.Context(), cutoff)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"action": req.Action, "ok": true, "result": result})
}

// handleTokenRotate rotates the legacy token: new value in memory and in
// the config file, then every socket is closed and pairing codes die.
func (s *Server) handleTokenRotate(w http.ResponseWriter, r *http.Request, _ *auth.Context) {
	token, err := s.auth.Rotate()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.cfgMu.Lock()
	s.cfg.Token = token
	saveErr := config.Save(s.cfgPath, s.cfg)
	s.cfgMu.Unlock()
	if saveErr != nil {
		slog.Error("token rotate: persist config", "err", saveErr)
	}

	s.hub.CloseAll("token rotated")
	slog.Info("legacy token rotated; sockets closed")

	writeJSON(w, http.StatusOK, map[string]any{"token": token})
}

// handleTokenSessionList lists per-device sessions (hashes only).
func (s *Server) handleTokenSessionList(w http.ResponseWriter, r *http.Request, _ *auth.Context) {
	sessions, err := s.store.ListTokenSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type row struct {
		ID         string     `json:"id"`
		Label      string     `json:"label"`
		Mode       string     `json:"mode"`
		CreatedAt  time.Time  `json:"createdAt"`
		LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
		RevokedAt  *time.Time `json:"revokedAt,omitempty"`
	}
	rows := make([]row, 0, len(sessions))
	for _, ts := range sessions {
		rows = append(rows, row{
			ID:         ts.ID,
			Label:      ts.Label,
			Mode:       ts.Mode,
			CreatedAt:  ts.CreatedAt,
			LastUsedAt: ts.LastUsedAt,
			RevokedAt:  ts.RevokedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": rows})
}

// handleTokenSessionNew mints a per-device token; the raw value appears in
// this response and never again.
func (s *Server) handleTokenSessionNew(w http.ResponseWriter, r *http.Request, _ *auth.Context) {
	var req struct {
		Label string `json:"label"`
		Mode  string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if req.Mode == "" {
		req.Mode = store.ModeFull
	}
	if req.Mode != store.ModeFull && req.Mode != store.ModeReadOnly {
		writeError(w, http.StatusBadRequest, "mode must be full or read_only")
		return
	}

	raw, ts, err := s.auth.MintSession(r.Context(), req.Label, req.Mode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":    ts.ID,
		"token": raw,
		"label": ts.Label,
		"mode":  ts.Mode,
	})
}

// handleTokenSessionRevoke revokes a per-device token.
func (s *Server) handleTokenSessionRevoke(w http.ResponseWriter, r *http.Request, _ *auth.Context) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if err := s.store.RevokeTokenSession(r.Context(), req.ID); err != nil {
		if errors.Is(err, store.ErrTokenSessionNotFound) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"revoked": req.ID})
}

// handlePairNew mints a one-time pairing code. Rate-limited.
func (s *Server) handlePairNew(w http.ResponseWriter, r *http.Request, _ *auth.Context) {
	if !s.allow(w, r, scopePairNew) {
		return
	}

	var req struct {
		Label string `json:"label"`
		Mode  string `json:"mode"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) // an empty body means defaults
	}
	if req.Mode == "" {
		req.Mode = store.ModeFull
	}

	code, expiresAt, err := s.auth.NewPairingCode(r.Context(), req.Label, req.Mode)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":      code,
		"expiresAt": expiresAt,
	})
}

// handlePairConsume exchanges a pairing code for its token, exactly once.
// Unauthenticated by design: the code is the credential.
func (s *Server) handlePairConsume(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	token, sessionID, err := s.auth.ConsumePairing(r.Context(), req.Code)
	if err != nil {
		if errors.Is(err, auth.ErrUnknownCode) {
			writeError(w, http.StatusGone, "code not valid or already used")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     token,
		"sessionId": sessionID,
	})
}

// handlePairQR renders the pair URL for a code as an SVG QR.
func (s *Server) handlePairQR(w http.ResponseWriter, r *http.Request, _ *auth.Context) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	cfg := s.snapshotConfig()
	pairURL := fmt.Sprintf("http://%s/pair?code=%s", cfg.Addr(), url.QueryEscape(code))

	svg, err := qrSVG(pairURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Write(svg)
}

// qrSVG renders the QR bitmap as SVG rects.
func qrSVG(content string) ([]byte, error) {
	qr, err := qrcode.New(content, qrcode.Medium)
	if err != nil {
		return nil, fmt.Errorf("qr encode: %w", err)
	}
	bitmap := qr.Bitmap()
	n := len(bitmap)

	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 %d %d" shape-rendering="crispEdges">`, n, n)
	b.WriteString(`<rect width="100%" height="100%" fill="#ffffff"/>`)
	for y, row := range bitmap {
		for x, filled := range row {
			if filled {
				fmt.Fprintf(&b, `<rect x="%d" y="%d" width="1" height="1" fill="#000000"/>`, x, y)
			}
		}
	}
	b.WriteString(`</svg>`)
	return []byte(b.String()), nil
}

// cliAllowList names the binaries /admin/cli/run may invoke.
var cliAllowList = map[string]struct{}{
	"codex":     {},
	"claude":    {},
	"tailscale": {},
}

// cliTimeout bounds one bridged CLI invocation.
const cliTimeout = 30 * time.Second

// handleCLIRun executes one allow-listed local CLI invocation.
func (s *Server) handleCLIRun(w http.ResponseWriter, r *http.Request, _ *auth.Context) {
	var req struct {
		Command string   `json:"command"`
		Args    []string `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if _, ok := cliAllowList[req.Command]; !ok {
		writeError(w, http.StatusForbidden, "command not allowed")
		return
	}
	if len(req.Args) > 32 {
		writeError(w, http.StatusBadRequest, "too many arguments")
		return
	}

	ctx, cancel := contextWithGrace(cliTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	out, err := cmd.CombinedOutput()

	resp := map[string]any{
		"command": req.Command,
		"output":  string(out),
	}
	if err != nil {
		resp["error"] = err.Error()
		if exitErr, ok := err.(*exec.ExitError); ok {
			resp["exitCode"] = exitErr.ExitCode()
		}
	} else {
		resp["exitCode"] = 0
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleProvidersGet returns the providers block with secrets masked.
func (s *Server) handleProvidersGet(w http.ResponseWriter, r *http.Request, _ *auth.Context) {
	cfg := s.snapshotConfig()
	writeJSON(w, http.StatusOK, map[string]any{"providers": cfg.MaskedProviders()})
}

// handleProvidersPatch merge-writes the providers block, validates, and
// persists. Enabling a previously-disabled adapter still requires a
// process restart; capabilities re-render on the next thread list.
func (s *Server) handleProvidersPatch(w http.ResponseWriter, r *http.Request, _ *auth.Context) {
	var patch map[string]provider.Config
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	if err := s.cfg.MergeProviders(patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := config.Save(s.cfgPath, s.cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"providers":       s.cfg.MaskedProviders(),
		"restartRequired": true,
	})
}
