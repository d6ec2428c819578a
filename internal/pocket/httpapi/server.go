// Package httpapi exposes the relay's HTTP surface: health, admin
// operations, thread replay/search/export, provider config, pairing, and
// capability-URL uploads.
package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ddevalco/codex-pocket/common/trace"
	"github.com/ddevalco/codex-pocket/common/version"
	"github.com/ddevalco/codex-pocket/internal/pocket/auth"
	"github.com/ddevalco/codex-pocket/internal/pocket/config"
	"github.com/ddevalco/codex-pocket/internal/pocket/observability"
	"github.com/ddevalco/codex-pocket/internal/pocket/provider"
	"github.com/ddevalco/codex-pocket/internal/pocket/ratelimit"
	"github.com/ddevalco/codex-pocket/internal/pocket/relay"
	"github.com/ddevalco/codex-pocket/internal/pocket/store"
	"github.com/ddevalco/codex-pocket/internal/pocket/titles"
	"github.com/ddevalco/codex-pocket/internal/pocket/uploads"
)

// Rate-limit scopes.
const (
	scopePairNew    = "admin/pair/new"
	scopeUploadsNew = "uploads/new"
)

// Server wires the HTTP handlers to their collaborators.
type Server struct {
	cfgPath string

	cfgMu sync.Mutex
	cfg   *config.Config

	auth     *auth.Service
	store    *store.Store
	registry *provider.Registry
	hub      *relay.Hub
	titles   *titles.Store
	uploads  *uploads.Manager
	limiter  *ratelimit.Limiter
	counters *observability.Counters

	startedAt  time.Time
	httpServer *http.Server
}

// New creates the Server.
func New(cfgPath string, cfg *config.Config, authSvc *auth.Service, st *store.Store, reg *provider.Registry, hub *relay.Hub, titleStore *titles.Store, up *uploads.Manager, counters *observability.Counters) *Server {
	return &Server{
		cfgPath:  cfgPath,
		cfg:      cfg,
		auth:     authSvc,
		store:    st,
		registry: reg,
		hub:      hub,
		titles:   titleStore,
		uploads:  up,
		counters: counters,
		limiter: ratelimit.New(map[string]ratelimit.Scope{
			scopePairNew:    {Limit: 6, Window: time.Minute},
			scopeUploadsNew: {Limit: 30, Window: time.Minute},
		}),
		startedAt: time.Now(),
	}
}

// Handler builds the full route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Unauthenticated surface.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("POST /pair/consume", s.handlePairConsume)
	mux.HandleFunc("GET /u/{token}", s.handleUploadServe)

	// WebSocket endpoints authenticate inside the hub.
	mux.HandleFunc("/ws", s.hub.HandleClient)
	mux.HandleFunc("/ws/client", s.hub.HandleClient)
	mux.HandleFunc("/ws/anchor", s.hub.HandleAnchor)

	// Bearer-guarded surface.
	mux.Handle("GET /admin/status", s.requireAuth(false, s.handleAdminStatus))
	mux.Handle("GET /admin/validate", s.requireAuth(false, s.handleAdminValidate))
	mux.Handle("POST /admin/repair", s.requireAuth(true, s.handleAdminRepair))
	mux.Handle("POST /admin/token/rotate", s.requireAuth(true, s.handleTokenRotate))
	mux.Handle("GET /admin/token/sessions", s.requireAuth(false, s.handleTokenSessionList))
	mux.Handle("POST /admin/token/sessions/new", s.requireAuth(true, s.handleTokenSessionNew))
	mux.Handle("POST /admin/token/sessions/revoke", s.requireAuth(true, s.handleTokenSessionRevoke))
	mux.Handle("POST /admin/pair/new", s.requireAuth(true, s.handlePairNew))
	mux.Handle("GET /admin/pair/qr.svg", s.requireAuth(false, s.handlePairQR))
	mux.Handle("POST /admin/cli/run", s.requireAuth(true, s.handleCLIRun))

	mux.Handle("GET /threads/{id}/events", s.requireAuth(false, s.handleThreadEvents))
	mux.Handle("GET /api/threads/{id}/search", s.requireAuth(false, s.handleThreadSearch))
	mux.Handle("GET /api/threads/{id}/export", s.requireAuth(false, s.handleThreadExport))
	mux.Handle("POST /api/threads/import", s.requireAuth(true, s.handleThreadImport))
	mux.Handle("PATCH /api/threads/{id}/archive", s.requireAuth(true, s.handleThreadArchive))

	mux.Handle("GET /api/config/providers", s.requireAuth(false, s.handleProvidersGet))
	mux.Handle("PATCH /api/config/providers", s.requireAuth(true, s.handleProvidersPatch))

	mux.Handle("POST /uploads/new", s.requireAuth(true, s.handleUploadNew))
	mux.Handle("PUT /uploads/{token}", s.requireAuth(true, s.handleUploadPut))

	return mux
}

// Start begins listening in the background. Blocks until the listener is
// established so the caller knows the port is open before returning.
func (s *Server) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("httpapi: listen %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("http server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server stopped", "err", err)
		}
	}()
	return ln.Addr(), nil
}

// Stop shuts the HTTP server down with a bounded grace period.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := contextWithGrace(5 * time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Warn("http server shutdown error", "err", err)
	}
}

// authedHandler receives the resolved auth context.
type authedHandler func(w http.ResponseWriter, r *http.Request, authCtx *auth.Context)

// requireAuth resolves the bearer token. When write is true, read-only
// scopes are rejected with 401 — a read-only device must not mutate
// anything over HTTP.
func (s *Server) requireAuth(write bool, next authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, _ := trace.Ensure(r.Context())
		r = r.WithContext(ctx)

		authCtx, err := s.auth.Authenticate(r.Context(), bearerToken(r))
		if err != nil {
			s.counters.AuthFailures.Add(1)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if write && authCtx.ReadOnly() {
			s.counters.AuthFailures.Add(1)
			writeError(w, http.StatusUnauthorized, "read-only token session cannot write")
			return
		}
		next(w, r, authCtx)
	})
}

// bearerToken pulls the token from the Authorization header or ?token=.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return r.URL.Query().Get("token")
}

// rateLimitKey derives the limiter key: forwarded client IP when present
// plus a token suffix, falling back to the user-agent prefix.
func rateLimitKey(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}
	if i := strings.Index(ip, ","); i > 0 {
		ip = ip[:i]
	}

	token := bearerToken(r)
	var suffix string
	if token != "" {
		// A short digest of the token, not the token itself, so limiter
		// keys never hold secret material.
		sum := sha256.Sum256([]byte(token))
		suffix = hex.EncodeToString(sum[:8])
	}

	if ip == "" && suffix == "" {
		ua := r.UserAgent()
		if len(ua) > 32 {
			ua = ua[:32]
		}
		return "ua:" + ua
	}
	return ip + "#" + suffix
}

// allow applies the scope's rate limit, answering 429 with Retry-After on
// exhaustion.
func (s *Server) allow(w http.ResponseWriter, r *http.Request, scope string) bool {
	res := s.limiter.Allow(scope, rateLimitKey(r))
	if res.Allowed {
		return true
	}
	s.counters.RateLimited.Add(1)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(res.RetryAfter.Seconds())))
	writeError(w, http.StatusTooManyRequests, "rate limited")
	return false
}

// snapshotConfig returns the live config under the lock.
func (s *Server) snapshotConfig() *config.Config {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	return s.cfg
}

func contextWithGrace(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("httpapi: encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// handleHealth is the unauthenticated liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.snapshotConfig()
	eventCount, _ := s.store.EventCount(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       version.Version,
		"host":          cfg.Host,
		"port":          cfg.Port,
		"anchorRunning": s.hub.AnchorCount() > 0,
		"anchors":       s.hub.AnchorCount(),
		"clients":       s.hub.ClientCount(),
		"events":        eventCount,
		"uptimeSeconds": time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":   version.Version,
		"commit":    version.GitCommit,
		"buildTime": version.BuildTime,
	})
}
