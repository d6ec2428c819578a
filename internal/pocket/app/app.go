// Package app assembles the relay server: store, auth, provider registry,
// approval manager, relay hub, and the HTTP surface, plus the background
// maintenance loops and orderly shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ddevalco/codex-pocket/internal/pocket/approval"
	"github.com/ddevalco/codex-pocket/internal/pocket/auth"
	"github.com/ddevalco/codex-pocket/internal/pocket/config"
	"github.com/ddevalco/codex-pocket/internal/pocket/httpapi"
	"github.com/ddevalco/codex-pocket/internal/pocket/observability"
	"github.com/ddevalco/codex-pocket/internal/pocket/provider"
	"github.com/ddevalco/codex-pocket/internal/pocket/provider/acp"
	"github.com/ddevalco/codex-pocket/internal/pocket/provider/claude"
	"github.com/ddevalco/codex-pocket/internal/pocket/relay"
	"github.com/ddevalco/codex-pocket/internal/pocket/store"
	"github.com/ddevalco/codex-pocket/internal/pocket/titles"
	"github.com/ddevalco/codex-pocket/internal/pocket/uploads"
)

// eventPruneInterval schedules the retention sweep.
const eventPruneInterval = 6 * time.Hour

// App is the assembled relay server.
type App struct {
	cfgPath string
	cfg     *config.Config

	store     *store.Store
	auth      *auth.Service
	registry  *provider.Registry
	approvals *approval.Manager
	hub       *relay.Hub
	titles    *titles.Store
	uploads   *uploads.Manager
	counters  *observability.Counters
	anchor    *anchorAdapter
	server    *httpapi.Server

	cancel context.CancelFunc
}

// New wires the application. The config must already be validated.
func New(cfgPath string, cfg *config.Config) (*App, error) {
	slog.Info("opening database", "path", cfg.DB)
	if err := os.MkdirAll(filepath.Dir(cfg.DB), 0o755); err != nil {
		return nil, fmt.Errorf("ensure data dir: %w", err)
	}
	st, err := store.New(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	authSvc := auth.NewService(cfg.Token, st)
	counters := observability.NewCounters()
	approvals := approval.NewManager(approval.DefaultTTL)
	titleStore := titles.NewStore(filepath.Join(filepath.Dir(cfg.DB), "titles.json"))
	uploadMgr := uploads.NewManager(cfg.UploadDir, st, cfg.UploadRetentionDays)

	anchor := newAnchorAdapter(config.DefaultProviderID)
	registry := buildRegistry(anchor, cfg.Providers)
	registry.StartAll(context.Background())

	hub := relay.New(authSvc, st, registry, approvals, titleStore, counters)
	anchor.setConnectedProbe(func() bool { return hub.AnchorCount() > 0 })

	server := httpapi.New(cfgPath, cfg, authSvc, st, registry, hub, titleStore, uploadMgr, counters)

	return &App{
		cfgPath:   cfgPath,
		cfg:       cfg,
		store:     st,
		auth:      authSvc,
		registry:  registry,
		approvals: approvals,
		hub:       hub,
		titles:    titleStore,
		uploads:   uploadMgr,
		counters:  counters,
		anchor:    anchor,
		server:    server,
	}, nil
}

// buildRegistry registers the anchor plus every configured provider. The
// factory for a provider follows its transport: a baseUrl means the HTTP
// adapter, an executablePath means the subprocess ACP adapter.
func buildRegistry(anchor *anchorAdapter, providers map[string]provider.Config) *provider.Registry {
	registry := provider.NewRegistry(config.DefaultProviderID)
	registry.Register(config.DefaultProviderID,
		func(string, provider.Config) (provider.Adapter, error) { return anchor, nil },
		providers[config.DefaultProviderID])

	for id, cfg := range providers {
		if id == config.DefaultProviderID {
			continue
		}
		factory := acp.Factory
		if cfg.BaseURL != "" {
			factory = claude.Factory
		}
		registry.Register(id, factory, cfg)
	}
	return registry
}

// Run starts the HTTP listener and maintenance loops, then blocks until
// SIGINT/SIGTERM triggers the orderly shutdown.
func (a *App) Run() error {
	if err := a.uploads.EnsureDir(); err != nil {
		return err
	}
	if _, err := a.server.Start(a.cfg.Addr()); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	go a.maintenanceLoop(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())

	a.Stop()
	return nil
}

// Stop performs the orderly shutdown: HTTP first, then adapters (their
// pending approvals cancel), then the store.
func (a *App) Stop() {
	if a.cancel != nil {
		a.cancel()
	}

	a.server.Stop()
	a.hub.CloseAll("shutting down")

	for _, adapter := range a.registry.List() {
		a.approvals.CancelForProvider(adapter.ID())
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), provider.StopGrace+time.Second)
	a.registry.StopAll(stopCtx)
	cancel()

	if err := a.store.Close(); err != nil {
		slog.Warn("store close", "err", err)
	}
}

// maintenanceLoop runs the retention sweeps.
func (a *App) maintenanceLoop(ctx context.Context) {
	eventTicker := time.NewTicker(eventPruneInterval)
	defer eventTicker.Stop()

	uploadInterval := time.Duration(a.cfg.UploadPruneIntervalHours) * time.Hour
	uploadTicker := time.NewTicker(uploadInterval)
	defer uploadTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-eventTicker.C:
			cutoff := time.Now().AddDate(0, 0, -a.cfg.RetentionDays)
			if n, err := a.store.PruneEventsBefore(ctx, cutoff); err != nil {
				a.counters.StoreErrors.Add(1)
				slog.Error("event retention prune", "err", err)
			} else if n > 0 {
				slog.Info("pruned events", "rows", n, "olderThanDays", a.cfg.RetentionDays)
			}
		case <-uploadTicker.C:
			if n, err := a.uploads.Prune(ctx); err != nil {
				slog.Error("upload prune", "err", err)
			} else if n > 0 {
				slog.Info("pruned uploads", "rows", n)
			}
		}
	}
}
