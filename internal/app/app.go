// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra       — metrics registry, external connections (Redis, audit store)
//  2. initCredentials — downstream bearer-token provider
//  3. initServices    — catalog cache, endpoint monitor
//  4. initGateway     — routing paths + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/crosspartition/bedrock-gateway/internal/audit"
	gwCache "github.com/crosspartition/bedrock-gateway/internal/cache"
	"github.com/crosspartition/bedrock-gateway/internal/config"
	"github.com/crosspartition/bedrock-gateway/internal/credentials"
	"github.com/crosspartition/bedrock-gateway/internal/endpoints"
	"github.com/crosspartition/bedrock-gateway/internal/gateway"
	"github.com/crosspartition/bedrock-gateway/internal/metrics"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb     *redis.Client
	auditor *audit.Logger

	memCache *gwCache.MemoryCache
	monitor  *endpoints.Monitor
	creds    *credentials.Provider

	prom *metrics.Registry

	mgmt *gateway.ManagementRoutes
	gw   *gateway.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"credentials", a.initCredentials},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Bool("vpn_enabled", a.cfg.VPNEnabled()),
		slog.String("audit_mode", a.cfg.Audit.Mode),
		slog.String("cache_mode", a.cfg.Cache.Mode),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	if a.monitor != nil {
		g.Go(func() error {
			a.healthLoop(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// healthLoop keeps the vpn endpoint records warm so the per-request gate
// mostly hits fresh cache entries. The interval stays under the staleness
// window.
func (a *App) healthLoop(ctx context.Context) {
	interval := a.cfg.VPN.StalenessWindow / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.publishHealth(a.monitor.CheckAll(ctx))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.publishHealth(a.monitor.CheckAll(ctx))
		}
	}
}

func (a *App) publishHealth(records map[string]endpoints.Record) {
	for name, rec := range records {
		if a.prom != nil {
			a.prom.SetEndpointHealth(name, rec.Healthy)
		}
		if !rec.Healthy {
			a.log.Warn("endpoint unhealthy",
				slog.String("endpoint", name),
				slog.String("error", rec.LastError),
			)
		}
	}
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.auditor != nil {
		a.auditor.Close()
		a.auditor = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
