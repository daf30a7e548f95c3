package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/crosspartition/bedrock-gateway/internal/audit"
	"github.com/crosspartition/bedrock-gateway/internal/auth"
	"github.com/crosspartition/bedrock-gateway/internal/bedrock"
	gwCache "github.com/crosspartition/bedrock-gateway/internal/cache"
	"github.com/crosspartition/bedrock-gateway/internal/credentials"
	"github.com/crosspartition/bedrock-gateway/internal/endpoints"
	"github.com/crosspartition/bedrock-gateway/internal/gateway"
	"github.com/crosspartition/bedrock-gateway/internal/metrics"
	"github.com/crosspartition/bedrock-gateway/internal/ratelimit"
)

// initInfra establishes optional external connections. Redis is required
// when the catalog cache runs on it or a rate limit is set; the audit store
// depends on AUDIT_MODE.
func (a *App) initInfra(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if a.cfg.Cache.Mode == "redis" || a.cfg.RateLimit.RPMLimit > 0 {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	var store audit.Store
	switch a.cfg.Audit.Mode {
	case "clickhouse":
		a.log.Info("connecting to clickhouse", slog.String("url", redactURL(a.cfg.Audit.ClickHouseURL)))
		ch, err := audit.NewClickHouseStore(ctx, a.cfg.Audit.ClickHouseURL)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		store = ch
	case "stdout":
		store = audit.NewStdoutStore(a.log)
	}

	auditor, err := audit.New(ctx, store, a.log)
	if err != nil {
		return fmt.Errorf("audit: %w", err)
	}
	a.auditor = auditor

	return nil
}

// initCredentials selects the bearer-token source. A statically provisioned
// token wins over the secret store; config validation guarantees one of the
// two is set.
func (a *App) initCredentials(_ context.Context) error {
	var source credentials.Source
	if a.cfg.Credential.BearerToken != "" {
		source = credentials.StaticSource{Token: a.cfg.Credential.BearerToken}
		a.log.Info("credential source: static token")
	} else {
		source = &credentials.SecretStoreSource{URL: a.cfg.Credential.SecretURL}
		a.log.Info("credential source: secret store",
			slog.String("url", redactURL(a.cfg.Credential.SecretURL)))
	}

	a.creds = credentials.NewProvider(source, a.log,
		credentials.WithTTL(a.cfg.Credential.TTL),
		credentials.WithRefreshObserver(a.prom.RecordCredentialRefresh),
	)

	return nil
}

// initServices creates the catalog cache, the vpn endpoint monitor, and the
// Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// Wraps the already-connected client in initGateway.
		a.log.Info("catalog cache: redis")

	case "memory":
		a.memCache = gwCache.NewMemoryCache(ctx)
		a.log.Info("catalog cache: memory (in-process)")

	case "none":
		a.log.Info("catalog cache: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	if a.cfg.VPNEnabled() {
		eps := []endpoints.Endpoint{
			{Name: "secrets", URL: a.cfg.VPN.SecretsEndpoint, Critical: true},
			{Name: "bedrock-runtime", URL: a.cfg.Bedrock.VPNRuntimeEndpoint, Critical: true},
		}
		if a.cfg.VPN.AuditEndpoint != "" {
			eps = append(eps, endpoints.Endpoint{Name: "audit", URL: a.cfg.VPN.AuditEndpoint})
		}
		if a.cfg.VPN.MonitoringEndpoint != "" {
			eps = append(eps, endpoints.Endpoint{Name: "monitoring", URL: a.cfg.VPN.MonitoringEndpoint})
		}
		a.monitor = endpoints.NewMonitor(eps, a.log,
			endpoints.WithStalenessWindow(a.cfg.VPN.StalenessWindow))
		a.log.Info("vpn endpoint monitor enabled", slog.Int("endpoints", len(eps)))
	}

	return nil
}

// initGateway wires together both routing paths with all configured
// subsystems.
func (a *App) initGateway(_ context.Context) error {
	var catalogCache gwCache.Cache
	switch a.cfg.Cache.Mode {
	case "redis":
		catalogCache = gwCache.NewRedisCacheFromClient(a.rdb)
	case "memory":
		catalogCache = a.memCache
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	authz := auth.New(a.cfg.Auth.InternetKeys, a.cfg.Auth.VPNKeys, a.cfg.Auth.AdminKeys)

	internetClient := bedrock.New(
		a.cfg.Bedrock.RuntimeEndpoint,
		a.cfg.Bedrock.ControlEndpoint,
		bedrock.WithTimeout(downstreamTimeout(a.cfg.Deadlines.Internet)),
	)

	opts := gateway.Options{
		Logger:           a.log,
		Metrics:          a.prom,
		Health:           a.monitor,
		InternetDeadline: a.cfg.Deadlines.Internet,
		VPNDeadline:      a.cfg.Deadlines.VPN,
		CatalogTTL:       a.cfg.Cache.TTL,
		BreakerConfig: endpoints.BreakerConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	}

	if a.cfg.VPNEnabled() {
		opts.VPNClient = bedrock.New(
			a.cfg.Bedrock.VPNRuntimeEndpoint,
			a.cfg.Bedrock.ControlEndpoint,
			bedrock.WithTimeout(downstreamTimeout(a.cfg.Deadlines.VPN)),
		)
	}

	gw := gateway.New(a.baseCtx, authz, a.creds, internetClient, opts)

	// ── Optional subsystems ──────────────────────────────────────────────────

	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiter(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	gw.SetAuditLogger(a.auditor)
	gw.SetCatalogCache(catalogCache)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &gateway.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// downstreamTimeout leaves headroom between the downstream call timeout and
// the path deadline so error normalization and audit logging finish inside
// the deadline.
func downstreamTimeout(deadline time.Duration) time.Duration {
	headroom := 5 * time.Second
	if deadline <= 10*time.Second {
		headroom = time.Second
	}
	return deadline - headroom
}
