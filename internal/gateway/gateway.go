// Package gateway is the dual-routing request orchestrator.
//
// One Gateway serves both path prefixes: /v1/bedrock (internet) and
// /v1/vpn/bedrock (vpn). The two entry points share every component — the
// authorizer, the credential provider, the error normalizer, the audit
// trail — and differ only in downstream endpoint, request deadline, and the
// vpn path's health gate. Equivalent failures must produce equivalent error
// bodies on both paths.
//
// Key design constraints:
//   - Audit writes are fire-and-forget; a broken audit backend never changes
//     the caller-visible response.
//   - Rate limiter, catalog cache, audit logger, and metrics are optional
//     and nil-safe.
//   - All I/O uses context.Context so the per-path deadline propagates.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/crosspartition/bedrock-gateway/internal/audit"
	"github.com/crosspartition/bedrock-gateway/internal/auth"
	"github.com/crosspartition/bedrock-gateway/internal/bedrock"
	"github.com/crosspartition/bedrock-gateway/internal/cache"
	"github.com/crosspartition/bedrock-gateway/internal/credentials"
	"github.com/crosspartition/bedrock-gateway/internal/endpoints"
	"github.com/crosspartition/bedrock-gateway/internal/metrics"
	"github.com/crosspartition/bedrock-gateway/internal/ratelimit"
	"github.com/crosspartition/bedrock-gateway/internal/routing"
	"github.com/crosspartition/bedrock-gateway/pkg/apierr"
)

const (
	defaultInternetDeadline = 30 * time.Second
	defaultVPNDeadline      = 45 * time.Second

	// healthGateTimeout bounds the vpn health gate so an unhealthy endpoint
	// fails the request fast instead of consuming the full deadline.
	healthGateTimeout = 5 * time.Second

	catalogCacheHIT  = "HIT"
	catalogCacheMISS = "MISS"
)

// Options holds optional tuning parameters for a Gateway. All fields have
// sensible defaults and can be omitted.
type Options struct {
	// Logger is the structured logger for request events. Defaults to
	// slog.Default.
	Logger *slog.Logger

	// Metrics enables Prometheus collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// VPNClient serves the vpn path. When nil the vpn routes return a
	// vpn_specific error.
	VPNClient *bedrock.Client

	// Health is the vpn endpoint monitor. When nil the vpn health gate is
	// skipped (internet-only deployments).
	Health *endpoints.Monitor

	// BreakerConfig tunes the per-endpoint circuit breaker. Zero values use
	// the package defaults.
	BreakerConfig endpoints.BreakerConfig

	// InternetDeadline / VPNDeadline bound a whole request per path.
	// Defaults: 30s / 45s.
	InternetDeadline time.Duration
	VPNDeadline      time.Duration

	// CatalogTTL is the model catalog cache TTL. Default: cache.DefaultTTL.
	CatalogTTL time.Duration
}

// Gateway dispatches inference traffic between the two routing paths. All
// dependencies are injected so tests can swap in doubles.
type Gateway struct {
	authz    *auth.Authorizer
	creds    *credentials.Provider
	internet *bedrock.Client
	vpn      *bedrock.Client
	health   *endpoints.Monitor
	breaker  *endpoints.Breaker

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	internetDeadline time.Duration
	vpnDeadline      time.Duration
	catalogTTL       time.Duration

	// Optional dependencies — nil-safe when not configured.
	limiter *ratelimit.RPMLimiter
	auditor *audit.Logger
	catalog cache.Cache

	corsOrigins []string
}

// New creates a Gateway. authz, creds, and internetClient are required; the
// vpn path and all optional subsystems come in through opts and setters.
func New(baseCtx context.Context, authz *auth.Authorizer, creds *credentials.Provider, internetClient *bedrock.Client, opts Options) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	internetDeadline := opts.InternetDeadline
	if internetDeadline <= 0 {
		internetDeadline = defaultInternetDeadline
	}
	vpnDeadline := opts.VPNDeadline
	if vpnDeadline <= 0 {
		vpnDeadline = defaultVPNDeadline
	}
	catalogTTL := opts.CatalogTTL
	if catalogTTL <= 0 {
		catalogTTL = cache.DefaultTTL
	}

	return &Gateway{
		authz:            authz,
		creds:            creds,
		internet:         internetClient,
		vpn:              opts.VPNClient,
		health:           opts.Health,
		breaker:          endpoints.NewBreaker(opts.BreakerConfig),
		baseCtx:          baseCtx,
		log:              log,
		metrics:          opts.Metrics,
		internetDeadline: internetDeadline,
		vpnDeadline:      vpnDeadline,
		catalogTTL:       catalogTTL,
	}
}

// SetRateLimiter injects the per-routing-method RPM limiter.
func (g *Gateway) SetRateLimiter(rpm *ratelimit.RPMLimiter) {
	g.limiter = rpm
}

// SetAuditLogger injects the async audit writer.
func (g *Gateway) SetAuditLogger(l *audit.Logger) {
	g.auditor = l
}

// SetCatalogCache injects the model catalog cache.
func (g *Gateway) SetCatalogCache(c cache.Cache) {
	g.catalog = c
}

// SetCORSOrigins configures the allowed CORS origins.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

func (g *Gateway) deadline(method routing.Method) time.Duration {
	if method == routing.MethodVPN {
		return g.vpnDeadline
	}
	return g.internetDeadline
}

func (g *Gateway) client(method routing.Method) *bedrock.Client {
	if method == routing.MethodVPN {
		return g.vpn
	}
	return g.internet
}

// breakerName keys the circuit breaker per downstream runtime endpoint.
func breakerName(method routing.Method) string {
	return "bedrock-runtime:" + string(method)
}

// requestCtx derives the per-request context with the path deadline. The
// fasthttp context is the parent so client disconnects propagate.
func (g *Gateway) requestCtx(ctx *fasthttp.RequestCtx, method routing.Method) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, g.deadline(method))
}

// writeError normalizes err, records it, and writes the response.
func (g *Gateway) writeError(ctx *fasthttp.RequestCtx, err error, method routing.Method, requestID string) *apierr.Error {
	ae := apierr.From(err, string(method), requestID)
	if g.metrics != nil {
		g.metrics.RecordError(string(method), ae.Category)
	}
	apierr.Write(ctx, ae)
	return ae
}

// record enqueues one audit entry; nil-safe and non-blocking.
func (g *Gateway) record(e audit.Entry) {
	if g.auditor == nil {
		return
	}
	g.auditor.Log(e)
	if g.metrics != nil {
		g.metrics.SetAuditStats(g.auditor.QueueDepth(), g.auditor.Dropped())
	}
}

// auditID maps the request id header to a UUID. Non-UUID client-supplied
// ids hash deterministically so replays stay idempotent in the store.
func auditID(requestID string) uuid.UUID {
	if id, err := uuid.Parse(requestID); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(requestID))
}

// partitionHeaders annotates a response with the routing metadata callers
// use to verify which path served them.
func partitionHeaders(ctx *fasthttp.RequestCtx, method routing.Method) {
	ctx.Response.Header.Set("X-Routing-Method", string(method))
	ctx.Response.Header.Set("X-Source-Partition", audit.SourcePartition)
	ctx.Response.Header.Set("X-Destination-Partition", audit.DestinationPartition)
}

// handleInvoke serves POST .../invoke-model on both paths.
func (g *Gateway) handleInvoke(ctx *fasthttp.RequestCtx, d routing.Decision) {
	start := time.Now()
	method := string(d.Method)
	requestID, _ := ctx.UserValue("request_id").(string)
	reqBytes := len(ctx.PostBody())

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveRequest(method, d.Op.String(), ctx.Response.StatusCode(),
			time.Since(start), reqBytes, len(ctx.Response.Body()))
	}()

	entry := audit.Entry{
		RequestID:     auditID(requestID),
		RoutingMethod: method,
		Operation:     d.Op.String(),
		SourceIP:      ctx.RemoteIP().String(),
		RequestBytes:  uint32(reqBytes),
	}
	fail := func(err error) {
		ae := g.writeError(ctx, err, d.Method, requestID)
		entry.StatusCode = uint16(ae.Status)
		entry.ErrorCode = ae.Code
		entry.ResponseBytes = uint32(len(ctx.Response.Body()))
		entry.LatencyMs = uint32(time.Since(start).Milliseconds())
		g.record(entry)
	}

	// 1. Authorize before any downstream work.
	identity, err := g.authz.Authorize(auth.ExtractToken(ctx), d.Method, requestID)
	if err != nil {
		fail(err)
		return
	}
	entry.Principal = identity.Principal

	// 2. Parse the invoke envelope.
	var req bedrock.InvokeRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		fail(apierr.Validation("request body is not valid JSON", method, requestID))
		return
	}
	if req.ModelID == "" {
		fail(apierr.Validation("modelId is required", method, requestID))
		return
	}
	entry.ModelID = req.ModelID

	rctx, cancel := g.requestCtx(ctx, d.Method)
	defer cancel()

	// 3. Rate limit.
	if g.limiter != nil {
		allowed, _ := g.limiter.Allow(rctx, method)
		if g.metrics != nil {
			result := "allowed"
			if !allowed {
				result = "blocked"
			}
			g.metrics.RecordRateLimit(method, result)
		}
		if !allowed {
			fail(apierr.RateLimit(method, requestID))
			return
		}
	}

	// 4. Vpn health gate: critical private endpoints must be reachable.
	if d.Method == routing.MethodVPN {
		if g.vpn == nil {
			fail(apierr.VPN("vpn routing is not configured on this gateway", method, requestID))
			return
		}
		if err := g.vpnHealthGate(rctx, method, requestID); err != nil {
			fail(err)
			return
		}
	}

	// 5. Circuit breaker on the runtime endpoint.
	ep := breakerName(d.Method)
	if !g.breaker.Allow(ep) {
		if g.metrics != nil {
			g.metrics.RecordBreakerRejection(ep)
		}
		fail(breakerOpenError(d.Method, requestID))
		return
	}

	// 6. Credential.
	cred, err := g.creds.Get(rctx)
	if err != nil {
		g.breakerObserve(ep)
		fail(err)
		return
	}

	// 7. Downstream call.
	upStart := time.Now()
	reply, err := g.client(d.Method).Invoke(rctx, cred.Value, req)
	upDur := time.Since(upStart)
	if err != nil {
		g.breaker.RecordFailure(ep)
		g.breakerObserve(ep)
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(method, "error", upDur)
		}
		// A downstream 401 means the cached token went stale before its TTL;
		// drop it so the next request fetches a fresh one.
		var pe *bedrock.ProviderError
		if errors.As(err, &pe) && pe.StatusCode == fasthttp.StatusUnauthorized {
			g.creds.Invalidate()
		}
		g.log.ErrorContext(ctx, "invoke_error",
			slog.String("request_id", requestID),
			slog.String("routing_method", method),
			slog.String("model", req.ModelID),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		fail(err)
		return
	}
	g.breaker.RecordSuccess(ep)
	g.breakerObserve(ep)
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(method, "success", upDur)
		g.metrics.AddTokens(method, reply.Usage.InputTokens, reply.Usage.OutputTokens)
	}

	body, err := json.Marshal(reply)
	if err != nil {
		fail(apierr.Service("failed to serialize reply", method, requestID))
		return
	}

	g.log.InfoContext(ctx, "invoke_ok",
		slog.String("request_id", requestID),
		slog.String("routing_method", method),
		slog.String("model", req.ModelID),
		slog.String("principal", identity.Principal),
		slog.Int("input_tokens", reply.Usage.InputTokens),
		slog.Int("output_tokens", reply.Usage.OutputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	partitionHeaders(ctx, d.Method)
	ctx.SetBody(body)

	entry.StatusCode = fasthttp.StatusOK
	entry.Success = true
	entry.ResponseBytes = uint32(len(body))
	entry.LatencyMs = uint32(time.Since(start).Milliseconds())
	g.record(entry)
}

// vpnHealthGate fails fast when a critical private endpoint is unhealthy.
// The gate runs on its own short timeout, never the full request deadline.
func (g *Gateway) vpnHealthGate(ctx context.Context, method, requestID string) error {
	if g.health == nil {
		return nil
	}

	gateCtx, cancel := context.WithTimeout(ctx, healthGateTimeout)
	defer cancel()

	down := g.health.UnhealthyCritical(gateCtx)
	if len(down) == 0 {
		return nil
	}
	return apierr.New(fasthttp.StatusServiceUnavailable, apierr.CodeNetworkError, apierr.CategoryNetwork,
		"required private endpoints are unreachable: "+strings.Join(down, ", "),
		method, requestID)
}

func breakerOpenError(method routing.Method, requestID string) *apierr.Error {
	if method == routing.MethodVPN {
		return apierr.VPN("vpn inference endpoint is temporarily unavailable", string(method), requestID)
	}
	return apierr.New(fasthttp.StatusServiceUnavailable, apierr.CodeServiceError, apierr.CategoryService,
		"inference endpoint is temporarily unavailable", string(method), requestID)
}

// breakerObserve exports the current breaker state gauge.
func (g *Gateway) breakerObserve(endpoint string) {
	if g.metrics != nil {
		g.metrics.SetBreakerState(endpoint, int(g.breaker.State(endpoint)))
	}
}

// handleModels serves GET .../models with catalog caching.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx, d routing.Decision) {
	start := time.Now()
	method := string(d.Method)
	requestID, _ := ctx.UserValue("request_id").(string)

	defer func() {
		if g.metrics != nil {
			g.metrics.ObserveRequest(method, d.Op.String(), ctx.Response.StatusCode(),
				time.Since(start), -1, len(ctx.Response.Body()))
		}
	}()

	identity, err := g.authz.Authorize(auth.ExtractToken(ctx), d.Method, requestID)
	if err != nil {
		g.writeError(ctx, err, d.Method, requestID)
		return
	}

	if d.Method == routing.MethodVPN && g.vpn == nil {
		g.writeError(ctx, apierr.VPN("vpn routing is not configured on this gateway", method, requestID), d.Method, requestID)
		return
	}

	rctx, cancel := g.requestCtx(ctx, d.Method)
	defer cancel()

	key := cache.Key("models", method)
	if g.catalog != nil {
		if body, ok := g.catalog.Get(rctx, key); ok {
			if g.metrics != nil {
				g.metrics.CatalogCacheHit()
			}
			ctx.SetContentType("application/json")
			ctx.Response.Header.Set("X-Catalog-Cache", catalogCacheHIT)
			partitionHeaders(ctx, d.Method)
			ctx.SetBody(body)
			return
		}
		if g.metrics != nil {
			g.metrics.CatalogCacheMiss()
		}
	}

	cred, err := g.creds.Get(rctx)
	if err != nil {
		g.writeError(ctx, err, d.Method, requestID)
		return
	}

	models, err := g.client(d.Method).ListModels(rctx, cred.Value)
	if err != nil {
		g.writeError(ctx, err, d.Method, requestID)
		return
	}

	out := struct {
		Models               []bedrock.ModelSummary `json:"models"`
		Count                int                    `json:"count"`
		RoutingMethod        string                 `json:"routing_method"`
		SourcePartition      string                 `json:"source_partition"`
		DestinationPartition string                 `json:"destination_partition"`
	}{
		Models:               models,
		Count:                len(models),
		RoutingMethod:        method,
		SourcePartition:      audit.SourcePartition,
		DestinationPartition: audit.DestinationPartition,
	}

	body, _ := json.Marshal(out)

	if g.catalog != nil {
		_ = g.catalog.Set(rctx, key, body, g.catalogTTL)
	}

	ctx.SetContentType("application/json")
	ctx.Response.Header.Set("X-Catalog-Cache", catalogCacheMISS)
	partitionHeaders(ctx, d.Method)
	ctx.SetBody(body)

	g.record(audit.Entry{
		RequestID:     auditID(requestID),
		RoutingMethod: method,
		Operation:     d.Op.String(),
		Principal:     identity.Principal,
		SourceIP:      ctx.RemoteIP().String(),
		StatusCode:    fasthttp.StatusOK,
		Success:       true,
		ResponseBytes: uint32(len(body)),
		LatencyMs:     uint32(time.Since(start).Milliseconds()),
	})
}
