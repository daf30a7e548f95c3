package gateway

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/crosspartition/bedrock-gateway/internal/audit"
	"github.com/crosspartition/bedrock-gateway/internal/routing"
	"github.com/crosspartition/bedrock-gateway/pkg/apierr"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the gateway routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start without management endpoints.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

// Handler builds the complete request handler: both routing path trees, the
// process-level health endpoint, optional management routes, and the
// middleware chain.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	// Both path prefixes share g.dispatch; the routing method is derived
	// from the request path, never from a header the client could spoof.
	for _, prefix := range []string{"/v1/bedrock", "/v1/vpn/bedrock"} {
		r.POST(prefix+"/invoke-model", g.dispatch)
		r.GET(prefix+"/models", g.dispatch)
		r.GET(prefix+"/routing-info", g.dispatch)
		r.GET(prefix+"/health", g.dispatch)
		r.GET(prefix, g.dispatch)
	}

	r.GET("/health", g.handleHealth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	r.NotFound = g.handleUnknownRoute
	r.MethodNotAllowed = g.handleUnknownRoute

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// dispatch classifies the request path into a routing method and operation,
// then hands off to the operation handler. Classification failures map to
// the normalized 404 envelope.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx) {
	requestID, _ := ctx.UserValue("request_id").(string)

	d, err := routing.Classify(string(ctx.Method()), string(ctx.Path()))
	if err != nil {
		apierr.Write(ctx, apierr.From(err, "", requestID))
		return
	}

	switch d.Op {
	case routing.OpInvoke:
		g.handleInvoke(ctx, d)
	case routing.OpListModels:
		g.handleModels(ctx, d)
	case routing.OpRoutingInfo:
		g.handleRoutingInfo(ctx, d)
	case routing.OpHealth:
		g.handlePathHealth(ctx, d)
	default:
		apierr.Write(ctx, apierr.UnknownRoute(string(ctx.Path()), string(d.Method), requestID))
	}
}

func (g *Gateway) handleUnknownRoute(ctx *fasthttp.RequestCtx) {
	requestID, _ := ctx.UserValue("request_id").(string)
	apierr.Write(ctx, apierr.UnknownRoute(string(ctx.Path()), "", requestID))
}

// handleRoutingInfo describes which path served the request and the
// partition flow behind it. No authorization: the payload holds no secrets
// and the endpoint doubles as a connectivity probe.
func (g *Gateway) handleRoutingInfo(ctx *fasthttp.RequestCtx, d routing.Decision) {
	requestID, _ := ctx.UserValue("request_id").(string)
	method := string(d.Method)

	transport := "public internet"
	if d.Method == routing.MethodVPN {
		transport = "site-to-site vpn"
	}

	partitionHeaders(ctx, d.Method)
	writeJSON(ctx, map[string]any{
		"message": "request reached the gateway over the " + method + " path",
		"status":  "ok",
		"routing": map[string]any{
			"method":      method,
			"transport":   transport,
			"source":      audit.SourcePartition,
			"destination": audit.DestinationPartition,
			"flow":        audit.SourcePartition + " -> " + audit.DestinationPartition,
		},
		"request_info": map[string]any{
			"request_id": requestID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"source_ip":  ctx.RemoteIP().String(),
		},
	})
}

// handlePathHealth reports per-path health. The internet path has no private
// dependencies; the vpn path reflects the endpoint monitor's snapshot.
func (g *Gateway) handlePathHealth(ctx *fasthttp.RequestCtx, d routing.Decision) {
	method := string(d.Method)

	if d.Method != routing.MethodVPN || g.health == nil {
		writeJSON(ctx, map[string]any{
			"status":         "ok",
			"routing_method": method,
		})
		return
	}

	snap := g.health.Snapshot()
	status := "ok"
	degraded := make([]string, 0)
	for name, rec := range snap {
		if !rec.Healthy {
			degraded = append(degraded, name)
		}
	}
	if len(degraded) > 0 {
		status = "degraded"
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	}

	writeJSON(ctx, map[string]any{
		"status":         status,
		"routing_method": method,
		"endpoints":      snap,
		"degraded":       degraded,
	})
}

// handleHealth is the process-level liveness probe.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"status": "ok"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
