package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Handler builds the full request pipeline: fixed management routes first,
// everything else falls through to the proxy dispatcher (provider paths are
// dynamic, so they cannot be registered statically).
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.GET("/health", g.handleHealth)
	r.GET("/api/providers/status", g.requireAdmin(g.handleProviderStatus))
	r.GET("/api/proxies/status", g.requireAdmin(g.handleProxyStatus))
	r.POST("/api/keys/reset", g.requireAdmin(g.handleKeysReset))
	r.POST("/api/proxies/reset", g.requireAdmin(g.handleProxiesReset))

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	r.NotFound = g.handleProxy
	r.MethodNotAllowed = g.handleProxy
	r.HandleMethodNotAllowed = true

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler,
	)
}

// Serve starts the HTTP server on addr (e.g. ":8000") and blocks until the
// listener fails or Shutdown is called.
func (g *Gateway) Serve(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:            g.Handler(mgmt),
		ReadTimeout:        60 * time.Second,
		MaxRequestBodySize: 64 << 20,
		// Streaming upstreams (SSE) can stay open far longer than any sane
		// write timeout, so none is set.
	}

	g.srvMu.Lock()
	g.srv = srv
	g.srvMu.Unlock()

	return srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the HTTP server, letting in-flight requests
// drain. Serve returns nil afterwards.
func (g *Gateway) Shutdown() error {
	g.srvMu.Lock()
	srv := g.srv
	g.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown()
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	snap := g.store.Current()

	enabled := 0
	for _, p := range g.registry.Pools() {
		enabled += p.EnabledCount()
	}

	writeJSON(ctx, map[string]any{
		"status":              "ok",
		"uptime_seconds":      int64(time.Since(g.startTime).Seconds()),
		"config_version":      snap.Version,
		"providers":           len(snap.Providers),
		"enabled_credentials": enabled,
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
