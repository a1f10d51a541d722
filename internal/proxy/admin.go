package proxy

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/OnlineMo/OpenAi-Balance/internal/keypool"
	"github.com/OnlineMo/OpenAi-Balance/pkg/apierr"
)

// requireAdmin gates a handler behind the admin token. The caller must hold
// an allowed token (401 otherwise) that equals AUTH_TOKEN (403 otherwise).
func (g *Gateway) requireAdmin(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		snap := g.store.Current()
		tok := bearerOrCookieToken(ctx)
		if !snap.HasToken(tok) {
			apierr.WriteUnauthorized(ctx)
			return
		}
		if !snap.IsAdminToken(tok) {
			apierr.WriteForbidden(ctx)
			return
		}
		next(ctx)
	}
}

// handleProviderStatus renders the per-provider credential pool state the
// admin UI polls.
func (g *Gateway) handleProviderStatus(ctx *fasthttp.RequestCtx) {
	snap := g.store.Current()

	type providerStatus struct {
		Name    string        `json:"name"`
		Path    string        `json:"path"`
		BaseURL string        `json:"base_url"`
		Enabled bool          `json:"enabled"`
		Default bool          `json:"default"`
		Pool    keypool.Stats `json:"pool"`
	}

	out := make([]providerStatus, 0, len(snap.Providers))
	for i := range snap.Providers {
		spec := &snap.Providers[i]
		ps := providerStatus{
			Name:    spec.Name,
			Path:    spec.Path,
			BaseURL: spec.BaseURL,
			Enabled: spec.IsEnabled(),
			Default: spec.Name == snap.DefaultProvider,
		}
		if pool := g.registry.Pool(spec.Name); pool != nil {
			ps.Pool = pool.Status()
		}
		out = append(out, ps)
	}

	writeJSON(ctx, map[string]any{
		"config_version": snap.Version,
		"providers":      out,
	})
}

// handleProxyStatus renders the egress pool state.
func (g *Gateway) handleProxyStatus(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, g.egress.Status())
}

// handleKeysReset re-enables credentials: for one provider when the body
// names it, for every provider otherwise.
func (g *Gateway) handleKeysReset(ctx *fasthttp.RequestCtx) {
	var req struct {
		Provider string `json:"provider"`
	}
	if body := ctx.PostBody(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
	}

	if req.Provider != "" {
		pool := g.registry.Pool(req.Provider)
		if pool == nil {
			apierr.WriteProviderNotFound(ctx, req.Provider)
			return
		}
		pool.ResetAll()
		writeJSON(ctx, map[string]string{"status": "ok", "provider": req.Provider})
		return
	}

	for _, pool := range g.registry.Pools() {
		pool.ResetAll()
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// handleProxiesReset re-enables egress proxies: one when the body names it,
// every configured proxy otherwise.
func (g *Gateway) handleProxiesReset(ctx *fasthttp.RequestCtx) {
	var req struct {
		Proxy string `json:"proxy"`
	}
	if body := ctx.PostBody(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body",
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
	}

	if req.Proxy != "" {
		if g.egress.Find(req.Proxy) == nil {
			apierr.Write(ctx, fasthttp.StatusNotFound, "unknown proxy "+req.Proxy,
				apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
			return
		}
		g.egress.Reset(req.Proxy)
		writeJSON(ctx, map[string]string{"status": "ok", "proxy": req.Proxy})
		return
	}

	for _, uri := range g.egress.Proxies() {
		g.egress.Reset(uri)
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}
