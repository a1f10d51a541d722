// Package proxy is the request-handling core of the gateway.
//
// The Gateway receives an inbound OpenAI-compatible request, authenticates
// it, resolves the target provider from the URL path, picks a credential and
// an egress path, and forwards the request upstream — rotating to other
// credentials and egresses when an attempt fails.
//
// Key design constraints:
//   - Bodies are opaque: no rewriting beyond header injection.
//   - Streaming responses are pass-through; nothing is buffered after the
//     upstream status line and headers arrive.
//   - Retries only happen before the response is committed to the client.
//   - Pool locks are never held across an upstream call.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/OnlineMo/OpenAi-Balance/internal/config"
	"github.com/OnlineMo/OpenAi-Balance/internal/egress"
	"github.com/OnlineMo/OpenAi-Balance/internal/keypool"
	"github.com/OnlineMo/OpenAi-Balance/internal/metrics"
	"github.com/OnlineMo/OpenAi-Balance/internal/registry"
	"github.com/OnlineMo/OpenAi-Balance/internal/sink"
	"github.com/OnlineMo/OpenAi-Balance/pkg/apierr"
)

// Gateway is the dispatcher — all dependencies are injected via the
// constructor so tests can instantiate independent servers.
type Gateway struct {
	store      *config.Store
	registry   *registry.Registry
	egress     *egress.Pool
	transports *egress.Transports
	baseCtx    context.Context
	log        *slog.Logger

	// Optional dependencies — nil-safe when not configured.
	sink    *sink.Sink
	metrics *metrics.Registry

	srvMu sync.Mutex
	srv   *fasthttp.Server

	startTime time.Time
}

// New creates a Gateway.
func New(
	baseCtx context.Context,
	store *config.Store,
	reg *registry.Registry,
	egressPool *egress.Pool,
	transports *egress.Transports,
	log *slog.Logger,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		store:      store,
		registry:   reg,
		egress:     egressPool,
		transports: transports,
		baseCtx:    baseCtx,
		log:        log,
		startTime:  time.Now(),
	}
}

// SetSink injects the async observability sink.
func (g *Gateway) SetSink(s *sink.Sink) { g.sink = s }

// SetMetrics injects the Prometheus registry.
func (g *Gateway) SetMetrics(m *metrics.Registry) { g.metrics = m }

// handleProxy is the catch-all dispatcher for every non-management path.
func (g *Gateway) handleProxy(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	// snap is read once and serves the auth check, retry budget and model
	// filter for the whole request. Resolve and Pool below read the registry
	// again, so a publication landing in between pairs this snapshot with the
	// newer provider spec and pool.
	snap := g.registry.Snapshot()

	if g.metrics != nil {
		g.metrics.IncInFlight()
		defer g.metrics.DecInFlight()
	}

	// 1. Auth gate.
	if !snap.HasToken(bearerOrCookieToken(ctx)) {
		apierr.WriteUnauthorized(ctx)
		return
	}

	// 2. Resolve the provider from the path.
	match, err := g.registry.Resolve(string(ctx.Path()))
	if err != nil {
		switch {
		case errors.Is(err, registry.ErrProviderDisabled):
			apierr.WriteProviderDisabled(ctx, err.Error())
		default:
			apierr.WriteProviderNotFound(ctx, string(ctx.Path()))
		}
		return
	}

	spec := match.Provider
	pool := g.registry.Pool(spec.Name)
	if pool == nil {
		apierr.WriteProviderNotFound(ctx, spec.Name)
		return
	}

	reqID, _ := ctx.UserValue("request_id").(string)
	method := string(ctx.Method())
	isModels := method == fasthttp.MethodGet && trimTrailingSlash(match.RemainingPath) == "/v1/models"

	g.log.InfoContext(g.baseCtx, "request",
		slog.String("request_id", reqID),
		slog.String("provider", spec.Name),
		slog.String("surface", string(match.Surface)),
		slog.String("path", match.RemainingPath),
	)

	url := targetURL(spec.BaseURL, match.RemainingPath, ctx.URI().QueryString())
	header := buildOutboundHeader(&ctx.Request.Header)
	body := append([]byte(nil), ctx.PostBody()...)

	status := g.dispatch(ctx, snap, spec, pool, method, url, header, body, isModels, reqID)

	dur := time.Since(start)
	if g.metrics != nil {
		g.metrics.ObserveHTTP(routeLabel(match.RemainingPath), status, dur)
	}
	if g.sink != nil {
		g.sink.RecordRequest(sink.RequestRecord{
			Provider:  spec.Name,
			Model:     modelFromBody(body),
			Status:    status,
			LatencyMs: dur.Milliseconds(),
		})
	}
}

// dispatch runs the retry loop. Returns the HTTP status sent to the client.
//
// Attempt budget is RetryLimit+1. Each attempt acquires a credential and an
// egress, issues the upstream request with the provider timeout, and
// classifies the result:
//
//	2xx           → stream through, done
//	401/403       → credential auth failure, rotate
//	5xx/408/429/x → transient on both axes, rotate
//	other status  → forward verbatim, credential is fine, no retry
func (g *Gateway) dispatch(
	ctx *fasthttp.RequestCtx,
	snap *config.Snapshot,
	spec *config.ProviderSpec,
	pool *keypool.Pool,
	method, url string,
	header http.Header,
	body []byte,
	isModels bool,
	reqID string,
) int {
	attempts := spec.RetryLimit(snap.MaxRetries) + 1

	var lastStatus int
	var lastMessage string

	// A panic below must not leak pool slots: release whatever the current
	// attempt holds as a transient failure, then let the recovery middleware
	// answer with a 500.
	var curCred *keypool.Record
	var curEg *egress.Record
	defer func() {
		if r := recover(); r != nil {
			if curCred != nil {
				pool.Release(curCred, keypool.TransientFailure)
			}
			if curEg != nil {
				g.egress.ReleaseFailure(curEg)
			}
			panic(r)
		}
	}()

	for i := 0; i < attempts; i++ {
		var cred *keypool.Record
		if isModels {
			cred = pool.ModelRequestCredential()
		} else {
			cred = pool.Acquire()
		}
		if cred == nil {
			g.log.WarnContext(g.baseCtx, "no_credentials",
				slog.String("request_id", reqID),
				slog.String("provider", spec.Name),
			)
			apierr.WriteNoCredentials(ctx, spec.Name)
			return fasthttp.StatusServiceUnavailable
		}

		eg := g.acquireEgress(cred)
		curCred, curEg = cred, eg

		upStart := time.Now()
		att := g.doUpstream(g.baseCtx, spec, snap.Timeout, method, url, header, body, cred, eg.URI)
		upDur := time.Since(upStart)

		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(spec.Name, outcomeLabel(att.kind, att.status), upDur)
		}

		switch att.kind {
		case outcomeSuccess:
			pool.Release(cred, keypool.Success)
			g.egress.ReleaseSuccess(eg)
			curCred, curEg = nil, nil
			if isModels {
				g.writeFilteredModels(ctx, snap, att)
			} else {
				g.streamResponse(ctx, att)
			}
			return att.resp.StatusCode

		case outcomeAuthFailure:
			pool.Release(cred, keypool.AuthFailure)
			g.egress.ReleaseSuccess(eg)
			curCred, curEg = nil, nil

		case outcomeTransient:
			pool.Release(cred, keypool.TransientFailure)
			g.egress.ReleaseFailure(eg)
			curCred, curEg = nil, nil

		case outcomeForward:
			// The request itself is at fault; the credential did its job.
			pool.Release(cred, keypool.Success)
			g.egress.ReleaseSuccess(eg)
			curCred, curEg = nil, nil
			g.recordError(snap, spec, cred, eg, att, body)
			g.streamResponse(ctx, att)
			return att.resp.StatusCode
		}

		// Failed attempt: record, remember, release resources, rotate.
		lastStatus = att.status
		lastMessage = errMessage(att)
		g.recordError(snap, spec, cred, eg, att, body)
		g.log.WarnContext(g.baseCtx, "attempt_failed",
			slog.String("request_id", reqID),
			slog.String("provider", spec.Name),
			slog.String("credential", cred.Digest()),
			slog.String("egress", eg.URI),
			slog.String("outcome", outcomeLabel(att.kind, att.status)),
			slog.Int("attempt", i+1),
			slog.Int("budget", attempts),
		)
		att.close()
	}

	if g.metrics != nil {
		g.metrics.RecordRetriesExhausted(spec.Name)
	}
	apierr.WriteAllUpstreamsFailed(ctx, lastStatus, lastMessage)
	return fasthttp.StatusBadGateway
}

// acquireEgress honors a credential's egress affinity when the bound proxy
// is still enabled, and falls back to pool rotation otherwise.
func (g *Gateway) acquireEgress(cred *keypool.Record) *egress.Record {
	if cred.BoundEgress != "" {
		if r := g.egress.Find(cred.BoundEgress); r != nil && !r.Disabled() {
			return r
		}
	}
	return g.egress.Acquire()
}

// streamResponse copies the upstream response to the client. The status line
// and headers are written first; the body is streamed chunk by chunk with a
// flush per read so SSE and chunked transfers pass through unbuffered. Once
// the stream writer starts, the response is committed — upstream errors from
// here on surface as a truncated stream.
func (g *Gateway) streamResponse(ctx *fasthttp.RequestCtx, att *attempt) {
	resp := att.resp
	ctx.SetStatusCode(resp.StatusCode)
	copyResponseHeaders(ctx, resp)

	cancel := att.cancel
	upstreamBody := resp.Body
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			recover() //nolint:errcheck // panic in the stream writer must not kill the server
			_ = upstreamBody.Close()
			cancel()
		}()

		buf := make([]byte, 32<<10)
		for {
			n, rerr := upstreamBody.Read(buf)
			if n > 0 {
				if _, werr := w.Write(buf[:n]); werr != nil {
					// Client went away; closing the body cancels upstream.
					return
				}
				if werr := w.Flush(); werr != nil {
					return
				}
			}
			if rerr != nil {
				return
			}
		}
	})
}

// copyResponseHeaders forwards upstream headers to the client, skipping
// hop-by-hop headers that fasthttp manages itself.
func copyResponseHeaders(ctx *fasthttp.RequestCtx, resp *http.Response) {
	for k, vals := range resp.Header {
		switch {
		case strings.EqualFold(k, "Connection"),
			strings.EqualFold(k, "Transfer-Encoding"),
			strings.EqualFold(k, "Keep-Alive"),
			strings.EqualFold(k, "Content-Length"):
			continue
		}
		for _, v := range vals {
			ctx.Response.Header.Add(k, v)
		}
	}
	if resp.ContentLength >= 0 {
		ctx.Response.Header.SetContentLength(int(resp.ContentLength))
	}
}

// recordError enqueues a sink record for a non-2xx outcome. Request bodies
// are only attached when the active snapshot allows it.
func (g *Gateway) recordError(
	snap *config.Snapshot,
	spec *config.ProviderSpec,
	cred *keypool.Record,
	eg *egress.Record,
	att *attempt,
	body []byte,
) {
	if g.sink == nil {
		return
	}
	rec := sink.ErrorRecord{
		Provider:         spec.Name,
		CredentialDigest: cred.Digest(),
		Egress:           eg.URI,
		Status:           att.status,
		Message:          errMessage(att),
	}
	if snap.ErrorLogRecordRequestBody && len(body) > 0 {
		rec.RequestBody = append([]byte(nil), body...)
	}
	g.sink.RecordError(rec)
}

// bearerOrCookieToken extracts the client token from the Authorization
// header, falling back to the auth_token cookie the admin UI sets.
func bearerOrCookieToken(ctx *fasthttp.RequestCtx) string {
	if tok := parseBearerToken(string(ctx.Request.Header.Peek("Authorization"))); tok != "" {
		return tok
	}
	return string(ctx.Request.Header.Cookie("auth_token"))
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func trimTrailingSlash(p string) string {
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		return p[:len(p)-1]
	}
	return p
}

// routeLabel collapses normalized paths into a small metrics label set.
func routeLabel(remaining string) string {
	switch trimTrailingSlash(remaining) {
	case "/v1/chat/completions":
		return "chat_completions"
	case "/v1/completions":
		return "completions"
	case "/v1/embeddings":
		return "embeddings"
	case "/v1/models":
		return "models"
	default:
		return "other"
	}
}
