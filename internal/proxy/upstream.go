package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/OnlineMo/OpenAi-Balance/internal/config"
	"github.com/OnlineMo/OpenAi-Balance/internal/keypool"
)

// outcomeKind classifies one upstream attempt for the retry loop.
type outcomeKind int

const (
	// outcomeSuccess — HTTP 2xx; stream the response through.
	outcomeSuccess outcomeKind = iota
	// outcomeAuthFailure — 401/403; the credential is suspect, retry with another.
	outcomeAuthFailure
	// outcomeTransient — connect error, 5xx, 408 or 429; retry.
	outcomeTransient
	// outcomeForward — any other status; the request itself is at fault, the
	// credential is fine. Forward the upstream response verbatim, no retry.
	outcomeForward
)

func classifyStatus(code int) outcomeKind {
	switch {
	case code >= 200 && code < 300:
		return outcomeSuccess
	case code == fasthttp.StatusUnauthorized || code == fasthttp.StatusForbidden:
		return outcomeAuthFailure
	case code >= 500 || code == fasthttp.StatusRequestTimeout || code == fasthttp.StatusTooManyRequests:
		return outcomeTransient
	default:
		return outcomeForward
	}
}

// outcomeLabel is the metrics/sink label for an attempt result.
func outcomeLabel(kind outcomeKind, status int) string {
	switch kind {
	case outcomeSuccess:
		return "success"
	case outcomeAuthFailure:
		return "auth_failure"
	case outcomeTransient:
		if status == 0 {
			return "connect_error"
		}
		return fmt.Sprintf("http_%d", status)
	default:
		return fmt.Sprintf("http_%d", status)
	}
}

// attempt is the state of one credential×egress upstream try.
type attempt struct {
	resp   *http.Response
	cancel context.CancelFunc
	status int // 0 on connect/timeout errors
	err    error
	kind   outcomeKind
}

// close releases the attempt's resources when its response is not adopted.
func (a *attempt) close() {
	if a.resp != nil {
		// Drain a little so the connection can be reused, then close.
		_, _ = io.CopyN(io.Discard, a.resp.Body, 8<<10)
		_ = a.resp.Body.Close()
	}
	if a.cancel != nil {
		a.cancel()
	}
}

// doUpstream issues one outbound request through the given egress path.
// The per-attempt deadline is spec.Timeout; the returned attempt carries the
// cancel func so a streamed response body stays valid after return.
func (g *Gateway) doUpstream(
	baseCtx context.Context,
	spec *config.ProviderSpec,
	snapTimeout time.Duration,
	method, targetURL string,
	header http.Header,
	body []byte,
	cred *keypool.Record,
	egressURI string,
) *attempt {
	rt, err := g.transports.For(egressURI)
	if err != nil {
		return &attempt{err: err, kind: outcomeTransient}
	}

	ctx, cancel := context.WithTimeout(baseCtx, spec.Timeout(snapTimeout))

	var reqBody io.Reader
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, targetURL, reqBody)
	if err != nil {
		cancel()
		return &attempt{err: err, kind: outcomeTransient}
	}

	req.Header = header.Clone()
	req.Header.Set("Authorization", "Bearer "+cred.Value)
	for k, v := range spec.CustomHeaders {
		req.Header.Set(k, v)
	}

	// RoundTrip, not Client.Do: redirects from the upstream are forwarded
	// verbatim instead of being followed.
	resp, err := rt.RoundTrip(req)
	if err != nil {
		cancel()
		return &attempt{err: err, kind: outcomeTransient}
	}

	return &attempt{
		resp:   resp,
		cancel: cancel,
		status: resp.StatusCode,
		kind:   classifyStatus(resp.StatusCode),
	}
}

// buildOutboundHeader assembles the outbound header set from an inbound
// fasthttp request. Inbound Authorization and Cookie never cross the proxy;
// Content-Type, Accept and x-* forwarding hints are preserved.
func buildOutboundHeader(reqHeader *fasthttp.RequestHeader) http.Header {
	out := make(http.Header)
	reqHeader.VisitAll(func(k, v []byte) {
		key := string(k)
		switch {
		case strings.EqualFold(key, fasthttp.HeaderContentType),
			strings.EqualFold(key, "Accept"):
			out.Add(key, string(v))
		case len(key) > 2 && (key[0] == 'x' || key[0] == 'X') && key[1] == '-':
			out.Add(key, string(v))
		}
	})
	return out
}

// targetURL joins a provider base URL with the normalized remaining path and
// the verbatim inbound query string.
func targetURL(baseURL, remainingPath string, query []byte) string {
	base := strings.TrimRight(baseURL, "/")
	// Providers are configured with base URLs that may or may not carry the
	// /v1 suffix; the remaining path always starts with /v1.
	if strings.HasSuffix(base, "/v1") {
		base = strings.TrimSuffix(base, "/v1")
	}
	u := base + remainingPath
	if len(query) > 0 {
		u += "?" + string(query)
	}
	return u
}

// errMessage extracts a compact message for sink records and terminal bodies.
func errMessage(a *attempt) string {
	if a.err != nil {
		if errors.Is(a.err, context.DeadlineExceeded) {
			return "upstream timeout"
		}
		return a.err.Error()
	}
	return fmt.Sprintf("upstream returned %d", a.status)
}
