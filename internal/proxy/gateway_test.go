package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/OnlineMo/OpenAi-Balance/internal/config"
	"github.com/OnlineMo/OpenAi-Balance/internal/egress"
	"github.com/OnlineMo/OpenAi-Balance/internal/registry"
)

// --- helpers ----------------------------------------------------------------

type testGateway struct {
	gw       *Gateway
	store    *config.Store
	registry *registry.Registry
	egress   *egress.Pool
}

// newTestGateway builds a gateway from a flat config mapping.
func newTestGateway(t *testing.T, vals map[string]string) *testGateway {
	t.Helper()

	snap, err := config.Build(vals, 1)
	if err != nil {
		t.Fatalf("config.Build: %v", err)
	}
	store := config.NewStore(snap, nil)

	egressPool := egress.New(snap.Proxies, snap.ProxyMaxFailures)
	reg := registry.New(snap, egressPool)

	gw := New(context.Background(), store, reg, egressPool, egress.NewTransports(), nil)
	return &testGateway{gw: gw, store: store, registry: reg, egress: egressPool}
}

// serveGateway starts a fasthttp server on an in-memory listener with the
// gateway's full middleware pipeline. Returns an HTTP client that routes to
// it, and a cleanup function.
func serveGateway(t *testing.T, gw *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, gw.Handler(nil))
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return client, func() { ln.Close() }
}

func doRequest(t *testing.T, client *http.Client, method, path, token string, body []byte) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, "http://gateway"+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func singleProviderVals(baseURL string, keys []string, extra map[string]string) map[string]string {
	keysJSON, _ := json.Marshal(keys)
	vals := map[string]string{
		"ALLOWED_TOKENS": `["tk"]`,
		"BASE_URL":       baseURL,
		"API_KEYS":       string(keysJSON),
	}
	for k, v := range extra {
		vals[k] = v
	}
	return vals
}

// --- single provider success (S1) -------------------------------------------

func TestDispatch_SingleProviderSuccess(t *testing.T) {
	var hits int32
	var gotAuth, gotPath, gotQuery string

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"r"}`)
	}))
	defer upstream.Close()

	tg := newTestGateway(t, singleProviderVals(upstream.URL+"/v1", []string{"sk-A"}, nil))
	client, cleanup := serveGateway(t, tg.gw)
	defer cleanup()

	resp := doRequest(t, client, "POST", "/v1/chat/completions?stream=false", "tk",
		[]byte(`{"model":"m","messages":[]}`))

	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	if body := readBody(t, resp); string(body) != `{"id":"r"}` {
		t.Errorf("body mismatch: %s", body)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("expected exactly one upstream call, got %d", n)
	}
	if gotAuth != "Bearer sk-A" {
		t.Errorf("upstream auth header: %q", gotAuth)
	}
	if gotPath != "/v1/chat/completions" {
		t.Errorf("upstream path: %q", gotPath)
	}
	if gotQuery != "stream=false" {
		t.Errorf("query string not carried verbatim: %q", gotQuery)
	}
}

// --- auth gate --------------------------------------------------------------

func TestDispatch_Unauthorized(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer upstream.Close()

	tg := newTestGateway(t, singleProviderVals(upstream.URL+"/v1", []string{"sk-A"}, nil))
	client, cleanup := serveGateway(t, tg.gw)
	defer cleanup()

	for _, token := range []string{"", "tk-wrong"} {
		resp := doRequest(t, client, "POST", "/v1/chat/completions", token, []byte(`{}`))
		if resp.StatusCode != 401 {
			t.Errorf("token %q: expected 401, got %d", token, resp.StatusCode)
		}
		if body := readBody(t, resp); string(body) != `{"error":"Unauthorized"}` {
			t.Errorf("token %q: body %s", token, body)
		}
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Error("unauthorized requests must never reach upstream")
	}
}

// --- rotation on auth failure (S2) ------------------------------------------

func TestDispatch_RotatesOnAuthFailure(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("Authorization") == "Bearer sk-A" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"bad key"}`)
			return
		}
		fmt.Fprint(w, `{"id":"ok"}`)
	}))
	defer upstream.Close()

	tg := newTestGateway(t, singleProviderVals(upstream.URL+"/v1", []string{"sk-A", "sk-B"},
		map[string]string{"MAX_RETRIES": "1", "MAX_FAILURES": "3"}))
	client, cleanup := serveGateway(t, tg.gw)
	defer cleanup()

	resp := doRequest(t, client, "POST", "/v1/chat/completions", "tk", []byte(`{"model":"m"}`))
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 after rotation, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	readBody(t, resp)

	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("expected 2 upstream attempts, got %d", n)
	}

	st := tg.registry.Pool("default").Status()
	byDigest := map[string]int{}
	for _, k := range st.Keys {
		byDigest[k.Digest] = k.Failures
	}
	if st.Enabled != 2 {
		t.Errorf("both keys should stay enabled, got %+v", st)
	}
	// One key holds a single failure, the other none.
	total := 0
	for _, f := range byDigest {
		total += f
	}
	if total != 1 {
		t.Errorf("expected exactly one recorded failure across the pool, got %+v", byDigest)
	}
}

// --- disable after threshold, then fail fast (S3) ---------------------------

func TestDispatch_DisableAfterThreshold(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	tg := newTestGateway(t, singleProviderVals(upstream.URL+"/v1", []string{"sk-A"},
		map[string]string{"MAX_RETRIES": "0", "MAX_FAILURES": "3"}))
	client, cleanup := serveGateway(t, tg.gw)
	defer cleanup()

	for i := 0; i < 3; i++ {
		resp := doRequest(t, client, "POST", "/v1/chat/completions", "tk", []byte(`{"model":"m"}`))
		if resp.StatusCode != 502 {
			t.Fatalf("request %d: expected 502, got %d", i+1, resp.StatusCode)
		}
		var out struct {
			Error struct {
				Code       string `json:"code"`
				LastStatus int    `json:"last_status"`
			} `json:"error"`
		}
		if err := json.Unmarshal(readBody(t, resp), &out); err != nil {
			t.Fatal(err)
		}
		if out.Error.Code != "all_upstreams_failed" || out.Error.LastStatus != 500 {
			t.Errorf("request %d: terminal body %+v", i+1, out.Error)
		}
	}

	if n := atomic.LoadInt32(&hits); n != 3 {
		t.Fatalf("expected 3 upstream attempts, got %d", n)
	}

	st := tg.registry.Pool("default").Status()
	if st.Disabled != 1 || st.Keys[0].DisabledAt == nil {
		t.Fatalf("key should be quarantined after the third failure, got %+v", st)
	}

	// Fourth request fails fast without touching upstream.
	resp := doRequest(t, client, "POST", "/v1/chat/completions", "tk", []byte(`{"model":"m"}`))
	if resp.StatusCode != 503 {
		t.Errorf("expected 503 NoCredentials, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(readBody(t, resp)), "no_credentials") {
		t.Error("expected no_credentials error code")
	}
	if n := atomic.LoadInt32(&hits); n != 3 {
		t.Errorf("quarantined pool must not contact upstream, got %d attempts", n)
	}
}

// --- multi-provider routing (S4) --------------------------------------------

func TestDispatch_MultiProviderRouting(t *testing.T) {
	var openaiHits, deepseekHits int32
	openaiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&openaiHits, 1)
		fmt.Fprint(w, `{"served_by":"openai"}`)
	}))
	defer openaiSrv.Close()
	deepseekSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&deepseekHits, 1)
		fmt.Fprint(w, `{"served_by":"deepseek"}`)
	}))
	defer deepseekSrv.Close()

	tg := newTestGateway(t, map[string]string{
		"ALLOWED_TOKENS": `["tk"]`,
		"PROVIDERS_CONFIG": fmt.Sprintf(`[
			{"name":"openai","path":"openai","base_url":"%s/v1","api_keys":["sk-o"]},
			{"name":"deepseek","path":"deepseek","base_url":"%s/v1","api_keys":["sk-d"]}
		]`, openaiSrv.URL, deepseekSrv.URL),
		"DEFAULT_PROVIDER": "openai",
	})
	client, cleanup := serveGateway(t, tg.gw)
	defer cleanup()

	resp := doRequest(t, client, "POST", "/deepseek/v1/chat/completions", "tk", []byte(`{}`))
	if body := readBody(t, resp); !strings.Contains(string(body), "deepseek") {
		t.Errorf("named route served by wrong provider: %s", body)
	}

	// The /openai prefix is consumed as a surface; the bare /v1 remainder
	// then resolves to the default provider.
	resp = doRequest(t, client, "POST", "/openai/v1/chat/completions", "tk", []byte(`{}`))
	if body := readBody(t, resp); !strings.Contains(string(body), "openai") {
		t.Errorf("surface route served by wrong provider: %s", body)
	}

	if atomic.LoadInt32(&deepseekHits) != 1 || atomic.LoadInt32(&openaiHits) != 1 {
		t.Errorf("hit counts: openai=%d deepseek=%d", openaiHits, deepseekHits)
	}
}

func TestDispatch_UnknownProvider(t *testing.T) {
	tg := newTestGateway(t, singleProviderVals("https://u/v1", []string{"sk"}, nil))
	client, cleanup := serveGateway(t, tg.gw)
	defer cleanup()

	resp := doRequest(t, client, "POST", "/nonexistent/v1/chat/completions", "tk", []byte(`{}`))
	if resp.StatusCode != 404 {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	readBody(t, resp)
}

func TestDispatch_DisabledProvider(t *testing.T) {
	tg := newTestGateway(t, map[string]string{
		"ALLOWED_TOKENS": `["tk"]`,
		"PROVIDERS_CONFIG": `[
			{"name":"on","path":"on","base_url":"https://a/v1","api_keys":["k"]},
			{"name":"off","path":"off","base_url":"https://b/v1","api_keys":["k"],"enabled":false}
		]`,
	})
	client, cleanup := serveGateway(t, tg.gw)
	defer cleanup()

	resp := doRequest(t, client, "POST", "/off/v1/chat/completions", "tk", []byte(`{}`))
	if resp.StatusCode != 503 {
		t.Errorf("expected 503 for disabled provider, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(readBody(t, resp)), "provider_disabled") {
		t.Error("expected provider_disabled error code")
	}
}

// --- model filter (S6) ------------------------------------------------------

func TestDispatch_ModelFilter(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","data":[{"id":"m-old","object":"model"},{"id":"m-new","object":"model"}]}`)
	}))
	defer upstream.Close()

	tg := newTestGateway(t, singleProviderVals(upstream.URL+"/v1", []string{"sk-A"},
		map[string]string{"FILTERED_MODELS": `["m-old"]`}))
	client, cleanup := serveGateway(t, tg.gw)
	defer cleanup()

	for i := 0; i < 2; i++ {
		resp := doRequest(t, client, "GET", "/v1/models", "tk", nil)
		if resp.StatusCode != 200 {
			t.Fatalf("expected 200, got %d", resp.StatusCode)
		}
		body := readBody(t, resp)
		if strings.Contains(string(body), "m-old") {
			t.Errorf("filtered model leaked: %s", body)
		}
		if !strings.Contains(string(body), "m-new") {
			t.Errorf("kept model missing: %s", body)
		}
	}
}

// --- fatal client errors are forwarded verbatim -----------------------------

func TestDispatch_ClientErrorForwardedWithoutRetry(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream-Detail", "bad-model")
		w.WriteHeader(http.StatusUnprocessableEntity)
		fmt.Fprint(w, `{"error":{"message":"unknown model"}}`)
	}))
	defer upstream.Close()

	tg := newTestGateway(t, singleProviderVals(upstream.URL+"/v1", []string{"sk-A", "sk-B"},
		map[string]string{"MAX_RETRIES": "3"}))
	client, cleanup := serveGateway(t, tg.gw)
	defer cleanup()

	resp := doRequest(t, client, "POST", "/v1/chat/completions", "tk", []byte(`{"model":"nope"}`))
	if resp.StatusCode != 422 {
		t.Fatalf("expected verbatim 422, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Upstream-Detail") != "bad-model" {
		t.Error("upstream headers must be forwarded verbatim")
	}
	if body := readBody(t, resp); !strings.Contains(string(body), "unknown model") {
		t.Errorf("upstream body must be forwarded verbatim: %s", body)
	}

	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("client errors must not be retried, got %d attempts", n)
	}
	if st := tg.registry.Pool("default").Status(); st.Enabled != 2 {
		t.Errorf("the credential is fine on a client error, got %+v", st)
	}
}

// --- header policy ----------------------------------------------------------

func TestDispatch_HeaderPolicy(t *testing.T) {
	var got http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		fmt.Fprint(w, `{}`)
	}))
	defer upstream.Close()

	tg := newTestGateway(t, map[string]string{
		"ALLOWED_TOKENS": `["tk"]`,
		"PROVIDERS_CONFIG": fmt.Sprintf(
			`[{"name":"p","path":"p","base_url":"%s/v1","api_keys":["sk-A"],"custom_headers":{"X-Org":"acme","Accept":"application/json"}}]`,
			upstream.URL),
	})
	client, cleanup := serveGateway(t, tg.gw)
	defer cleanup()

	req, _ := http.NewRequest("POST", "http://gateway/p/v1/chat/completions", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Authorization", "Bearer tk")
	req.Header.Set("Cookie", "auth_token=tk")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trace-Id", "abc123")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)

	if got.Get("Authorization") != "Bearer sk-A" {
		t.Errorf("outbound auth must be the credential, got %q", got.Get("Authorization"))
	}
	if got.Get("Cookie") != "" {
		t.Error("inbound cookies must not cross the proxy")
	}
	if got.Get("Content-Type") != "application/json" {
		t.Error("content type must be preserved")
	}
	if got.Get("X-Trace-Id") != "abc123" {
		t.Error("x-* forwarding hints must be preserved")
	}
	if got.Get("X-Org") != "acme" {
		t.Error("custom headers must be merged")
	}
	if got.Get("Accept") != "application/json" {
		t.Error("custom headers must override on conflict")
	}
}

// --- streaming pass-through -------------------------------------------------

func TestDispatch_StreamingPassThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f := w.(http.Flusher)
		for i := 0; i < 3; i++ {
			fmt.Fprintf(w, "data: {\"chunk\":%d}\n\n", i)
			f.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
		f.Flush()
	}))
	defer upstream.Close()

	tg := newTestGateway(t, singleProviderVals(upstream.URL+"/v1", []string{"sk-A"}, nil))
	client, cleanup := serveGateway(t, tg.gw)
	defer cleanup()

	resp := doRequest(t, client, "POST", "/v1/chat/completions", "tk", []byte(`{"stream":true}`))
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type: %q", ct)
	}

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
			lines = append(lines, line)
		}
	}
	if len(lines) != 4 {
		t.Errorf("expected 4 SSE data lines, got %v", lines)
	}
	if lines[len(lines)-1] != "data: [DONE]" {
		t.Errorf("stream must end with [DONE], got %q", lines[len(lines)-1])
	}
}

// --- retry budget boundaries ------------------------------------------------

func TestDispatch_ZeroRetriesSingleAttempt(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	tg := newTestGateway(t, singleProviderVals(upstream.URL+"/v1", []string{"sk-A", "sk-B"},
		map[string]string{"MAX_RETRIES": "0"}))
	client, cleanup := serveGateway(t, tg.gw)
	defer cleanup()

	resp := doRequest(t, client, "POST", "/v1/chat/completions", "tk", []byte(`{}`))
	if resp.StatusCode != 502 {
		t.Errorf("expected 502, got %d", resp.StatusCode)
	}
	readBody(t, resp)
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("max_retries=0 means exactly one attempt, got %d", n)
	}
}

func TestDispatch_SingleCredentialReusedAcrossRetries(t *testing.T) {
	var hits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"id":"ok"}`)
	}))
	defer upstream.Close()

	tg := newTestGateway(t, singleProviderVals(upstream.URL+"/v1", []string{"sk-only"},
		map[string]string{"MAX_RETRIES": "2", "MAX_FAILURES": "5"}))
	client, cleanup := serveGateway(t, tg.gw)
	defer cleanup()

	resp := doRequest(t, client, "POST", "/v1/chat/completions", "tk", []byte(`{}`))
	if resp.StatusCode != 200 {
		t.Fatalf("expected recovery with the same credential, got %d", resp.StatusCode)
	}
	readBody(t, resp)
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("expected 2 attempts with the single key, got %d", n)
	}
}

// --- connect errors ---------------------------------------------------------

func TestDispatch_ConnectErrorIsTransient(t *testing.T) {
	// Nothing listens on this port.
	tg := newTestGateway(t, singleProviderVals("http://127.0.0.1:1/v1", []string{"sk-A"},
		map[string]string{"MAX_RETRIES": "1", "MAX_FAILURES": "5"}))
	client, cleanup := serveGateway(t, tg.gw)
	defer cleanup()

	resp := doRequest(t, client, "POST", "/v1/chat/completions", "tk", []byte(`{}`))
	if resp.StatusCode != 502 {
		t.Errorf("expected 502, got %d", resp.StatusCode)
	}
	readBody(t, resp)

	st := tg.registry.Pool("default").Status()
	if st.Keys[0].Failures != 2 {
		t.Errorf("both connect failures should count, got %d", st.Keys[0].Failures)
	}
}

// --- snapshot swap (I3) -----------------------------------------------------

func TestDispatch_ReloadSwitchesUpstream(t *testing.T) {
	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"srv":"first"}`)
	}))
	defer first.Close()
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"srv":"second"}`)
	}))
	defer second.Close()

	tg := newTestGateway(t, singleProviderVals(first.URL+"/v1", []string{"sk-A"}, nil))
	tg.store.Subscribe(func(s *config.Snapshot) { tg.registry.Reload(s) })

	client, cleanup := serveGateway(t, tg.gw)
	defer cleanup()

	resp := doRequest(t, client, "POST", "/v1/chat/completions", "tk", []byte(`{}`))
	if body := readBody(t, resp); !strings.Contains(string(body), "first") {
		t.Fatalf("expected first upstream, got %s", body)
	}

	if _, err := tg.store.Publish(singleProviderVals(second.URL+"/v1", []string{"sk-A"}, nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	resp = doRequest(t, client, "POST", "/v1/chat/completions", "tk", []byte(`{}`))
	if body := readBody(t, resp); !strings.Contains(string(body), "second") {
		t.Errorf("request after swap must see the new snapshot, got %s", body)
	}
}

// --- admin surface ----------------------------------------------------------

func TestAdmin_StatusAndReset(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	tg := newTestGateway(t, singleProviderVals(upstream.URL+"/v1", []string{"sk-A"},
		map[string]string{"MAX_RETRIES": "0", "MAX_FAILURES": "1", "AUTH_TOKEN": "tk"}))
	client, cleanup := serveGateway(t, tg.gw)
	defer cleanup()

	// Quarantine the key.
	resp := doRequest(t, client, "POST", "/v1/chat/completions", "tk", []byte(`{}`))
	readBody(t, resp)

	resp = doRequest(t, client, "GET", "/api/providers/status", "tk", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("status: expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(readBody(t, resp)), `"disabled":1`) {
		t.Error("status should report the quarantined key")
	}

	resp = doRequest(t, client, "POST", "/api/keys/reset", "tk", []byte(`{"provider":"default"}`))
	if resp.StatusCode != 200 {
		t.Fatalf("reset: expected 200, got %d", resp.StatusCode)
	}
	readBody(t, resp)

	if tg.registry.Pool("default").EnabledCount() != 1 {
		t.Error("reset should re-enable the key")
	}

	resp = doRequest(t, client, "GET", "/api/proxies/status", "tk", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("proxies status: expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(readBody(t, resp)), `"uri":"direct"`) {
		t.Error("egress status should list the direct sentinel")
	}
}

func TestAdmin_RequiresAdminToken(t *testing.T) {
	tg := newTestGateway(t, map[string]string{
		"ALLOWED_TOKENS": `["tk-user","tk-admin"]`,
		"AUTH_TOKEN":     "tk-admin",
		"BASE_URL":       "https://u/v1",
		"API_KEYS":       `["sk"]`,
	})
	client, cleanup := serveGateway(t, tg.gw)
	defer cleanup()

	resp := doRequest(t, client, "GET", "/api/providers/status", "tk-user", nil)
	if resp.StatusCode != 403 {
		t.Errorf("allowed non-admin token: expected 403, got %d", resp.StatusCode)
	}
	readBody(t, resp)

	resp = doRequest(t, client, "GET", "/api/providers/status", "tk-unknown", nil)
	if resp.StatusCode != 401 {
		t.Errorf("unknown token: expected 401, got %d", resp.StatusCode)
	}
	readBody(t, resp)
}

func TestHealth_NoAuth(t *testing.T) {
	tg := newTestGateway(t, singleProviderVals("https://u/v1", []string{"sk"}, nil))
	client, cleanup := serveGateway(t, tg.gw)
	defer cleanup()

	resp := doRequest(t, client, "GET", "/health", "", nil)
	if resp.StatusCode != 200 {
		t.Fatalf("health: expected 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(readBody(t, resp)), `"status":"ok"`) {
		t.Error("health body missing status")
	}
}
