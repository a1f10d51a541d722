package proxy

import (
	"strings"
	"testing"
)

func TestAdmin_ProxiesReset(t *testing.T) {
	tg := newTestGateway(t, map[string]string{
		"ALLOWED_TOKENS":     `["tk"]`,
		"BASE_URL":           "https://u/v1",
		"API_KEYS":           `["sk"]`,
		"PROXIES":            `["http://p1:8080"]`,
		"PROXY_MAX_FAILURES": "1",
	})
	client, cleanup := serveGateway(t, tg.gw)
	defer cleanup()

	// Quarantine the proxy.
	tg.egress.ReleaseFailure(tg.egress.Find("http://p1:8080"))
	if !tg.egress.Find("http://p1:8080").Disabled() {
		t.Fatal("setup: proxy should be disabled")
	}

	resp := doRequest(t, client, "POST", "/api/proxies/reset", "tk",
		[]byte(`{"proxy":"http://p1:8080"}`))
	if resp.StatusCode != 200 {
		t.Fatalf("reset: expected 200, got %d", resp.StatusCode)
	}
	readBody(t, resp)

	if tg.egress.Find("http://p1:8080").Disabled() {
		t.Error("reset should re-enable the proxy")
	}

	resp = doRequest(t, client, "POST", "/api/proxies/reset", "tk",
		[]byte(`{"proxy":"http://unknown:1"}`))
	if resp.StatusCode != 404 {
		t.Errorf("unknown proxy: expected 404, got %d", resp.StatusCode)
	}
	if !strings.Contains(string(readBody(t, resp)), "unknown proxy") {
		t.Error("expected unknown proxy message")
	}
}
