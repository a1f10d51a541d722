package egress

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// Transports builds and caches one http.RoundTripper per egress path.
// Transports are keyed by URI so connection pools survive across requests
// and snapshot reloads.
type Transports struct {
	mu    sync.Mutex
	cache map[string]http.RoundTripper
}

// NewTransports creates an empty transport cache.
func NewTransports() *Transports {
	return &Transports{cache: make(map[string]http.RoundTripper)}
}

// For returns the RoundTripper for the given egress URI, building it on
// first use. The Direct sentinel maps to an unproxied transport.
func (t *Transports) For(uri string) (http.RoundTripper, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rt, ok := t.cache[uri]; ok {
		return rt, nil
	}

	rt, err := buildTransport(uri)
	if err != nil {
		return nil, err
	}
	t.cache[uri] = rt
	return rt, nil
}

// Prune drops cached transports whose URI is no longer configured, closing
// their idle connections.
func (t *Transports) Prune(keep []string) {
	alive := map[string]bool{Direct: true}
	for _, uri := range keep {
		alive[uri] = true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for uri, rt := range t.cache {
		if alive[uri] {
			continue
		}
		if tr, ok := rt.(*http.Transport); ok {
			tr.CloseIdleConnections()
		}
		delete(t.cache, uri)
	}
}

func buildTransport(uri string) (http.RoundTripper, error) {
	if uri == Direct || uri == "" {
		return baseTransport(nil), nil
	}

	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("egress: parse proxy %q: %w", uri, err)
	}

	switch u.Scheme {
	case "http", "https":
		return baseTransport(http.ProxyURL(u)), nil
	case "socks5":
		return socks5Transport(u)
	default:
		return nil, fmt.Errorf("egress: unsupported proxy scheme %q", u.Scheme)
	}
}

func baseTransport(proxyFunc func(*http.Request) (*url.URL, error)) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 proxyFunc,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

func socks5Transport(u *url.URL) (*http.Transport, error) {
	var auth *proxy.Auth
	if u.User != nil {
		password, _ := u.User.Password()
		auth = &proxy.Auth{User: u.User.Username(), Password: password}
	}

	dialer, err := proxy.SOCKS5("tcp", u.Host, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("egress: socks5 dialer for %q: %w", u.Host, err)
	}

	t := baseTransport(nil)
	t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			return cd.DialContext(ctx, network, addr)
		}
		return dialer.Dial(network, addr)
	}
	return t, nil
}
