// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is a flat key→string mapping. At startup the persisted
// settings table is read first, then environment variables (and the optional
// .env file) overlay it — env always wins. The merged view is parsed into an
// immutable Snapshot; invalid mappings are rejected before publication so a
// bad edit can never replace a working configuration.
//
// Every settings key is also an environment variable of the same name.
// PROVIDERS_CONFIG (a JSON array of provider definitions), when present and
// non-empty, takes precedence for its named providers over the flat
// BASE_URL/API_KEYS pair, which defines the implicit "default" provider.
package config

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// ErrInvalid is wrapped by every validation failure. A snapshot that fails
// validation is never published.
var ErrInvalid = errors.New("config invalid")

// Global defaults applied when a key is absent from both env and settings.
const (
	DefaultMaxFailures        = 3
	DefaultMaxRetries         = 3
	DefaultTimeout            = 300 * time.Second
	DefaultTestModel          = "gpt-4o-mini"
	DefaultProxyCheckInterval = 30 * time.Minute
	DefaultProxyMaxFailures   = 3
	DefaultProxyCheckURL      = "https://www.gstatic.com/generate_204"
	DefaultProxyCheckTimeout  = 10 * time.Second
	DefaultLogRetentionDays   = 30
	DefaultPort               = 8000
)

// Keys lists every recognized settings key. Env seeding and persistence both
// iterate this list so the two views can never drift apart.
var Keys = []string{
	"ALLOWED_TOKENS",
	"AUTH_TOKEN",
	"DEFAULT_PROVIDER",
	"PROVIDERS_CONFIG",
	"BASE_URL",
	"API_KEYS",
	"MODEL_REQUEST_KEY",
	"CUSTOM_HEADERS",
	"MAX_FAILURES",
	"MAX_RETRIES",
	"TIMEOUT_SECONDS",
	"TEST_MODEL",
	"PROXIES",
	"PROXY_AUTO_CHECK_ENABLED",
	"PROXY_CHECK_INTERVAL",
	"PROXY_MAX_FAILURES",
	"PROXY_CHECK_URL",
	"PROXY_CHECK_TIMEOUT",
	"FILTERED_MODELS",
	"ERROR_LOG_RECORD_REQUEST_BODY",
	"LOG_RETENTION_DAYS",
	"PORT",
	"LOG_LEVEL",
	"DB_PATH",
}

var pathPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// ProviderSpec is one upstream provider definition. The JSON shape matches
// the PROVIDERS_CONFIG entries the admin collaborator writes.
type ProviderSpec struct {
	Name                      string            `json:"name"`
	Path                      string            `json:"path"`
	BaseURL                   string            `json:"base_url"`
	APIKeys                   []string          `json:"api_keys"`
	ModelRequestKey           string            `json:"model_request_key"`
	CustomHeaders             map[string]string `json:"custom_headers"`
	TimeoutSeconds            int               `json:"timeout"`
	MaxFailures               int               `json:"max_failures"`
	MaxRetries                *int              `json:"max_retries"`
	TestModel                 string            `json:"test_model"`
	ToolsCodeExecutionEnabled bool              `json:"tools_code_execution_enabled"`
	Enabled                   *bool             `json:"enabled"`
}

// IsEnabled reports whether the provider accepts traffic. An absent "enabled"
// field means enabled.
func (p *ProviderSpec) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// Timeout returns the per-provider timeout, falling back to the global one.
func (p *ProviderSpec) Timeout(global time.Duration) time.Duration {
	if p.TimeoutSeconds > 0 {
		return time.Duration(p.TimeoutSeconds) * time.Second
	}
	return global
}

// FailureLimit returns the per-provider disable threshold, falling back to
// the global one.
func (p *ProviderSpec) FailureLimit(global int) int {
	if p.MaxFailures > 0 {
		return p.MaxFailures
	}
	return global
}

// RetryLimit returns the per-provider retry budget, falling back to the
// global one. Zero is a valid value (single attempt), so absence is tracked
// with a pointer rather than the zero value.
func (p *ProviderSpec) RetryLimit(global int) int {
	if p.MaxRetries != nil && *p.MaxRetries >= 0 {
		return *p.MaxRetries
	}
	return global
}

// ProbeModel returns the model used to validate disabled credentials.
func (p *ProviderSpec) ProbeModel(global string) string {
	if p.TestModel != "" {
		return p.TestModel
	}
	return global
}

// Snapshot is the immutable, versioned bundle of all configuration. Once
// published it is never mutated — reconfiguration builds a new Snapshot and
// swaps the pointer atomically.
type Snapshot struct {
	Version int64

	AllowedTokens []string
	AuthToken     string

	DefaultProvider string
	Providers       []ProviderSpec

	MaxFailures int
	MaxRetries  int
	Timeout     time.Duration
	TestModel   string

	Proxies               []string
	ProxyAutoCheckEnabled bool
	ProxyCheckInterval    time.Duration
	ProxyMaxFailures      int
	ProxyCheckURL         string
	ProxyCheckTimeout     time.Duration

	FilteredModels            map[string]struct{}
	ErrorLogRecordRequestBody bool
	LogRetentionDays          int

	Port     int
	LogLevel string
	DBPath   string

	raw map[string]string
}

// Raw returns the flat key→string view this snapshot was built from, for
// seeding the persisted settings table.
func (s *Snapshot) Raw() map[string]string {
	out := make(map[string]string, len(s.raw))
	for k, v := range s.raw {
		out[k] = v
	}
	return out
}

// HasToken reports whether tok is in the allowed set. Comparison is
// constant-time per candidate.
func (s *Snapshot) HasToken(tok string) bool {
	if tok == "" {
		return false
	}
	for _, t := range s.AllowedTokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(tok)) == 1 {
			return true
		}
	}
	return false
}

// IsAdminToken reports whether tok equals the admin token.
func (s *Snapshot) IsAdminToken(tok string) bool {
	if tok == "" || s.AuthToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.AuthToken), []byte(tok)) == 1
}

// ModelFiltered reports whether a model id is hidden from /v1/models.
func (s *Snapshot) ModelFiltered(id string) bool {
	_, ok := s.FilteredModels[id]
	return ok
}

// Provider returns the spec with the given name, or nil.
func (s *Snapshot) Provider(name string) *ProviderSpec {
	for i := range s.Providers {
		if s.Providers[i].Name == name {
			return &s.Providers[i]
		}
	}
	return nil
}

// ProviderByPath returns the spec with the given path segment, or nil.
func (s *Snapshot) ProviderByPath(path string) *ProviderSpec {
	for i := range s.Providers {
		if s.Providers[i].Path == path {
			return &s.Providers[i]
		}
	}
	return nil
}

// LoadEnv reads the optional .env file at envFile (skipped when absent) and
// returns the values of all recognized keys currently present in the
// process environment.
func LoadEnv(envFile string) (map[string]string, error) {
	if envFile != "" {
		if info, err := os.Stat(envFile); err == nil && !info.IsDir() {
			if err := gotenv.OverLoad(envFile); err != nil {
				return nil, fmt.Errorf("config: load %s: %w", envFile, err)
			}
		}
	}

	v := viper.New()
	v.AutomaticEnv()

	// An empty value is treated as unset so a stray FOO= line in the env
	// file cannot blank out a persisted setting.
	vals := make(map[string]string)
	for _, k := range Keys {
		if s := v.GetString(k); s != "" {
			vals[k] = s
		}
	}
	return vals, nil
}

// Merge overlays b on top of a without mutating either.
func Merge(a, b map[string]string) map[string]string {
	out := make(map[string]string, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Build parses a flat key→string mapping into a validated Snapshot.
// Returns an error wrapping ErrInvalid when the mapping cannot describe a
// runnable gateway; the caller must keep the previous snapshot in that case.
func Build(vals map[string]string, version int64) (*Snapshot, error) {
	s := &Snapshot{
		Version:            version,
		MaxFailures:        DefaultMaxFailures,
		MaxRetries:         DefaultMaxRetries,
		Timeout:            DefaultTimeout,
		TestModel:          DefaultTestModel,
		ProxyCheckInterval: DefaultProxyCheckInterval,
		ProxyMaxFailures:   DefaultProxyMaxFailures,
		ProxyCheckURL:      DefaultProxyCheckURL,
		ProxyCheckTimeout:  DefaultProxyCheckTimeout,
		LogRetentionDays:   DefaultLogRetentionDays,
		Port:               DefaultPort,
		LogLevel:           "info",
		DBPath:             "openai_balance.db",
		FilteredModels:     make(map[string]struct{}),
		raw:                make(map[string]string, len(vals)),
	}
	for k, v := range vals {
		s.raw[k] = v
	}

	p := &parser{vals: vals}

	s.AllowedTokens = p.stringList("ALLOWED_TOKENS")
	s.AuthToken = p.str("AUTH_TOKEN", "")
	if s.AuthToken == "" && len(s.AllowedTokens) > 0 {
		s.AuthToken = s.AllowedTokens[0]
	}

	s.MaxFailures = p.intVal("MAX_FAILURES", s.MaxFailures)
	s.MaxRetries = p.intVal("MAX_RETRIES", s.MaxRetries)
	if secs := p.intVal("TIMEOUT_SECONDS", 0); secs > 0 {
		s.Timeout = time.Duration(secs) * time.Second
	}
	s.TestModel = p.str("TEST_MODEL", s.TestModel)

	s.Proxies = p.stringList("PROXIES")
	s.ProxyAutoCheckEnabled = p.boolVal("PROXY_AUTO_CHECK_ENABLED", false)
	s.ProxyCheckInterval = p.duration("PROXY_CHECK_INTERVAL", s.ProxyCheckInterval)
	s.ProxyMaxFailures = p.intVal("PROXY_MAX_FAILURES", s.ProxyMaxFailures)
	s.ProxyCheckURL = p.str("PROXY_CHECK_URL", s.ProxyCheckURL)
	s.ProxyCheckTimeout = p.duration("PROXY_CHECK_TIMEOUT", s.ProxyCheckTimeout)

	for _, id := range p.stringList("FILTERED_MODELS") {
		s.FilteredModels[id] = struct{}{}
	}
	s.ErrorLogRecordRequestBody = p.boolVal("ERROR_LOG_RECORD_REQUEST_BODY", false)
	s.LogRetentionDays = p.intVal("LOG_RETENTION_DAYS", s.LogRetentionDays)

	s.Port = p.intVal("PORT", s.Port)
	s.LogLevel = strings.ToLower(p.str("LOG_LEVEL", s.LogLevel))
	s.DBPath = p.str("DB_PATH", s.DBPath)

	if err := p.err; err != nil {
		return nil, err
	}

	if err := buildProviders(s, p); err != nil {
		return nil, err
	}
	if err := p.err; err != nil {
		return nil, err
	}

	if err := validate(s); err != nil {
		return nil, err
	}

	return s, nil
}

// buildProviders assembles s.Providers from PROVIDERS_CONFIG, falling back
// to the implicit default provider described by BASE_URL/API_KEYS.
func buildProviders(s *Snapshot, p *parser) error {
	raw := strings.TrimSpace(p.str("PROVIDERS_CONFIG", ""))

	if raw != "" && raw != "[]" {
		var specs []ProviderSpec
		dec := json.NewDecoder(strings.NewReader(raw))
		if err := dec.Decode(&specs); err != nil {
			return fmt.Errorf("%w: PROVIDERS_CONFIG: %v", ErrInvalid, err)
		}
		for i := range specs {
			normalizeSpec(&specs[i])
		}
		s.Providers = specs
	} else if base := p.str("BASE_URL", ""); base != "" {
		def := ProviderSpec{
			Name:            "default",
			Path:            "default",
			BaseURL:         base,
			APIKeys:         p.stringList("API_KEYS"),
			ModelRequestKey: p.str("MODEL_REQUEST_KEY", ""),
		}
		if hdrs := p.str("CUSTOM_HEADERS", ""); hdrs != "" {
			if err := json.Unmarshal([]byte(hdrs), &def.CustomHeaders); err != nil {
				return fmt.Errorf("%w: CUSTOM_HEADERS: %v", ErrInvalid, err)
			}
		}
		s.Providers = []ProviderSpec{def}
	}

	s.DefaultProvider = p.str("DEFAULT_PROVIDER", "")
	if s.DefaultProvider == "" || (s.DefaultProvider == "default" && s.Provider("default") == nil) {
		// Fall back to the first enabled provider.
		for i := range s.Providers {
			if s.Providers[i].IsEnabled() {
				s.DefaultProvider = s.Providers[i].Name
				break
			}
		}
	}
	return nil
}

func normalizeSpec(spec *ProviderSpec) {
	if spec.CustomHeaders == nil {
		spec.CustomHeaders = map[string]string{}
	}
}

// validate checks every semantic constraint that survives parsing.
func validate(s *Snapshot) error {
	if len(s.Providers) == 0 {
		return fmt.Errorf("%w: no providers configured (set PROVIDERS_CONFIG or BASE_URL/API_KEYS)", ErrInvalid)
	}

	seen := make(map[string]bool, len(s.Providers))
	for i := range s.Providers {
		spec := &s.Providers[i]
		if spec.Name == "" {
			return fmt.Errorf("%w: provider #%d has no name", ErrInvalid, i)
		}
		if seen[spec.Name] {
			return fmt.Errorf("%w: duplicate provider name %q", ErrInvalid, spec.Name)
		}
		seen[spec.Name] = true

		if spec.Path == "" || !pathPattern.MatchString(spec.Path) {
			return fmt.Errorf("%w: provider %q path %q must match [a-z0-9-]+", ErrInvalid, spec.Name, spec.Path)
		}

		u, err := url.Parse(spec.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: provider %q base_url %q must be an absolute http(s) URL", ErrInvalid, spec.Name, spec.BaseURL)
		}
	}

	if s.DefaultProvider != "" && s.Provider(s.DefaultProvider) == nil {
		return fmt.Errorf("%w: DEFAULT_PROVIDER %q does not name a configured provider", ErrInvalid, s.DefaultProvider)
	}

	for _, proxy := range s.Proxies {
		u, err := url.Parse(proxy)
		if err != nil || u.Host == "" {
			return fmt.Errorf("%w: proxy %q is not a valid URI", ErrInvalid, proxy)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return fmt.Errorf("%w: proxy %q has unsupported scheme %q", ErrInvalid, proxy, u.Scheme)
		}
	}

	if s.MaxFailures < 1 {
		return fmt.Errorf("%w: MAX_FAILURES must be ≥ 1, got %d", ErrInvalid, s.MaxFailures)
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("%w: MAX_RETRIES must be ≥ 0, got %d", ErrInvalid, s.MaxRetries)
	}
	if s.ProxyMaxFailures < 1 {
		return fmt.Errorf("%w: PROXY_MAX_FAILURES must be ≥ 1, got %d", ErrInvalid, s.ProxyMaxFailures)
	}

	switch s.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: LOG_LEVEL %q must be one of: debug, info, warn, error", ErrInvalid, s.LogLevel)
	}

	return nil
}

// ── Flat-value parsing helpers ───────────────────────────────────────────────

// parser accumulates the first conversion error instead of failing fast, so
// one Build call reports the earliest problem with a stable message.
type parser struct {
	vals map[string]string
	err  error
}

func (p *parser) str(key, def string) string {
	if v, ok := p.vals[key]; ok && v != "" {
		return v
	}
	return def
}

func (p *parser) intVal(key string, def int) int {
	v, ok := p.vals[key]
	if !ok || v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err != nil {
		p.fail(key, v, "an integer")
		return def
	}
	return n
}

func (p *parser) boolVal(key string, def bool) bool {
	v, ok := p.vals[key]
	if !ok || v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	p.fail(key, v, "a boolean")
	return def
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v, ok := p.vals[key]
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		p.fail(key, v, "a duration (e.g. 30s, 5m)")
		return def
	}
	return d
}

// stringList accepts either a JSON array of strings or a comma-separated
// list — the admin UI writes JSON, hand-edited env files tend to use commas.
func (p *parser) stringList(key string) []string {
	v, ok := p.vals[key]
	if !ok {
		return nil
	}
	v = strings.TrimSpace(v)
	if v == "" || v == "[]" {
		return nil
	}
	if strings.HasPrefix(v, "[") {
		var out []string
		if err := json.Unmarshal([]byte(v), &out); err != nil {
			p.fail(key, v, "a JSON array of strings")
			return nil
		}
		return out
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, s := range parts {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (p *parser) fail(key, val, want string) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s=%q is not %s", ErrInvalid, key, val, want)
	}
}
