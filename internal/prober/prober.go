// Package prober runs the background health checks that keep pool state
// fresh: re-validating quarantined credentials and probing egress proxies.
//
// A single cron scheduler owns both periodic tasks. The prober and the
// dispatcher never talk directly — they coordinate only through the pools.
package prober

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/OnlineMo/OpenAi-Balance/internal/config"
	"github.com/OnlineMo/OpenAi-Balance/internal/egress"
	"github.com/OnlineMo/OpenAi-Balance/internal/keypool"
	"github.com/OnlineMo/OpenAi-Balance/internal/metrics"
	"github.com/OnlineMo/OpenAi-Balance/internal/registry"
)

const (
	// credentialCheckEvery is the credential re-enable cadence.
	credentialCheckEvery = time.Minute
	// credentialDebounce is how long a credential must have been quarantined
	// before the prober will touch it.
	credentialDebounce = time.Minute
	// credentialProbeTimeout bounds one validation request.
	credentialProbeTimeout = 15 * time.Second
)

// Pruner is the retention hook the daily cleanup task calls.
type Pruner interface {
	PruneLogs(ctx context.Context, retentionDays int) (int64, error)
}

// Prober owns the scheduled background tasks.
type Prober struct {
	store      *config.Store
	registry   *registry.Registry
	egress     *egress.Pool
	transports *egress.Transports
	baseCtx    context.Context
	log        *slog.Logger

	// Optional dependencies — nil-safe when not configured.
	metrics *metrics.Registry
	pruner  Pruner

	cron *cron.Cron

	mu       sync.Mutex
	inFlight map[string]bool // provider + credential digest → probe running
}

// New creates a Prober. Call Start to begin scheduling.
func New(
	baseCtx context.Context,
	store *config.Store,
	reg *registry.Registry,
	egressPool *egress.Pool,
	transports *egress.Transports,
	log *slog.Logger,
) *Prober {
	if log == nil {
		log = slog.Default()
	}
	return &Prober{
		store:      store,
		registry:   reg,
		egress:     egressPool,
		transports: transports,
		baseCtx:    baseCtx,
		log:        log,
		inFlight:   make(map[string]bool),
	}
}

// SetMetrics injects the Prometheus registry.
func (p *Prober) SetMetrics(m *metrics.Registry) { p.metrics = m }

// SetPruner injects the log store used by the daily retention task.
func (p *Prober) SetPruner(pr Pruner) { p.pruner = pr }

// Start schedules all tasks and begins running them. The egress probe
// interval follows the active snapshot; a snapshot change restarts the
// schedule so a new interval takes effect without a process restart.
func (p *Prober) Start() {
	p.schedule(p.store.Current())
	p.store.Subscribe(func(snap *config.Snapshot) {
		p.schedule(snap)
	})
}

// Stop halts the scheduler, waiting for running jobs to finish.
func (p *Prober) Stop() {
	p.mu.Lock()
	c := p.cron
	p.cron = nil
	p.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

func (p *Prober) schedule(snap *config.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cron != nil {
		p.cron.Stop()
	}
	c := cron.New()

	mustAdd(c, fmt.Sprintf("@every %s", credentialCheckEvery), p.checkCredentials)

	if snap.ProxyAutoCheckEnabled {
		interval := snap.ProxyCheckInterval
		if interval < time.Minute {
			interval = time.Minute
		}
		mustAdd(c, fmt.Sprintf("@every %s", interval), p.checkProxies)
	}

	// Log retention runs daily at midnight.
	mustAdd(c, "0 0 * * *", p.pruneLogs)

	c.Start()
	p.cron = c
}

// mustAdd registers a job; the specs above are constants or generated, so a
// parse failure is a programming error.
func mustAdd(c *cron.Cron, spec string, fn func()) {
	if _, err := c.AddFunc(spec, fn); err != nil {
		panic(fmt.Sprintf("prober: bad cron spec %q: %v", spec, err))
	}
}

// ── Credential re-enable task ────────────────────────────────────────────────

// checkCredentials probes every quarantined credential whose debounce window
// has elapsed. A 2xx from a minimal chat completion against the provider
// re-enables the credential; any failure re-stamps its quarantine time. At most one probe
// per credential is in flight.
func (p *Prober) checkCredentials() {
	snap := p.store.Current()
	cutoff := time.Now().Add(-credentialDebounce)

	for name, pool := range p.registry.Pools() {
		spec := snap.Provider(name)
		if spec == nil || !spec.IsEnabled() {
			continue
		}
		for _, rec := range pool.DisabledBefore(cutoff) {
			p.probeCredential(snap, spec, pool, rec)
		}
	}
	p.publishPoolGauges()
}

func (p *Prober) probeCredential(snap *config.Snapshot, spec *config.ProviderSpec, pool *keypool.Pool, rec *keypool.Record) {
	key := spec.Name + "/" + rec.Digest()

	p.mu.Lock()
	if p.inFlight[key] {
		p.mu.Unlock()
		return
	}
	p.inFlight[key] = true
	p.mu.Unlock()

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.inFlight, key)
			p.mu.Unlock()
		}()

		ok := p.validateCredential(snap, spec, rec)
		result := "fail"
		if ok {
			pool.Reenable(rec)
			result = "ok"
			p.log.Info("credential re-enabled",
				slog.String("provider", spec.Name),
				slog.String("credential", rec.Digest()),
			)
		} else {
			pool.RefreshDisabled(rec)
		}
		if p.metrics != nil {
			p.metrics.RecordProberCheck("credential", result)
		}
	}()
}

// validateCredential issues a minimal chat completion with the provider's
// test model over the direct path. Any 2xx means the credential works again.
func (p *Prober) validateCredential(snap *config.Snapshot, spec *config.ProviderSpec, rec *keypool.Record) bool {
	rt, err := p.transports.For(egress.Direct)
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(p.baseCtx, credentialProbeTimeout)
	defer cancel()

	payload := fmt.Sprintf(
		`{"model":%q,"messages":[{"role":"user","content":"hi"}],"max_tokens":10,"stream":false}`,
		spec.ProbeModel(snap.TestModel),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, probeURL(spec.BaseURL), strings.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+rec.Value)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range spec.CustomHeaders {
		req.Header.Set(k, v)
	}

	resp, err := rt.RoundTrip(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func probeURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	base = strings.TrimSuffix(base, "/v1")
	return base + "/v1/chat/completions"
}

// ── Egress probe task ────────────────────────────────────────────────────────

// checkProxies probes every configured egress proxy against the check URL.
// Failures count toward the proxy's quarantine threshold; crossing it
// disables the proxy and clears its credential bindings. The direct path is
// never probed.
func (p *Prober) checkProxies() {
	snap := p.store.Current()
	if !snap.ProxyAutoCheckEnabled {
		return
	}

	proxies := p.egress.Proxies()
	if len(proxies) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, uri := range proxies {
		uri := uri
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok := p.probeProxy(snap, uri)
			p.egress.MarkChecked(uri)

			result := "ok"
			if ok {
				p.egress.Reset(uri)
			} else {
				result = "fail"
				rec := p.egress.Find(uri)
				if disabled := p.egress.ReleaseFailure(rec); disabled {
					p.log.Warn("egress proxy disabled", slog.String("proxy", uri))
				}
			}
			if p.metrics != nil {
				p.metrics.RecordProberCheck("proxy", result)
			}
		}()
	}
	wg.Wait()
	p.publishPoolGauges()
}

func (p *Prober) probeProxy(snap *config.Snapshot, uri string) bool {
	rt, err := p.transports.For(uri)
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(p.baseCtx, snap.ProxyCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, snap.ProxyCheckURL, nil)
	if err != nil {
		return false
	}

	resp, err := rt.RoundTrip(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// ── Log retention task ───────────────────────────────────────────────────────

func (p *Prober) pruneLogs() {
	if p.pruner == nil {
		return
	}
	snap := p.store.Current()

	ctx, cancel := context.WithTimeout(p.baseCtx, time.Minute)
	defer cancel()

	n, err := p.pruner.PruneLogs(ctx, snap.LogRetentionDays)
	if err != nil {
		p.log.Error("log retention failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		p.log.Info("old logs pruned", slog.Int64("rows", n))
	}
}

// publishPoolGauges refreshes the pool-size metrics after a probe sweep.
func (p *Prober) publishPoolGauges() {
	if p.metrics == nil {
		return
	}
	for name, pool := range p.registry.Pools() {
		st := pool.Status()
		p.metrics.SetCredentialCounts(name, st.Enabled, st.Disabled)
	}
	est := p.egress.Status()
	p.metrics.SetEgressCounts(est.Enabled, est.Disabled)
}
