// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initStore    — SQLite settings/log store; merge persisted + env config
//  2. initPools    — egress pool, transports, provider registry
//  3. initServices — observability sink, metrics registry
//  4. initGateway  — dispatcher + management routes
//  5. initProber   — scheduled health checks
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/OnlineMo/OpenAi-Balance/internal/config"
	"github.com/OnlineMo/OpenAi-Balance/internal/egress"
	"github.com/OnlineMo/OpenAi-Balance/internal/metrics"
	"github.com/OnlineMo/OpenAi-Balance/internal/prober"
	"github.com/OnlineMo/OpenAi-Balance/internal/proxy"
	"github.com/OnlineMo/OpenAi-Balance/internal/registry"
	"github.com/OnlineMo/OpenAi-Balance/internal/sink"
	"github.com/OnlineMo/OpenAi-Balance/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	envFile string
	baseCtx context.Context
	log     *slog.Logger

	cfgStore *config.Store

	db  *store.Store
	snk *sink.Sink

	prom *metrics.Registry

	egressPool *egress.Pool
	transports *egress.Transports
	registry   *registry.Registry

	gw      *proxy.Gateway
	mgmt    *proxy.ManagementRoutes
	watcher *config.Watcher
	prb     *prober.Prober
}

// New initialises all subsystems and returns a ready-to-run App.
// cfgStore must already hold the snapshot built from the environment; New
// merges in the persisted settings table (env wins) and republishes.
func New(ctx context.Context, cfgStore *config.Store, envVals map[string]string, envFile string, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{
		version:  version,
		envFile:  envFile,
		baseCtx:  ctx,
		log:      log,
		cfgStore: cfgStore,
	}

	steps := []struct {
		name string
		fn   func(context.Context, map[string]string) error
	}{
		{"store", a.initStore},
		{"pools", a.initPools},
		{"services", a.initServices},
		{"gateway", a.initGateway},
		{"prober", a.initProber},
	}

	for _, s := range steps {
		if err := s.fn(ctx, envVals); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the env watcher, blocking until ctx is
// cancelled or a component fails. The app is closed on return.
func (a *App) Run(ctx context.Context) error {
	snap := a.cfgStore.Current()
	addr := fmt.Sprintf(":%d", snap.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("providers", len(snap.Providers)),
		slog.Int("proxies", len(snap.Proxies)),
	)

	a.prb.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Serve(addr, a.mgmt)
	})

	g.Go(func() error {
		return a.watcher.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.gw.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times; calls must not overlap, as Close takes no lock.
func (a *App) Close() {
	if a.prb != nil {
		a.prb.Stop()
		a.prb = nil
	}
	if a.snk != nil {
		a.snk.Close()
		a.snk = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Error("store close error", slog.String("error", err.Error()))
		}
		a.db = nil
	}
}

// initStore opens the settings/log database and reconciles persisted
// settings with the environment: env values seed the table, the merged view
// becomes the active snapshot, and every later publication is written back.
func (a *App) initStore(ctx context.Context, envVals map[string]string) error {
	snap := a.cfgStore.Current()

	db, err := store.Open(snap.DBPath)
	if err != nil {
		return err
	}
	a.db = db

	persisted, err := db.LoadSettings(ctx)
	if err != nil {
		return err
	}

	merged := config.Merge(persisted, envVals)
	if _, err := a.cfgStore.Publish(merged); err != nil {
		return fmt.Errorf("merged settings rejected: %w", err)
	}
	if err := db.SaveSettings(ctx, merged); err != nil {
		return err
	}

	a.cfgStore.Subscribe(func(s *config.Snapshot) {
		if err := db.SaveSettings(a.baseCtx, s.Raw()); err != nil {
			a.log.Error("settings persist failed", slog.String("error", err.Error()))
		}
	})

	return nil
}

// initPools creates the egress pool, the transport cache, and the provider
// registry, and keeps all three in step with snapshot publications.
func (a *App) initPools(_ context.Context, _ map[string]string) error {
	snap := a.cfgStore.Current()

	a.egressPool = egress.New(snap.Proxies, snap.ProxyMaxFailures)
	a.transports = egress.NewTransports()
	a.registry = registry.New(snap, a.egressPool)

	a.cfgStore.Subscribe(func(s *config.Snapshot) {
		a.egressPool.Reload(s.Proxies, s.ProxyMaxFailures)
		a.registry.Reload(s)
		a.transports.Prune(s.Proxies)
	})

	return nil
}

// initServices creates the observability sink and the metrics registry.
func (a *App) initServices(_ context.Context, _ map[string]string) error {
	a.snk = sink.New(a.baseCtx, a.db, a.log)

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)
	a.prom.SetConfigVersion(a.cfgStore.Current().Version)
	a.cfgStore.Subscribe(func(s *config.Snapshot) {
		a.prom.SetConfigVersion(s.Version)
	})

	return nil
}

// initGateway wires the dispatcher and the management routes.
func (a *App) initGateway(_ context.Context, _ map[string]string) error {
	gw := proxy.New(a.baseCtx, a.cfgStore, a.registry, a.egressPool, a.transports, a.log)
	gw.SetSink(a.snk)
	gw.SetMetrics(a.prom)

	a.gw = gw
	a.mgmt = &proxy.ManagementRoutes{Metrics: a.prom.Handler()}
	a.watcher = config.NewWatcher(a.envFile, a.cfgStore, a.log)

	return nil
}

// initProber creates (but does not start) the scheduled health checks.
func (a *App) initProber(_ context.Context, _ map[string]string) error {
	p := prober.New(a.baseCtx, a.cfgStore, a.registry, a.egressPool, a.transports, a.log)
	p.SetMetrics(a.prom)
	p.SetPruner(a.db)
	a.prb = p
	return nil
}
