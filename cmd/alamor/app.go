package main

import (
	"context"

	"alamor/internal/config"
	"alamor/internal/db"
	"alamor/internal/geoip"
	"alamor/internal/logger"
	"alamor/internal/metrics"
	"alamor/internal/panel"
	"alamor/internal/probe"
	"alamor/internal/secret"
	"alamor/internal/store"
	"alamor/internal/subscription"
	"alamor/internal/syncer"

	"gorm.io/gorm"
)

// app is the wiring shared by every command: config, database, seeded
// servers and the lazily built panel side.
type app struct {
	cfg     *config.Config
	db      *gorm.DB
	store   *store.Store
	box     *secret.Box
	metrics *metrics.Collector

	geo    *geoip.Resolver
	tunnel *probe.Tunnel
	panels syncer.PanelFactory
	syncer *syncer.Synchronizer
	agg    *subscription.Aggregator
}

func openApp() *app {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.Log.Fatalf("Error loading config: %v", err)
	}
	if config.IsWeakToken(cfg.HTTP.AdminToken) {
		logger.Log.Warn("⚠️  http.admin_token is easy to guess, the admin API is exposed with it")
	}

	box, err := secret.New(cfg.SecretKey)
	if err != nil {
		logger.Log.Fatalf("Error preparing credential encryption: %v (set secret_key or ALAMOR_SECRET_KEY)", err)
	}

	database, err := db.Connect(cfg.Database.Path)
	if err != nil {
		logger.Log.Fatalf("Error connecting to DB: %v", err)
	}
	if err := db.Migrate(database); err != nil {
		logger.Log.Fatalf("Error migrating DB: %v", err)
	}

	st := store.New(database)
	ctx := context.Background()
	if err := st.SeedServers(ctx, cfg.Servers, box); err != nil {
		logger.Log.Fatalf("Error seeding servers: %v", err)
	}
	if err := st.SeedProfiles(ctx, cfg.Profiles); err != nil {
		logger.Log.Fatalf("Error seeding profiles: %v", err)
	}

	return &app{cfg: cfg, db: database, store: st, box: box, metrics: metrics.New()}
}

// panelFactory builds panel clients, routing them through the first alive
// panel.proxy_links entry when any are configured.
func (a *app) panelFactory(ctx context.Context) syncer.PanelFactory {
	if a.panels != nil {
		return a.panels
	}
	proxyURL := a.cfg.Panel.ProxyURL
	if len(a.cfg.Panel.ProxyLinks) > 0 {
		logger.Log.Info("🛡️  Looking for a working panel tunnel...")
		a.tunnel = probe.NewTunnel(probe.New(a.cfg.Probe), a.cfg.Panel.ProxyLinks, proxyURL)
		proxyURL = a.tunnel.ProxyURL(ctx)
		if proxyURL != "" {
			logger.Log.Infof("🚀 Panel traffic via %s", proxyURL)
		}
	}
	a.panels = syncer.NewPanelFactory(a.box, panel.Options{
		Timeout:  a.cfg.Panel.Timeout,
		Retries:  a.cfg.Panel.Retries,
		ProxyURL: proxyURL,
		Metrics:  a.metrics,
	})
	return a.panels
}

func (a *app) synchronizer(ctx context.Context) *syncer.Synchronizer {
	if a.syncer == nil {
		a.geo = geoip.Open(a.cfg.GeoIP.ASNPath, a.cfg.GeoIP.CountryPath)
		a.syncer = syncer.New(a.store, a.panelFactory(ctx), syncer.WithGeoIP(a.geo))
	}
	return a.syncer
}

func (a *app) aggregator(ctx context.Context) *subscription.Aggregator {
	if a.agg == nil {
		a.agg = subscription.NewAggregator(a.store, a.synchronizer(ctx), a.cfg.BrandName)
	}
	return a.agg
}

func (a *app) provisioner(ctx context.Context) *subscription.Provisioner {
	return subscription.NewProvisioner(a.store, a.panelFactory(ctx), a.aggregator(ctx))
}

func (a *app) Close() {
	if a.tunnel != nil {
		a.tunnel.Stop()
	}
	if a.geo != nil {
		a.geo.Close()
	}
	db.Close(a.db)
}
