package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/larderhq/larder/internal/admin"
	"github.com/larderhq/larder/internal/cache"
	"github.com/larderhq/larder/internal/config"
	"github.com/larderhq/larder/internal/connectivity"
	"github.com/larderhq/larder/internal/control"
	"github.com/larderhq/larder/internal/fetch"
	"github.com/larderhq/larder/internal/manifest"
	"github.com/larderhq/larder/internal/metrics"
	"github.com/larderhq/larder/internal/store"
	"github.com/larderhq/larder/internal/svc"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the larder daemon",
		Long: `Run the larder daemon in the foreground.

The daemon opens the encrypted store, starts the control socket and admin
listener, and keeps the cache warm until interrupted.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()
	logStartupBanner()

	configPath := cfgFile
	if configPath == "" {
		configPath = findConfig()
	}
	if configPath == "" {
		return fmt.Errorf("no config file found (looked for larder.yaml and %s); run 'larder init' or pass --config", svc.DefaultConfigPath())
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("shutting down...")
		cancel()
	}()

	return runDaemon(ctx, cfg)
}

// runServeFromService is the daemon entry point when running under a
// service manager.
func runServeFromService(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return runDaemon(ctx, cfg)
}

// findConfig looks for a config file in the conventional locations.
func findConfig() string {
	candidates := []string{"larder.yaml"}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, homeDir+"/.larder/larder.yaml")
	}
	candidates = append(candidates, svc.DefaultConfigPath())

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// runDaemon wires the daemon together and blocks until ctx is cancelled.
func runDaemon(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	m := metrics.InitMetrics(Version)

	st, err := store.Open(store.Options{
		Path:    cfg.Store.Path,
		KeyFile: cfg.Store.KeyFile,
		Secret:  cfg.Store.Secret,
		Hooks:   m.StoreHooks(),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}()

	origin, err := fetch.NewClient(fetch.Config{
		BaseURL:     cfg.Origin.URL,
		CacheBuster: cfg.Origin.CacheBuster,
		Timeout:     cfg.Origin.Timeout.Std(),
		MaxBodySize: cfg.Origin.MaxBodySize,
		Observer:    m.Observer(),
	})
	if err != nil {
		return fmt.Errorf("create origin client: %w", err)
	}

	hashes := manifest.NewRegistry(origin, st, manifest.Config{
		TTL: cfg.Manifest.TTL.Std(),
	})

	// The warmer needs the origin's asset listing; leave it unwired when
	// warming is off so the cache never starts the warm loop.
	var lister cache.AssetLister
	if !cfg.Cache.WarmDisabled {
		lister = origin
	}

	c, err := cache.New(cache.Options{
		Store:    st,
		Fetcher:  origin,
		Hashes:   hashes,
		Lister:   lister,
		Observer: m.Observer(),
		Config: cache.Config{
			Validation:    cache.ValidationMode(cfg.Cache.Validation),
			DefaultTTL:    cfg.Cache.DefaultTTL.Std(),
			AssetTTL:      cfg.Cache.AssetTTL.Std(),
			PageBase:      cfg.Cache.PageBase,
			AssetBase:     cfg.Cache.AssetBase,
			Retention:     cfg.Cache.Retention.Std(),
			WarmInterval:  cfg.Cache.WarmInterval.Std(),
			SweepInterval: cfg.Cache.SweepInterval.Std(),
		},
	})
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}

	ctrl := control.NewServer(cfg.Control.Socket, c, st, Version)
	if err := ctrl.Start(); err != nil {
		return fmt.Errorf("start control socket: %w", err)
	}
	defer func() { _ = ctrl.Stop() }()

	if !cfg.Admin.Disabled {
		adminServer := admin.NewAdminServer(c)
		if err := adminServer.Start(cfg.Admin.Listen); err != nil {
			return fmt.Errorf("start admin server: %w", err)
		}
		defer func() { _ = adminServer.Stop() }()

		collector := metrics.NewCollector(m, c)
		go collector.Run(ctx, cfg.Admin.CollectInterval.Std())
	}

	if !cfg.Connectivity.Disabled {
		monitor, err := connectivity.New(connectivity.Config{
			URL:              cfg.HealthURL(),
			Interval:         cfg.Connectivity.ProbeInterval.Std(),
			Timeout:          cfg.Connectivity.ProbeTimeout.Std(),
			DebounceInterval: cfg.Connectivity.DebounceInterval.Std(),
		})
		if err != nil {
			return fmt.Errorf("create connectivity monitor: %w", err)
		}
		events := monitor.Start(ctx)
		go func() {
			for ev := range events {
				c.SetOnline(ctx, ev.Online)
			}
		}()
	}

	log.Info().
		Str("origin", cfg.Origin.URL).
		Str("store", cfg.Store.Path).
		Str("socket", cfg.Control.Socket).
		Str("validation", cfg.Cache.Validation).
		Msg("larder daemon ready")

	// Blocks running the warm and sweep loops until shutdown.
	c.Run(ctx)

	log.Info().Msg("larder daemon stopped")
	return nil
}
