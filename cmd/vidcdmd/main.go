// Command vidcdmd runs the live-channel DRM proxy: it discovers channels
// from one or more configured sources, acquires Widevine/PlayReady content
// keys on demand, drives ffmpeg to remux each live manifest into HLS, and
// serves the result over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/tibellium/vidcdm/internal/api"
	"github.com/tibellium/vidcdm/internal/channels"
	"github.com/tibellium/vidcdm/internal/channels/store"
	"github.com/tibellium/vidcdm/internal/config"
	"github.com/tibellium/vidcdm/internal/health"
	"github.com/tibellium/vidcdm/internal/keycache"
	"github.com/tibellium/vidcdm/internal/license"
	vidcdmlog "github.com/tibellium/vidcdm/internal/log"
	"github.com/tibellium/vidcdm/internal/pipeline"
	"github.com/tibellium/vidcdm/internal/pipeline/bus"
	"github.com/tibellium/vidcdm/internal/pipeline/segments"
	"github.com/tibellium/vidcdm/internal/remux"
	"github.com/tibellium/vidcdm/internal/resolver"
	"github.com/tibellium/vidcdm/internal/scraper"
	vidcdmtls "github.com/tibellium/vidcdm/internal/tls"
	"github.com/tibellium/vidcdm/internal/version"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "device" {
		os.Exit(runDeviceCLI(os.Args[2:]))
	}

	var (
		showVersion = flag.Bool("version", false, "print version and exit")
		configPath  = flag.String("config", "config.yaml", "path to the YAML configuration file")
		ffmpegPath  = flag.String("ffmpeg", "ffmpeg", "path to the ffmpeg binary")
		decryptPath = flag.String("decrypt", "", "path to an external CENC decryptor (mp4decrypt-compatible); empty disables decryption")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("vidcdmd %s (%s, %s)\n", version.Version, version.Commit, version.Date)
		return
	}

	vidcdmlog.Configure(vidcdmlog.Config{Level: "info", Service: "vidcdmd", Version: version.Version})
	logger := vidcdmlog.WithComponent("main")

	if err := run(*configPath, *ffmpegPath, *decryptPath, logger); err != nil {
		logger.Error().Err(err).Msg("vidcdmd exited with error")
		os.Exit(1)
	}
}

func run(configPath, ffmpegPath, decryptPath string, logger zerolog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	vidcdmlog.Configure(vidcdmlog.Config{Level: cfg.LogLevel, Service: "vidcdmd", Version: version.Version})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := channels.NewRegistry()

	channelStore, err := store.Open(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("open channel store: %w", err)
	}
	defer channelStore.Close()
	if err := channelStore.Restore(ctx, registry); err != nil {
		logger.Warn().Err(err).Msg("no prior channel snapshot restored")
	}

	keyCache, err := keycache.Open(cfg.BadgerDir, 0)
	if err != nil {
		return fmt.Errorf("open key cache: %w", err)
	}
	defer keyCache.Close()

	licenseClient, err := license.New(cfg.WidevineDevicePath, cfg.PlayReadyDevicePath, cfg.LicenseTimeout,
		license.WithRateLimit(5, 10))
	if err != nil {
		return fmt.Errorf("init license client: %w", err)
	}

	httpScraper := scraper.New(cfg.LicenseTimeout)
	res := resolver.New(registry, httpScraper, resolver.WithContentWaitTimeout(cfg.ContentWaitTimeout))

	remuxDriver := &remux.Driver{FFmpegPath: ffmpegPath, DecryptPath: decryptPath}

	factory := func(id channels.ChannelID, sm *segments.Manager) (pipeline.KeyAcquirer, pipeline.RemuxDriver, func(ctx context.Context) (channels.StreamInfo, error)) {
		cachingAcquirer := keycache.NewCachingAcquirer(keyCache, id.String(), licenseClient)
		resolve := func(ctx context.Context) (channels.StreamInfo, error) {
			return res.EnsureStreamInfo(ctx, id)
		}
		return cachingAcquirer, remuxDriver, resolve
	}

	pipelineStore := pipeline.NewStore(cfg.OutputDir, cfg.SegmentCapacity, factory, bus.NewMemoryBus())
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		pipelineStore.Shutdown(shutdownCtx)
	}()

	if err := discoverSources(ctx, res, registry, channelStore, cfg.Sources, logger); err != nil {
		logger.Warn().Err(err).Msg("initial discovery had failures, continuing with whatever sources succeeded")
	}

	healthManager := health.NewManager(version.Version)
	healthManager.SetReadyStrict(true)
	healthManager.RegisterChecker(&sourceHealthChecker{registry: registry, sources: cfg.Sources})

	apiCfg := api.Config{
		RateLimitRPS:   50,
		RateLimitBurst: 100,
		ReadyDeadline:  15 * time.Second,
	}
	_, mux := api.New(registry, res, pipelineStore, healthManager, apiCfg)

	srv := &http.Server{
		Addr:              cfg.HTTPBindAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if cfg.TLSCertPath != "" || cfg.TLSKeyPath != "" {
			certPath, keyPath, err := vidcdmtls.EnsureCertificates(vidcdmtls.Config{CertPath: cfg.TLSCertPath, KeyPath: cfg.TLSKeyPath})
			if err != nil {
				serveErr <- fmt.Errorf("ensure tls certificates: %w", err)
				return
			}
			serveErr <- srv.ListenAndServeTLS(certPath, keyPath)
			return
		}
		serveErr <- srv.ListenAndServe()
	}()

	logger.Info().Str("addr", cfg.HTTPBindAddr).Int("sources", len(cfg.Sources)).Msg("vidcdmd started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// discoverSources runs initial discovery for every configured source and
// persists the result, tolerating individual source failures so one bad
// upstream doesn't block the rest from starting.
func discoverSources(ctx context.Context, res *resolver.Resolver, registry *channels.Registry, channelStore *store.Store, sources map[string]string, logger zerolog.Logger) error {
	var firstErr error
	for name, manifest := range sources {
		if err := res.RunInitialDiscovery(ctx, name, manifest); err != nil {
			logger.Warn().Str("source", name).Err(err).Msg("discovery failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		entries := registry.ListBySource(name)
		if err := channelStore.SaveSource(ctx, name, entries, nil); err != nil {
			logger.Warn().Str("source", name).Err(err).Msg("failed to persist discovered channels")
		}
	}
	return firstErr
}

// sourceHealthChecker reports degraded health while any configured source
// has failed discovery and not yet recovered.
type sourceHealthChecker struct {
	registry *channels.Registry
	sources  map[string]string
}

func (c *sourceHealthChecker) Name() string { return "sources" }

func (c *sourceHealthChecker) Type() health.CheckType {
	return health.CheckHealth | health.CheckReadiness
}

func (c *sourceHealthChecker) Check(ctx context.Context) health.CheckResult {
	failed := 0
	for name := range c.sources {
		state, ok := c.registry.SourceState(name)
		if ok && state == channels.SourceFailed {
			failed++
		}
	}
	if failed == 0 {
		return health.CheckResult{Status: health.StatusHealthy}
	}
	if failed == len(c.sources) {
		return health.CheckResult{Status: health.StatusUnhealthy, Message: "all sources failed"}
	}
	return health.CheckResult{Status: health.StatusDegraded, Message: fmt.Sprintf("%d/%d sources failed", failed, len(c.sources))}
}
