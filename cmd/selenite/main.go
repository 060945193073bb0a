package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/snarg/selenite/internal/api"
	"github.com/snarg/selenite/internal/capability"
	"github.com/snarg/selenite/internal/config"
	"github.com/snarg/selenite/internal/database"
	"github.com/snarg/selenite/internal/engine"
	"github.com/snarg/selenite/internal/engine/pyannote"
	"github.com/snarg/selenite/internal/engine/whispercli"
	"github.com/snarg/selenite/internal/events"
	"github.com/snarg/selenite/internal/executor"
	"github.com/snarg/selenite/internal/metrics"
	"github.com/snarg/selenite/internal/progress"
	"github.com/snarg/selenite/internal/registry"
	"github.com/snarg/selenite/internal/scheduler"
	"github.com/snarg/selenite/internal/settings"
	"github.com/snarg/selenite/internal/storage"
)

var version = "dev"

func main() {
	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env", "", "path to .env file")
	flag.StringVar(&overrides.HTTPAddr, "addr", "", "http listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level (trace|debug|info|warn|error)")
	flag.StringVar(&overrides.DatabaseURL, "db", "", "database url")
	flag.StringVar(&overrides.StorageDir, "storage", "", "storage directory")
	flag.StringVar(&overrides.ModelsDir, "models", "", "models directory")
	flag.Parse()

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("selenite starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Connect(ctx, cfg.DatabaseURL, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := db.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema init failed")
	}
	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	// Storage
	files, err := storage.NewFileStore(cfg.StorageDir)
	if err != nil {
		log.Fatal().Err(err).Msg("storage init failed")
	}

	// Engines
	engines := engine.NewRegistry()
	engines.RegisterASR(whispercli.New(cfg.WhisperBin, log))
	engines.RegisterDiarizer(pyannote.New(cfg.PyannoteBin, log))

	cache := engine.NewCache(cfg.EngineCacheMax, cfg.EngineLoadTimeout, log)
	cache.SizeChanged = func(n int) {
		metrics.EngineCacheSessions.Set(float64(n))
	}
	defer cache.Close()

	// Model registry + capability resolution
	reg, err := registry.New(db, cfg.ModelsDir, log)
	if err != nil {
		log.Fatal().Err(err).Msg("model registry init failed")
	}

	gateway := settings.New(db, log)

	resolver := capability.NewResolver(reg, engines, gateway, cfg.CapabilityCacheTTL, log)
	watcher := capability.NewModelsWatcher(resolver, cfg.ModelsDir, log)
	if err := watcher.Start(); err != nil {
		log.Warn().Err(err).Msg("models watcher unavailable, availability refreshes on TTL only")
	} else {
		defer watcher.Stop()
	}

	// Events + progress
	bus := events.NewBus(256)

	tracker := progress.New(db, bus, progress.Options{
		PersistInterval:   cfg.ProgressPersistInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		StallScanInterval: cfg.StallScanInterval,
		StallThreshold:    cfg.StallThreshold,
	}, log)
	tracker.Start()
	defer tracker.Stop()

	// Optional transcript archive
	var archiver executor.Archiver
	if cfg.S3.Enabled() {
		arch, err := storage.NewArchive(ctx, cfg.S3, log)
		if err != nil {
			log.Fatal().Err(err).Msg("s3 archive init failed")
		}
		arch.Start()
		defer arch.Stop()
		archiver = arch
	}

	// Executor + scheduler
	exec := executor.New(db, files, engines, cache, resolver, gateway, tracker, bus, archiver, log)
	exec.JobDuration = func(status string, seconds float64) {
		metrics.JobsFinishedTotal.WithLabelValues(status).Inc()
		metrics.JobDurationSeconds.WithLabelValues(status).Observe(seconds)
	}

	maxConcurrent := cfg.MaxConcurrentJobs
	if st, err := gateway.Get(ctx); err == nil {
		maxConcurrent = st.MaxConcurrentJobs
	}

	sched := scheduler.New(db, exec, bus, scheduler.Options{
		MaxConcurrent:   maxConcurrent,
		PersistRetryMax: cfg.PersistRetryMax,
		ShutdownTimeout: cfg.GracefulShutdownTimeout,
	}, log)
	sched.Start()
	defer sched.Stop()

	// Settings changes feed the scheduler's concurrency target.
	go func() {
		sub := gateway.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-sub:
				sched.Reconfigure(s.MaxConcurrentJobs)
			}
		}
	}()

	// Reconcile rows interrupted by the previous run before accepting traffic.
	rm := scheduler.NewResumeManager(db, files, sched, log)
	if err := rm.Run(ctx); err != nil {
		log.Error().Err(err).Msg("restart recovery incomplete")
	}

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(cfg, api.Deps{
		DB:       db,
		Files:    files,
		Sched:    sched,
		Registry: reg,
		Avail:    resolver,
		Picker:   resolver,
		Settings: gateway,
		Bus:      bus,
		Version:  version,
	}, httpLog)

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Stop accepting requests first; deferred teardown handles the rest in
	// reverse order of construction.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("selenite stopped")
}
