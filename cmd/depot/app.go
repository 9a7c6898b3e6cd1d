package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sthetix/SwitchrootDepot/internal/catalog"
	"github.com/sthetix/SwitchrootDepot/internal/config"
	"github.com/sthetix/SwitchrootDepot/internal/downloader"
	depothttp "github.com/sthetix/SwitchrootDepot/internal/http"
	"github.com/sthetix/SwitchrootDepot/internal/metrics"
	"github.com/sthetix/SwitchrootDepot/internal/pipeline"
	"github.com/sthetix/SwitchrootDepot/internal/placement"
	"github.com/sthetix/SwitchrootDepot/internal/resolver"
	"github.com/sthetix/SwitchrootDepot/internal/scanner"
	"github.com/sthetix/SwitchrootDepot/internal/tempstore"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	catalog  *catalog.Catalog
	resolver *resolver.Resolver
	placer   *placement.Placer
	pipeline *pipeline.Pipeline

	cacheStore *catalog.BlobStore
	tempStore  *tempstore.Store
}

// loadConfig layers the config file, DEPOT_ environment variables and
// command line flags over the defaults.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	cfg = cfg.Merge(config.Config{
		Connections: connections,
		DestDir:     destDir,
		Components:  componentsPath,
	})

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// newApp wires every pipeline component from the effective configuration.
func newApp(ctx context.Context, listener pipeline.Listener) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, &exitError{code: ExitInvalidArgs, err: err}
	}
	comps, err := config.LoadComponents(cfg.Components)
	if err != nil {
		return nil, &exitError{code: ExitValidationFailed, err: err}
	}

	logger := newLogger(verbose)
	registry := prometheus.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(registry)

	client := depothttp.NewClient(depothttp.Options{
		MaxIdleConnsPerHost: cfg.Connections * 2,
		Timeout:             cfg.RequestTimeout,
		RetryAttempts:       cfg.Retry.Attempts,
		RetryBackoff:        cfg.Retry.Backoff,
		RetryMaxBackoff:     cfg.Retry.MaxBackoff,
	})

	cacheStore, err := catalog.OpenBlobStore(ctx, cfg.CacheURL, catalog.DefaultKey)
	if err != nil {
		return nil, &exitError{code: ExitGeneralError, err: err}
	}

	tempStore, err := tempstore.Open(cfg.TempDir)
	if err != nil {
		cacheStore.Close()
		return nil, &exitError{code: ExitGeneralError, err: err}
	}

	a := &app{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		cacheStore: cacheStore,
		tempStore:  tempStore,
	}

	a.catalog = catalog.New(catalog.Options{
		Sources: comps.Sources,
		Scanner: scanner.New(scanner.Options{
			Client: client,
			Token:  cfg.Token,
			Logger: logger.Named("scanner"),
		}),
		Store:       cacheStore,
		TTL:         cfg.CacheTTL,
		ScanTimeout: cfg.ScanTimeout,
		Logger:      logger.Named("catalog"),
		Metrics:     recorder,
	})

	a.resolver = resolver.New(resolver.Options{
		Rules:      comps.Rules,
		VersionMap: comps.VersionMap,
		Logger:     logger.Named("resolver"),
	})

	engine, err := downloader.New(downloader.Options{
		Client:          client,
		Store:           tempStore,
		Connections:     cfg.Connections,
		ChunkSize:       cfg.ChunkSize,
		MinSegmentSize:  cfg.MinSegmentSize,
		RetryAttempts:   cfg.Retry.Attempts,
		RetryBackoff:    cfg.Retry.Backoff,
		RetryMaxBackoff: cfg.Retry.MaxBackoff,
		SegmentTimeout:  cfg.SegmentTimeout,
		Resumable:       cfg.Resumable,
		Logger:          logger.Named("downloader"),
		Metrics:         recorder,
	})
	if err != nil {
		a.Close()
		return nil, &exitError{code: ExitGeneralError, err: err}
	}

	a.placer = placement.New(placement.Options{
		Root:   cfg.DestDir,
		Policy: placement.Policy(cfg.Existing),
		Logger: logger.Named("placement"),
	})

	a.pipeline = pipeline.New(pipeline.Options{
		Catalog:    a.catalog,
		Resolver:   a.resolver,
		Downloader: engine,
		Placer:     a.placer,
		Listener:   listener,
		Logger:     logger.Named("pipeline"),
		Metrics:    recorder,
	})

	return a, nil
}

// Close releases the stores and writes the metrics textfile if requested.
func (a *app) Close() error {
	var errs []error
	if metricsTextfile != "" {
		if err := prometheus.WriteToTextfile(metricsTextfile, a.registry); err != nil {
			errs = append(errs, fmt.Errorf("write metrics: %w", err))
		}
	}
	if err := a.cacheStore.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.tempStore.Close(); err != nil {
		errs = append(errs, err)
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\n[depot] Received interrupt, shutting down...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// scanExitCode maps a catalog or resolver failure to an exit code.
func scanExitCode(ctx context.Context, err error) int {
	if ctx.Err() != nil {
		return ExitInterrupted
	}
	return failureCode(err)
}

func failureCode(err error) int {
	switch {
	case errors.Is(err, catalog.ErrAllSourcesUnavailable):
		return ExitSourceNotAccess
	case errors.Is(err, resolver.ErrNoCompatibleGapps),
		errors.Is(err, resolver.ErrMissingComponentFile),
		errors.Is(err, pipeline.ErrUnknownBuild):
		return ExitResolveFailed
	default:
		return ExitGeneralError
	}
}
