package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/miradorstack/mirador-health/internal/cache"
	"github.com/miradorstack/mirador-health/internal/config"
	"github.com/miradorstack/mirador-health/internal/discovery"
	"github.com/miradorstack/mirador-health/internal/engine"
	"github.com/miradorstack/mirador-health/internal/models"
	"github.com/miradorstack/mirador-health/internal/repo"
	"github.com/miradorstack/mirador-health/internal/scheduler"
	"github.com/miradorstack/mirador-health/internal/services"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *repo.SQLStore
	cache      cache.Provider
	pipeline   *engine.Pipeline
	scheduler  *scheduler.Scheduler
	service    *services.HealthService
	discoverer *discovery.KubernetesDiscoverer
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := repo.NewSQLStore(ctx, cfg.Store.Driver, cfg.Store.DSN, cfg.Store.MaxOpenConns)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	source, err := repo.NewPrometheusSource(repo.PrometheusOptions{
		BaseURL:      cfg.Source.BaseURL,
		RateWindow:   cfg.Source.RateWindow,
		QueryRate:    cfg.Source.QueryRate,
		QueryBurst:   cfg.Source.QueryBurst,
		RoundTripper: sourceTransport(cfg.Source.Timeout),
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	rules, err := engine.NewRuleEngine(cfg.Rules.Path, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("load rule pack: %w", err)
	}

	cacheProvider, err := cache.New(ctx, cfg.Cache)
	if err != nil {
		logger.Warn("redis cache unavailable, using in-process cache", slog.Any("error", err))
		cacheProvider = cache.NewMemoryProvider()
	}

	pipeline := engine.NewPipeline(
		logger,
		source,
		store,
		engine.NewEnsemble(cfg.Detection),
		engine.NewHealthScorer(cfg.Health),
		rules,
		engine.PipelineOptions{
			WindowSize:   cfg.Detection.WindowSize,
			FetchTimeout: cfg.Collection.FetchTimeout,
		},
	)

	sched := scheduler.New(logger, pipeline, store, scheduler.Options{
		Period:  cfg.Collection.Period,
		Workers: cfg.Collection.Workers,
	})

	svc := services.NewHealthService(logger, store, sched, pipeline, cacheProvider, services.Options{
		SummaryTTL:      cfg.Cache.SummaryTTL,
		TriggerCooldown: cfg.Collection.TriggerCooldown,
	}).WithRangeSource(source)

	a := &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		cache:     cacheProvider,
		pipeline:  pipeline,
		scheduler: sched,
		service:   svc,
	}

	if cfg.Discovery.Enabled {
		d, err := discovery.NewKubernetesDiscoverer(cfg.Discovery, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("kubernetes discovery: %w", err)
		}
		a.discoverer = d
		svc.WithDiscovery(d)
	}

	sched.OnResult(func(result models.CollectionResult, err error) {
		if err == nil {
			svc.InvalidateSummary(context.Background(), result.Service)
		}
	})
	return a, nil
}

func (a *app) Close() {
	if err := a.cache.Close(); err != nil {
		a.logger.Warn("close cache", slog.Any("error", err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", slog.Any("error", err))
	}
}

func sourceTransport(timeout time.Duration) http.RoundTripper {
	if timeout <= 0 {
		return nil
	}
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
}
