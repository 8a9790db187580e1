package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-health/internal/api"
	"github.com/miradorstack/mirador-health/internal/metrics"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the collector, REST API, gRPC health service and metrics endpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Info("starting mirador-health",
				slog.String("grpc", cfg.Server.Address),
				slog.String("http", cfg.Server.HTTPAddress),
				slog.String("store", cfg.Store.Driver),
			)

			if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			grpcServer, err := api.NewServer(cfg.Server)
			if err != nil {
				return err
			}
			a.scheduler.OnResult(grpcServer.ObserveCollection)
			if summary, err := a.service.HealthSummary(ctx, ""); err == nil {
				grpcServer.PublishSummary(summary)
			}

			httpServer := &http.Server{
				Addr:              cfg.Server.HTTPAddress,
				Handler:           api.NewHTTPHandler(a.service, logger, cfg.Server.AllowedOrigins),
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       15 * time.Second,
				WriteTimeout:      30 * time.Second,
			}

			var metricsServer *http.Server
			if cfg.Server.MetricsAddress != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				metricsServer = &http.Server{
					Addr:         cfg.Server.MetricsAddress,
					Handler:      mux,
					ReadTimeout:  5 * time.Second,
					WriteTimeout: 15 * time.Second,
				}
				go func() {
					logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
					if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server exited", slog.Any("error", err))
						stop()
					}
				}()
			}

			go func() {
				logger.Info("http server listening", slog.String("address", cfg.Server.HTTPAddress))
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server exited", slog.Any("error", err))
					stop()
				}
			}()

			go func() {
				if err := grpcServer.Start(); err != nil {
					logger.Error("gRPC server exited", slog.Any("error", err))
					stop()
				}
			}()

			if a.discoverer != nil {
				if _, err := a.service.DiscoverKubernetes(ctx); err != nil {
					logger.Warn("initial discovery failed", slog.Any("error", err))
				}
				go a.discoverer.Run(ctx, cfg.Discovery.Interval, a.service.DiscoverKubernetes)
			}

			// In-flight collections outlive the signal until Drain gives up on them.
			if err := a.scheduler.Start(context.WithoutCancel(ctx)); err != nil {
				return err
			}

			<-ctx.Done()
			logger.Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
			defer cancel()

			a.scheduler.Stop()
			if err := a.scheduler.Drain(shutdownCtx); err != nil {
				logger.Warn("collector drain incomplete", slog.Any("error", err))
			}
			if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("http server shutdown", slog.Any("error", err))
			}
			grpcServer.Shutdown(shutdownCtx)
			if metricsServer != nil {
				if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Warn("metrics server shutdown", slog.Any("error", err))
				}
			}

			logger.Info("mirador-health stopped")
			return nil
		},
	}
}
