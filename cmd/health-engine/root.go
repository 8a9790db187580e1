package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-health/internal/config"
	"github.com/miradorstack/mirador-health/internal/utils"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "health-engine",
		Short:         "Service health scoring and metric anomaly detection",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	root.AddCommand(
		newServeCmd(),
		newCollectCmd(),
		newDiscoverCmd(),
		newBackfillCmd(),
		newCheckConfigCmd(),
	)
	return root
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %q: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := utils.NewLogger(cfg.Logging.LogOptions())
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newCollectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collect [service...]",
		Short: "Run one collection for the given services, or one tick over every active service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if len(args) == 0 {
				report, err := a.scheduler.RunTick(cmd.Context())
				if err != nil {
					return err
				}
				failures := make(map[string]string, len(report.Failures))
				for svc, ferr := range report.Failures {
					failures[svc] = ferr.Error()
				}
				return printJSON(map[string]any{
					"duration": report.Duration.String(),
					"results":  report.Results,
					"failures": failures,
				})
			}

			var failed int
			for _, svc := range args {
				result, err := a.scheduler.Collect(cmd.Context(), svc)
				if err != nil {
					failed++
					logger.Error("collection failed", slog.String("service", svc), slog.Any("error", err))
					continue
				}
				if err := printJSON(result); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d collections failed", failed, len(args))
			}
			return nil
		},
	}
}

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Register running Kubernetes pods as services",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Discovery.Enabled = true
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			created, err := a.service.DiscoverKubernetes(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]int{"registered": created})
		},
	}
}

func newBackfillCmd() *cobra.Command {
	var (
		hours string
		step  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "backfill <service>",
		Short: "Import historical samples for a service from the metrics source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lookback, err := utils.ParseHours(hours, 24)
			if err != nil {
				return err
			}
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			inserted, err := a.service.Backfill(cmd.Context(), args[0], lookback, step)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"service": args[0], "inserted": inserted})
		},
	}
	cmd.Flags().StringVar(&hours, "hours", "24", "Lookback in hours before the oldest stored sample (or now)")
	cmd.Flags().DurationVar(&step, "step", time.Minute, "Resolution of imported samples")
	return cmd
}

func newCheckConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the effective values",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			cfg.Cache.Password = redact(cfg.Cache.Password)
			return printJSON(cfg)
		},
	}
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
