package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pkgdex/registry/internal/config"
	"github.com/pkgdex/registry/internal/database"
	"github.com/pkgdex/registry/internal/downloads"
	"github.com/pkgdex/registry/internal/observability"
	"github.com/pkgdex/registry/internal/queue"
	"github.com/pkgdex/registry/internal/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "registry-worker",
		Short:         "Package registry background worker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newProcessLogCmd())
	return root
}

// newServeCmd consumes CDN log job payloads from the queue until
// interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume and process CDN log jobs from the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, logger, metrics, err := bootstrap()
			if err != nil {
				return err
			}

			db, err := database.New(ctx, &cfg.Database, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			ledger := downloads.NewLedgerStore(db, logger, metrics)
			job := worker.NewProcessCDNLogJob(cfg, ledger, logger, metrics)

			consumer, err := queue.NewConsumer(&cfg.Queue, logger, metrics)
			if err != nil {
				return err
			}
			defer consumer.Close()

			go serveMetrics(cfg.MetricsAddr, logger)

			logger.Info("worker started",
				"queue", cfg.Queue.Name,
				"counting_enabled", cfg.Worker.CountingEnabled)

			err = consumer.Consume(ctx, func(ctx context.Context, body []byte) error {
				payload, err := worker.ParsePayload(body)
				if err != nil {
					logger.Error("rejecting malformed job payload", "error", err)
					return err
				}
				return job.Run(ctx, payload)
			})
			if errors.Is(err, context.Canceled) {
				logger.Info("worker stopped")
				return nil
			}
			return err
		},
	}
}

// newProcessLogCmd runs a single log file through the job, for backfills
// and debugging.
func newProcessLogCmd() *cobra.Command {
	var (
		region     string
		bucket     string
		path       string
		reportOnly bool
	)

	cmd := &cobra.Command{
		Use:   "process-log",
		Short: "Process one CDN log file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, logger, metrics, err := bootstrap()
			if err != nil {
				return err
			}
			if reportOnly {
				cfg.Worker.CountingEnabled = false
			}

			db, err := database.New(ctx, &cfg.Database, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			ledger := downloads.NewLedgerStore(db, logger, metrics)
			job := worker.NewProcessCDNLogJob(cfg, ledger, logger, metrics)

			return job.Run(ctx, worker.CDNLogPayload{
				Region: region,
				Bucket: bucket,
				Path:   path,
			})
		},
	}

	cmd.Flags().StringVar(&region, "region", "", "bucket region of the log file")
	cmd.Flags().StringVar(&bucket, "bucket", "", "bucket holding the log file")
	cmd.Flags().StringVar(&path, "path", "", "path of the log file")
	cmd.Flags().BoolVar(&reportOnly, "report-only", false, "log aggregates instead of writing the ledger")
	_ = cmd.MarkFlagRequired("path")

	return cmd
}

func bootstrap() (*config.Config, observability.Logger, observability.Metrics, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}

	logger, err := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, nil, nil, err
	}

	metrics := observability.NewPrometheusMetrics(cfg.ServiceName, prometheus.DefaultRegisterer)
	return cfg, logger, metrics, nil
}

func serveMetrics(addr string, logger observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", "error", err)
	}
}
