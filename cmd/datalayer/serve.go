package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitalog/datalayer/internal/datalayer"
)

func newServeCmd() *cobra.Command {
	var (
		metricsAddr     string
		shutdownTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the data layer and its metrics endpoint, and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				cfg.Metrics.Enabled = true
				cfg.Metrics.Address = metricsAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := datalayer.New(ctx, cfg, datalayer.Options{})
			if err != nil {
				return err
			}
			if err := svc.Start(ctx); err != nil {
				_ = svc.Close()
				return err
			}

			// Warm the connection before waiting. Failures are retried on
			// first use, and a signal during the check cuts it short.
			svc.Queue().CheckNetwork(ctx)

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return svc.Stop(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "time allowed for a graceful shutdown")
	return cmd
}
