package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	credits "github.com/xraph/credits"
	"github.com/xraph/credits/api"
	"github.com/xraph/credits/config"
	"github.com/xraph/credits/observability"
	"github.com/xraph/credits/sweep"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the reservation sweep",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	hub := api.NewHub(nil)
	var metrics http.Handler

	a, err := setup(ctx, cmd.ErrOrStderr(), func(cfg config.Config) []credits.Option {
		opts := []credits.Option{credits.WithPlugin(hub)}
		if cfg.Metrics.Enabled {
			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			opts = append(opts, credits.WithPlugin(
				observability.NewMetricsExtension(observability.NewPrometheusFactory(reg)),
			))
			metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
		}
		return opts
	})
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck // best-effort on shutdown

	if a.cfg.Store.AutoMigrate {
		if err := a.ledger.Start(ctx); err != nil {
			return err
		}
	}
	if err := a.seedPricing(ctx); err != nil {
		return err
	}

	if a.cfg.Sweep.Enabled {
		sw, err := sweep.New(a.ledger, sweep.Config{
			Schedule:  a.cfg.Sweep.Schedule,
			TTL:       a.cfg.Sweep.TTL,
			BatchSize: a.cfg.Sweep.BatchSize,
			Logger:    a.logger,
		})
		if err != nil {
			return err
		}
		if err := sw.Start(ctx); err != nil {
			return err
		}
		defer sw.Stop()
	}

	srvOpts := []api.Option{
		api.WithLogger(a.logger),
		api.WithActor(api.HeaderActor(a.cfg.API.AccountHeader)),
		api.WithAllowedOrigins(a.cfg.API.AllowedOrigins...),
	}
	if a.cfg.API.Deposits {
		srvOpts = append(srvOpts, api.WithDepositAuth(api.BearerToken(a.cfg.API.DepositToken)))
	}
	if a.cfg.API.Stream {
		srvOpts = append(srvOpts, api.WithHub(hub))
	}
	if metrics != nil {
		srvOpts = append(srvOpts, api.WithMetricsHandler(metrics))
	}

	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           api.NewServer(a.ledger, srvOpts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("creditsd listening", "addr", a.cfg.Listen, "version", version, "store", a.cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return a.ledger.Stop()
}
