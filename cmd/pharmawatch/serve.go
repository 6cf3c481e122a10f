package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jonathan/pharma-watch/internal/engine"
	"github.com/jonathan/pharma-watch/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	servePort     int
	serveSchedule time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start an HTTP server that exposes endpoints to start, watch and cancel discovery
and monitoring runs and to browse stored products.

When monitoring.schedule_interval (or --schedule) is set, a monitoring run is
started on that interval.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides server.port)")
	serveCmd.Flags().DurationVar(&serveSchedule, "schedule", 0, "Monitoring interval, 0 disables (overrides monitoring.schedule_interval)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	if cmd.Flags().Changed("schedule") {
		cfg.Monitoring.ScheduleInterval = serveSchedule
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := cmd.Context()
	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	eng, cleanup, err := engine.NewFromConfig(cfg, store, logger)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer cleanup()

	srv, err := server.New(cfg, eng, store, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		return eng.Schedule(gctx, cfg.Monitoring.ScheduleInterval)
	})
	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownPeriod)
	defer cancel()
	if serr := eng.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("runs did not stop before shutdown deadline", "error", serr)
	}
	return err
}
