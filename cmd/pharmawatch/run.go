package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jonathan/pharma-watch/internal/engine"
	"github.com/jonathan/pharma-watch/internal/types"
	"github.com/spf13/cobra"
)

var (
	discoverStart        int
	discoverEnd          int
	discoverWorkers      int
	discoverDescriptions bool
	discoverAutoSync     bool

	monitorLimit    int
	monitorOffset   int
	monitorKeywords string
	monitorSKUs     string
	monitorWorkers  int
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Scan listing pages for new products",
	Long: `Run one discovery pass over listing pages [--start, --end] and print the final run record.

With --auto-sync, the monitoring run started for newly found products is awaited too.`,
	RunE: runDiscover,
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Check stock and price of stored products",
	Long:  `Run one monitoring pass over the selected products and print the final run record.`,
	RunE:  runMonitor,
}

func init() {
	discoverCmd.Flags().IntVar(&discoverStart, "start", 0, "First listing page (default discovery.start_page)")
	discoverCmd.Flags().IntVar(&discoverEnd, "end", 0, "Last listing page (default discovery.end_page)")
	discoverCmd.Flags().IntVarP(&discoverWorkers, "workers", "w", 0, "Concurrent pages (default discovery.workers)")
	discoverCmd.Flags().BoolVar(&discoverDescriptions, "descriptions", false, "Fetch descriptions of new products")
	discoverCmd.Flags().BoolVar(&discoverAutoSync, "auto-sync", false, "Monitor newly discovered products")
	rootCmd.AddCommand(discoverCmd)

	monitorCmd.Flags().IntVar(&monitorLimit, "limit", 0, "Maximum number of products (default monitoring.limit)")
	monitorCmd.Flags().IntVar(&monitorOffset, "offset", 0, "Products to skip")
	monitorCmd.Flags().StringVarP(&monitorKeywords, "keywords", "k", "", "Comma separated keywords matched against name or SKU")
	monitorCmd.Flags().StringVar(&monitorSKUs, "skus", "", "Comma separated SKUs")
	monitorCmd.Flags().IntVarP(&monitorWorkers, "workers", "w", 0, "Concurrent lookups (default monitoring.workers)")
	rootCmd.AddCommand(monitorCmd)
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	req := types.DiscoveryRequest{
		StartPage: discoverStart,
		EndPage:   discoverEnd,
		Workers:   discoverWorkers,
	}
	// Unset flags defer to the configuration.
	if cmd.Flags().Changed("descriptions") {
		req.FetchDescriptions = &discoverDescriptions
	}
	if cmd.Flags().Changed("auto-sync") {
		req.AutoSync = &discoverAutoSync
	}
	return runTask(cmd.Context(), cmd.OutOrStdout(), types.TaskDiscovery, engine.Params{Discovery: req})
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	skus, err := parseSKUs(monitorSKUs)
	if err != nil {
		return err
	}
	req := types.MonitoringRequest{
		Limit:    monitorLimit,
		Offset:   monitorOffset,
		Keywords: splitList(monitorKeywords),
		SKUs:     skus,
		Workers:  monitorWorkers,
	}
	return runTask(cmd.Context(), cmd.OutOrStdout(), types.TaskMonitoring, engine.Params{Monitoring: req})
}

// runTask executes one run to completion and prints its final record.
// A monitoring run started by auto-sync is awaited and printed as well.
func runTask(ctx context.Context, out io.Writer, taskType types.TaskType, params engine.Params) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
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
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownPeriod)
		defer cancel()
		_ = eng.Shutdown(shutdownCtx)
	}()

	id, err := eng.StartRun(ctx, taskType, params)
	if err != nil {
		return err
	}
	logger.Info("run started", "run_id", id, "task", taskType)

	rec, err := awaitRun(ctx, eng, id)
	if err != nil {
		return err
	}
	if err := printRun(out, rec); err != nil {
		return err
	}

	if taskType == types.TaskDiscovery && rec.State == types.RunCompleted {
		if err := eng.Wait(ctx); err != nil {
			return err
		}
		if follow, ok := eng.Latest(types.TaskMonitoring); ok {
			if err := printRun(out, follow); err != nil {
				return err
			}
		}
	}

	if rec.State == types.RunFailed {
		return fmt.Errorf("%s run %s failed: %s", rec.TaskType, rec.ID, rec.Error)
	}
	return nil
}

// awaitRun waits for the run to finish. When ctx is interrupted the run is
// cancelled and awaited for up to the shutdown period.
func awaitRun(ctx context.Context, eng *engine.Engine, id uuid.UUID) (types.RunRecord, error) {
	rec, err := eng.Await(ctx, id)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return rec, err
	}

	logger.Warn("interrupted, cancelling run", "run_id", id)
	if cerr := eng.Cancel(id); cerr != nil {
		return rec, cerr
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownPeriod)
	defer cancel()
	return eng.Await(waitCtx, id)
}

func printRun(out io.Writer, rec types.RunRecord) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseSKUs(raw string) ([]int64, error) {
	var skus []int64
	for _, part := range splitList(raw) {
		sku, err := strconv.ParseInt(part, 10, 64)
		if err != nil || sku <= 0 {
			return nil, fmt.Errorf("invalid SKU %q", part)
		}
		skus = append(skus, sku)
	}
	return skus, nil
}
