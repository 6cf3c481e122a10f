// Package main provides the pharmawatch command line: the HTTP control
// server and one-shot discovery and monitoring runs.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonathan/pharma-watch/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	dbDriver   string
	dbDSN      string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "pharmawatch",
	Short: "Pharmacy catalog discovery and stock monitoring",
	Long: `pharmawatch scans a pharmacy catalog for products and tracks their stock and price.

Configuration is read from a YAML file (--config), then PHARMAWATCH_* environment
variables, then command-line flags.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&dbDriver, "db-driver", "", "Database driver (postgres, sqlite, memory)")
	rootCmd.PersistentFlags().StringVar(&dbDSN, "db-dsn", "", "Database DSN or SQLite file path")
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// loadConfig resolves the configuration and the logger shared by all subcommands.
func loadConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if dbDriver != "" {
		loaded.Database.Driver = dbDriver
	}
	if dbDSN != "" {
		loaded.Database.DSN = dbDSN
	}
	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}

	l, err := newLogger(loaded.Logging, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	cfg, logger = loaded, l
	slog.SetDefault(l)
	return nil
}
