package cmd

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/solatis/crmrules/internal/core/config"
	"github.com/solatis/crmrules/internal/core/db"
	"github.com/solatis/crmrules/internal/core/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// Version is the release reported by serve.
const Version = "0.1.0"

var configFile string

var rootCmd = &cobra.Command{
	Use:          "crmrules",
	Short:        "CRM scoring rules and commission policy service",
	Long:         `crmrules stores lead scoring criteria and commission policies, validates them against a field catalog and scores records.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	rootCmd.PersistentFlags().String("db-url", "", "database connection URL (sqlite://path or postgres://...)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, console)")
}

func Execute() error {
	return rootCmd.Execute()
}

// setup loads configuration for cmd and builds its logger.
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return cfg, logger, nil
}

// openDatabase opens the configured database and loads the named queries.
func openDatabase(ctx context.Context, cfg *config.Config) (*sqlx.DB, *db.Queries, error) {
	database, err := db.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	queries, err := db.LoadQueries(database)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("failed to load queries: %w", err)
	}
	return database, queries, nil
}
