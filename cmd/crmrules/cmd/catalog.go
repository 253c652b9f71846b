package cmd

import (
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/solatis/crmrules/internal/cache"
	"github.com/solatis/crmrules/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the field catalog",
}

var catalogImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import scoring objects and fields from YAML",
	Long: `Import scoring objects and their fields. Existing objects and fields
are updated; picklist values of imported fields are replaced. When a redis
cache is configured, cached lookups for imported objects are dropped.`,
	Args: cobra.ExactArgs(1),
	RunE: runCatalogImport,
}

func init() {
	catalogImportCmd.Flags().String("redis-addr", "", "redis address of the shared field cache")
	catalogCmd.AddCommand(catalogImportCmd)
	rootCmd.AddCommand(catalogCmd)
}

func runCatalogImport(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	defs, err := store.DecodeCatalog(f)
	if err != nil {
		return err
	}

	database, queries, err := openDatabase(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	catalog := store.NewFieldCatalog(database, queries)
	if err := catalog.Import(cmd.Context(), defs); err != nil {
		return err
	}
	logger.Info("catalog imported", zap.Int("objects", len(defs)))

	if cfg.Redis.Addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB, Password: cfg.Redis.Password})
	defer rdb.Close()
	fc := cache.NewFieldCache(rdb, catalog, cache.WithLogger(logger))
	for _, def := range defs {
		if err := fc.InvalidateObject(cmd.Context(), def.Name); err != nil {
			return fmt.Errorf("invalidate cache for %s: %w", def.Name, err)
		}
	}
	return nil
}
