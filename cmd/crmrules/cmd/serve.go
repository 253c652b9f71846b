package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/solatis/crmrules/internal/cache"
	"github.com/solatis/crmrules/internal/core/api"
	"github.com/solatis/crmrules/internal/core/auth"
	"github.com/solatis/crmrules/internal/core/config"
	"github.com/solatis/crmrules/internal/core/db"
	"github.com/solatis/crmrules/internal/core/server"
	"github.com/solatis/crmrules/internal/metrics"
	"github.com/solatis/crmrules/internal/rules"
	"github.com/solatis/crmrules/internal/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start gRPC config service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "0.0.0.0", "gRPC server host")
	serveCmd.Flags().Int("port", 50061, "gRPC server port")
	serveCmd.Flags().String("metrics-addr", "", "prometheus listen address (host:port)")
	serveCmd.Flags().String("redis-addr", "", "redis address for the shared field cache (empty disables it)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, queries, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	statuses, err := db.MigrateStatus(ctx, database)
	if err != nil {
		return fmt.Errorf("failed to check migrations: %w", err)
	}
	for _, s := range statuses {
		if !s.Applied {
			return fmt.Errorf("migration %s not applied - run 'crmrules migrate up' first", s.ID)
		}
	}

	secrets, err := config.HMACSecrets()
	if err != nil {
		return fmt.Errorf("failed to load HMAC secrets: %w", err)
	}
	if len(secrets) == 0 {
		return fmt.Errorf("no HMAC secrets configured (set %s_HMAC_SECRET environment variable)", config.EnvPrefix)
	}

	collector := metrics.NewCollector()
	catalog := store.NewFieldCatalog(database, queries)
	repo := store.NewRepository(database, queries, logger.Named("store"))

	var resolver rules.FieldResolver = catalog
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB, Password: cfg.Redis.Password})
		defer rdb.Close()
		resolver = cache.NewFieldCache(rdb, catalog,
			cache.WithTTL(cfg.Redis.TTL),
			cache.WithObserver(collector),
			cache.WithLogger(logger.Named("cache")))
	}

	service, err := api.NewConfigService(catalog, resolver, repo, cfg.Editor, collector, logger)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	authenticator := auth.NewAuthenticator(secrets, queries, logger.Named("auth"))

	grpcServer, err := server.NewGRPCServer(cfg.Server, service, authenticator, collector, logger.Named("grpc"))
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	logger.Info("starting crmrules config service",
		zap.String("version", Version),
		zap.String("addr", cfg.Server.Addr()),
		zap.Bool("redis_cache", cfg.Redis.Addr != ""))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return grpcServer.Start(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down gracefully")
		return grpcServer.Shutdown(context.Background())
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.NewServer(cfg.Metrics.Addr, collector, logger.Named("metrics")).Run(gctx)
		})
	}
	return g.Wait()
}
