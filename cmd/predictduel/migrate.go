package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"predict-duel/internal/config"
	chstore "predict-duel/internal/storage/clickhouse"
	"predict-duel/internal/storage/migrations"
	pgstore "predict-duel/internal/storage/postgres"
)

//nolint:gochecknoglobals // Cobra boilerplate
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply embedded database migrations",
	Long: `Applies the embedded PostgreSQL migrations (postgres backend) and the
ClickHouse event-history migrations (when clickhouse.dsn is set). Migrations
are idempotent.`,
	RunE: runMigrate,
}

//nolint:gochecknoinits // Cobra boilerplate
func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()
	ctx := cmd.Context()

	applied := 0
	if cfg.Storage.Backend == config.BackendPostgres {
		pool, err := pgstore.NewPool(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer pool.Close()

		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			return fmt.Errorf("postgres migrations: %w", err)
		}
		logger.Info("migrations-applied", zap.String("database", "postgres"))
		applied++
	}

	if cfg.Clickhouse.DSN != "" {
		// NewMigratedConn creates the database and applies the migrations.
		conn, err := chstore.NewMigratedConn(ctx, cfg.Clickhouse.DSN)
		if err != nil {
			return fmt.Errorf("clickhouse migrations: %w", err)
		}
		defer conn.Close()
		logger.Info("migrations-applied", zap.String("database", "clickhouse"))
		applied++
	}

	if applied == 0 {
		logger.Warn("nothing-to-migrate", zap.String("backend", cfg.Storage.Backend))
	}
	return nil
}
