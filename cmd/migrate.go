package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/followlytics/followlytics/internal/config"
	pgstore "github.com/followlytics/followlytics/internal/storage/postgres"
)

// migrator applies the snapshot schema.
type migrator interface {
	Migrate(ctx context.Context) error
	Close()
}

// openMigrator connects to Postgres. Tests replace it.
var openMigrator = func(ctx context.Context, db config.DatabaseConfig) (migrator, error) {
	return pgstore.NewSnapshotStore(ctx, pgstore.Config{
		DSN:             db.DSN,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: db.MaxConnLifetime,
	})
}

// newMigrateCmd creates the 'migrate' subcommand.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies the Postgres snapshot schema",
		Long: `Creates the follower snapshot tables in the database named by
database.dsn. The statements are idempotent.`,
		Args: cobra.NoArgs,
		RunE: runMigrateCommand,
	}
}

func runMigrateCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd.Context())
	if err != nil {
		return err
	}
	if cfg.Database.DSN == "" {
		return errors.New("database.dsn is not set")
	}
	store, err := openMigrator(cmd.Context(), cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()
	if err := store.Migrate(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "snapshot schema is up to date")
	return nil
}
