package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/penf-triage/config"
	"github.com/otherjamesbrown/penf-triage/pkg/db"
)

// Database command flags.
var (
	dbConfigPath   string
	dbMigrationDir string
)

// NewDbCommand creates the root db command with all subcommands.
func NewDbCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
		Long: `Database management commands for the triage service.

The db command connects directly to PostgreSQL to run schema migrations and
check migration status. Connection settings come from the service config file
and the DB_* environment variables.

Migration files are SQL files in the migrations directory, named with numeric
prefixes (e.g., 001_initial_schema.sql). Migrations are applied in
alphabetical order and tracked in the schema_migrations table.

Examples:
  # Show migration status
  penf-triage db status

  # Apply all pending migrations
  penf-triage db migrate`,
		Aliases: []string{"database", "migrations"},
	}

	cmd.PersistentFlags().StringVar(&dbConfigPath, "config", "", "Path to the service config file")
	cmd.PersistentFlags().StringVarP(&dbMigrationDir, "migrations", "m", "", "Path to migrations directory (overrides config)")

	cmd.AddCommand(newDbMigrateCommand())
	cmd.AddCommand(newDbStatusCommand())
	return cmd
}

// newDbMigrateCommand creates the 'db migrate' subcommand.
func newDbMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply pending database migrations.

Migrations are executed in alphabetical order based on their filename prefix.
Each migration runs in a transaction and is recorded in the schema_migrations
table. If a migration fails, the transaction is rolled back and no further
migrations are attempted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, dir, err := dbConnect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close(pool)

			result, err := db.RunMigrations(cmd.Context(), pool, dir)
			if err != nil {
				return err
			}

			for _, name := range result.Applied {
				fmt.Printf("Applied: %s\n", name)
			}
			if len(result.Applied) == 0 {
				fmt.Println("No pending migrations.")
			} else {
				fmt.Printf("%d migration(s) applied, %d skipped.\n", len(result.Applied), len(result.Skipped))
			}
			return nil
		},
	}
}

// newDbStatusCommand creates the 'db status' subcommand.
func newDbStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		Long: `Show which migrations are applied, pending, or drifted.

Drift means a migration is recorded in schema_migrations but its file no
longer exists in the migrations directory.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, dir, err := dbConnect(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close(pool)

			status, err := db.GetMigrationStatus(cmd.Context(), pool, dir)
			if err != nil {
				return err
			}

			if OutputOverride == "json" {
				return printJSON(status)
			}

			fmt.Printf("%-10s %-40s %s\n", "VERSION", "NAME", "APPLIED AT")
			for _, m := range status.Applied {
				fmt.Printf("%-10s %-40s %s\n", m.Version, m.Name, m.AppliedAt.Format(time.RFC3339))
			}
			for _, m := range status.Pending {
				fmt.Printf("%-10s %-40s %s\n", m.Version, m.Name, "(pending)")
			}
			for _, m := range status.Drift {
				fmt.Printf("%-10s %-40s %s\n", m.Version, m.Name, "(drift: file missing)")
			}
			fmt.Printf("\n%d applied, %d pending, %d drift.\n",
				len(status.Applied), len(status.Pending), len(status.Drift))
			return nil
		},
	}
}

// dbConnect loads the service config and opens a connection pool, returning
// the effective migrations directory alongside.
func dbConnect(ctx context.Context) (*pgxpool.Pool, string, error) {
	cfg, err := config.LoadServiceConfig(dbConfigPath)
	if err != nil {
		return nil, "", err
	}

	dir := cfg.MigrationsDir
	if dbMigrationDir != "" {
		dir = dbMigrationDir
	}

	pool, err := db.Connect(ctx, cfg.DB)
	if err != nil {
		return nil, "", fmt.Errorf("connecting to database: %w", err)
	}
	return pool, dir, nil
}
