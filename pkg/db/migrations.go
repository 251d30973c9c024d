package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration represents a single database migration file.
type Migration struct {
	Version string
	Name    string
	Path    string
}

// MigrationResult holds the result of a migration run.
type MigrationResult struct {
	Applied []string
	Skipped []string
}

// MigrationStatusEntry represents a single migration in a status report.
type MigrationStatusEntry struct {
	Version   string
	Name      string
	AppliedAt *time.Time // nil for pending
}

// MigrationStatus categorizes migrations into applied, pending and drift
// (applied but the file no longer exists).
type MigrationStatus struct {
	Applied []MigrationStatusEntry
	Pending []MigrationStatusEntry
	Drift   []MigrationStatusEntry
}

// RunMigrations executes all .sql files from the directory in alphabetical
// order (use numeric prefixes like 001_). Each migration runs in its own
// transaction and is recorded in schema_migrations; applied versions are
// skipped. Execution stops on the first failure.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, migrationsDir string) (*MigrationResult, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}

	result := &MigrationResult{}

	if err := ensureMigrationsTable(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}

	migrations, err := findMigrations(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to find migrations: %w", err)
	}
	if len(migrations) == 0 {
		return result, nil
	}

	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if _, ok := applied[m.Version]; ok {
			result.Skipped = append(result.Skipped, m.Version)
			continue
		}
		if err := applyMigration(ctx, pool, m); err != nil {
			return result, fmt.Errorf("migration %s failed: %w", m.Version, err)
		}
		result.Applied = append(result.Applied, m.Version)
	}

	return result, nil
}

// GetMigrationStatus returns a status report of all migrations against the
// schema_migrations table.
func GetMigrationStatus(ctx context.Context, pool *pgxpool.Pool, migrationsDir string) (*MigrationStatus, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}

	if err := ensureMigrationsTable(ctx, pool); err != nil {
		return nil, fmt.Errorf("failed to ensure migrations table: %w", err)
	}

	migrations, err := findMigrations(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to find migrations: %w", err)
	}

	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	fileVersions := make(map[string]bool, len(migrations))
	status := &MigrationStatus{}

	for _, m := range migrations {
		fileVersions[m.Version] = true
		if appliedAt, ok := applied[m.Version]; ok {
			at := appliedAt
			status.Applied = append(status.Applied, MigrationStatusEntry{Version: m.Version, Name: m.Name, AppliedAt: &at})
		} else {
			status.Pending = append(status.Pending, MigrationStatusEntry{Version: m.Version, Name: m.Name})
		}
	}

	for version, appliedAt := range applied {
		if !fileVersions[version] {
			at := appliedAt
			status.Drift = append(status.Drift, MigrationStatusEntry{Version: version, Name: version + ".sql", AppliedAt: &at})
		}
	}

	return status, nil
}

func ensureMigrationsTable(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`)
	return err
}

// findMigrations discovers all .sql files in the migrations directory.
func findMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".sql") {
			continue
		}
		migrations = append(migrations, Migration{
			Version: strings.TrimSuffix(name, filepath.Ext(name)),
			Name:    name,
			Path:    filepath.Join(dir, name),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// normalizeVersion strips a trailing .sql so rows recorded with the full
// filename still match.
func normalizeVersion(v string) string {
	if len(v) > 4 && strings.EqualFold(v[len(v)-4:], ".sql") {
		return v[:len(v)-4]
	}
	return v
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[string]time.Time, error) {
	applied := make(map[string]time.Time)

	rows, err := pool.Query(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var version string
		var appliedAt time.Time
		if err := rows.Scan(&version, &appliedAt); err != nil {
			return nil, err
		}
		applied[normalizeVersion(version)] = appliedAt
	}

	return applied, rows.Err()
}

// applyMigration reads and executes a single migration file in a transaction.
func applyMigration(ctx context.Context, pool *pgxpool.Pool, m Migration) error {
	content, err := os.ReadFile(m.Path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if strings.TrimSpace(string(content)) == "" {
		return fmt.Errorf("migration file is empty")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // nolint: errcheck

	if _, err := tx.Exec(ctx, string(content)); err != nil {
		return fmt.Errorf("failed to execute SQL: %w", err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.Name); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit(ctx)
}
