package store

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"gitea.jw6.us/james/dossiersync/internal/migrations"
	"github.com/jackc/pgx/v5"
)

// migrationLockKey serializes schema changes across replicas starting at once.
const migrationLockKey int64 = 0x646f7373

// ApplyMigrations ensures all embedded SQL migrations have been applied. If
// the database already holds tables but no migration tracking, the first
// migration is recorded as applied and only newer ones run.
func ApplyMigrations(ctx context.Context, pool PgxPool, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	names, err := listMigrationFiles()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	hasTable, err := migrationTableExists(ctx, pool)
	if err != nil {
		return err
	}

	if !hasTable {
		empty, err := databaseIsEmpty(ctx, pool)
		if err != nil {
			return err
		}
		if err := ensureMigrationTable(ctx, pool); err != nil {
			return err
		}
		if !empty {
			logger.Warn("database has tables but no migration history, assuming initial schema", slog.String("migration", names[0]))
			if err := recordMigration(ctx, pool, names[0]); err != nil {
				return err
			}
		}
	}

	for _, name := range names {
		applied, err := migrationApplied(ctx, pool, name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		ran, err := applyMigration(ctx, pool, name)
		if err != nil {
			return err
		}
		if ran {
			logger.Info("applied migration", slog.String("migration", name))
		}
	}

	return nil
}

func listMigrationFiles() ([]string, error) {
	entries, err := fs.ReadDir(migrations.Files, ".")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func migrationTableExists(ctx context.Context, pool PgxPool) (bool, error) {
	const q = `SELECT EXISTS (
        SELECT 1 FROM information_schema.tables
        WHERE table_schema='public' AND table_name='schema_migrations'
)`
	var exists bool
	if err := pool.QueryRow(ctx, q).Scan(&exists); err != nil {
		return false, fmt.Errorf("check migration table: %w", err)
	}
	return exists, nil
}

func databaseIsEmpty(ctx context.Context, pool PgxPool) (bool, error) {
	const q = `SELECT COUNT(*) FROM information_schema.tables
WHERE table_schema NOT IN ('pg_catalog', 'information_schema')`
	var count int
	if err := pool.QueryRow(ctx, q).Scan(&count); err != nil {
		return false, fmt.Errorf("count tables: %w", err)
	}
	return count == 0, nil
}

func ensureMigrationTable(ctx context.Context, pool PgxPool) error {
	const q = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version TEXT PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

const migrationAppliedQuery = `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version=$1)`

func migrationApplied(ctx context.Context, pool PgxPool, name string) (bool, error) {
	var exists bool
	if err := pool.QueryRow(ctx, migrationAppliedQuery, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("check migration %s: %w", name, err)
	}
	return exists, nil
}

// applyMigration runs one file under a transaction-scoped advisory lock and
// reports false when another process applied it first.
func applyMigration(ctx context.Context, pool PgxPool, name string) (bool, error) {
	contents, err := migrations.Files.ReadFile(name)
	if err != nil {
		return false, fmt.Errorf("read migration %s: %w", name, err)
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin migration %s: %w", name, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("lock migration %s: %w", name, err)
	}
	var exists bool
	if err := tx.QueryRow(ctx, migrationAppliedQuery, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("recheck migration %s: %w", name, err)
	}
	if exists {
		return false, tx.Commit(ctx)
	}
	if _, err := tx.Exec(ctx, string(contents)); err != nil {
		return false, fmt.Errorf("apply migration %s: %w", name, err)
	}
	if err := recordMigrationInTx(ctx, tx, name); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", name, err)
	}
	return true, nil
}

const recordMigrationQuery = `INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`

func recordMigration(ctx context.Context, pool PgxPool, name string) error {
	if _, err := pool.Exec(ctx, recordMigrationQuery, name); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return nil
}

func recordMigrationInTx(ctx context.Context, tx pgx.Tx, name string) error {
	if _, err := tx.Exec(ctx, recordMigrationQuery, name); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return nil
}
