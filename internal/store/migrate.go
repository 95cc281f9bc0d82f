package store

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Migrate applies all pending goose migrations from migrationsFS.
// Each migration runs in its own transaction; already-applied versions are skipped.
func (s *PostgresStore) Migrate(ctx context.Context, migrationsFS fs.FS) error {
	// Borrows connections from the pool; idle conns stay with pgxpool.
	db := stdlib.OpenDBFromPool(s.pool)
	return migrate(ctx, goose.DialectPostgres, db, migrationsFS)
}

// Migrate applies all pending goose migrations from migrationsFS.
func (s *SQLiteStore) Migrate(ctx context.Context, migrationsFS fs.FS) error {
	return migrate(ctx, goose.DialectSQLite3, s.db, migrationsFS)
}

func migrate(ctx context.Context, dialect goose.Dialect, db *sql.DB, migrationsFS fs.FS) error {
	provider, err := goose.NewProvider(dialect, db, migrationsFS)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	if len(results) == 0 {
		slog.Info("migrations up to date")
	}
	for _, r := range results {
		slog.Info("migration applied", "version", r.Source.Version, "path", r.Source.Path, "duration", r.Duration)
	}
	return nil
}
