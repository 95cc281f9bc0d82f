// sqlite.go -- database/sql + go-sqlite3 user store.
//
// Default store for local development and single-node deployments.
// Same contract as PostgresStore: ErrNotFound / ErrConflict sentinels,
// parameterized queries only.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/mattn/go-sqlite3"
)

// SQLiteStore is the user store backed by a SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens and pings the database at dsn
// (e.g. "file:data/app.db?_foreign_keys=on").
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if dir := sqliteDir(dsn); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating sqlite directory %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", dsn, err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite %s: %w", dsn, err)
	}
	return &SQLiteStore{db: db}, nil
}

// sqliteDir returns the directory of a file-backed dsn, or "" for in-memory databases.
func sqliteDir(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		if strings.Contains(path[i:], "mode=memory") {
			return ""
		}
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return ""
	}
	return filepath.Dir(path)
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CheckHealth pings the database.
func (s *SQLiteStore) CheckHealth(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts u; see PostgresStore.Create.
func (s *SQLiteStore) Create(ctx context.Context, u *User) error {
	stampNew(u)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Handle, u.PasswordHash, u.FullName, u.IsActive, u.Role,
		u.ThemePreference, u.SecretChangedAt, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return sqliteError("creating user", err)
	}
	return nil
}

// Update writes every mutable column of u and bumps UpdatedAt.
func (s *SQLiteStore) Update(ctx context.Context, u *User) error {
	u.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET email = ?, username = ?, password_hash = ?, full_name = ?,
		   is_active = ?, role = ?, theme_preference = ?, secret_changed_at = ?, updated_at = ?
		 WHERE id = ?`,
		u.Email, u.Handle, u.PasswordHash, u.FullName, u.IsActive, u.Role,
		u.ThemePreference, u.SecretChangedAt, u.UpdatedAt, u.ID)
	if err != nil {
		return sqliteError("updating user", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("updating user: %w", ErrNotFound)
	}
	return nil
}

// FindByID fetches a user by primary key.
func (s *SQLiteStore) FindByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.findOne(ctx, "WHERE id = ?", id)
}

// FindByEmail fetches a user by email, case-insensitively.
func (s *SQLiteStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.findOne(ctx, "WHERE lower(email) = ?", strings.ToLower(email))
}

// FindByHandle fetches a user by exact username.
func (s *SQLiteStore) FindByHandle(ctx context.Context, handle string) (*User, error) {
	return s.findOne(ctx, "WHERE username = ?", handle)
}

func (s *SQLiteStore) findOne(ctx context.Context, where string, arg any) (*User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users "+where, arg)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching user: %w", err)
	}
	return u, nil
}

func sqliteError(op string, err error) error {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) &&
		(sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqlErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey) {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}
