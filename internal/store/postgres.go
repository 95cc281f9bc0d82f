// Package store handles all database and cache interactions.
//
// postgres.go -- pgxpool connection setup and user queries.
// Creates a connection pool at startup, shared across all handlers.
// All queries use parameterized statements (no string concatenation).
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

const userColumns = `id, email, username, password_hash, full_name, is_active, role,
	theme_preference, secret_changed_at, created_at, updated_at`

// PostgresStore is the durable user store backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a verified connection pool to PostgreSQL.
// Call once at startup from main.go; the returned store is safe for concurrent use.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	// Ping db to make sure connection works
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool}, nil
}

// Close shuts down the connection pool and releases all resources.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// CheckHealth pings the pool.
func (s *PostgresStore) CheckHealth(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts u. The caller generates the UUID v7 and Argon2id hash first.
// Fills CreatedAt/UpdatedAt/SecretChangedAt when zero.
// Returns ErrConflict if the email or username is taken.
func (s *PostgresStore) Create(ctx context.Context, u *User) error {
	stampNew(u)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		u.ID, u.Email, u.Handle, u.PasswordHash, u.FullName, u.IsActive, u.Role,
		u.ThemePreference, u.SecretChangedAt, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return pgError("creating user", err)
	}
	return nil
}

// Update writes every mutable column of u and bumps UpdatedAt.
// Returns ErrNotFound if the row vanished, ErrConflict on a unique collision.
func (s *PostgresStore) Update(ctx context.Context, u *User) error {
	u.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET email = $2, username = $3, password_hash = $4, full_name = $5,
		   is_active = $6, role = $7, theme_preference = $8, secret_changed_at = $9, updated_at = $10
		 WHERE id = $1`,
		u.ID, u.Email, u.Handle, u.PasswordHash, u.FullName, u.IsActive, u.Role,
		u.ThemePreference, u.SecretChangedAt, u.UpdatedAt)
	if err != nil {
		return pgError("updating user", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating user: %w", ErrNotFound)
	}
	return nil
}

// FindByID fetches a user by primary key.
func (s *PostgresStore) FindByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.findOne(ctx, "WHERE id = $1", id)
}

// FindByEmail fetches a user by email, case-insensitively.
func (s *PostgresStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.findOne(ctx, "WHERE lower(email) = $1", strings.ToLower(email))
}

// FindByHandle fetches a user by exact username.
func (s *PostgresStore) FindByHandle(ctx context.Context, handle string) (*User, error) {
	return s.findOne(ctx, "WHERE username = $1", handle)
}

func (s *PostgresStore) findOne(ctx context.Context, where string, arg any) (*User, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+userColumns+" FROM users "+where, arg)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("fetching user: %w", err)
	}
	return u, nil
}

// rowScanner is satisfied by pgx.Row and *sql.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Handle, &u.PasswordHash, &u.FullName, &u.IsActive, &u.Role,
		&u.ThemePreference, &u.SecretChangedAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// pgError maps unique violations to ErrConflict and wraps everything else.
func pgError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w", op, ErrConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// stampNew fills server-managed defaults on a new user.
func stampNew(u *User) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = u.CreatedAt
	}
	if u.SecretChangedAt.IsZero() {
		u.SecretChangedAt = u.CreatedAt
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	if u.ThemePreference == "" {
		u.ThemePreference = DefaultTheme
	}
}
