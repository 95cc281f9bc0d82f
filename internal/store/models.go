// models.go -- Shared domain types for the store package.
// Used by the SQL stores (durable) and the principal caches.
package store

import (
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
)

// ErrNotFound is returned by lookups when no row matches.
// Callers use errors.Is to distinguish a missing user from an infrastructure failure.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by Create/Update when a unique column (email, username) collides.
var ErrConflict = errors.New("conflict")

// ErrCacheMiss is returned by GetPrincipal when the key is not cached.
// Callers use errors.Is to distinguish a true miss from a cache infrastructure failure.
var ErrCacheMiss = errors.New("cache miss")

// ErrCacheDisabled is returned by NoopCache when caching is turned off.
// Callers use errors.Is to distinguish "not configured" from a real infrastructure failure.
var ErrCacheDisabled = errors.New("cache disabled")

// Role values. Only USER is assigned today.
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// DefaultTheme is assigned at registration.
const DefaultTheme = "system"

// User represents a row in the users table.
// Nullable columns are pointers -- nil means SQL NULL.
type User struct {
	ID              uuid.UUID
	Email           string
	Handle          string
	PasswordHash    string
	FullName        *string
	IsActive        bool
	Role            string
	ThemePreference string
	// SecretChangedAt is bumped on every password change; tokens issued
	// before it are no longer accepted.
	SecretChangedAt time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CachedPrincipal is the JSON shape stored in the principal cache.
// Never carries the password hash; a cached principal is only good for
// authorization decisions and rendering, not credential checks.
type CachedPrincipal struct {
	ID              uuid.UUID `json:"id"`
	Email           string    `json:"email"`
	Handle          string    `json:"username"`
	FullName        *string   `json:"full_name,omitempty"`
	IsActive        bool      `json:"is_active"`
	Role            string    `json:"role"`
	ThemePreference string    `json:"theme_preference"`
	SecretChangedAt time.Time `json:"secret_changed_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewCachedPrincipal copies the cacheable fields of u.
func NewCachedPrincipal(u *User) CachedPrincipal {
	return CachedPrincipal{
		ID:              u.ID,
		Email:           u.Email,
		Handle:          u.Handle,
		FullName:        u.FullName,
		IsActive:        u.IsActive,
		Role:            u.Role,
		ThemePreference: u.ThemePreference,
		SecretChangedAt: u.SecretChangedAt,
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
	}
}

// User rebuilds a User without its password hash.
func (c CachedPrincipal) User() *User {
	return &User{
		ID:              c.ID,
		Email:           c.Email,
		Handle:          c.Handle,
		FullName:        c.FullName,
		IsActive:        c.IsActive,
		Role:            c.Role,
		ThemePreference: c.ThemePreference,
		SecretChangedAt: c.SecretChangedAt,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func principalKey(id uuid.UUID) string {
	return "principal:" + id.String()
}
