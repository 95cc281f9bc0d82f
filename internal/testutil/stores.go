// stores.go
//
// Shared mock implementations of auth.Store, auth.PrincipalCache, auth.RateLimiter
// and auth.CaptchaVerifier.
// Imported by test files across packages to avoid duplicate mock definitions.
package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/radek-zitek-cloud/oc-gamma/internal/ratelimit"
	"github.com/radek-zitek-cloud/oc-gamma/internal/store"
)

// MockStore implements auth.Store for tests.
//
// Always stateful...Users is a map keyed by id, like a real store, and
// enforces unique email (case-insensitive) and handle.
// Use *Err fields to inject errors for specific operations.
// Use NewMockStore to seed users; or construct directly and set *Err fields for error-path tests.
type MockStore struct {
	// Error injection...zero value means no error
	CreateErr      error
	UpdateErr      error
	FindErr        error
	FindByIDErr    error
	CheckHealthErr error

	Users map[uuid.UUID]*store.User

	// FindByIDCalls counts FindByID invocations (cache/singleflight assertions).
	FindByIDCalls int
	// FindByIDDelay stalls FindByID, to widen concurrency windows.
	FindByIDDelay time.Duration

	mu sync.Mutex
}

// NewMockStore returns a MockStore seeded with the given users.
func NewMockStore(users ...*store.User) *MockStore {
	ms := &MockStore{Users: make(map[uuid.UUID]*store.User)}
	for _, u := range users {
		cp := *u
		ms.Users[u.ID] = &cp
	}
	return ms
}

func (m *MockStore) FindByEmail(_ context.Context, email string) (*store.User, error) {
	if m.FindErr != nil {
		return nil, m.FindErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockStore) FindByHandle(_ context.Context, handle string) (*store.User, error) {
	if m.FindErr != nil {
		return nil, m.FindErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.Users {
		if u.Handle == handle {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockStore) FindByID(_ context.Context, id uuid.UUID) (*store.User, error) {
	m.mu.Lock()
	m.FindByIDCalls++
	delay := m.FindByIDDelay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if m.FindByIDErr != nil {
		return nil, m.FindByIDErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// Calls returns FindByIDCalls under the lock.
func (m *MockStore) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.FindByIDCalls
}

func (m *MockStore) Create(_ context.Context, u *store.User) error {
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Users == nil {
		m.Users = make(map[uuid.UUID]*store.User)
	}
	if m.collides(u) {
		return store.ErrConflict
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = u.CreatedAt
	if u.SecretChangedAt.IsZero() {
		u.SecretChangedAt = u.CreatedAt
	}
	cp := *u
	m.Users[u.ID] = &cp
	return nil
}

func (m *MockStore) Update(_ context.Context, u *store.User) error {
	if m.UpdateErr != nil {
		return m.UpdateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Users[u.ID]; !ok {
		return store.ErrNotFound
	}
	if m.collides(u) {
		return store.ErrConflict
	}
	u.UpdatedAt = time.Now().UTC()
	cp := *u
	m.Users[u.ID] = &cp
	return nil
}

func (m *MockStore) CheckHealth(context.Context) error {
	return m.CheckHealthErr
}

// Get returns a copy of the stored user, or nil. Test assertions only.
func (m *MockStore) Get(id uuid.UUID) *store.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.Users[id]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

// collides reports whether another user already holds u's email or handle. Caller holds mu.
func (m *MockStore) collides(u *store.User) bool {
	for id, other := range m.Users {
		if id == u.ID {
			continue
		}
		if strings.EqualFold(other.Email, u.Email) || other.Handle == u.Handle {
			return true
		}
	}
	return false
}

// MockCache implements auth.PrincipalCache for tests.
// Always stateful...Principals is a map, like a real cache.
// Use *Err fields to inject errors for specific operations.
type MockCache struct {
	// Error injection...zero value means no error
	GetErr         error
	SetErr         error
	DeleteErr      error
	CheckHealthErr error

	Principals map[uuid.UUID]store.CachedPrincipal

	mu sync.Mutex
}

// NewMockCache returns an empty MockCache ready for use.
func NewMockCache() *MockCache {
	return &MockCache{Principals: make(map[uuid.UUID]store.CachedPrincipal)}
}

func (m *MockCache) GetPrincipal(_ context.Context, id uuid.UUID) (*store.CachedPrincipal, error) {
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Principals[id]
	if !ok {
		return nil, store.ErrCacheMiss
	}
	return &p, nil
}

func (m *MockCache) SetPrincipal(_ context.Context, p store.CachedPrincipal) error {
	if m.SetErr != nil {
		return m.SetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Principals == nil {
		m.Principals = make(map[uuid.UUID]store.CachedPrincipal)
	}
	m.Principals[p.ID] = p
	return nil
}

func (m *MockCache) DeletePrincipal(_ context.Context, id uuid.UUID) error {
	if m.DeleteErr != nil {
		return m.DeleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Principals, id)
	return nil
}

func (m *MockCache) CheckHealth(context.Context) error {
	return m.CheckHealthErr
}

// Has reports whether id is cached.
func (m *MockCache) Has(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.Principals[id]
	return ok
}

// MockRateLimiter implements auth.RateLimiter for tests.
// Admits everything unless Deny is set; records every key it was asked about.
type MockRateLimiter struct {
	Deny       bool
	RetryAfter time.Duration

	Keys []string

	mu sync.Mutex
}

func (m *MockRateLimiter) Allow(key string, _ ratelimit.Policy) ratelimit.Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Keys = append(m.Keys, key)
	if m.Deny {
		retry := m.RetryAfter
		if retry <= 0 {
			retry = time.Second
		}
		return ratelimit.Decision{RetryAfter: retry}
	}
	return ratelimit.Decision{Allowed: true}
}

// Seen returns a copy of the keys passed to Allow.
func (m *MockRateLimiter) Seen() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Keys...)
}

// MockCaptchaVerifier implements auth.CaptchaVerifier for tests.
// Returns VerifyErr for every token; records the tokens it saw.
type MockCaptchaVerifier struct {
	VerifyErr error

	Tokens []string

	mu sync.Mutex
}

func (m *MockCaptchaVerifier) Verify(_ context.Context, token, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tokens = append(m.Tokens, token)
	return m.VerifyErr
}
