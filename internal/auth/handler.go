// handler.go -- HTTP handlers for the /auth/* session endpoints.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/radek-zitek-cloud/oc-gamma/internal/ratelimit"
	"github.com/radek-zitek-cloud/oc-gamma/internal/store"
)

// Store defines user repository operations needed by auth handlers.
// Satisfied by *store.PostgresStore and *store.SQLiteStore.
type Store interface {
	// FindByEmail fetches user by email (case-insensitive). store.ErrNotFound if absent.
	FindByEmail(ctx context.Context, email string) (*store.User, error)

	// FindByHandle fetches user by username. store.ErrNotFound if absent.
	FindByHandle(ctx context.Context, handle string) (*store.User, error)

	// FindByID fetches user by id. store.ErrNotFound if absent.
	FindByID(ctx context.Context, id uuid.UUID) (*store.User, error)

	// Create inserts a new user; store.ErrConflict if email or username is taken.
	Create(ctx context.Context, u *store.User) error

	// Update writes all mutable columns; store.ErrConflict on unique collision.
	Update(ctx context.Context, u *store.User) error

	// CheckHealth pings the database.
	CheckHealth(ctx context.Context) error
}

// PrincipalCache is the read-through cache in front of Store.FindByID.
// Satisfied by *store.RedisCache, *store.MemoryCache and store.NoopCache.
type PrincipalCache interface {
	// GetPrincipal returns store.ErrCacheMiss when absent.
	GetPrincipal(ctx context.Context, id uuid.UUID) (*store.CachedPrincipal, error)

	SetPrincipal(ctx context.Context, p store.CachedPrincipal) error

	DeletePrincipal(ctx context.Context, id uuid.UUID) error

	// CheckHealth returns store.ErrCacheDisabled when caching is off.
	CheckHealth(ctx context.Context) error
}

// RateLimiter checks and records an attempt for key under policy p.
// Satisfied by *ratelimit.Limiter -- defined here per Go convention.
type RateLimiter interface {
	Allow(key string, p ratelimit.Policy) ratelimit.Decision
}

// CaptchaVerifier checks a client-supplied bot-check token.
// Satisfied by *captcha.TurnstileVerifier.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// CaptchaPolicies selects which endpoints require a captcha token when CV is set.
type CaptchaPolicies struct {
	Register bool
	Login    bool
}

// Rate-limited operations; also the key prefix.
const (
	opRegister = "register"
	opLogin    = "login"
	opPassword = "password"
	opTheme    = "theme"
)

// Limits holds one policy per rate-limited operation.
type Limits struct {
	Register ratelimit.Policy
	Login    ratelimit.Policy
	Password ratelimit.Policy
	Theme    ratelimit.Policy
}

// DefaultLimits: register 3/min, login 5/min, password 3/min, theme 10/min.
func DefaultLimits() Limits {
	return Limits{
		Register: ratelimit.Policy{Max: 3, Window: time.Minute},
		Login:    ratelimit.Policy{Max: 5, Window: time.Minute},
		Password: ratelimit.Policy{Max: 3, Window: time.Minute},
		Theme:    ratelimit.Policy{Max: 10, Window: time.Minute},
	}
}

// AuthHandler holds dependencies for all /auth/* HTTP handlers and middleware.
type AuthHandler struct {
	PS         Store
	RS         PrincipalCache
	RL         RateLimiter
	Tokens     *TokenCodec
	Cookies    CookieTransport
	ClientKeys ClientKeyExtractor
	Limits     Limits
	Metrics    *Metrics
	// CV is nil when captcha is disabled.
	CV        CaptchaVerifier
	CaptchaCP CaptchaPolicies
	// Resolver defaults to a *Resolver built from the fields above.
	Resolver PrincipalResolver
	// Version is reported by /health.
	Version string
	// Now defaults to time.Now.
	Now func() time.Time

	resolverOnce sync.Once
	resolverImpl PrincipalResolver
}

func (h *AuthHandler) resolver() PrincipalResolver {
	h.resolverOnce.Do(func() {
		h.resolverImpl = h.Resolver
		if h.resolverImpl == nil {
			h.resolverImpl = &Resolver{
				Store:   h.PS,
				Cache:   h.RS,
				Tokens:  h.Tokens,
				Cookies: h.Cookies,
				Metrics: h.Metrics,
				Now:     h.Now,
			}
		}
	})
	return h.resolverImpl
}

func (h *AuthHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// allow applies policy p to this client for op; writes 429 and returns false when over limit.
func (h *AuthHandler) allow(w http.ResponseWriter, r *http.Request, op string, p ratelimit.Policy) bool {
	if h.RL == nil {
		return true
	}
	d := h.RL.Allow(op+":"+h.ClientKeys.Key(r), p)
	if d.Allowed {
		return true
	}
	h.Metrics.limited(op)
	logWarn(r, "rate limit exceeded", "operation", op, "retry_after", d.RetryAfter.String())
	TooManyRequests(w, r, d.RetryAfter)
	return false
}

// invalidate drops the cached principal after a write, non-fatal.
func (h *AuthHandler) invalidate(r *http.Request, id uuid.UUID) {
	var err error
	if inv, ok := h.resolver().(principalInvalidator); ok {
		err = inv.Invalidate(r.Context(), id)
	} else if h.RS != nil {
		err = h.RS.DeletePrincipal(r.Context(), id)
	}
	if err != nil {
		logWarn(r, "failed to invalidate principal cache", "error", err)
	}
}

// principalInvalidator is implemented by resolvers that guard their own cache
// write-backs against concurrent changes.
type principalInvalidator interface {
	Invalidate(ctx context.Context, id uuid.UUID) error
}

// principalResponse is the public view of a user; never includes the hash.
type principalResponse struct {
	ID              uuid.UUID `json:"id"`
	Email           string    `json:"email"`
	Username        string    `json:"username"`
	FullName        *string   `json:"full_name"`
	IsActive        bool      `json:"is_active"`
	Role            string    `json:"role"`
	ThemePreference string    `json:"theme_preference"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func newPrincipalResponse(u *store.User) principalResponse {
	return principalResponse{
		ID:              u.ID,
		Email:           u.Email,
		Username:        u.Handle,
		FullName:        u.FullName,
		IsActive:        u.IsActive,
		Role:            u.Role,
		ThemePreference: u.ThemePreference,
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
	}
}

// checkCaptcha verifies token when required; writes 400 and returns false on failure.
func (h *AuthHandler) checkCaptcha(w http.ResponseWriter, r *http.Request, token string, required bool) bool {
	if !required || h.CV == nil {
		return true
	}
	if err := h.CV.Verify(r.Context(), token, h.ClientKeys.Key(r)); err != nil {
		logWarn(r, "captcha verification failed", "error", err)
		BadRequest(w, r, "captcha verification failed")
		return false
	}
	return true
}

// Register handles POST /auth/register -- email + username + password signup.
// Returns 201 with the principal, 409 if email or username is taken, 422 for invalid fields.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, opRegister, h.Limits.Register) {
		return
	}

	var registerInput struct {
		Email        string  `json:"email"`
		Username     string  `json:"username"`
		Password     string  `json:"password"`
		FullName     *string `json:"full_name"`
		CaptchaToken string  `json:"captcha_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&registerInput); err != nil {
		logWarn(r, "failed to decode register input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	email := NormalizeEmail(registerInput.Email)
	handle := strings.TrimSpace(registerInput.Username)

	fields := map[string]string{}
	if msg := ValidateEmail(email); msg != "" {
		fields["email"] = msg
	}
	if msg := ValidateHandle(handle); msg != "" {
		fields["username"] = msg
	}
	if msg := ValidatePassword(registerInput.Password); msg != "" {
		fields["password"] = msg
	}
	if registerInput.FullName != nil {
		if msg := ValidateFullName(*registerInput.FullName); msg != "" {
			fields["full_name"] = msg
		}
	}
	if len(fields) > 0 {
		h.Metrics.register("invalid")
		ValidationFailed(w, r, fields)
		return
	}

	if !h.checkCaptcha(w, r, registerInput.CaptchaToken, h.CaptchaCP.Register) {
		h.Metrics.register("captcha_failed")
		return
	}

	hashedPassword, err := HashPassword(registerInput.Password)
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	userID, err := uuid.NewV7()
	if err != nil {
		InternalServerError(w, r, err)
		return
	}

	user := &store.User{
		ID:              userID,
		Email:           email,
		Handle:          handle,
		PasswordHash:    hashedPassword,
		FullName:        registerInput.FullName,
		IsActive:        true,
		Role:            store.RoleUser,
		ThemePreference: store.DefaultTheme,
	}
	if err := h.PS.Create(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			logInfo(r, "registration attempted with existing email or username")
			h.Metrics.register("conflict")
			Conflict(w, r)
			return
		}
		logError(r, "failed to create user", "error", err)
		InternalServerError(w, r, err)
		return
	}

	h.Metrics.register("created")
	logInfo(r, "user registered", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, newPrincipalResponse(user))
}

// Login handles POST /auth/login -- username-or-email + password authentication.
// Returns 200 with user_id and expiry and sets the session cookie; 401 for bad credentials.
// All-or-nothing: no cookie is written unless every step succeeds.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	// Limit first, so credential correctness never bypasses it.
	if !h.allow(w, r, opLogin, h.Limits.Login) {
		h.Metrics.login("rate_limited")
		return
	}

	var loginInput struct {
		Username     string `json:"username"`
		Password     string `json:"password"`
		CaptchaToken string `json:"captcha_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&loginInput); err != nil {
		logWarn(r, "failed to decode login input", "error", err)
		BadRequest(w, r, "error decoding request body")
		return
	}

	if !h.checkCaptcha(w, r, loginInput.CaptchaToken, h.CaptchaCP.Login) {
		h.Metrics.login("captcha_failed")
		return
	}

	identity := strings.TrimSpace(loginInput.Username)
	// Missing identity or password -- generic 401 (no enumeration).
	if identity == "" || loginInput.Password == "" {
		h.Metrics.login("invalid_credentials")
		Unauthorized(w, r, "invalid credentials")
		return
	}

	var user *store.User
	var err error
	if strings.Contains(identity, "@") {
		user, err = h.PS.FindByEmail(r.Context(), NormalizeEmail(identity))
	} else {
		user, err = h.PS.FindByHandle(r.Context(), identity)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Run dummy hash to equalise timing with found-user path.
			VerifyPassword(loginInput.Password, dummyHash())
			logInfo(r, "login attempted with unknown identity")
			h.Metrics.login("invalid_credentials")
			Unauthorized(w, r, "invalid credentials")
			return
		}
		logError(r, "failed to fetch user for login", "error", err)
		h.Metrics.login("error")
		InternalServerError(w, r, err)
		return
	}

	if !VerifyPassword(loginInput.Password, user.PasswordHash) {
		logInfo(r, "login attempted with incorrect password", "user_id", user.ID)
		h.Metrics.login("invalid_credentials")
		Unauthorized(w, r, "invalid credentials")
		return
	}

	if !user.IsActive {
		logInfo(r, "login attempted for inactive user", "user_id", user.ID)
		h.Metrics.login("inactive")
		Unauthorized(w, r, "invalid credentials")
		return
	}

	// Upgrade legacy or outdated hashes now that we hold the plaintext. Non-fatal.
	if NeedsRehash(user.PasswordHash) {
		h.rehash(r, user, loginInput.Password)
	}

	now := h.now()
	token, err := h.Tokens.Issue(user.ID.String(), now)
	if err != nil {
		h.Metrics.login("error")
		InternalServerError(w, r, err)
		return
	}
	exp := h.Tokens.ExpiresAt(now)

	// Max-Age is the token's remaining life so the cookie never outlives it.
	h.Cookies.Attach(w, token, exp.Sub(now))
	h.Metrics.login("success")
	logInfo(r, "user logged in successfully", "user_id", user.ID)

	writeJSON(w, http.StatusOK, struct {
		UserID    uuid.UUID `json:"user_id"`
		ExpiresAt time.Time `json:"expires_at"`
	}{user.ID, exp.UTC()})
}

func (h *AuthHandler) rehash(r *http.Request, user *store.User, password string) {
	newHash, err := HashPassword(password)
	if err != nil {
		logWarn(r, "failed to rehash password", "user_id", user.ID, "error", err)
		return
	}
	old := user.PasswordHash
	user.PasswordHash = newHash
	if err := h.PS.Update(r.Context(), user); err != nil {
		user.PasswordHash = old
		logWarn(r, "failed to store upgraded password hash", "user_id", user.ID, "error", err)
		return
	}
	h.invalidate(r, user.ID)
	logInfo(r, "password hash upgraded", "user_id", user.ID)
}

// Logout handles POST /auth/logout -- clears the session cookie.
// Tokens are stateless; the cookie is the only client-side handle.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request, user *store.User) {
	h.Cookies.Clear(w)
	logInfo(r, "user logged out", "user_id", user.ID)
	OK(w, "logged out")
}
