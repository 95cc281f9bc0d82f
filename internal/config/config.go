// config.go

// Environment variable loading and validation.
package config

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvDevelopment is the default ENVIRONMENT; relaxes SECRET_KEY and cookie Secure.
const EnvDevelopment = "development"

// minSecretLen is the shortest SECRET_KEY accepted outside development (HS256 key size).
const minSecretLen = 32

// Config holds all env configuration vars for the service.
type Config struct {
	Environment string
	DatabaseURL string
	RedisURL    string
	Port        string
	LogLevel    slog.Level
	CORSOrigins []string

	// SecretKey signs session tokens. Generated per process in development
	// when unset, so tokens do not survive a restart there.
	SecretKey          []byte
	SecretKeyGenerated bool

	SessionTTL   time.Duration
	CookieName   string
	CookieDomain string

	// Proxy trust for client identity. TrustProxy=false ignores forwarding headers entirely.
	TrustProxy        bool
	ProxyHeader       string
	TrustedProxyHops  int
	TrustedProxyCIDRs []string

	// Rate limit policies, one per operation. Defaults: register 3/1m,
	// login 5/1m, password 3/1m, theme 10/1m.
	RateRegisterMax    int
	RateRegisterWindow time.Duration
	RateLoginMax       int
	RateLoginWindow    time.Duration
	RatePasswordMax    int
	RatePasswordWindow time.Duration
	RateThemeMax       int
	RateThemeWindow    time.Duration
	RateSweepInterval  time.Duration

	// PrincipalCacheTTL bounds how long a resolved principal is cached. 0 (default) disables caching.
	PrincipalCacheTTL time.Duration

	// Turnstile bot check. Disabled when CaptchaSecret is empty.
	CaptchaSecret   string
	CaptchaRegister bool
	CaptchaLogin    bool
}

// IsDevelopment reports whether ENVIRONMENT is development.
func (c *Config) IsDevelopment() bool {
	return c.Environment == EnvDevelopment
}

// IsPostgres reports whether DATABASE_URL selects the Postgres store.
func (c *Config) IsPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment. Variables already set are never overridden. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// LoadConfig reads environment variables and returns a validated Config.
// Returns an error if SECRET_KEY is missing or short outside development.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.Environment = os.Getenv("ENVIRONMENT")
	if cfg.Environment == "" {
		cfg.Environment = EnvDevelopment
	}

	// Default to a local SQLite file; postgres:// URLs select pgx.
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "file:data/app.db?_foreign_keys=on"
	}

	// Empty means in-process principal cache.
	cfg.RedisURL = os.Getenv("REDIS_URL")

	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "8000"
	}
	if n, err := strconv.Atoi(cfg.Port); err != nil || n <= 0 || n > 65535 {
		return nil, fmt.Errorf("PORT must be a number between 1 and 65535, got %q", cfg.Port)
	}

	// Parse log level, default to info
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	cfg.CORSOrigins = envList("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:4173"})

	secret := os.Getenv("SECRET_KEY")
	switch {
	case secret == "" && cfg.IsDevelopment():
		cfg.SecretKey = make([]byte, minSecretLen)
		if _, err := rand.Read(cfg.SecretKey); err != nil {
			return nil, fmt.Errorf("generating development secret: %w", err)
		}
		cfg.SecretKeyGenerated = true
	case secret == "":
		return nil, fmt.Errorf("SECRET_KEY is required when ENVIRONMENT=%s", cfg.Environment)
	case len(secret) < minSecretLen && !cfg.IsDevelopment():
		return nil, fmt.Errorf("SECRET_KEY must be at least %d bytes", minSecretLen)
	default:
		cfg.SecretKey = []byte(secret)
	}

	cfg.SessionTTL = envDuration("SESSION_TTL", 30*time.Minute)
	if cfg.SessionTTL < time.Second {
		return nil, fmt.Errorf("SESSION_TTL must be at least 1s")
	}

	cfg.CookieName = os.Getenv("COOKIE_NAME")
	if cfg.CookieName == "" {
		cfg.CookieName = "access_token"
	}
	cfg.CookieDomain = os.Getenv("COOKIE_DOMAIN")

	cfg.TrustProxy = envBool("TRUST_PROXY", false)
	cfg.ProxyHeader = os.Getenv("PROXY_HEADER")
	if cfg.ProxyHeader == "" {
		cfg.ProxyHeader = "X-Forwarded-For"
	}
	cfg.TrustedProxyHops = envNonNegInt("TRUSTED_PROXY_HOPS", 0)
	cfg.TrustedProxyCIDRs = envList("TRUSTED_PROXY_CIDRS", nil)

	// Rate limits. An invalid value falls back to the default so a
	// misconfigured env doesn't silently disable rate limiting.
	cfg.RateRegisterMax = envInt("RATE_REGISTER_MAX", 3)
	cfg.RateRegisterWindow = envDuration("RATE_REGISTER_WINDOW", time.Minute)
	cfg.RateLoginMax = envInt("RATE_LOGIN_MAX", 5)
	cfg.RateLoginWindow = envDuration("RATE_LOGIN_WINDOW", time.Minute)
	cfg.RatePasswordMax = envInt("RATE_PASSWORD_MAX", 3)
	cfg.RatePasswordWindow = envDuration("RATE_PASSWORD_WINDOW", time.Minute)
	cfg.RateThemeMax = envInt("RATE_THEME_MAX", 10)
	cfg.RateThemeWindow = envDuration("RATE_THEME_WINDOW", time.Minute)
	cfg.RateSweepInterval = envDuration("RATE_SWEEP_INTERVAL", time.Minute)

	// Off unless set: a cached principal is not re-checked against the store,
	// so deactivations made outside this process apply only after the TTL.
	// "0" is meaningful here (disabled), so parse it outside envDuration.
	cfg.PrincipalCacheTTL = 0
	if v := os.Getenv("PRINCIPAL_CACHE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			slog.Warn("invalid env var, using default", "key", "PRINCIPAL_CACHE_TTL", "value", v, "default", cfg.PrincipalCacheTTL)
		} else {
			cfg.PrincipalCacheTTL = d
		}
	}

	cfg.CaptchaSecret = os.Getenv("CAPTCHA_SECRET_KEY")
	cfg.CaptchaRegister = envBool("CAPTCHA_REGISTER", true)
	cfg.CaptchaLogin = envBool("CAPTCHA_LOGIN", false)

	return cfg, nil
}

// envInt reads an env var as a positive int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envNonNegInt is envInt that also accepts 0.
func envNonNegInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

// envBool reads an env var with strconv.ParseBool, returning def if missing or unparseable.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

// envList reads a comma-separated env var, trimming blanks. Returns def if missing or empty.
func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
