package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

// clearEnv blanks every variable LoadConfig reads so the host environment can't leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"ENVIRONMENT", "DATABASE_URL", "REDIS_URL", "PORT", "LOG_LEVEL", "CORS_ORIGINS",
		"SECRET_KEY", "SESSION_TTL", "COOKIE_NAME", "COOKIE_DOMAIN",
		"TRUST_PROXY", "PROXY_HEADER", "TRUSTED_PROXY_HOPS", "TRUSTED_PROXY_CIDRS",
		"RATE_REGISTER_MAX", "RATE_REGISTER_WINDOW", "RATE_LOGIN_MAX", "RATE_LOGIN_WINDOW",
		"RATE_PASSWORD_MAX", "RATE_PASSWORD_WINDOW", "RATE_THEME_MAX", "RATE_THEME_WINDOW",
		"RATE_SWEEP_INTERVAL", "PRINCIPAL_CACHE_TTL",
		"CAPTCHA_SECRET_KEY", "CAPTCHA_REGISTER", "CAPTCHA_LOGIN",
	} {
		t.Setenv(k, "")
	}
}

const prodSecret = "0123456789abcdef0123456789abcdef"

// --- LoadConfig ---

func TestLoadConfig(t *testing.T) {
	t.Run("development defaults", func(t *testing.T) {
		clearEnv(t)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if !cfg.IsDevelopment() {
			t.Errorf("Environment: expected development, got %q", cfg.Environment)
		}
		if cfg.IsPostgres() {
			t.Errorf("default DATABASE_URL should select sqlite, got %q", cfg.DatabaseURL)
		}
		if cfg.Port != "8000" {
			t.Errorf("Port: expected 8000, got %q", cfg.Port)
		}
		if cfg.SessionTTL != 30*time.Minute {
			t.Errorf("SessionTTL: expected 30m, got %v", cfg.SessionTTL)
		}
		if cfg.CookieName != "access_token" {
			t.Errorf("CookieName: expected access_token, got %q", cfg.CookieName)
		}
		if cfg.TrustProxy || cfg.ProxyHeader != "X-Forwarded-For" || cfg.TrustedProxyHops != 0 {
			t.Errorf("proxy defaults: got trust=%v header=%q hops=%d", cfg.TrustProxy, cfg.ProxyHeader, cfg.TrustedProxyHops)
		}
		if cfg.RateLoginMax != 5 || cfg.RateLoginWindow != time.Minute {
			t.Errorf("login limit: expected 5/1m, got %d/%v", cfg.RateLoginMax, cfg.RateLoginWindow)
		}
		if cfg.RateRegisterMax != 3 || cfg.RatePasswordMax != 3 || cfg.RateThemeMax != 10 {
			t.Errorf("limit defaults: got register=%d password=%d theme=%d", cfg.RateRegisterMax, cfg.RatePasswordMax, cfg.RateThemeMax)
		}
		if cfg.PrincipalCacheTTL != 0 {
			t.Errorf("PrincipalCacheTTL: expected caching off by default, got %v", cfg.PrincipalCacheTTL)
		}
		if !slices.Equal(cfg.CORSOrigins, []string{"http://localhost:5173", "http://localhost:4173"}) {
			t.Errorf("CORSOrigins: got %v", cfg.CORSOrigins)
		}
	})

	t.Run("development generates a random secret when unset", func(t *testing.T) {
		clearEnv(t)

		a, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		b, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if !a.SecretKeyGenerated || len(a.SecretKey) != 32 {
			t.Errorf("expected generated 32-byte secret, got generated=%v len=%d", a.SecretKeyGenerated, len(a.SecretKey))
		}
		if string(a.SecretKey) == string(b.SecretKey) {
			t.Error("generated secrets should differ per load")
		}
	})

	t.Run("production requires SECRET_KEY", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ENVIRONMENT", "production")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for missing SECRET_KEY, got nil")
		}
	})

	t.Run("production rejects short SECRET_KEY", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ENVIRONMENT", "production")
		t.Setenv("SECRET_KEY", "too-short")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for short SECRET_KEY, got nil")
		}
	})

	t.Run("production accepts 32-byte SECRET_KEY", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("ENVIRONMENT", "production")
		t.Setenv("SECRET_KEY", prodSecret)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if string(cfg.SecretKey) != prodSecret || cfg.SecretKeyGenerated {
			t.Errorf("SecretKey: expected configured secret")
		}
		if cfg.IsDevelopment() {
			t.Error("IsDevelopment should be false in production")
		}
	})

	t.Run("postgres URLs select postgres", func(t *testing.T) {
		clearEnv(t)
		for _, url := range []string{"postgres://localhost/app", "postgresql://localhost/app"} {
			t.Setenv("DATABASE_URL", url)
			cfg, err := LoadConfig()
			if err != nil {
				t.Fatalf("LoadConfig failed: %v", err)
			}
			if !cfg.IsPostgres() {
				t.Errorf("%q should select postgres", url)
			}
		}
	})

	t.Run("rejects non-numeric PORT", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("PORT", "http")

		if _, err := LoadConfig(); err == nil {
			t.Fatal("expected error for invalid PORT, got nil")
		}
	})

	t.Run("reads proxy settings", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("TRUST_PROXY", "true")
		t.Setenv("PROXY_HEADER", "X-Real-IP")
		t.Setenv("TRUSTED_PROXY_HOPS", "2")
		t.Setenv("TRUSTED_PROXY_CIDRS", "10.0.0.0/8, 192.168.1.1 ,")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if !cfg.TrustProxy || cfg.ProxyHeader != "X-Real-IP" || cfg.TrustedProxyHops != 2 {
			t.Errorf("proxy: got trust=%v header=%q hops=%d", cfg.TrustProxy, cfg.ProxyHeader, cfg.TrustedProxyHops)
		}
		if !slices.Equal(cfg.TrustedProxyCIDRs, []string{"10.0.0.0/8", "192.168.1.1"}) {
			t.Errorf("TrustedProxyCIDRs: got %v", cfg.TrustedProxyCIDRs)
		}
	})

	t.Run("invalid rate values fall back to defaults", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("RATE_LOGIN_MAX", "-1")
		t.Setenv("RATE_LOGIN_WINDOW", "soon")
		t.Setenv("RATE_THEME_MAX", "20")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.RateLoginMax != 5 || cfg.RateLoginWindow != time.Minute {
			t.Errorf("login limit: expected fallback 5/1m, got %d/%v", cfg.RateLoginMax, cfg.RateLoginWindow)
		}
		if cfg.RateThemeMax != 20 {
			t.Errorf("RateThemeMax: expected 20, got %d", cfg.RateThemeMax)
		}
	})

	t.Run("PRINCIPAL_CACHE_TTL enables caching and 0 disables it", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("PRINCIPAL_CACHE_TTL", "30s")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.PrincipalCacheTTL != 30*time.Second {
			t.Errorf("PrincipalCacheTTL: expected 30s, got %v", cfg.PrincipalCacheTTL)
		}

		t.Setenv("PRINCIPAL_CACHE_TTL", "0")
		if cfg, err = LoadConfig(); err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.PrincipalCacheTTL != 0 {
			t.Errorf("PrincipalCacheTTL: expected 0, got %v", cfg.PrincipalCacheTTL)
		}
	})

	t.Run("captcha is off by default and guards register once a secret is set", func(t *testing.T) {
		clearEnv(t)

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.CaptchaSecret != "" {
			t.Errorf("CaptchaSecret: expected empty, got %q", cfg.CaptchaSecret)
		}

		t.Setenv("CAPTCHA_SECRET_KEY", "turnstile-secret")
		t.Setenv("CAPTCHA_LOGIN", "true")
		cfg, err = LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.CaptchaSecret != "turnstile-secret" || !cfg.CaptchaRegister || !cfg.CaptchaLogin {
			t.Errorf("captcha: got secret=%q register=%v login=%v", cfg.CaptchaSecret, cfg.CaptchaRegister, cfg.CaptchaLogin)
		}
	})

	t.Run("invalid TRUST_PROXY keeps proxy trust off", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("TRUST_PROXY", "maybe")

		cfg, err := LoadConfig()
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}
		if cfg.TrustProxy {
			t.Error("TrustProxy should stay false for unparseable value")
		}
	})
}

// --- LoadDotEnv ---

func TestLoadDotEnv(t *testing.T) {
	t.Run("loads unset variables and keeps set ones", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, ".env")
		if err := os.WriteFile(path, []byte("OCG_TEST_NEW=from-file\nOCG_TEST_SET=from-file\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("OCG_TEST_SET", "from-env")
		t.Setenv("OCG_TEST_NEW", "")
		os.Unsetenv("OCG_TEST_NEW")

		if err := LoadDotEnv(path); err != nil {
			t.Fatalf("LoadDotEnv failed: %v", err)
		}
		if got := os.Getenv("OCG_TEST_NEW"); got != "from-file" {
			t.Errorf("OCG_TEST_NEW: expected from-file, got %q", got)
		}
		if got := os.Getenv("OCG_TEST_SET"); got != "from-env" {
			t.Errorf("OCG_TEST_SET: expected from-env, got %q", got)
		}
	})

	t.Run("missing files are skipped", func(t *testing.T) {
		if err := LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
			t.Errorf("expected nil for missing file, got %v", err)
		}
	})
}
