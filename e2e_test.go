// e2e_test.go
//
// Level 3 integration tests: exercises run() end-to-end with a real store,
// embedded migrations and the in-process principal cache.
// Uses a temporary SQLite file by default; set TEST_DATABASE_URL (postgres://...)
// and/or TEST_REDIS_URL to run the same tests against Postgres and Redis.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/radek-zitek-cloud/oc-gamma/internal/config"
)

// e2eServerURL is the base URL of the running test server.
// Empty if run() failed to start; e2e tests skip in that case.
var e2eServerURL string

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "oc-gamma-e2e-*")
	if err != nil {
		fmt.Fprintf(os.Stderr, "e2e: creating temp dir: %v\n", err)
		os.Exit(1)
	}

	cfg := &config.Config{
		Environment: config.EnvDevelopment,
		DatabaseURL: envOrDefault("TEST_DATABASE_URL", "file:"+filepath.Join(dir, "e2e.db")+"?_foreign_keys=on"),
		RedisURL:    os.Getenv("TEST_REDIS_URL"),
		Port:        "0", // OS picks a free port
		LogLevel:    slog.LevelWarn,
		SecretKey:   []byte("e2e-secret-key-0123456789abcdefgh"),
		SessionTTL:  30 * time.Minute,
		CookieName:  "access_token",
		ProxyHeader: "X-Forwarded-For",
		// Every e2e test shares 127.0.0.1; limits are exercised by the smoke tests.
		RateRegisterMax:    1000,
		RateRegisterWindow: time.Minute,
		RateLoginMax:       1000,
		RateLoginWindow:    time.Minute,
		RatePasswordMax:    1000,
		RatePasswordWindow: time.Minute,
		RateThemeMax:       1000,
		RateThemeWindow:    time.Minute,
		RateSweepInterval:  time.Minute,
		PrincipalCacheTTL:  30 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan string, 1)
	runErr := make(chan error, 1)

	go func() {
		runErr <- run(ctx, cfg, ready)
	}()

	// Wait for server ready or startup failure.
	select {
	case addr := <-ready:
		e2eServerURL = addr
	case err := <-runErr:
		fmt.Fprintf(os.Stderr, "e2e: server failed to start (%v), e2e tests will be skipped\n", err)
	}

	code := m.Run()

	cancel()
	if e2eServerURL != "" {
		// Wait for run() to finish so deferred closes complete before os.Exit.
		<-runErr
	}
	os.RemoveAll(dir)

	os.Exit(code)
}

// envOrDefault returns the env var value or fallback if unset.
func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// skipIfNoE2E skips the test if the e2e server did not start.
func skipIfNoE2E(t *testing.T) {
	t.Helper()
	if e2eServerURL == "" {
		t.Skip("e2e: server did not start")
	}
}

// --- E2E helpers ---

// uniqueUser returns an email and username not used by any other test in this run.
func uniqueUser(prefix string) (email, username string) {
	n := time.Now().UnixNano()
	return fmt.Sprintf("%s-%d@example.com", prefix, n), fmt.Sprintf("%s_%d", prefix, n)
}

// e2eDo sends a JSON request, optionally with a session cookie.
// Caller must close the returned response body.
func e2eDo(t *testing.T, method, path, session, jsonBody string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e2eServerURL+path, strings.NewReader(jsonBody))
	if err != nil {
		t.Fatalf("building %s request: %v", path, err)
	}
	if jsonBody != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if session != "" {
		req.AddCookie(&http.Cookie{Name: "access_token", Value: session})
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

// e2eRegister registers a new user. Fatals on error or non-201.
func e2eRegister(t *testing.T, email, username, password string) {
	t.Helper()
	resp := e2eDo(t, http.MethodPost, "/auth/register", "",
		fmt.Sprintf(`{"email":%q,"username":%q,"password":%q}`, email, username, password))
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d", resp.StatusCode)
	}
}

// e2eLogin logs in and returns the response status and session cookie value ("" if none).
func e2eLogin(t *testing.T, identity, password string) (int, string) {
	t.Helper()
	resp := e2eDo(t, http.MethodPost, "/auth/login", "",
		fmt.Sprintf(`{"username":%q,"password":%q}`, identity, password))
	defer resp.Body.Close()
	for _, c := range resp.Cookies() {
		if c.Name == "access_token" && c.Value != "" {
			return resp.StatusCode, c.Value
		}
	}
	return resp.StatusCode, ""
}

// --- E2E tests ---

// TestE2E_Health verifies /health returns per-dependency status against the real server.
func TestE2E_Health(t *testing.T) {
	skipIfNoE2E(t)

	resp := e2eDo(t, http.MethodGet, "/health", "", "")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Status   string `json:"status"`
		Version  string `json:"version"`
		Database string `json:"database"`
		Cache    string `json:"cache"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if body.Status != "ok" || body.Database != "ok" || body.Cache != "ok" {
		t.Errorf("body: expected all ok, got %+v", body)
	}
	if body.Version != version {
		t.Errorf("version: expected %q, got %q", version, body.Version)
	}
}

// TestE2E_Register_Login_Me verifies the register -> login -> me flow against the real store.
func TestE2E_Register_Login_Me(t *testing.T) {
	skipIfNoE2E(t)

	email, username := uniqueUser("flow")
	e2eRegister(t, email, username, "e2epassword1")

	status, session := e2eLogin(t, username, "e2epassword1")
	if status != http.StatusOK || session == "" {
		t.Fatalf("login: expected 200 with cookie, got %d", status)
	}

	resp := e2eDo(t, http.MethodGet, "/auth/me", session, "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", resp.StatusCode)
	}
	var me struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Role     string `json:"role"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		t.Fatalf("decoding me: %v", err)
	}
	if me.Email != email || me.Username != username || me.Role != "USER" {
		t.Errorf("me: got %+v", me)
	}
}

// TestE2E_DuplicateEmail verifies the case-insensitive unique email index maps to 409.
func TestE2E_DuplicateEmail(t *testing.T) {
	skipIfNoE2E(t)

	email, username := uniqueUser("dup")
	e2eRegister(t, email, username, "e2epassword1")

	resp := e2eDo(t, http.MethodPost, "/auth/register", "",
		fmt.Sprintf(`{"email":%q,"username":%q,"password":"e2epassword1"}`, strings.ToUpper(email), username+"_2"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate register: expected 409, got %d", resp.StatusCode)
	}
}

// TestE2E_PasswordChange verifies the secret change persists and only the new password logs in.
func TestE2E_PasswordChange(t *testing.T) {
	skipIfNoE2E(t)

	email, username := uniqueUser("pwd")
	e2eRegister(t, email, username, "e2epassword1")
	_, session := e2eLogin(t, email, "e2epassword1")
	if session == "" {
		t.Fatal("login: no session cookie")
	}

	// Wrong current password first: 401, nothing changes.
	resp := e2eDo(t, http.MethodPut, "/auth/me/secret", session,
		`{"current_password":"not-my-password","new_password":"e2epassword2"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong current: expected 401, got %d", resp.StatusCode)
	}

	resp = e2eDo(t, http.MethodPut, "/auth/me/secret", session,
		`{"current_password":"e2epassword1","new_password":"e2epassword2"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("change: expected 200, got %d", resp.StatusCode)
	}

	if status, _ := e2eLogin(t, email, "e2epassword1"); status != http.StatusUnauthorized {
		t.Errorf("old password: expected 401, got %d", status)
	}
	if status, _ := e2eLogin(t, email, "e2epassword2"); status != http.StatusOK {
		t.Errorf("new password: expected 200, got %d", status)
	}
}

// TestE2E_ProfileUpdate verifies profile writes reach the store and bypass the stale cache entry.
func TestE2E_ProfileUpdate(t *testing.T) {
	skipIfNoE2E(t)

	email, username := uniqueUser("prof")
	e2eRegister(t, email, username, "e2epassword1")
	_, session := e2eLogin(t, username, "e2epassword1")

	// Prime the principal cache.
	e2eDo(t, http.MethodGet, "/auth/me", session, "").Body.Close()

	resp := e2eDo(t, http.MethodPatch, "/auth/me/theme", session, `{"theme_preference":"light"}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("theme: expected 200, got %d", resp.StatusCode)
	}

	resp = e2eDo(t, http.MethodGet, "/auth/me", session, "")
	defer resp.Body.Close()
	var me struct {
		ThemePreference string `json:"theme_preference"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&me); err != nil {
		t.Fatalf("decoding me: %v", err)
	}
	if me.ThemePreference != "light" {
		t.Errorf("theme after update: expected light, got %q", me.ThemePreference)
	}
}

// TestE2E_Metrics verifies the Prometheus endpoint exposes process and auth metrics.
func TestE2E_Metrics(t *testing.T) {
	skipIfNoE2E(t)

	resp := e2eDo(t, http.MethodGet, "/metrics", "", "")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", resp.StatusCode)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading metrics: %v", err)
	}
	for _, want := range []string{"go_goroutines", "ocgamma_auth_login_attempts_total"} {
		if !strings.Contains(string(b), want) {
			t.Errorf("metrics: missing %s", want)
		}
	}
}
