package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/radek-zitek-cloud/oc-gamma/internal/auth"
	"github.com/radek-zitek-cloud/oc-gamma/internal/captcha"
	"github.com/radek-zitek-cloud/oc-gamma/internal/config"
	"github.com/radek-zitek-cloud/oc-gamma/internal/ratelimit"
	"github.com/radek-zitek-cloud/oc-gamma/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// version is reported by /health.
const version = "0.1.1"

// Embeds the migration files INTO the go bin, one directory per dialect.

//go:embed migrations
var migrationsDir embed.FS

func main() {
	// .env files fill in unset vars only; the real environment always wins.
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	// Set up slog to output as json with configured level
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	if cfg.SecretKeyGenerated {
		slog.Warn("SECRET_KEY not set; using a random key, sessions will not survive a restart")
	}

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// migratingStore is an auth.Store that can apply its own schema.
type migratingStore interface {
	auth.Store
	Migrate(ctx context.Context, migrationsFS fs.FS) error
}

// openStore picks Postgres for postgres:// URLs and SQLite otherwise,
// and returns the embedded migrations for that dialect.
func openStore(ctx context.Context, cfg *config.Config) (migratingStore, fs.FS, func(), error) {
	if cfg.IsPostgres() {
		ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to set up postgres store: %w", err)
		}
		sub, err := fs.Sub(migrationsDir, "migrations/postgres")
		if err != nil {
			ps.Close()
			return nil, nil, nil, fmt.Errorf("failed to access embedded migrations: %w", err)
		}
		return ps, sub, ps.Close, nil
	}

	ss, err := store.NewSQLiteStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to set up sqlite store: %w", err)
	}
	closeFn := func() {
		if err := ss.Close(); err != nil {
			slog.Warn("closing sqlite store", "error", err)
		}
	}
	sub, err := fs.Sub(migrationsDir, "migrations/sqlite")
	if err != nil {
		closeFn()
		return nil, nil, nil, fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	return ss, sub, closeFn, nil
}

// openCache returns the principal cache: disabled when the TTL is 0, Redis
// when REDIS_URL is set, in-process otherwise.
func openCache(ctx context.Context, cfg *config.Config) (auth.PrincipalCache, func(), error) {
	switch {
	case cfg.PrincipalCacheTTL == 0:
		slog.Info("principal cache disabled")
		return store.NoopCache{}, func() {}, nil
	case cfg.RedisURL != "":
		rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to set up redis client: %w", err)
		}
		return store.NewRedisCache(rdb, cfg.PrincipalCacheTTL), func() { rdb.Close() }, nil
	default:
		mc, err := store.NewMemoryCache(ctx, cfg.PrincipalCacheTTL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to set up memory cache: %w", err)
		}
		return mc, func() { mc.Close() }, nil
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	ps, migrationsFS, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	rs, closeCache, err := openCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()

	tokens, err := auth.NewTokenCodec(cfg.SecretKey, cfg.SessionTTL)
	if err != nil {
		return fmt.Errorf("failed to set up token codec: %w", err)
	}

	trusted, err := auth.ParseCIDRs(cfg.TrustedProxyCIDRs)
	if err != nil {
		return fmt.Errorf("invalid TRUSTED_PROXY_CIDRS: %w", err)
	}

	// One limiter per process; the sweeper below keeps its memory bounded.
	limiter := ratelimit.New()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	h := &auth.AuthHandler{
		PS:     ps,
		RS:     rs,
		RL:     limiter,
		Tokens: tokens,
		Cookies: auth.CookieTransport{
			Name:   cfg.CookieName,
			Domain: cfg.CookieDomain,
			Secure: !cfg.IsDevelopment(),
		},
		ClientKeys: auth.ClientKeyExtractor{
			TrustProxy:     cfg.TrustProxy,
			Header:         cfg.ProxyHeader,
			Hops:           cfg.TrustedProxyHops,
			TrustedProxies: trusted,
		},
		Limits: auth.Limits{
			Register: ratelimit.Policy{Max: cfg.RateRegisterMax, Window: cfg.RateRegisterWindow},
			Login:    ratelimit.Policy{Max: cfg.RateLoginMax, Window: cfg.RateLoginWindow},
			Password: ratelimit.Policy{Max: cfg.RatePasswordMax, Window: cfg.RatePasswordWindow},
			Theme:    ratelimit.Policy{Max: cfg.RateThemeMax, Window: cfg.RateThemeWindow},
		},
		Metrics: auth.NewMetrics(reg),
		Version: version,
	}
	if cfg.CaptchaSecret != "" {
		h.CV = captcha.NewTurnstileVerifier(cfg.CaptchaSecret, "")
		h.CaptchaCP = auth.CaptchaPolicies{Register: cfg.CaptchaRegister, Login: cfg.CaptchaLogin}
		slog.Info("captcha enabled", "register", cfg.CaptchaRegister, "login", cfg.CaptchaLogin)
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:           buildRouter(h, reg, cfg.CORSOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("oc-gamma listening", "addr", ln.Addr().String(), "environment", cfg.Environment)
		// Error only if server stops for a reason other than explicit shutdown.
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return limiter.Run(gctx, cfg.RateSweepInterval)
	})

	// Graceful shutdown once ctx is cancelled or the server fails.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		// Stops accepting new conns, then waits for in-flight requests.
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		slog.Info("server stopped")
		return nil
	})

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	return g.Wait()
}

// buildRouter wires all routes and middleware.
// Called from run() and from the smoke tests.
func buildRouter(h *auth.AuthHandler, gatherer prometheus.Gatherer, origins []string) http.Handler {
	r := chi.NewRouter()
	// No middleware.RealIP: client identity for rate limiting comes from
	// auth.ClientKeyExtractor, which only honors proxy headers when configured.
	r.Use(auth.CorrelationID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", auth.CorrelationHeader},
		ExposedHeaders:   []string{auth.CorrelationHeader, "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.CheckHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		// Authentication required routes; the principal is passed to each handler.
		r.Post("/logout", h.Authenticated(h.Logout))
		r.Get("/me", h.Authenticated(h.Me))
		r.Put("/me", h.Authenticated(h.UpdateMe))
		r.Put("/me/secret", h.Authenticated(h.ChangePassword))
		r.Put("/me/password", h.Authenticated(h.ChangePassword))
		r.Patch("/me/theme", h.Authenticated(h.UpdateTheme))
	})

	return r
}
