// Package main runs the auth service: email/password login, access token
// verification and refresh token exchange over HTTP.
//
// Configuration comes from the environment (or .env); see internal/config.
//
//	JWT_SECRET=... DATABASE_URL=postgres://... go run ./cmd/auth-service
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/r2r72/authcore/cmd/auth-service/handlers"
	"github.com/r2r72/authcore/internal/clock"
	"github.com/r2r72/authcore/internal/config"
	"github.com/r2r72/authcore/internal/credential"
	"github.com/r2r72/authcore/internal/metrics"
	"github.com/r2r72/authcore/internal/observability"
	"github.com/r2r72/authcore/internal/ratelimit"
	"github.com/r2r72/authcore/internal/repository/breaker"
	"github.com/r2r72/authcore/internal/repository/pg"
	"github.com/r2r72/authcore/internal/service/auth"
	"github.com/r2r72/authcore/internal/token"
)

// Compile-time checks that the adapters satisfy the orchestrator's ports.
var (
	_ auth.UserStore          = (*pg.UserRepository)(nil)
	_ auth.UserStore          = (*breaker.Store)(nil)
	_ auth.CredentialVerifier = (*credential.Hasher)(nil)
	_ auth.TokenCodec         = (*token.Codec)(nil)
	_ handlers.AuthService    = (*auth.AuthService)(nil)
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "auth-service: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL must be set")
	}

	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: "stdout",
	})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.RunMigrations {
		if err := pg.RunMigrations(cfg.DatabaseURL); err != nil {
			return err
		}
		logger.Info("migrations applied")
	}

	db, err := pg.NewDB(ctx, cfg.DatabaseURL, pg.DefaultPoolConfig())
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer db.Close()

	users := breaker.Wrap(pg.NewUserRepository(db), breaker.DefaultConfig(), logger)

	clk := clock.System{}

	limiter, closeLimiter, err := newLimiter(ctx, cfg, clk, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	hasher, err := credential.NewHasher(cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("hasher: %w", err)
	}

	codec, err := token.NewCodec(token.Config{
		Secret:     []byte(cfg.JWTSecret),
		AccessTTL:  cfg.JWTAccessTTL,
		RefreshTTL: cfg.JWTRefreshTTL,
		Clock:      clk,
	})
	if err != nil {
		return fmt.Errorf("token codec: %w", err)
	}

	trusted, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewCollector(reg)

	svc, err := auth.NewAuthService(auth.Deps{
		Users:        users,
		Verifier:     hasher,
		Tokens:       codec,
		Limiter:      limiter,
		Clock:        clk,
		Logger:       logger.Named("auth"),
		Metrics:      rec,
		StoreTimeout: cfg.StoreTimeout,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: handlers.NewRouter(handlers.Deps{
			Service:        svc,
			TrustedProxies: trusted,
			Logger:         logger.Named("http"),
			Metrics:        rec,
			MetricsHandler: metrics.Handler(reg),
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("auth service started",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("rate_limit_backend", cfg.RateLimitBackend),
			zap.Strings("trusted_proxies", cfg.TrustedProxies),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("auth service stopped")
	return nil
}

// newLimiter builds the configured rate limiter. The returned func releases
// its resources.
func newLimiter(ctx context.Context, cfg *config.Config, clk clock.Clock, logger *zap.Logger) (ratelimit.Limiter, func(), error) {
	rlCfg := ratelimit.Config{MaxAttempts: cfg.RateLimitMaxAttempts, Window: cfg.RateLimitWindow}
	log := logger.Named("ratelimit")

	switch cfg.RateLimitBackend {
	case config.RateLimitOff:
		log.Warn("login rate limiting disabled")
		return ratelimit.Noop{}, func() {}, nil

	case config.RateLimitRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis: %w", err)
		}
		l, err := ratelimit.NewRedisSlidingWindow(client, rlCfg, clk, log)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return l, func() { _ = client.Close() }, nil

	default:
		l, err := ratelimit.NewSlidingWindow(rlCfg, clk, log)
		if err != nil {
			return nil, nil, err
		}
		janitorCtx, cancel := context.WithCancel(ctx)
		go l.Run(janitorCtx, cfg.RateLimitSweepInterval)
		return l, cancel, nil
	}
}
