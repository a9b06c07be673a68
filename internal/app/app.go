// Package app composes the gateway: configuration, stores, reliability
// primitives, providers and the HTTP surface, with a graceful lifecycle
// around them.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/relaygate/circuit/internal/adapter/breaker"
	"github.com/relaygate/circuit/internal/adapter/metrics"
	"github.com/relaygate/circuit/internal/adapter/provider"
	"github.com/relaygate/circuit/internal/adapter/ratelimit"
	"github.com/relaygate/circuit/internal/adapter/retry"
	"github.com/relaygate/circuit/internal/adapter/store/sqlite"
	"github.com/relaygate/circuit/internal/app/handlers"
	"github.com/relaygate/circuit/internal/clock"
	"github.com/relaygate/circuit/internal/config"
	"github.com/relaygate/circuit/internal/core/ports"
	"github.com/relaygate/circuit/internal/logger"
	"github.com/relaygate/circuit/internal/pricing"
	"github.com/relaygate/circuit/internal/quota"
	"github.com/relaygate/circuit/internal/tokenize"
)

// Application owns every long-lived component of the gateway.
type Application struct {
	config    *config.Config
	logger    *logger.StyledLogger
	web       *handlers.Application
	store     ports.AuditStore
	limiter   ports.RateLimiter
	redisConn *redis.Client
	inproc    *ratelimit.InProcessLimiter
}

// New loads configuration and wires every component. Nothing is listening
// yet when New returns; Start does that.
func New(styledLogger *logger.StyledLogger) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	clk := clock.System()

	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit store: %w", err)
	}

	app := &Application{
		config: cfg,
		logger: styledLogger,
		store:  store,
	}

	if err := app.buildLimiter(clk); err != nil {
		_ = store.Close()
		return nil, err
	}

	primary, fallback, err := provider.Build(cfg, clk)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to build providers: %w", err)
	}
	styledLogger.InfoWithProvider("Primary provider", primary.Name())
	styledLogger.InfoWithProvider("Fallback provider", fallback.Name())

	brk := breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.Cooldown, clk)
	retries := retry.NewEngine(retry.Config{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay,
		MaxDelay:   cfg.Retry.MaxDelay,
	}, clk)
	enforcer := quota.NewEnforcer(store, cfg.Quota.DailyUSDLimit, clk)

	app.web = handlers.NewApplication(handlers.Dependencies{
		Config:   cfg,
		Logger:   styledLogger,
		Clock:    clk,
		Limiter:  app.limiter,
		Breaker:  brk,
		Retries:  retries,
		Quota:    enforcer,
		Metrics:  metrics.NewRegistry(),
		Store:    store,
		Counter:  tokenize.NewCounter(),
		Prices:   pricing.DefaultTable(),
		Primary:  primary,
		Fallback: fallback,
	})

	return app, nil
}

// buildLimiter picks the shared-store limiter when REDIS_URL is set, the
// in-process one otherwise.
func (a *Application) buildLimiter(clk clock.Clock) error {
	cfg := a.config

	if cfg.Storage.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.redisConn = redis.NewClient(opts)
		a.limiter = ratelimit.NewRedisLimiter(a.redisConn,
			cfg.RateLimit.Capacity, cfg.RateLimit.EffectiveRefillPerSec(), clk)
		a.logger.Info("Rate limiter: shared-store token buckets", "addr", opts.Addr)
		return nil
	}

	a.inproc = ratelimit.NewInProcessLimiter(
		cfg.RateLimit.Capacity, cfg.RateLimit.EffectiveRefillPerSec(), clk)
	a.limiter = a.inproc
	a.logger.Info("Rate limiter: in-process token buckets",
		"capacity", cfg.RateLimit.Capacity,
		"refill_per_sec", cfg.RateLimit.EffectiveRefillPerSec())
	return nil
}

// Start brings the HTTP surface up and supervises it until ctx is
// cancelled or the server fails.
func (a *Application) Start(ctx context.Context) error {
	if a.redisConn != nil {
		if err := a.redisConn.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable: %w", err)
		}
	}

	a.web.StartWebServer()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case err := <-a.web.Errors():
			return err
		case <-ctx.Done():
			return nil
		}
	})
	return g.Wait()
}

// Stop shuts everything down in dependency order: listener first, then the
// background limiter, then the stores.
func (a *Application) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Server.ShutdownTimeout)
	defer cancel()

	var firstErr error
	if err := a.web.GetServer().Shutdown(shutdownCtx); err != nil {
		firstErr = fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	if a.inproc != nil {
		a.inproc.Stop()
	}
	if a.redisConn != nil {
		if err := a.redisConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// Config exposes the loaded configuration.
func (a *Application) Config() *config.Config {
	return a.config
}
