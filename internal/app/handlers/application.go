package handlers

import (
	"net/http"
	"time"

	"github.com/relaygate/circuit/internal/adapter/breaker"
	"github.com/relaygate/circuit/internal/adapter/metrics"
	"github.com/relaygate/circuit/internal/adapter/retry"
	"github.com/relaygate/circuit/internal/clock"
	"github.com/relaygate/circuit/internal/config"
	"github.com/relaygate/circuit/internal/core/ports"
	"github.com/relaygate/circuit/internal/logger"
	"github.com/relaygate/circuit/internal/pricing"
	"github.com/relaygate/circuit/internal/quota"
	"github.com/relaygate/circuit/internal/tokenize"
)

// Application holds all the dependencies needed for the HTTP handlers
type Application struct {
	Config   *config.Config
	logger   *logger.StyledLogger
	clock    clock.Clock
	limiter  ports.RateLimiter
	breaker  *breaker.Breaker
	retries  *retry.Engine
	quota    *quota.Enforcer
	metrics  *metrics.Registry
	store    ports.AuditStore
	counter  *tokenize.Counter
	prices   *pricing.Table
	primary  ports.ChatProvider
	fallback ports.ChatProvider

	server    *http.Server
	errCh     chan error
	StartTime time.Time
}

// Dependencies bundles the collaborators the handlers compose per request.
type Dependencies struct {
	Config   *config.Config
	Logger   *logger.StyledLogger
	Clock    clock.Clock
	Limiter  ports.RateLimiter
	Breaker  *breaker.Breaker
	Retries  *retry.Engine
	Quota    *quota.Enforcer
	Metrics  *metrics.Registry
	Store    ports.AuditStore
	Counter  *tokenize.Counter
	Prices   *pricing.Table
	Primary  ports.ChatProvider
	Fallback ports.ChatProvider
}

// NewApplication creates a new Application instance with all required dependencies
func NewApplication(deps Dependencies) *Application {
	server := &http.Server{
		Addr:         deps.Config.Server.GetAddress(),
		ReadTimeout:  deps.Config.Server.ReadTimeout,
		WriteTimeout: deps.Config.Server.WriteTimeout,
		IdleTimeout:  deps.Config.Server.IdleTimeout,
	}

	return &Application{
		Config:    deps.Config,
		logger:    deps.Logger,
		clock:     deps.Clock,
		limiter:   deps.Limiter,
		breaker:   deps.Breaker,
		retries:   deps.Retries,
		quota:     deps.Quota,
		metrics:   deps.Metrics,
		store:     deps.Store,
		counter:   deps.Counter,
		prices:    deps.Prices,
		primary:   deps.Primary,
		fallback:  deps.Fallback,
		server:    server,
		errCh:     make(chan error, 1),
		StartTime: time.Now(),
	}
}

// GetServer returns the HTTP server instance
func (a *Application) GetServer() *http.Server {
	return a.server
}

// Errors surfaces fatal server errors to the application lifecycle.
func (a *Application) Errors() <-chan error {
	return a.errCh
}
