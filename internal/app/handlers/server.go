package handlers

import (
	"errors"
	"net/http"

	"github.com/docker/go-units"

	"github.com/relaygate/circuit/internal/app/middleware"
)

// StartWebServer wires the routes and middleware chain and starts serving.
func (a *Application) StartWebServer() {
	configServer := a.Config.Server

	a.logger.Info("Starting Circuit Gateway...", "host", configServer.Host, "port", configServer.Port,
		"read_timeout", configServer.ReadTimeout, "write_timeout", configServer.WriteTimeout)

	if configServer.WriteTimeout > 0 {
		a.logger.Warn("Write timeout is set, this may break long-running streams. (default: 0s)",
			"write_timeout", configServer.WriteTimeout)
	}

	if configServer.MaxBodySize > 0 {
		a.logger.Info("Request size limit enabled",
			"max_body_size", units.HumanSize(float64(configServer.MaxBodySize)))
	}

	a.server.Handler = a.buildHandler()

	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server error", "error", err)
			a.errCh <- err
		}
	}()

	a.logger.Info("Started Circuit Gateway", "bind", a.server.Addr)
}

func (a *Application) buildHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.healthHandler)
	mux.HandleFunc("GET /metrics", a.metricsHandler)
	mux.HandleFunc("GET /metrics/prometheus", a.prometheusHandler)

	// Only the chat route is authenticated and latency-observed; probes
	// would drown the histogram.
	chat := http.Handler(http.HandlerFunc(a.chatHandler))
	chat = middleware.ObserveLatency(a.metrics)(chat)
	chat = middleware.Auth(a.Config.Auth.Keys(), a.metrics)(chat)
	mux.Handle("POST /v1/chat/completions", chat)

	var handler http.Handler = mux
	if a.Config.Server.RequestLogging {
		handler = middleware.Logging()(handler)
	}
	handler = middleware.RequestID(a.logger.GetUnderlying())(handler)

	return handler
}
