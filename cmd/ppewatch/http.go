package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ppewatch/internal/config"
)

// handleHTTPServer starts the HTTP server on cfg.Addr. It shuts the server
// down when ctx is cancelled and reports listen errors on errc.
func handleHTTPServer(ctx context.Context, cfg config.ServerConfig, handler http.Handler, wg *sync.WaitGroup, errc chan error, log zerolog.Logger) {
	srv := &http.Server{Addr: cfg.Addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	for _, route := range []string{
		"GET /health",
		"GET /api/v1/incidents",
		"GET /api/v1/incidents/{id}",
		"GET /api/v1/stats",
		"POST /api/v1/auth/login",
		"GET /blobs/{*key}",
		"GET /ws/incidents",
	} {
		log.Debug().Str("route", route).Msg("HTTP route mounted")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			log.Info().Str("addr", cfg.Addr).Msg("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				select {
				case errc <- err:
				default:
				}
			}
		}()

		<-ctx.Done()
		log.Info().Str("addr", cfg.Addr).Msg("shutting down HTTP server")

		timeout := cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("failed to shutdown")
		}
	}()
}
