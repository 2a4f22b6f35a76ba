/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package server exposes the local status API of a listening client.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_listen/internal/events"
	"github.com/friendsincode/grimnir_listen/internal/logbuffer"
	"github.com/friendsincode/grimnir_listen/internal/playout"
	"github.com/friendsincode/grimnir_listen/internal/telemetry"
)

// Controller is the playout surface the API drives. *playout.Controller
// implements it.
type Controller interface {
	Snapshot() playout.State
	SetVolume(v float64)
	ToggleMute()
	EnableAudio(ctx context.Context)
	CancelPreemption()
}

// Server bundles the router and the HTTP server.
type Server struct {
	logger     zerolog.Logger
	router     chi.Router
	httpServer *http.Server
	ctrl       Controller
	bus        *events.Bus
	logBuffer  *logbuffer.Buffer

	// baseCtx outlives requests; commands that start long-lived work use it.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// New constructs the server and wires routes.
func New(bind string, ctrl Controller, bus *events.Bus, logger zerolog.Logger) *Server {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.TracingMiddleware("grimnir-listen-status"))
	router.Use(telemetry.MetricsMiddleware)
	// Skip timeout for WebSocket connections
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(15 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		logger:  logger.With().Str("component", "status_api").Logger(),
		router:  router,
		ctrl:    ctrl,
		bus:     bus,
		baseCtx: ctx,
		cancel:  cancel,
	}
	srv.configureRoutes()

	srv.httpServer = &http.Server{
		Addr:              bind,
		Handler:           srv.router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetLogBuffer exposes buf on /api/v1/logs. Call before serving.
func (s *Server) SetLogBuffer(buf *logbuffer.Buffer) {
	s.logBuffer = buf
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("status API listening")
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe binds the configured address and serves.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Shutdown stops accepting requests and closes event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Handle("/metrics", telemetry.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Post("/volume", s.handleVolume)
		r.Post("/mute", s.handleMute)
		r.Post("/audio/enable", s.handleEnableAudio)
		r.Delete("/preemption", s.handleCancelPreemption)
		r.Get("/logs", s.handleLogs)
		r.Get("/events", s.handleEvents)
	})
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}
