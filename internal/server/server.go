// Package server exposes the relay over HTTP: the websocket endpoint plus
// health, channel and metrics routes.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"

	"rtsp-relay-server/internal/gateway"
	"rtsp-relay-server/internal/metrics"
)

type Server struct {
	gateway *gateway.Gateway
	ws      http.Handler
	metrics *metrics.Metrics
	clock   clockwork.Clock
	log     *slog.Logger

	engine *gin.Engine
	http   *http.Server
}

type Options struct {
	Addr    string
	Metrics *metrics.Metrics
	Clock   clockwork.Clock
	Logger  *slog.Logger
}

// New builds the router. ws serves the websocket upgrade on "/".
func New(gw *gateway.Gateway, ws http.Handler, opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		gateway: gw,
		ws:      ws,
		metrics: opts.Metrics,
		clock:   opts.Clock,
		log:     opts.Logger.With("component", "http"),
	}
	s.engine = s.routes()
	s.http = &http.Server{
		Addr:    opts.Addr,
		Handler: s.engine,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info("Relay server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests. Hijacked websocket connections are not
// touched; the gateway closes those.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
