package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"funding-rate-alerts/internal/metrics"
	"funding-rate-alerts/internal/query"
	"funding-rate-alerts/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// Pinger reports backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configure the server.
type Options struct {
	Addr  string
	Quote string
}

// Server exposes the query surface and metrics over HTTP.
type Server struct {
	router    *gin.Engine
	opts      Options
	responder *query.Responder
	pinger    Pinger
	alerts    storage.AlertStore
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewServer wires the routes. pinger and alerts may be nil.
func NewServer(opts Options, responder *query.Responder, pinger Pinger, alerts storage.AlertStore, m *metrics.Metrics, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	if opts.Quote == "" {
		opts.Quote = "USDT"
	}

	s := &Server{
		router:    gin.New(),
		opts:      opts,
		responder: responder,
		pinger:    pinger,
		alerts:    alerts,
		metrics:   m,
		logger:    logger.With().Str("component", "http").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(requestLogger(s.logger))
	s.router.Use(s.metrics.Middleware())

	s.router.GET("/healthz", s.health)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/funding", s.top)
		v1.GET("/funding/:symbol", s.current)
		v1.GET("/funding/:symbol/history", s.dayHistory)
		v1.GET("/alerts", s.recentAlerts)
		v1.GET("/status", s.status)
	}
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(started)).
			Msg("request served")
	}
}
