// Package server implements the HTTP surface of the serve command: a gin
// engine built from a declared route table, request logging and metrics, a
// panic boundary, and graceful shutdown bounded by the configured grace.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dorcha-inc/burrow/internal/metrics"
	"github.com/dorcha-inc/burrow/internal/runtime"
)

const readHeaderTimeout = 10 * time.Second

// Options customizes the server.
type Options struct {
	// AppEntry, when set, answers every request no route matched by calling
	// this entry point.
	AppEntry string
}

// Server serves one route table over the runtime it was built with.
type Server struct {
	rt     *runtime.Runtime
	engine *gin.Engine
	grace  time.Duration

	stopStreams context.CancelFunc
}

// New validates the route table and binds it. No listener is opened.
func New(rt *runtime.Runtime, router *Router, opts Options) (*Server, error) {
	s := rt.Settings()

	var reserved []string
	if s.Metrics {
		reserved = append(reserved, MetricsPath)
	}
	if err := router.Validate(reserved...); err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	streamCtx, stopStreams := context.WithCancel(context.Background())
	engine.Use(requestLogger(rt.Clock()), recovery(s.ExposeTracebacks), streams(streamCtx))

	for _, route := range router.Routes() {
		engine.Handle(route.Method, route.Path, route.Handler(rt))
	}

	if s.Metrics {
		metrics.RegisterMetrics()
		engine.GET(MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	if opts.AppEntry != "" {
		engine.NoRoute(AppHandler(opts.AppEntry)(rt))
	}

	return &Server{
		rt:          rt,
		engine:      engine,
		grace:       s.ShutdownGrace,
		stopStreams: stopStreams,
	}, nil
}

// Handler returns the bound engine.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done. It then stops accepting,
// cancels long-lived streams and waits up to the shutdown grace for in-flight
// requests before closing the remaining connections.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	// hijacked connections are not tracked by Shutdown
	server.RegisterOnShutdown(s.stopStreams)

	zap.L().Info("Server listening", zap.String("address", ln.Addr().String()))

	served := make(chan error, 1)
	go func() {
		served <- server.Serve(ln)
	}()

	select {
	case err := <-served:
		s.stopStreams()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	zap.L().Info("Server shutting down", zap.Duration("grace", s.grace))

	shutdownCtx, cancel := clockwork.WithTimeout(context.Background(), s.rt.Clock(), s.grace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("In-flight requests did not finish before the grace period, closing connections",
			zap.Error(err))
		if closeErr := server.Close(); closeErr != nil {
			zap.L().Error("Server close error", zap.Error(closeErr))
		}
	}

	if err := <-served; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	zap.L().Info("Server stopped")
	return nil
}
