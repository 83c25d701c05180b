// Package server exposes the workflow engine and analytics as a JSON API.
package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vespl/caseflow/internal/analytics"
	"github.com/vespl/caseflow/internal/events"
	"github.com/vespl/caseflow/internal/logger"
	"github.com/vespl/caseflow/internal/workflow"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Engine     *workflow.Engine
	Aggregator *analytics.Aggregator // serves windowed reports
	Analytics  *analytics.Refresher  // serves the cached report
	Hub        *events.Hub
	Logger     *logger.Logger
	Port       int
	Out        io.Writer
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Engine == nil {
		return fmt.Errorf("server: engine is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	gin.SetMode(gin.ReleaseMode)
	router := NewRouter(opts)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "caseflow API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// NewRouter builds the gin router with every route registered.
func NewRouter(opts StartOpts) *gin.Engine {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(log))

	h := &handlers{
		eng:       opts.Engine,
		agg:       opts.Aggregator,
		analytics: opts.Analytics,
		hub:       opts.Hub,
		log:       log,
	}
	registerRoutes(router, h)
	return router
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		fields := []interface{}{
			"method", strings.ToUpper(c.Request.Method),
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		switch {
		case status >= 500:
			log.Error("HTTP request", fields...)
		case status >= 400:
			log.Warn("HTTP request", fields...)
		default:
			log.Debug("HTTP request", fields...)
		}
	}
}
