// Package api serves the control surface of a running search: live status,
// the best configuration so far and a cooperative stop.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/filtertune/internal/chain"
	"github.com/ajitpratap0/filtertune/internal/evaluator"
	"github.com/ajitpratap0/filtertune/internal/ratelimit"
)

// Controller is the search being served
type Controller interface {
	Status() chain.Status
	Best() chain.Best
	Stop()
}

// LimiterStats reports the admission gate state
type LimiterStats interface {
	Stats() ratelimit.Stats
}

// EvaluatorStats reports evaluation counters
type EvaluatorStats interface {
	Stats() evaluator.Stats
}

// Server represents the control API server
type Server struct {
	router     *gin.Engine
	controller Controller
	limiter    LimiterStats
	evaluator  EvaluatorStats
	stream     *Hub
	addr       string
	server     *http.Server
	startTime  time.Time
}

// Config contains server configuration
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	Controller     Controller
	Limiter        LimiterStats      // Optional
	Evaluator      EvaluatorStats    // Optional
	Stream         *Hub              // Optional live progress stream
	Middleware     []gin.HandlerFunc // Extra middleware, e.g. metrics
}

// NewServer creates a new API server
func NewServer(config Config) (*Server, error) {
	if config.Controller == nil {
		return nil, fmt.Errorf("api server requires a controller")
	}

	router := gin.New()

	// Add middleware
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	if len(config.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:  config.AllowedOrigins,
			AllowMethods:  []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
			ExposeHeaders: []string{"Content-Length"},
			MaxAge:        12 * time.Hour,
		}))
	}
	router.Use(config.Middleware...)

	server := &Server{
		router:     router,
		controller: config.Controller,
		limiter:    config.Limiter,
		evaluator:  config.Evaluator,
		stream:     config.Stream,
		addr:       fmt.Sprintf("%s:%d", config.Host, config.Port),
		startTime:  time.Now(),
	}

	// Setup routes
	server.setupRoutes()

	// Built up front so that a Stop racing ahead of Start still wins
	server.server = &http.Server{
		Addr:         server.addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server, nil
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}

	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}

	return nil
}

// LoggerMiddleware is a custom logging middleware for Gin
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		// Process request
		c.Next()

		logEvent := log.Debug().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())

		if len(c.Errors) > 0 {
			logEvent.Str("errors", c.Errors.String())
		}

		logEvent.Msg("API request")
	}
}
