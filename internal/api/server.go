// Package api exposes the control surface: health and status reads,
// pause/resume controls, signal log queries, a websocket stream, and
// Prometheus metrics.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/kvasirlabs/signalflux/internal/broker"
	"github.com/kvasirlabs/signalflux/internal/config"
	"github.com/kvasirlabs/signalflux/internal/provider"
	"github.com/kvasirlabs/signalflux/internal/queue"
	"github.com/kvasirlabs/signalflux/internal/risk"
	"github.com/kvasirlabs/signalflux/internal/store"
)

// Deps carries the pipeline components the server reads from. Queue and
// Broker may be nil when the deployment runs signal-only.
type Deps struct {
	Store      store.Store
	Outcomes   store.OutcomeStore
	Registry   *provider.Registry
	Controller *risk.Controller
	Broker     broker.Broker
	Queue      queue.Queue
	Symbols    []config.SymbolConfig
	Hub        *Hub
}

// Server is the REST and websocket control surface.
type Server struct {
	cfg    config.APIConfig
	router *gin.Engine
	deps   Deps
	server *http.Server
}

// NewServer builds the server and registers all routes.
func NewServer(cfg config.APIConfig, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	s := &Server{cfg: cfg, router: router, deps: deps}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/health", s.handleHealth)
		v1.GET("/crypto/status", s.handleCryptoStatus)

		signals := v1.Group("/signals")
		{
			signals.GET("/recent", s.handleRecentSignals)
			signals.GET("/latest/:symbol", s.handleLatestSignal)
			signals.GET("/:id", s.handleGetSignal)
		}

		v1.GET("/outcomes", s.handleOutcomes)
		v1.GET("/audit", s.handleAudit)
		v1.GET("/chain/verify", s.handleVerifyChain)

		trade := v1.Group("/trade")
		{
			trade.POST("/pause", s.handlePause)
			trade.POST("/resume", s.handleResume)
		}
	}

	if s.deps.Hub != nil {
		s.router.GET("/ws", s.deps.Hub.HandleWS)
	}
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// Router returns the underlying handler, used directly by tests.
func (s *Server) Router() http.Handler { return s.router }

// Start blocks serving HTTP until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.GetAPIAddr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", s.server.Addr).Msg("Starting API server")

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	log.Info().Msg("Stopping API server")

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop server: %w", err)
		}
	}
	return nil
}

// LoggerMiddleware logs each request with latency and status.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		event := log.Info()
		if status >= 500 {
			event = log.Error()
		} else if status >= 400 {
			event = log.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", latency).
			Str("client_ip", c.ClientIP()).
			Msg("Request handled")
	}
}

func apiError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"code": code, "message": message})
}
