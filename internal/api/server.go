// Package api exposes the ledger over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/assetledger/config"
	"example.com/backstage/services/assetledger/internal/eventstore"
	"example.com/backstage/services/assetledger/internal/integrity"
	"example.com/backstage/services/assetledger/internal/signing"
)

// Auditor verifies one asset's stored chain on demand.
type Auditor interface {
	VerifyAsset(ctx context.Context, assetID string) (integrity.Result, error)
}

// Dependencies are the collaborators the handlers call into.
type Dependencies struct {
	Store    eventstore.Store
	Auditor  Auditor
	Keys     signing.KeyService
	NewRelic *newrelic.Application
}

// Server is the HTTP server for the API
type Server struct {
	cfg        config.Config
	router     *gin.Engine
	httpServer *http.Server
	deps       Dependencies
	limiter    *RateLimiter
}

// NewServer creates a new API server
func NewServer(cfg config.Config, deps Dependencies) *Server {
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &Server{
		cfg:     cfg,
		router:  gin.New(),
		deps:    deps,
		limiter: NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
	server.setupMiddleware()
	server.setupRoutes()
	return server
}

// Router exposes the handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(RequestIDMiddleware())
	if s.cfg.CorsEnabled {
		s.router.Use(CORSMiddleware(s.cfg.CorsOrigins))
	}
	s.router.Use(gin.Recovery())
	if s.deps.NewRelic != nil {
		s.router.Use(nrgin.Middleware(s.deps.NewRelic))
	}
	s.router.Use(MetricsMiddleware())
	s.router.Use(LoggingMiddleware())
	s.router.NoRoute(func(c *gin.Context) { WriteError(c, ErrRouteNotFound) })
}

func (s *Server) setupRoutes() {
	s.router.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	s.router.GET("/metrics", s.getMetrics)

	v1 := s.router.Group("/v1")
	v1.GET("/emitters/:emitter_id/public-key", s.getPublicKey)

	assets := v1.Group("/assets/:asset_id", IdentityMiddleware(), s.limiter.Middleware())
	{
		assets.POST("/events", s.appendEvent)
		assets.GET("/events", s.listEvents)
		assets.GET("/projection", s.getProjection)
		assets.GET("/tip", s.getTip)
		assets.GET("/verify", s.verifyAsset)
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.cfg.HTTPServerAddress,
		Handler:      s.router,
		ReadTimeout:  s.cfg.HTTPServerTimeout,
		WriteTimeout: s.cfg.HTTPServerTimeout,
	}

	log.Info().Msgf("HTTP server starting on %s", s.cfg.HTTPServerAddress)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
