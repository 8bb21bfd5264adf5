// Package api exposes the control surface: bot lifecycle, signal
// pipeline, news overlay and license status over REST plus a WebSocket
// broadcast hub.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mm-control-plane/config"
	"mm-control-plane/internal/composite"
	"mm-control-plane/internal/license"
	"mm-control-plane/internal/metrics"
	"mm-control-plane/internal/news"
	"mm-control-plane/internal/orchestrator"
	"mm-control-plane/internal/prediction"
	"mm-control-plane/internal/store"
	"mm-control-plane/internal/strategy"
)

// CompositeRunner executes one composite graph run with the wired
// collaborators.
type CompositeRunner func(ctx context.Context, in composite.Input) composite.Result

// Server is the HTTP control surface.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        config.ServerConfig
	log        zerolog.Logger

	repo         *store.Repository
	orch         *orchestrator.Orchestrator
	predictions  *prediction.Service
	strategies   *strategy.Registry
	newsSvc      *news.Service
	licenseGate  *license.Gate
	runComposite CompositeRunner
	hub          *WSHub
}

// NewServer wires the routes. Any collaborator may be nil; its
// endpoints then answer 503.
func NewServer(
	cfg config.ServerConfig,
	repo *store.Repository,
	orch *orchestrator.Orchestrator,
	predictions *prediction.Service,
	strategies *strategy.Registry,
	newsSvc *news.Service,
	licenseGate *license.Gate,
	runComposite CompositeRunner,
	log zerolog.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins == "" || cfg.AllowedOrigins == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = strings.Split(cfg.AllowedOrigins, ",")
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:       router,
		cfg:          cfg,
		log:          log.With().Str("component", "api").Logger(),
		repo:         repo,
		orch:         orch,
		predictions:  predictions,
		strategies:   strategies,
		newsSvc:      newsSvc,
		licenseGate:  licenseGate,
		runComposite: runComposite,
		hub:          NewWSHub(log),
	}
	s.router.Use(requestID())
	s.router.Use(s.requestLogger())
	s.setupRoutes()
	return s
}

// Hub exposes the broadcast hub so main can register it as an event
// sink.
func (s *Server) Hub() *WSHub { return s.hub }

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
	s.router.GET("/ws", s.hub.handleUpgrade)

	apiGroup := s.router.Group("/api")
	{
		bots := apiGroup.Group("/bots")
		bots.POST("", s.handleCreateBot)
		bots.GET("", s.handleListBots)
		bots.GET("/:id", s.handleGetBot)
		bots.GET("/:id/runtime", s.handleGetRuntime)
		bots.POST("/:id/start", s.handleStartBot)
		bots.POST("/:id/pause", s.handlePauseBot)
		bots.POST("/:id/stop", s.handleStopBot)
		bots.POST("/:id/enqueue", s.handleEnqueueRun)

		predictions := apiGroup.Group("/predictions")
		predictions.GET("/:uniqueKey", s.handleGetPrediction)
		predictions.POST("/refresh", s.handleRefreshPrediction)

		strategies := apiGroup.Group("/strategies")
		strategies.POST("/run", s.handleRunStrategy)
		strategies.POST("/composite/run", s.handleRunComposite)

		newsGroup := apiGroup.Group("/news")
		newsGroup.GET("/events", s.handleListNewsEvents)
		newsGroup.GET("/blackout", s.handleNewsBlackout)

		apiGroup.GET("/license/:userId", s.handleLicenseStatus)
	}
}

// requestID tags every request with an X-Request-Id header, keeping an
// inbound id when the caller already set one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("requestId", id)
		c.Writer.Header().Set("X-Request-Id", id)
		c.Next()
	}
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Str("request_id", c.GetString("requestId")).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}

// Start runs the HTTP server until the context is canceled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("api server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
