package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/josernestodavila/the-eye/config"
	"github.com/josernestodavila/the-eye/internal/api/handlers"
	"github.com/josernestodavila/the-eye/internal/api/middleware"
	"github.com/josernestodavila/the-eye/internal/cache"
	"github.com/josernestodavila/the-eye/internal/messaging"
	"github.com/josernestodavila/the-eye/internal/metrics"
	"github.com/josernestodavila/the-eye/internal/repositories"
	"github.com/josernestodavila/the-eye/internal/services"
	"github.com/josernestodavila/the-eye/internal/tracing"
)

// Server represents the HTTP server
type Server struct {
	config     config.Config
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a new HTTP server
func NewServer(
	cfg config.Config,
	eventService *services.EventService,
	publisher messaging.Publisher,
	apps *repositories.ApplicationRepository,
	tokenCache *cache.RedisCache,
	collector *metrics.Metrics,
	tracer tracing.Tracer,
) *Server {
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger())

	if app := tracer.Application(); app != nil {
		router.Use(nrgin.Middleware(app))
	}

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	metricsHandler := handlers.NewMetricsHandler(collector)
	metricsHandler.RegisterRoutes(router)

	// Event endpoints require an authenticated application
	eventsHandler := handlers.NewEventsHandler(eventService, publisher, collector, tracer, cfg.ServiceBus.EnqueueTimeout)
	authenticated := router.Group("/", middleware.TokenAuth(apps, tokenCache))
	eventsHandler.RegisterRoutes(authenticated)

	httpServer := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      router,
		ReadTimeout:  cfg.ServerTimeout,
		WriteTimeout: cfg.ServerTimeout,
	}

	return &Server{
		config:     cfg,
		router:     router,
		httpServer: httpServer,
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	return nil
}
