package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/josernestodavila/the-eye/config"
	"github.com/josernestodavila/the-eye/internal/api"
	"github.com/josernestodavila/the-eye/internal/cache"
	"github.com/josernestodavila/the-eye/internal/database"
	"github.com/josernestodavila/the-eye/internal/messaging"
	"github.com/josernestodavila/the-eye/internal/metrics"
	"github.com/josernestodavila/the-eye/internal/repositories"
	"github.com/josernestodavila/the-eye/internal/services"
	"github.com/josernestodavila/the-eye/internal/tracing"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the ingestion API server",
	Long:  `Start the HTTP API server that validates and enqueues incoming events`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	db, err := database.Connect(cfg.DB)
	if err != nil {
		return err
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		redisCache = nil
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		return err
	}

	publisher, err := messaging.NewPublisher(cfg.ServiceBus)
	if err != nil {
		return err
	}
	defer publisher.Close(context.Background())

	collector := metrics.NewMetrics()

	sessionRepo := repositories.NewSessionRepository(db, collector)
	eventRepo := repositories.NewEventRepository(db)
	appRepo := repositories.NewApplicationRepository(db)

	// The API never writes to search, only the worker does
	eventService := services.NewEventService(sessionRepo, eventRepo, nil, collector, tracer)

	server := api.NewServer(cfg, eventService, publisher, appRepo, redisCache, collector, tracer)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	<-ctx.Done()

	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}
