package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/josernestodavila/the-eye/config"
	"github.com/josernestodavila/the-eye/internal/database"
	"github.com/josernestodavila/the-eye/internal/messaging"
	"github.com/josernestodavila/the-eye/internal/metrics"
	"github.com/josernestodavila/the-eye/internal/repositories"
	"github.com/josernestodavila/the-eye/internal/search"
	"github.com/josernestodavila/the-eye/internal/services"
	"github.com/josernestodavila/the-eye/internal/tracing"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the persistence worker",
	Long:  `Start the background worker that consumes validated events from the queue and writes them to storage`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	g, ctx := errgroup.WithContext(ctx)

	db, err := database.Connect(cfg.DB)
	if err != nil {
		return err
	}

	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		return err
	}

	var indexer services.EventIndexer
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch client, continuing without search indexing")
	} else {
		indexer = elasticClient
	}

	collector := metrics.NewMetrics()

	sessionRepo := repositories.NewSessionRepository(db, collector)
	eventRepo := repositories.NewEventRepository(db)

	eventService := services.NewEventService(sessionRepo, eventRepo, indexer, collector, tracer)

	consumer, err := messaging.NewConsumer(cfg.ServiceBus, cfg.Worker, collector, tracer)
	if err != nil {
		return err
	}

	g.Go(func() error {
		log.Info().Str("queue", cfg.ServiceBus.QueueName).Msg("Starting Service Bus consumer")
		return consumer.ProcessMessages(ctx, eventService.ProcessEventMessage)
	})

	// Fallback re-index job: catches events whose best-effort index call
	// failed after the durable insert
	if indexer != nil {
		g.Go(func() error {
			scheduler, err := gocron.NewScheduler()
			if err != nil {
				return err
			}

			_, err = scheduler.NewJob(
				gocron.DurationJob(cfg.Worker.ReindexInterval),
				gocron.NewTask(func() {
					if err := eventService.ReindexRecentEvents(ctx, cfg.Worker.ReindexLookback, cfg.Worker.ReindexBatchLimit); err != nil {
						log.Error().Err(err).Msg("Failed to reindex recent events")
					}
				}),
			)
			if err != nil {
				return err
			}

			log.Info().Dur("interval", cfg.Worker.ReindexInterval).Msg("Starting reindex fallback job")
			scheduler.Start()

			<-ctx.Done()

			return scheduler.Shutdown()
		})
	}

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
