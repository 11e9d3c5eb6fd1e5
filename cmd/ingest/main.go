// Command ingest runs one end-to-end ingestion pass over the configured
// Telegram channels and prints the run summary as JSON.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/medatlas/telegram-ingest/internal/backoff"
	"github.com/medatlas/telegram-ingest/internal/config"
	"github.com/medatlas/telegram-ingest/internal/database"
	"github.com/medatlas/telegram-ingest/internal/enrich"
	"github.com/medatlas/telegram-ingest/internal/loader"
	"github.com/medatlas/telegram-ingest/internal/logger"
	"github.com/medatlas/telegram-ingest/internal/migrator"
	"github.com/medatlas/telegram-ingest/internal/pipeline"
	"github.com/medatlas/telegram-ingest/internal/publisher"
	"github.com/medatlas/telegram-ingest/internal/report"
	"github.com/medatlas/telegram-ingest/internal/repository"
	"github.com/medatlas/telegram-ingest/internal/scraper"
	"github.com/medatlas/telegram-ingest/internal/telegram"
	"github.com/medatlas/telegram-ingest/migrations"
	"github.com/nats-io/nats.go"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	if err := logger.Init(cfg.LogLevel, cfg.LogFile); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	log := logger.Get()
	log.Info().Msg("starting telegram ingestion run")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("received shutdown signal")
		cancel()
	}()

	targets, err := config.LoadChannels(cfg.ChannelsFile, cfg.MessageLimit)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load channel targets")
	}

	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	mig, err := migrator.NewWithFS(migrations.FS)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init migrator")
	}
	if err := mig.Up(cfg.DatabaseURL); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	if cfg.TGApiID == 0 || cfg.TGApiHash == "" {
		log.Fatal().Msg("TG_API_ID and TG_API_HASH are required")
	}

	proto, err := telegram.NewPersistentClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create telegram client")
	}
	defer proto.Stop()

	tgClient := telegram.NewClient(proto.API())

	ctrl := backoff.New(backoff.Config{
		RPS:        cfg.RateRPS,
		Base:       cfg.BackoffBase,
		Ceiling:    cfg.BackoffCeiling,
		MaxRetries: cfg.MaxRetries,
	})

	mediaDir := ""
	if cfg.DownloadMedia {
		mediaDir = cfg.MediaDir
	}

	messagesRepo := repository.NewMessagesRepository(db.Pool)

	// publishing is best-effort: an unreachable broker downgrades to a warning
	var pub *publisher.Publisher
	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to nats, events disabled")
		} else {
			defer nc.Close()
			pub = publisher.New(nc)
		}
	}

	ld := loader.New(messagesRepo)
	if pub != nil {
		ld = loader.NewWithEvents(messagesRepo, pub)
	}

	var enricher *enrich.Enricher
	if cfg.DetectorCmd != "" {
		if mediaDir == "" {
			log.Warn().Msg("DETECTOR_CMD set but media download disabled, enrichment will see no images")
		}
		detector, err := enrich.NewCommandDetector(cfg.DetectorCmd)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid detector command")
		}
		enricher = enrich.New(detector, repository.NewDetectionsRepository(db.Pool))
		log.Info().Str("detector", cfg.DetectorCmd).Msg("enrichment enabled")
	}

	pipe := pipeline.New(
		scraper.New(tgClient, ctrl, mediaDir),
		ld,
		messagesRepo,
	)

	summary, err := pipe.Run(ctx, pipeline.Options{
		Targets:           targets,
		Concurrency:       cfg.Concurrency,
		StageDir:          cfg.StageDir,
		InterChannelPause: cfg.InterChannelPause,
		Enricher:          enricher,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("run failed to start")
	}

	if pub != nil {
		if err := pub.PublishRunSummary(summary); err != nil {
			log.Warn().Err(err).Msg("failed to publish run summary")
		}
	}

	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))

	if summary.Status == report.StatusFailed {
		os.Exit(1)
	}
}
