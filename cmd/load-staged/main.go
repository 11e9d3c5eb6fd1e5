// Command load-staged loads previously staged JSON batches into the store
// without touching Telegram. This is the recovery path after a crash between
// scrape and load: re-loading staged files is idempotent because the store's
// dedup key skips rows that already made it in.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/medatlas/telegram-ingest/internal/config"
	"github.com/medatlas/telegram-ingest/internal/database"
	"github.com/medatlas/telegram-ingest/internal/loader"
	"github.com/medatlas/telegram-ingest/internal/logger"
	"github.com/medatlas/telegram-ingest/internal/migrator"
	"github.com/medatlas/telegram-ingest/internal/repository"
	"github.com/medatlas/telegram-ingest/migrations"
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

	dir := cfg.StageDir
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}
	log.Info().Str("dir", dir).Msg("loading staged batches")

	ctx := context.Background()

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

	ld := loader.New(repository.NewMessagesRepository(db.Pool))
	outcomes, err := ld.LoadStaged(ctx, dir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to enumerate staged files")
	}

	out, _ := json.MarshalIndent(outcomes, "", "  ")
	fmt.Println(string(out))

	failed := false
	for _, o := range outcomes {
		if o.Error != "" {
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
}
