package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"

	"studio/internal/infra"
)

func main() {
	var direction string
	flag.StringVar(&direction, "direction", "up", "migration direction: up, down or status")
	flag.Parse()

	_ = godotenv.Load()

	logger := infra.NewLogger(os.Getenv("APP_ENV"))
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		logger.Fatal().Msg("migrate: DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := infra.Migrate(ctx, dsn, direction, logger); err != nil {
		logger.Fatal().Err(err).Str("direction", direction).Msg("migrate: failed")
	}
}
