package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/unclebandit/reelcast-backend/internal/app"
	"github.com/unclebandit/reelcast-backend/internal/config"
	"github.com/unclebandit/reelcast-backend/internal/logging"
)

// The worker runs the generation and dispatch loops, the retry cron and the
// queue consumers. Any number of replicas may run; item claims keep them apart
// and the Redis lock keeps scans to one replica at a time.
func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logging.New("info", false)
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New(cfg.LogLevel, cfg.LogPretty)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start")
	}
	defer a.Close()

	log.Info().Msg("worker running, waiting for campaigns...")
	if err := a.RunPipeline(ctx); err != nil {
		log.Error().Err(err).Msg("pipeline stopped with error")
	}
	log.Info().Msg("worker stopped")
}
