// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/unclebandit/reelcast-backend/internal/app"
	"github.com/unclebandit/reelcast-backend/internal/config"
	"github.com/unclebandit/reelcast-backend/internal/logging"
)

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

	pipelineDone := make(chan error, 1)
	if cfg.EmbeddedPipeline {
		go func() { pipelineDone <- a.RunPipeline(ctx) }()
	} else {
		close(pipelineDone)
		if cfg.AMQPURL == "" {
			log.Warn().Msg("no broker and no embedded pipeline: run/trigger jobs will not be consumed")
		}
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Bool("embedded_pipeline", cfg.EmbeddedPipeline).Msg("server running")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := <-pipelineDone; err != nil {
		log.Warn().Err(err).Msg("pipeline stopped with error")
	}
}
