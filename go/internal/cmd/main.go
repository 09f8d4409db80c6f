package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/slipserver/go/internal/config"
	"github.com/mcdev12/slipserver/go/internal/logging"
	"github.com/mcdev12/slipserver/go/internal/match"
)

func main() {
	// Load .env file if it exists
	envErr := godotenv.Load()

	cfg := config.NewServerFromEnv()

	closer, err := logging.Setup(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		log.Warn().Err(err).Str("file", cfg.LogFile).Msg("could not open log file, logging to console only")
	}
	defer closer.Close()
	if envErr != nil {
		log.Warn().Err(envErr).Msg("could not load .env file")
	}

	matchCfg, err := match.Load(cfg.MatchFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", cfg.MatchFile).Msg("failed to load match")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := setupServices(ctx, cfg, matchCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up services")
	}
	defer services.Close()

	log.Info().
		Int("session", matchCfg.Session).
		Int("rounds", matchCfg.Rounds).
		Int("groups", len(matchCfg.Groups)).
		Str("ledger", cfg.LedgerFile).
		Str("aggregator", cfg.AggregatorAddr).
		Bool("feed", cfg.NATSURL != "").
		Msg("starting slip server")

	server := setupServer(cfg, services)

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	cancel()

	log.Info().Msg("slip server shutdown complete")
}
