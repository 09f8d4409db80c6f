package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/slipserver/go/internal/aggregator"
	"github.com/mcdev12/slipserver/go/internal/aggregator/gateway"
	"github.com/mcdev12/slipserver/go/internal/config"
	"github.com/mcdev12/slipserver/go/internal/logging"
	"github.com/mcdev12/slipserver/go/internal/match"
)

func main() {
	// Load .env file if it exists
	envErr := godotenv.Load()

	cfg := config.NewAggregatorFromEnv()

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

	log.Info().
		Int("session", matchCfg.Session).
		Str("listen", cfg.Listen).
		Str("port", cfg.HTTPPort).
		Msg("starting aggregator")

	// Late-bound so the board and the hub can refer to each other.
	var board *aggregator.Board
	hub := gateway.NewHub(gateway.DefaultConnectionConfig(), snapshotFunc(func() aggregator.Snapshot {
		return board.Snapshot()
	}))
	board = aggregator.NewBoard(matchCfg, clockwork.NewRealClock(), hub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go hub.Start(ctx)

	relayServer := aggregator.NewServer(board, cfg.Timeout)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if err := relayServer.ListenAndServe(ctx, cfg.Listen); err != nil {
			log.Fatal().Err(err).Msg("relay listener failed")
		}
	}()

	mux := http.NewServeMux()
	gateway.NewHandler(hub, board).RegisterRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{http.MethodHead, http.MethodGet},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:     c.Handler(mux),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

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
	<-relayDone

	log.Info().Msg("aggregator shutdown complete")
}

type snapshotFunc func() aggregator.Snapshot

func (f snapshotFunc) Snapshot() aggregator.Snapshot { return f() }
