package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Guizzs26/event_sourced_voting_system/internal/config"
	"github.com/Guizzs26/event_sourced_voting_system/internal/platform/logger"
	"github.com/Guizzs26/event_sourced_voting_system/internal/simulation"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)

	sim := simulation.New(simulation.NewAPIClient(cfg.APIURL, nil), log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("simulator is running, press Ctrl+C to exit", "api_url", cfg.APIURL)
	if err := sim.Run(ctx); err != nil {
		log.Error("error while running simulator", "error", err)
		os.Exit(1)
	}

	log.Info("simulator terminated")
}
