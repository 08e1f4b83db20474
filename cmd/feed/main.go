package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/Guizzs26/event_sourced_voting_system/internal/config"
	"github.com/Guizzs26/event_sourced_voting_system/internal/event"
	"github.com/Guizzs26/event_sourced_voting_system/internal/metrics"
	"github.com/Guizzs26/event_sourced_voting_system/internal/platform/logger"
	"github.com/Guizzs26/event_sourced_voting_system/internal/processing"
	"github.com/Guizzs26/event_sourced_voting_system/internal/pubsub"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	if len(cfg.KafkaBrokers) == 0 {
		log.Error("KAFKA_BROKERS is required for the result feed")
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("feed stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("feed terminated")
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting result feed", "topic", cfg.KafkaTopic, "group_id", cfg.KafkaGroupID)

	consumer, err := event.NewKafkaConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID)
	if err != nil {
		return fmt.Errorf("error creating kafka consumer: %w", err)
	}
	defer consumer.Close()

	hub := pubsub.NewHub(log)
	projector := processing.NewResultProjector(consumer, hub,
		metrics.NewFeedMetrics(prometheus.DefaultRegisterer, "votings", "feed"), log)

	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/votings/{votingID}", func(w http.ResponseWriter, req *http.Request) {
		votingID := chi.URLParam(req, "votingID")
		conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			log.Warn("websocket upgrade failed", "voting_id", votingID, "error", err)
			return
		}
		initial, _ := projector.Current(votingID)
		hub.Attach(ctx, conn, votingID, initial)
	})

	srv := &http.Server{Addr: cfg.FeedAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return projector.Run(gctx) })
	g.Go(func() error {
		log.Info("websocket feed listening", "addr", cfg.FeedAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("feed server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, stopping the feed")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
