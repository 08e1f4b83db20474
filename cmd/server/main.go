package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Guizzs26/event_sourced_voting_system/internal/config"
	"github.com/Guizzs26/event_sourced_voting_system/internal/event"
	"github.com/Guizzs26/event_sourced_voting_system/internal/httpapi"
	"github.com/Guizzs26/event_sourced_voting_system/internal/manager"
	"github.com/Guizzs26/event_sourced_voting_system/internal/metrics"
	"github.com/Guizzs26/event_sourced_voting_system/internal/platform/database"
	"github.com/Guizzs26/event_sourced_voting_system/internal/platform/logger"
	"github.com/Guizzs26/event_sourced_voting_system/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("server terminated")
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	journal, snaps, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	mt := metrics.New(prometheus.DefaultRegisterer, "votings")

	opts := []manager.Option{manager.WithLogger(log), manager.WithMetrics(mt)}

	var relay *event.Relay
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := event.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		defer kp.Close()
		relay = event.NewRelay(kp, 4096, log, mt)
		opts = append(opts, manager.WithFeed(relay))
		log.Info("publishing voting events", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	mgr, err := manager.New(journal, snaps, manager.Config{
		Partitions:       cfg.Partitions,
		IdleTimeout:      cfg.IdleTimeout,
		EvictionInterval: cfg.EvictionInterval,
		CommandTimeout:   cfg.CommandTimeout,
		SnapshotEvery:    cfg.SnapshotEvery,
		WriteTimeout:     cfg.WriteTimeout,
	}, opts...)
	if err != nil {
		return err
	}
	mgr.Start(ctx)

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewRouter(mgr, httpapi.Options{
			Logger:    log,
			Metrics:   promhttp.Handler(),
			VoteRate:  rate.Limit(cfg.VoteRateLimit),
			VoteBurst: cfg.VoteRateBurst,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	relayCtx, stopRelay := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRelay()

	g, gctx := errgroup.WithContext(ctx)

	if relay != nil {
		g.Go(func() error { return relay.Run(relayCtx) })
	}

	g.Go(func() error {
		log.Info("http server listening", "addr", cfg.HTTPAddr, "journal", cfg.JournalDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// stop taking requests, then flush handlers, then the feed
		err := srv.Shutdown(shutdownCtx)
		err = errors.Join(err, mgr.Shutdown(shutdownCtx))
		stopRelay()
		return err
	})

	return g.Wait()
}

// openStores picks the journal from JOURNAL_DRIVER. Snapshots go to Redis
// when REDIS_URL is set, otherwise next to the journal.
func openStores(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Journal, store.SnapshotStore, func(), error) {
	var (
		journal store.Journal
		snaps   store.SnapshotStore
		closers []func() error
	)

	switch cfg.JournalDriver {
	case "memory":
		mem := store.NewMemoryStore()
		journal, snaps = mem, mem
		log.Warn("using the in-memory journal, state will not survive a restart")

	case "postgres", "sqlite":
		dialect, err := store.DialectFor(cfg.JournalDriver)
		if err != nil {
			return nil, nil, nil, err
		}
		db, err := openDB(ctx, cfg, log)
		if err != nil {
			return nil, nil, nil, err
		}
		sqlStore := store.NewSQLStore(db, dialect)
		if err := sqlStore.Migrate(ctx); err != nil {
			_ = sqlStore.Close()
			return nil, nil, nil, err
		}
		journal, snaps = sqlStore, sqlStore
		closers = append(closers, sqlStore.Close)
	}

	if cfg.RedisURL != "" {
		rs, err := store.NewRedisSnapshotStore(ctx, cfg.RedisURL)
		if err != nil {
			for _, c := range closers {
				_ = c()
			}
			return nil, nil, nil, err
		}
		snaps = rs
		closers = append(closers, rs.Close)
		log.Info("snapshots stored in redis")
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Error("error closing store", "error", err)
			}
		}
	}
	return journal, snaps, closeAll, nil
}

func openDB(ctx context.Context, cfg config.Config, log *slog.Logger) (*sql.DB, error) {
	if cfg.JournalDriver == "postgres" {
		return database.OpenPostgres(ctx, cfg.DatabaseURL, log)
	}
	return database.OpenSQLite(ctx, cfg.SQLitePath, log)
}
