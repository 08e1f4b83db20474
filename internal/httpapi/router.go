// Package httpapi exposes the voting operations over HTTP.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/Guizzs26/event_sourced_voting_system/internal/model"
)

// VotingService is the part of the manager the API needs.
type VotingService interface {
	CreateVoting(ctx context.Context, itemAID, itemBID string, maxVotes int) (string, error)
	CastVote(ctx context.Context, votingID, itemID, userID string) (int, error)
	GetResult(ctx context.Context, votingID string) (model.VotingResult, error)
}

type Options struct {
	Logger *slog.Logger
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	// VoteRate limits votes per client address; zero disables the limit.
	VoteRate  rate.Limit
	VoteBurst int
}

func NewRouter(svc VotingService, opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	h := &handlers{svc: svc, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}

	r.Route("/votings", func(r chi.Router) {
		r.Post("/", h.createVoting)
		r.Get("/{votingID}", h.getResult)

		vote := http.Handler(http.HandlerFunc(h.castVote))
		if opts.VoteRate > 0 {
			vote = newClientLimiter(opts.VoteRate, opts.VoteBurst).middleware(vote)
		}
		r.Method(http.MethodPost, "/{votingID}/votes", vote)
	})

	return r
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			log.LogAttrs(r.Context(), levelFor(ww.Status()), "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
