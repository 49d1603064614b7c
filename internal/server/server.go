// Package server exposes the thin HTTP surface: filing reads, the
// manual poll trigger, and the SSE event stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/yuu2811/EDINET-sub000/internal/broadcast"
	"github.com/yuu2811/EDINET-sub000/internal/edinet"
	"github.com/yuu2811/EDINET-sub000/internal/poller"
	"github.com/yuu2811/EDINET-sub000/internal/storage"
)

const defaultListLimit = 50

// Options tune the HTTP server.
type Options struct {
	Addr              string
	KeepaliveInterval time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the presentation surface over the pipeline.
type Server struct {
	opts    Options
	hub     *broadcast.Hub
	trigger *poller.Trigger
	browser storage.FilingBrowser
	stats   storage.FilingStore
	logger  zerolog.Logger
	router  chi.Router
}

// New constructs the HTTP server.
func New(opts Options, hub *broadcast.Hub, trigger *poller.Trigger, browser storage.FilingBrowser, stats storage.FilingStore, logger zerolog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = 30 * time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		opts:    opts,
		hub:     hub,
		trigger: trigger,
		browser: browser,
		stats:   stats,
		logger:  logger.With().Str("component", "server").Logger(),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then drains with a timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.opts.Addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return ctx.Err()
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/filings", s.handleListFilings)
		r.Get("/filings/{docID}", s.handleGetFiling)
		r.Get("/stats", s.handleStats)
		r.Post("/poll", s.handlePoll)
		r.Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) handleListFilings(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	filings, err := s.browser.ListRecent(r.Context(), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("list filings failed")
		s.writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, filings)
}

func (s *Server) handleGetFiling(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")

	filing, err := s.browser.GetByDocID(r.Context(), docID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "filing not found")
			return
		}
		s.logger.Error().Err(err).Str("doc_id", docID).Msg("get filing failed")
		s.writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, filing)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	date, err := requestDate(r.URL.Query().Get("date"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	stats, err := s.stats.StatsForDate(r.Context(), date)
	if err != nil {
		s.logger.Error().Err(err).Msg("stats lookup failed")
		s.writeError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	date, err := requestDate(r.URL.Query().Get("date"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	newCount, err := s.trigger.PollNow(r.Context(), date)
	if err != nil {
		var limited *poller.RateLimitError
		if errors.As(err, &limited) {
			seconds := int(limited.RetryAfter.Round(time.Second).Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":               limited.Error(),
				"retry_after_seconds": seconds,
			})
			return
		}
		s.logger.Error().Err(err).Msg("manual poll failed")
		s.writeError(w, http.StatusBadGateway, "poll failed, see server logs")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"date":        date.Format("2006-01-02"),
		"new_filings": newCount,
	})
}

// requestDate parses an optional YYYY-MM-DD parameter, defaulting to
// today in the disclosure timezone.
func requestDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().In(edinet.JST), nil
	}
	return time.ParseInLocation("2006-01-02", raw, edinet.JST)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error().Err(err).Msg("write response failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
