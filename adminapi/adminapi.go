// Package adminapi exposes the operational HTTP surface: health, manual
// scrape triggers, and dead-letter inspection/replay. It deliberately does
// not serve catalog data; the catalog is read directly from its database.
package adminapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/pricewatch/scheduler"
	"github.com/hazyhaar/pricewatch/source"
)

// Queue is the slice of the scheduler the API drives.
type Queue interface {
	Enqueue(src string, op source.Op, query, nativeID string) (string, error)
	DeadLetters(ctx context.Context, limit int) ([]scheduler.DeadLetter, error)
	Replay(ctx context.Context, id string) (string, error)
	QueueDepth() int
}

// Server is the admin HTTP server.
type Server struct {
	queue Queue
	log   *slog.Logger
	http  *http.Server
}

// New creates a Server listening on addr.
func New(addr string, queue Queue, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{queue: queue, log: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Route("/api", func(r chi.Router) {
		r.Post("/scrape", s.handleScrape)
		r.Get("/deadletters", s.handleDeadLetters)
		r.Post("/deadletters/{id}/replay", s.handleReplay)
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	s.log.Info("adminapi: listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"queue_depth": s.queue.QueueDepth(),
	})
}

type scrapeRequest struct {
	Source   string `json:"source"`
	Op       string `json:"op"`
	Query    string `json:"query"`
	NativeID string `json:"native_id"`
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	op := source.Op(req.Op)
	switch op {
	case source.OpSearch, source.OpDeals:
		if req.Query == "" {
			writeError(w, http.StatusBadRequest, "query is required for "+req.Op)
			return
		}
	case source.OpDetail:
		if req.NativeID == "" {
			writeError(w, http.StatusBadRequest, "native_id is required for detail")
			return
		}
	default:
		writeError(w, http.StatusBadRequest, "unknown op: "+req.Op)
		return
	}

	id, err := s.queue.Enqueue(req.Source, op, req.Query, req.NativeID)
	switch {
	case errors.Is(err, scheduler.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
	}
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	letters, err := s.queue.DeadLetters(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if letters == nil {
		letters = []scheduler.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, letters)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	newID, err := s.queue.Replay(r.Context(), id)
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"task_id": newID})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
