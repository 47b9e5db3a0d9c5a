package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"escrownotify/internal/queue"
	"escrownotify/internal/types"
)

// QueueService is the queue surface the API exposes to operators.
type QueueService interface {
	GetQueueStats(ctx context.Context) (queue.QueueStats, error)
	GetPendingMessages(ctx context.Context, limit int) ([]*types.QueuedMessage, error)
	GetFailedMessages(ctx context.Context, page, limit int) (queue.FailedPage, error)
	RetryFailed(ctx context.Context, id string) error
}

// Server holds the HTTP router and its dependencies.
type Server struct {
	router chi.Router
	queue  QueueService
	events EventService
	logger *slog.Logger
}

// NewServer creates the HTTP surface: the operator endpoints over the queue
// and, when events is non-nil, the lifecycle event intake.
func NewServer(q QueueService, events EventService, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		router: chi.NewRouter(),
		queue:  q,
		events: events,
		logger: logger,
	}
	s.mountRoutes()
	return s
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) mountRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.RequestID)
	s.router.Use(s.requestLogger)

	s.router.Get("/health", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router.Route("/v1/queue", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/pending", s.handlePending)
		r.Get("/failed", s.handleFailed)
		r.Post("/failed/{id}/retry", s.handleRetry)
	})

	if s.events != nil {
		s.router.Route("/v1/events", s.mountEventRoutes)
	}
}

// requestLogger logs one line per request after it completes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.GetQueueStats(r.Context())
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: stats})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		Error(w, r, err)
		return
	}

	messages, err := s.queue.GetPendingMessages(r.Context(), limit)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: messages})
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		Error(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		Error(w, r, err)
		return
	}

	failed, err := s.queue.GetFailedMessages(r.Context(), page, limit)
	if err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: failed})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		Error(w, r, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"message id is required",
			nil,
		))
		return
	}

	if err := s.queue.RetryFailed(r.Context(), id); err != nil {
		Error(w, r, err)
		return
	}
	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{
		"id":     id,
		"status": string(types.StatusPending),
	}})
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, types.NewAppError(
			types.ErrCodeValidationInvalidParam,
			name+" must be an integer",
			err,
		)
	}
	return v, nil
}
