// Package api exposes the crawler's status endpoints: health, Prometheus
// metrics, queue statistics and single-item lookup.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/newscrawler/internal/crawler"
	"github.com/JakeFAU/newscrawler/internal/metrics"
)

// Store is the read side of the queue store used by the handlers.
type Store interface {
	StatusCounts(ctx context.Context) (map[crawler.Status]int, error)
	Get(ctx context.Context, id string) (crawler.WorkItem, error)
}

// Server wires HTTP handlers to the queue store.
type Server struct {
	router chi.Router
	store  Store
	logger *zap.Logger
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Counts map[crawler.Status]int `json:"counts"`
	Total  int                    `json:"total"`
}

// ItemResponse is the body of GET /v1/items.
type ItemResponse struct {
	URL        string     `json:"url"`
	Category   string     `json:"category"`
	PublishKey *string    `json:"publish_key"`
	Status     string     `json:"status"`
	RetryCount int        `json:"retry_count"`
	LastError  *string    `json:"last_error"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
}

// NewServer constructs a Server with middleware and routes.
func NewServer(store Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{store: store, logger: logger}

	r := chi.NewRouter()
	r.Use(requestID, s.accessLog, s.recoverMiddleware, metrics.Middleware)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/stats", s.stats)
	r.Get("/v1/items", s.item)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown status server: %w", err)
		}
		return nil
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.StatusCounts(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.StatusCounts(r.Context())
	if err != nil {
		s.logger.Error("status counts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "status counts failed")
		return
	}
	resp := StatsResponse{Counts: make(map[crawler.Status]int, len(crawler.AllStatuses))}
	for _, st := range crawler.AllStatuses {
		resp.Counts[st] = counts[st]
		resp.Total += counts[st]
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) item(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "url query parameter is required")
		return
	}
	it, err := s.store.Get(r.Context(), url)
	switch {
	case errors.Is(err, crawler.ErrNotFound):
		writeError(w, http.StatusNotFound, "item not found")
		return
	case err != nil:
		s.logger.Error("item lookup failed", zap.String("url", url), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "item lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, ItemResponse{
		URL:        it.ID,
		Category:   it.Category,
		PublishKey: it.PublishKey,
		Status:     string(it.Status),
		RetryCount: it.RetryCount,
		LastError:  it.LastError,
		ClaimedAt:  it.ClaimedAt,
	})
}

type requestIDKey struct{}

// requestID reuses a caller-supplied X-Request-ID and otherwise mints one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		id, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", id),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error("handler panic", zap.Any("panic", rec), zap.String("path", r.URL.Path))
			writeError(w, http.StatusInternalServerError, "internal server error")
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
