package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/cfpl-crawler/internal/crawler"
	"github.com/JakeFAU/cfpl-crawler/internal/metrics"
)

// DefaultRequestTimeout bounds every request.
const DefaultRequestTimeout = 30 * time.Second

// Jobs resolves the frontier of a known job.
type Jobs interface {
	Frontier(jobID string) (crawler.Frontier, bool)
}

// Registry is a concurrency-safe Jobs implementation.
type Registry struct {
	mu        sync.RWMutex
	frontiers map[string]crawler.Frontier
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{frontiers: make(map[string]crawler.Frontier)}
}

// Register makes jobID queryable.
func (r *Registry) Register(jobID string, frontier crawler.Frontier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frontiers[jobID] = frontier
}

// Frontier implements Jobs.
func (r *Registry) Frontier(jobID string) (crawler.Frontier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.frontiers[jobID]
	return f, ok
}

// Server wires HTTP handlers to the catalog and job frontiers.
type Server struct {
	router  chi.Router
	catalog crawler.Catalog
	jobs    Jobs
	logger  *zap.Logger
}

// StatsResponse is returned by the stats route.
type StatsResponse struct {
	JobID   string               `json:"job_id"`
	Catalog crawler.CatalogStats `json:"catalog"`
	Queue   crawler.QueueStats   `json:"queue"`
}

// NewServer constructs a Server with middleware and routes.
func NewServer(catalog crawler.Catalog, jobs Jobs, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{catalog: catalog, jobs: jobs, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.InstrumentAPI)
	r.Use(timeoutMiddleware(DefaultRequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1/jobs/{job_id}", func(r chi.Router) {
		r.Use(s.requireJob)
		r.Get("/stats", s.getStats)
		r.Get("/entries", s.getEntries)
		r.Get("/entry", s.getEntry)
		r.Get("/frontier", s.getFrontier)
		r.Get("/dead", s.getDead)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type frontierKey struct{}

func (s *Server) requireJob(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "job_id")
		frontier, ok := s.jobs.Frontier(jobID)
		if !ok {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		ctx := context.WithValue(r.Context(), frontierKey{}, frontier)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func frontierFrom(r *http.Request) crawler.Frontier {
	f, _ := r.Context().Value(frontierKey{}).(crawler.Frontier)
	return f
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	catalogStats, err := s.catalog.Stats(r.Context(), jobID)
	if err != nil {
		s.internalError(w, "catalog stats", err)
		return
	}
	queueStats, err := frontierFrom(r).Stats(r.Context())
	if err != nil {
		s.internalError(w, "frontier stats", err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{JobID: jobID, Catalog: catalogStats, Queue: queueStats})
}

func (s *Server) getEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.catalog.Entries(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.internalError(w, "catalog entries", err)
		return
	}
	if entries == nil {
		entries = []crawler.CatalogEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) getEntry(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "url query parameter required")
		return
	}
	canonical, err := crawler.Canonicalize(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entry, ok, err := s.catalog.Lookup(r.Context(), chi.URLParam(r, "job_id"), canonical)
	if err != nil {
		s.internalError(w, "catalog lookup", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "entry not found")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) getFrontier(w http.ResponseWriter, r *http.Request) {
	stats, err := frontierFrom(r).Stats(r.Context())
	if err != nil {
		s.internalError(w, "frontier stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) getDead(w http.ResponseWriter, r *http.Request) {
	dead, err := frontierFrom(r).DeadLetters(r.Context())
	if err != nil {
		s.internalError(w, "dead letters", err)
		return
	}
	if dead == nil {
		dead = []crawler.CrawlURL{}
	}
	writeJSON(w, http.StatusOK, dead)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("query failed", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
