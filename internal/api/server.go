package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/keyword-graph-crawler/internal/config"
	"github.com/JakeFAU/keyword-graph-crawler/internal/crawler"
	"github.com/JakeFAU/keyword-graph-crawler/internal/id/uuid"
	"github.com/JakeFAU/keyword-graph-crawler/internal/keypool"
	"github.com/JakeFAU/keyword-graph-crawler/internal/metrics"
	"github.com/JakeFAU/keyword-graph-crawler/internal/worker"
)

// Seeder registers seed keywords.
type Seeder interface {
	Seed(ctx context.Context, req crawler.SeedRequest) (crawler.SeedResult, error)
}

// BatchRunner processes one batch of queued jobs.
type BatchRunner interface {
	RunBatch(ctx context.Context, jobType crawler.JobType, n int) (worker.BatchResult, error)
}

// KeyReporter exposes the credential pool state.
type KeyReporter interface {
	Snapshot(ctx context.Context) (keypool.Snapshot, error)
}

// KeywordReader reads the keyword graph.
type KeywordReader interface {
	CountKeywordsByStatus(ctx context.Context) (map[crawler.KeywordStatus]int, error)
	ListKeywords(ctx context.Context, filter crawler.KeywordFilter) (crawler.KeywordPage, error)
}

// JobCounter reports queue depth per status.
type JobCounter interface {
	Stats(ctx context.Context) (map[crawler.JobStatus]int, error)
}

// SnapshotCounter counts recent document count snapshots.
type SnapshotCounter interface {
	CountSnapshotsSince(ctx context.Context, date string) (int, error)
}

// ReadinessCheck checks one downstream dependency for /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the collaborators behind the handlers.
type Deps struct {
	Seeder    Seeder
	Runner    BatchRunner
	Keys      KeyReporter
	Keywords  KeywordReader
	Jobs      JobCounter
	Snapshots SnapshotCounter
	Clock     crawler.Clock
	Checks    []ReadinessCheck
}

// Server wires HTTP handlers to the seeder, worker and stores.
type Server struct {
	router   chi.Router
	deps     Deps
	cfg      config.Config
	validate *validator.Validate
	ids      *uuid.Generator
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:     deps,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		ids:      uuid.NewUUIDGenerator(),
		logger:   logger,
	}
	timeout := time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Get("/seed", s.seedStatus)
	r.With(seedRateLimit(cfg.Server.SeedRequestsPerMinute)).Post("/seed", s.createSeed)
	r.Get("/keywords", s.listKeywords)
	r.Get("/admin/keys", s.adminKeys)

	r.Group(func(r chi.Router) {
		r.Use(bearerMiddleware(cfg.Auth.ServerToken))
		r.Post("/collect/related", s.collect(crawler.JobTypeFetchRelated, cfg.Queue.RelatedBatch))
		r.Post("/collect/docs", s.collect(crawler.JobTypeCountDocs, cfg.Queue.DocsBatch))
		r.Get("/admin/health", s.adminHealth)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"configuration": map[string]any{
			"open_search_keys": len(s.cfg.Providers.OpenSearch.Keys),
			"ad_search_keys":   len(s.cfg.Providers.AdSearch.Keys),
			"server_token":     s.cfg.Auth.ServerToken != "",
			"database":         s.cfg.DB.DSN != "",
			"redis":            s.cfg.KeyPool.Store == "redis",
			"archive":          s.cfg.Archive.Backend,
			"pubsub":           s.cfg.PubSub.Enabled,
			"auto_collect":     s.cfg.Worker.AutoCollect,
		},
	})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failures := map[string]string{}
	for _, check := range s.deps.Checks {
		if err := check.Check(r.Context()); err != nil {
			failures[check.Name] = err.Error()
		}
	}
	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failures": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type requestIDKey struct{}

// RequestID returns the request ID stored by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if !uuid.Valid(reqID) {
			reqID = s.ids.NewRequestID()
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
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.Any("error", rec),
					zap.String("request_id", RequestID(r.Context())),
				)
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

// seedRateLimit limits seed submissions per client IP. perMinute <= 0 disables it.
func seedRateLimit(perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		perMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			writeError(w, http.StatusTooManyRequests, "too many seed requests")
		}),
	)
}

// bearerMiddleware requires "Authorization: Bearer <token>". An empty token rejects everything.
func bearerMiddleware(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
