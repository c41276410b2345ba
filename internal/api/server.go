// Package api exposes the HTTP interface for the crawler service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlcore/internal/config"
	"github.com/JakeFAU/crawlcore/internal/crawler"
	"github.com/JakeFAU/crawlcore/internal/progress/sinks"
	"github.com/JakeFAU/crawlcore/internal/scheduler"
)

const (
	maxRequestsPerCall = 1000
	maxBodyBytes       = 1 << 20
	admitTimeout       = 5 * time.Second
)

// Scheduler is the subset of scheduler.Scheduler the API drives.
type Scheduler interface {
	Admit(ctx context.Context, req *crawler.Request) (scheduler.Admission, error)
	Stats(ctx context.Context) scheduler.Stats
}

// Engine reports the worker pool state.
type Engine interface {
	Active() int
	Running() bool
}

// Counters provides in-process progress totals.
type Counters interface {
	Snapshot() sinks.Counts
}

// Deps groups the collaborators the Server reads from. Only Scheduler is
// required.
type Deps struct {
	Scheduler Scheduler
	Engine    Engine
	Counters  Counters
	// Metrics serves /metrics; nil leaves the route unregistered.
	Metrics http.Handler
	// Instrument wraps every route, typically metrics.Metrics.Middleware.
	Instrument func(http.Handler) http.Handler
	RunID      uuid.UUID
}

// Server wires HTTP handlers to the running crawl.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) (*Server, error) {
	if deps.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	progress := NewProgressHandler(deps.Counters, logger)
	r.Route("/v1", func(r chi.Router) {
		if deps.Instrument != nil {
			r.Use(deps.Instrument)
		}
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Get("/stats", s.getStats)
		r.Post("/requests", s.submitRequests)
		r.Route("/progress", func(r chi.Router) {
			r.Get("/", progress.Summary)
			r.Get("/sites", progress.ListSites)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready while the engine is running. Without an engine the
// process is ready as soon as it serves.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Engine != nil && !s.deps.Engine.Running() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not running"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statsResponse struct {
	RunID     string          `json:"run_id,omitempty"`
	Running   bool            `json:"running"`
	Active    int             `json:"active_workers"`
	Scheduler scheduler.Stats `json:"scheduler"`
	Progress  *sinks.Counts   `json:"progress,omitempty"`
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Scheduler: s.deps.Scheduler.Stats(r.Context())}
	if s.deps.RunID != uuid.Nil {
		resp.RunID = s.deps.RunID.String()
	}
	if s.deps.Engine != nil {
		resp.Running = s.deps.Engine.Running()
		resp.Active = s.deps.Engine.Active()
	}
	if s.deps.Counters != nil {
		counts := s.deps.Counters.Snapshot()
		resp.Progress = &counts
	}
	writeJSON(w, http.StatusOK, resp)
}

type submitRequest struct {
	Requests []requestEntry `json:"requests"`
}

type requestEntry struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Priority   int               `json:"priority"`
	Header     map[string]string `json:"header"`
	Meta       map[string]any    `json:"meta"`
	DontFilter bool              `json:"dont_filter"`
}

type admissionResult struct {
	URL       string `json:"url"`
	Admission string `json:"admission"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) submitRequests(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(body.Requests) == 0 {
		writeError(w, http.StatusBadRequest, "requests required")
		return
	}
	if len(body.Requests) > maxRequestsPerCall {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d requests per call", maxRequestsPerCall))
		return
	}
	reqs := make([]*crawler.Request, 0, len(body.Requests))
	for i, entry := range body.Requests {
		req, err := toRequest(entry)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d]: %v", i, err))
			return
		}
		reqs = append(reqs, req)
	}

	ctx, cancel := context.WithTimeout(r.Context(), admitTimeout)
	defer cancel()
	results := make([]admissionResult, 0, len(reqs))
	accepted := 0
	for _, req := range reqs {
		admission, err := s.deps.Scheduler.Admit(ctx, req)
		if errors.Is(err, scheduler.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "crawl is shutting down")
			return
		}
		res := admissionResult{URL: req.URL, Admission: admission.String()}
		if err != nil {
			res.Error = err.Error()
		}
		if admission == scheduler.Queued || admission == scheduler.Delivered {
			accepted++
		}
		results = append(results, res)
	}
	s.logger.Info("requests submitted",
		zap.Int("submitted", len(reqs)),
		zap.Int("accepted", accepted),
		zap.String("request_id", requestIDFrom(r.Context())),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"accepted": accepted,
		"results":  results,
	})
}

func toRequest(entry requestEntry) (*crawler.Request, error) {
	raw := strings.TrimSpace(entry.URL)
	if raw == "" {
		return nil, errors.New("url required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, errors.New("url must be absolute http or https")
	}
	req := crawler.NewRequest(raw, entry.Priority)
	if entry.Method != "" {
		req.Method = strings.ToUpper(entry.Method)
	}
	for k, v := range entry.Header {
		req.Header.Set(k, v)
	}
	for k, v := range entry.Meta {
		req.SetMeta(k, v)
	}
	req.DontFilter = entry.DontFilter
	return req, nil
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

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", requestIDFrom(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
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

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
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
