package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TagusLX/scrapTV/internal/coverage"
	"github.com/TagusLX/scrapTV/internal/export"
	"github.com/TagusLX/scrapTV/internal/metrics"
	"github.com/TagusLX/scrapTV/internal/scheduler"
	"github.com/TagusLX/scrapTV/internal/session"
	"github.com/TagusLX/scrapTV/internal/store"
)

// AuthConfig toggles API key authentication.
type AuthConfig struct {
	Enabled bool
	APIKey  string
}

// Server wires HTTP handlers to the scheduler and store.
type Server struct {
	router    chi.Router
	store     store.Store
	scheduler *scheduler.Scheduler
	machine   *session.Machine
	tracker   *coverage.Tracker
	exporter  *export.Exporter
	log       *zap.Logger
}

// NewServer constructs a Server with middleware and routes. exporter may be
// nil when export is disabled.
func NewServer(
	st store.Store,
	sched *scheduler.Scheduler,
	machine *session.Machine,
	tracker *coverage.Tracker,
	exporter *export.Exporter,
	log *zap.Logger,
	auth AuthConfig,
) *Server {
	metrics.Init()
	s := &Server{
		store:     st,
		scheduler: sched,
		machine:   machine,
		tracker:   tracker,
		exporter:  exporter,
		log:       log,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if auth.Enabled {
			r.Use(apiKeyMiddleware(auth.APIKey))
		}
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.startFullSession)
			r.Post("/targeted", s.startTargetedSession)
			r.Get("/", s.listSessions)
			r.Route("/{session_id}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Post("/captcha", s.solveCaptcha)
				r.Post("/retry", s.retrySession)
				r.Post("/abandon", s.abandonSession)
			})
		})
		r.Get("/coverage", s.getCoverage)
		r.Get("/coverage/detailed", s.getCoverageDetailed)
		r.Get("/values", s.listValues)
		r.Delete("/values", s.clearValues)
		r.Get("/stats", s.getStats)
		r.Post("/export", s.exportSnapshot)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ActiveSession(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store not reachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
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
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		metrics.ObserveHTTPRequest(r.Method, route, ww.status, time.Since(start))
		s.log.Info("request completed",
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
				s.log.Error("panic recovered", zap.Any("error", rec))
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

type requestIDKey struct{}

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
