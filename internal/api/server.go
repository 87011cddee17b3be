// Package api exposes the HTTP and WebSocket interface for the polling
// service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/sourcewatch/internal/bus"
	"github.com/JakeFAU/sourcewatch/internal/config"
	"github.com/JakeFAU/sourcewatch/internal/metrics"
	"github.com/JakeFAU/sourcewatch/internal/poller"
	"github.com/JakeFAU/sourcewatch/internal/registry"
)

// Server wires HTTP handlers to the registry, store, and event bus.
type Server struct {
	router   chi.Router
	registry *registry.Registry
	store    poller.Store
	bus      *bus.Bus
	clock    poller.Clock
	window   time.Duration
	logger   *zap.Logger
	cfg      config.Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	reg *registry.Registry,
	store poller.Store,
	eventBus *bus.Bus,
	clock poller.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		registry: reg,
		store:    store,
		bus:      eventBus,
		clock:    clock,
		window:   cfg.Retention.Window(),
		logger:   logger,
		cfg:      cfg,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey, s))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/sources", s.listSources)
		r.Get("/configs", s.listConfigs)
		r.Route("/sources/{source_id}", func(r chi.Router) {
			r.Get("/latest", s.getLatest)
			r.Get("/history", s.getHistory)
			r.Get("/stream", s.streamSource)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// sourceSummary is the listSources row shape.
type sourceSummary struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	URL          string     `json:"url"`
	Enabled      bool       `json:"enabled"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	LastStatus   string     `json:"last_status"`
	FailureCount int        `json:"failure_count"`
	NextRunAt    time.Time  `json:"next_run_at"`
	PausedUntil  *time.Time `json:"paused_until,omitempty"`
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	sources := s.registry.Sources()
	out := make([]sourceSummary, 0, len(sources))
	for _, src := range sources {
		item := sourceSummary{
			ID:          src.ID,
			Name:        src.Name,
			Description: src.Description,
			URL:         src.URL,
			Enabled:     src.Enabled,
		}
		if st, ok := s.registry.State(src.ID); ok {
			item.LastRunAt = st.LastRunAt
			item.LastStatus = string(st.LastStatus)
			item.FailureCount = st.ConsecutiveFailures
			item.NextRunAt = st.NextRunAt
			item.PausedUntil = st.PausedUntil
		}
		out = append(out, item)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

func (s *Server) listConfigs(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"configs": s.registry.Sources()})
}

func (s *Server) getLatest(w http.ResponseWriter, r *http.Request) {
	src, ok := s.enabledSource(r)
	if !ok {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	since := s.clock.Now().Add(-s.window)
	dp, err := s.store.FindLatest(r.Context(), src.ID, since)
	if errors.Is(err, poller.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.logger.Error("latest query failed", zap.String("source_id", src.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, dp)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	src, ok := s.enabledSource(r)
	if !ok {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	now := s.clock.Now()
	from, to, err := parseRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"), now, s.window)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid range")
		return
	}
	rows, err := s.store.FindRange(r.Context(), src.ID, from, to)
	if err != nil {
		s.logger.Error("history query failed", zap.String("source_id", src.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if len(rows) == 0 {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"data_points": rows})
}

// parseRange interprets optional from/to bounds and clamps them to the
// retention window regardless of sweeper cadence. from > to is the caller's
// error; clamping never produces one on its own.
func parseRange(fromStr, toStr string, now time.Time, window time.Duration) (time.Time, time.Time, error) {
	from := now.Add(-window)
	to := now
	if fromStr != "" {
		t, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, poller.ErrInvalidRange
		}
		from = t
	}
	if toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			return time.Time{}, time.Time{}, poller.ErrInvalidRange
		}
		to = t
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, poller.ErrInvalidRange
	}
	if floor := now.Add(-window); from.Before(floor) {
		from = floor
	}
	if to.After(now) {
		to = now
	}
	return from, to, nil
}

// enabledSource resolves the route's source id; unknown and disabled sources
// are indistinguishable to callers.
func (s *Server) enabledSource(r *http.Request) (poller.Source, bool) {
	id := chi.URLParam(r, "source_id")
	src, ok := s.registry.Source(id)
	if !ok || !src.Enabled {
		return poller.Source{}, false
	}
	return src, true
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		duration := time.Since(start)
		metrics.ObserveHTTPRequest(r.Method, r.URL.Path, ww.status, duration)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", duration.Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func apiKeyMiddleware(expected string, s *Server) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				s.writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
