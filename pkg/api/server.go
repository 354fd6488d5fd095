// Package api provides the read-only HTTP status surface: queue and
// per-key fetch states for UI polling, cache statistics, health, and the
// optional Prometheus scrape endpoint.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/socaya/dhis2cache/pkg/types"
	"github.com/socaya/dhis2cache/pkg/utils"
)

// Engine is the slice of the cache engine the server exposes.
type Engine interface {
	PreloadStatus(key string) types.FetchState
	PreloadStatuses() map[string]types.FetchState
	QueueDepths() map[string]int
	Stats(ctx context.Context) types.CacheStats
	Entries(ctx context.Context) ([]*types.CacheEntry, error)
}

// Config represents status server configuration
type Config struct {
	Address    string
	EnableCORS bool
}

// Server serves the status endpoints. All endpoints are read-only; cache
// mutation happens through the engine's Go API, never over HTTP.
type Server struct {
	cfg    Config
	engine Engine
	logger *utils.Logger
	srv    *http.Server
}

// NewServer creates the status server. metricsHandler may be nil, in
// which case /metrics is not registered.
func NewServer(cfg Config, engine Engine, metricsHandler http.Handler, logger *utils.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		engine: engine,
		logger: logger.Named("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /status/keys/{key}", s.handleKeyStatus)
	mux.HandleFunc("GET /cache/stats", s.handleCacheStats)
	mux.HandleFunc("GET /cache/entries", s.handleCacheEntries)
	if metricsHandler != nil {
		mux.Handle("GET /metrics", metricsHandler)
	}

	handler := s.loggingMiddleware(mux)
	if cfg.EnableCORS {
		handler = s.corsMiddleware(handler)
	}

	s.srv = &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the configured HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	s.logger.Info("status server listening on %s", s.cfg.Address)
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// StartBackground serves on a goroutine, logging any listen failure.
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error("status server failed: %v", err)
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusResponse is the polling payload: queue depths per priority plus
// every tracked per-key fetch state.
type statusResponse struct {
	Queue  map[string]int              `json:"queue"`
	States map[string]types.FetchState `json:"states"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{
		Queue:  s.engine.QueueDepths(),
		States: s.engine.PreloadStatuses(),
	})
}

func (s *Server) handleKeyStatus(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	state := s.engine.PreloadStatus(key)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"key":   key,
		"state": state,
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Stats(r.Context()))
}

// entryView is the metadata shape for /cache/entries; payloads never
// leave the engine over this surface.
type entryView struct {
	Key            string    `json:"key"`
	Descriptor     string    `json:"descriptor"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	AccessCount    int64     `json:"access_count"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	SizeBytes      int64     `json:"size_bytes"`
}

func (s *Server) handleCacheEntries(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.Entries(r.Context())
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	views := make([]entryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, entryView{
			Key:            e.Key,
			Descriptor:     e.Descriptor,
			CreatedAt:      e.CreatedAt,
			ExpiresAt:      e.ExpiresAt(),
			AccessCount:    e.AccessCount,
			LastAccessedAt: e.LastAccessedAt,
			SizeBytes:      e.SizeBytes,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":   len(views),
		"entries": views,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response: %v", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Debug("%s %s -> %d (%v)", r.Method, r.URL.Path, rec.status, time.Since(start))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
