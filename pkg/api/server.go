// Package api exposes the engine's usage, policy and violation state over a
// read-only HTTP JSON surface.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/strata-storage/strata/internal/engine"
	"github.com/strata-storage/strata/internal/policy"
	"github.com/strata-storage/strata/internal/violation"
	"github.com/strata-storage/strata/pkg/errors"
	"github.com/strata-storage/strata/pkg/health"
	"github.com/strata-storage/strata/pkg/types"
)

// ServerConfig configures the query API server.
type ServerConfig struct {
	// Address to bind the server to (e.g., "localhost:8080")
	Address string `yaml:"address" json:"address"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      "localhost:8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		EnableCORS:   true,
	}
}

// Server serves the engine's observable state. All endpoints are GET; the
// API never mutates anything.
type Server struct {
	httpServer *http.Server
	engine     *engine.Engine
	config     ServerConfig
	logger     *zap.Logger
}

// NewServer creates a query API server over an engine.
func NewServer(config ServerConfig, eng *engine.Engine, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine: eng,
		config: config,
		logger: logger.With(zap.String("component", "api")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/backends", s.handleBackends)
	mux.HandleFunc("/usage", s.handleUsageAll)
	mux.HandleFunc("/usage/", s.handleUsage)
	mux.HandleFunc("/policies/", s.handlePolicies)
	mux.HandleFunc("/violations", s.handleViolations)
	mux.HandleFunc("/replicas/", s.handleReplicas)
	mux.HandleFunc("/cache/stats", s.handleCacheStats)
	mux.HandleFunc("/breakers", s.handleBreakers)
	mux.HandleFunc("/info", s.handleInfo)

	handler := s.loggingMiddleware(mux)
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Handler returns the configured HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until it exits.
func (s *Server) Start() error {
	s.logger.Info("query api listening", zap.String("address", s.config.Address))
	return s.httpServer.ListenAndServe()
}

// StartBackground starts the server in a background goroutine.
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("query api failed", zap.Error(err))
		}
	}()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("query api shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	overall := s.engine.OverallHealth()
	statusCode := http.StatusOK
	if overall == health.StateUnavailable {
		statusCode = http.StatusServiceUnavailable
	}
	s.respondJSON(w, statusCode, map[string]interface{}{
		"status":    overall.String(),
		"backends":  s.engine.Health(),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	backends := s.engine.Backends()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"backends": backends,
		"count":    len(backends),
	})
}

func (s *Server) handleUsageAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	snapshots := make(map[string]types.UsageSnapshot)
	for _, info := range s.engine.Backends() {
		snapshots[info.ID] = s.engine.Usage(info.ID)
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"usage":     snapshots,
		"timestamp": time.Now(),
	})
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	backend := strings.TrimPrefix(r.URL.Path, "/usage/")
	if backend == "" {
		s.respondError(w, http.StatusBadRequest, "backend id required")
		return
	}
	if !s.knownBackend(backend) {
		s.respondError(w, http.StatusNotFound, "unknown backend: "+backend)
		return
	}
	s.respondJSON(w, http.StatusOK, s.engine.Usage(backend))
}

func (s *Server) handlePolicies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	backend := strings.TrimPrefix(r.URL.Path, "/policies/")
	if backend == "" {
		s.respondError(w, http.StatusBadRequest, "backend id required")
		return
	}

	policies, err := s.engine.Policies(backend)
	if err != nil {
		s.respondStrataError(w, err)
		return
	}

	byKind := make(map[string]policy.Policy, len(policies))
	for _, p := range policies {
		byKind[string(p.Kind())] = p
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"backend":  backend,
		"policies": byKind,
	})
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	filter := violation.Filter{
		Backend:  r.URL.Query().Get("backend"),
		Severity: types.Severity(r.URL.Query().Get("severity")),
	}
	if raw := r.URL.Query().Get("resolved"); raw != "" {
		resolved, err := strconv.ParseBool(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "resolved must be true or false")
			return
		}
		filter.Resolved = &resolved
	}

	violations := s.engine.Violations(filter)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"violations": violations,
		"count":      len(violations),
		"timestamp":  time.Now(),
	})
}

func (s *Server) handleReplicas(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	objectID := strings.TrimPrefix(r.URL.Path, "/replicas/")
	if objectID == "" {
		s.respondError(w, http.StatusBadRequest, "object id required")
		return
	}
	set, ok := s.engine.ReplicaStatus(objectID)
	if !ok {
		s.respondError(w, http.StatusNotFound, "no replica set tracked for object: "+objectID)
		return
	}
	s.respondJSON(w, http.StatusOK, set)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"tiers":     s.engine.CacheStats(),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"breakers":  s.engine.BreakerStats(),
		"timestamp": time.Now(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   "Strata API",
		"timestamp": time.Now(),
		"endpoints": []string{
			"/health",
			"/backends",
			"/usage",
			"/usage/{backend}",
			"/policies/{backend}",
			"/violations",
			"/replicas/{objectID}",
			"/cache/stats",
			"/breakers",
			"/info",
		},
	})
}

func (s *Server) knownBackend(id string) bool {
	for _, info := range s.engine.Backends() {
		if info.ID == id {
			return true
		}
	}
	return false
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("response encoding failed", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}

// respondStrataError maps a structured engine error onto its HTTP status.
func (s *Server) respondStrataError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if se, ok := err.(*errors.StrataError); ok {
		status = errors.GetDefaultHTTPStatus(se.Code)
	}
	s.respondError(w, status, err.Error())
}
