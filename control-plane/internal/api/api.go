// Package api provides HTTP handlers for the control plane.
//
// # Endpoints
//
// Beats (Auth header required):
//   - POST /api/beat - Record a beat for the device named in the Device header
//   - POST /api/update/stats - Recompute fleet stats and refresh the cache
//   - POST /api/update/devices - Re-evaluate the overdue state of one device
//
// Devices (Auth header required):
//   - GET /api/devices - List devices ordered by name
//   - GET /api/devices/{name} - Get one device
//   - GET /api/devices/{name}/activity - Recent lifecycle events for a device
//
// Public:
//   - GET /api/info - Human-readable fleet summary
//   - GET /api/stats - Fleet statistics
//   - GET /api/health - Service health
//   - GET /metrics - Prometheus metrics
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/pilot-net/beatmon/control-plane/internal/auth"
	"github.com/pilot-net/beatmon/control-plane/internal/clock"
	"github.com/pilot-net/beatmon/control-plane/internal/config"
	"github.com/pilot-net/beatmon/control-plane/internal/registry"
	"github.com/pilot-net/beatmon/control-plane/internal/stats"
	"github.com/pilot-net/beatmon/pkg/types"
)

// Cache keys for the public endpoints
const (
	cacheKeyInfo  = "info"
	cacheKeyStats = "stats"
)

// ResponseCache stores rendered responses. *cache.Cache satisfies it.
type ResponseCache interface {
	Lookup(ctx context.Context, key string) ([]byte, bool, error)
	Store(ctx context.Context, key string, v any, ttl time.Duration) error
	Invalidate(ctx context.Context, keys ...string) error
}

// HealthSource reports service health. *metrics.Collector satisfies it.
type HealthSource interface {
	Health(ctx context.Context) *types.ServiceHealth
}

// ActivityReader returns recorded lifecycle events for a device.
type ActivityReader interface {
	Recent(ctx context.Context, device string, limit int) ([]types.ActivityEvent, error)
}

// Deps are the collaborators of the API server. Registry, Stats and Gate
// are required; the rest are optional.
type Deps struct {
	Registry *registry.Registry
	Stats    *stats.Aggregator
	Gate     *auth.Gate
	Clock    clock.Clock

	Cache    ResponseCache
	Health   HealthSource
	Metrics  http.Handler
	Activity ActivityReader

	// Location is reported by /api/info. Nil means local time.
	Location *time.Location
	// BodyLimit caps request bodies. Zero uses config.RequestBodyMaxBytes.
	BodyLimit int64
}

// Server is the HTTP API server.
type Server struct {
	registry *registry.Registry
	stats    *stats.Aggregator
	gate     *auth.Gate
	clock    clock.Clock
	cache    ResponseCache
	health   HealthSource
	metrics  http.Handler
	activity ActivityReader
	location *time.Location
	limit    int64

	logger *slog.Logger
	mux    *http.ServeMux
}

// NewServer creates a new API server.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		registry: deps.Registry,
		stats:    deps.Stats,
		gate:     deps.Gate,
		clock:    deps.Clock,
		cache:    deps.Cache,
		health:   deps.Health,
		metrics:  deps.Metrics,
		activity: deps.Activity,
		location: deps.Location,
		limit:    deps.BodyLimit,
		logger:   logger.With("component", "api"),
		mux:      http.NewServeMux(),
	}
	if s.clock == nil {
		s.clock = clock.Real{}
	}
	if s.limit <= 0 {
		s.limit = config.RequestBodyMaxBytes
	}
	s.registerRoutes()
	return s
}

// Mux returns the underlying ServeMux for registering additional routes.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Add CORS headers
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Auth, Device, Timestamp")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.limit)
	r, requestID := withRequestID(r)
	w.Header().Set(requestIDHeader, requestID)

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"request_id", requestID,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	requireAuth := s.RequireAuth()

	// Beats and on-demand refresh
	s.mux.HandleFunc("POST /api/beat", wrapHandler(s.handleBeat, requireAuth))
	s.mux.HandleFunc("POST /api/update/stats", wrapHandler(s.handleUpdateStats, requireAuth))
	s.mux.HandleFunc("POST /api/update/devices", wrapHandler(s.handleUpdateDevice, requireAuth))

	// Devices
	s.mux.HandleFunc("GET /api/devices", wrapHandler(s.handleListDevices, requireAuth))
	s.mux.HandleFunc("GET /api/devices/{name}", wrapHandler(s.handleGetDevice, requireAuth))
	s.mux.HandleFunc("GET /api/devices/{name}/activity", wrapHandler(s.handleDeviceActivity, requireAuth))

	// Public fleet summary
	s.mux.HandleFunc("GET /api/info", s.handleInfo)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)

	// Health
	s.mux.HandleFunc("GET /api/health", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// Error reasons reported alongside the message.
const (
	reasonUnauthenticated = "Unauthenticated"
	reasonBadRequest      = "BadRequest"
	reasonNotFound        = "NotFound"
	reasonUnavailable     = "Unavailable"
	reasonInternal        = "Internal"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeReason(w, status, reasonFor(status), message)
}

func (s *Server) writeReason(w http.ResponseWriter, status int, reason, message string) {
	s.writeJSON(w, status, map[string]string{
		"error":  message,
		"reason": reason,
	})
}

func reasonFor(status int) string {
	switch status {
	case http.StatusBadRequest:
		return reasonBadRequest
	case http.StatusUnauthorized:
		return reasonUnauthenticated
	case http.StatusNotFound:
		return reasonNotFound
	case http.StatusServiceUnavailable:
		return reasonUnavailable
	default:
		return reasonInternal
	}
}

// writeCached writes a cached response body if one exists.
func (s *Server) writeCached(w http.ResponseWriter, r *http.Request, key string) bool {
	if s.cache == nil {
		return false
	}
	data, ok, err := s.cache.Lookup(r.Context(), key)
	if err != nil {
		s.logger.Warn("cache lookup failed", "key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
	return true
}

func (s *Server) storeCached(ctx context.Context, key string, v any, ttl time.Duration) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Store(ctx, key, v, ttl); err != nil {
		s.logger.Warn("failed to cache response", "key", key, "error", err)
	}
}

// deviceHeader returns the Device header or writes a 400.
func (s *Server) deviceHeader(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := r.Header.Get("Device")
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "Device header missing")
		return "", false
	}
	return name, true
}

// queryLimit parses ?limit= within the pagination bounds.
func queryLimit(r *http.Request) int {
	limit := config.DefaultPaginationLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return min(limit, config.MaxPaginationLimit)
}
