// Package web serves the scanner's JSON API and a live WebSocket event feed.
package web

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"scantool/internal/device"
	"scantool/internal/events"
	"scantool/internal/firmware"
	"scantool/internal/metrics"
	"scantool/internal/store"
	"scantool/internal/transport"
)

// Scanner is the device served by the API.
type Scanner interface {
	Port() string
	Kind() transport.Kind
	IsOpen() bool
	CheckHealth() error
	DeviceInformation() (string, error)
	GetConfig(cmd string) (string, error)
	SetConfig(cmd string) error
	UpdateConfig(entries []device.ConfigEntry) error
	StartScan() error
	StopScan() error
	Restart() error
	ImageSize() (width, height int, err error)
	ImageBuffer(size int, progress func(percent int)) ([]byte, error)
	UpdateFirmware(ctx context.Context, data []byte, progress firmware.ProgressCallback) error
}

// defaultMaxFirmware bounds an uploaded firmware image.
const defaultMaxFirmware = 64 << 20

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the application version string reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// WithStore enables the scanner inventory and update history endpoints.
func WithStore(st store.Store) ServerOption {
	return func(s *Server) {
		s.store = st
	}
}

// WithMaxFirmware sets the largest accepted firmware upload in bytes.
func WithMaxFirmware(n int64) ServerOption {
	return func(s *Server) {
		s.maxFirmware = n
	}
}

// WithMetrics serves m at /metrics and records every API request in it.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// Server is the HTTP server for the scanner API.
type Server struct {
	scanner        Scanner
	bus            *events.Bus
	store          store.Store
	metrics        *metrics.Metrics
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	maxFirmware    int64
	updating       atomic.Bool
	ctx            context.Context
	cancel         context.CancelFunc
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates a new web server.
func NewServer(scanner Scanner, bus *events.Bus, logger *slog.Logger, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		scanner:     scanner,
		bus:         bus,
		logger:      logger.With("component", "web"),
		mux:         http.NewServeMux(),
		maxFirmware: defaultMaxFirmware,
		ctx:         ctx,
		cancel:      cancel,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	// Broadcast all scanner events via WebSocket
	s.unsubEvents = bus.OnAll(func(event events.Event) {
		s.wsHub.Broadcast(event)
	})

	s.routes()
	return s
}

// Stop cancels a running firmware update, shuts down the WebSocket hub and
// waits for goroutines.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.cancel()
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Scanner
	s.mux.HandleFunc("GET /api/device", s.handleAPIDevice)
	s.mux.HandleFunc("GET /api/device/health", s.handleAPIHealth)
	s.mux.HandleFunc("GET /api/device/info", s.handleAPIInfo)
	s.mux.HandleFunc("GET /api/device/config/{cmd}", s.handleAPIGetConfig)
	s.mux.HandleFunc("POST /api/device/config", s.handleAPISetConfig)
	s.mux.HandleFunc("POST /api/device/config/batch", s.handleAPIConfigBatch)
	s.mux.HandleFunc("POST /api/device/{action}", s.handleAPIAction)
	s.mux.HandleFunc("GET /api/device/image", s.handleAPIImage)
	s.mux.HandleFunc("POST /api/device/firmware", s.handleAPIFirmware)

	// Inventory and update history
	s.mux.HandleFunc("GET /api/scanners", s.handleAPIListScanners)
	s.mux.HandleFunc("GET /api/updates", s.handleAPIListUpdates)
	s.mux.HandleFunc("GET /api/updates/{id}", s.handleAPIGetUpdate)

	// WebSocket
	s.mux.HandleFunc("GET /ws", s.handleWS)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" {
		// The WebSocket upgrade cannot carry custom headers from a browser,
		// so only /api/ is key protected.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
	}
	// The WebSocket upgrade needs the unwrapped writer.
	if s.metrics == nil || r.URL.Path == "/ws" {
		s.mux.ServeHTTP(w, r)
		return
	}
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.metrics.ObserveHTTP(r.Method, r.Pattern, rec.status, time.Since(start))
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
