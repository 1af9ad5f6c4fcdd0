// Package api serves tracker state over HTTP: a JSON status and history
// API, a websocket event stream, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/dwell/internal/buildinfo"
	"github.com/nugget/dwell/internal/events"
	"github.com/nugget/dwell/internal/session"
	"github.com/nugget/dwell/internal/tracker"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// StatusSource reports live tracker state.
type StatusSource interface {
	Status(ctx context.Context) (tracker.Snapshot, error)
}

// SessionSource answers history queries.
type SessionSource interface {
	List(ctx context.Context, f session.Filter) ([]session.Session, error)
	Totals(ctx context.Context, stream session.Stream, from, to time.Time) (map[string]time.Duration, error)
}

// Server is the HTTP API server.
type Server struct {
	addr     string
	status   StatusSource
	sessions SessionSource
	bus      *events.Bus
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	location *time.Location

	server *http.Server
	// baseCtx parents every request context. Shutdown cancels it so
	// hijacked websocket streams end too.
	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// Options configures a [Server]. Bus and Gatherer are optional; the
// event stream and metrics endpoints answer 503 without them.
type Options struct {
	Addr     string
	Status   StatusSource
	Sessions SessionSource
	Bus      *events.Bus
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	// Location interprets date-only query parameters. Defaults to
	// time.Local.
	Location *time.Location
}

// NewServer creates an API server.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	s := &Server{
		addr:     opts.Addr,
		status:   opts.Status,
		sessions: opts.Sessions,
		bus:      opts.Bus,
		gatherer: opts.Gatherer,
		logger:   logger,
		location: loc,
	}
	s.baseCtx, s.baseCancel = context.WithCancel(context.Background())
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
	}
	return s
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	mux.HandleFunc("GET /v1/totals", s.handleTotals)
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return s.withLogging(mux)
}

// Start listens until Shutdown is called. It returns
// http.ErrServerClosed after a clean shutdown, immediately so when
// Shutdown ran first. Request contexts end when ctx does.
func (s *Server) Start(ctx context.Context) error {
	stop := context.AfterFunc(ctx, s.baseCancel)
	defer stop()
	s.logger.Info("starting API server", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server. It is safe to call before or
// concurrently with Start.
func (s *Server) Shutdown(ctx context.Context) error {
	s.baseCancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		level := slog.LevelInfo
		if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "dwell",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}
