// Package api exposes the triage service over HTTP: workflow start and
// status, decision callbacks, batch control, preferences and the usual
// health and metrics endpoints.
package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/otherjamesbrown/penf-triage/pkg/buildinfo"
	"github.com/otherjamesbrown/penf-triage/pkg/logging"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// AuthToken protects the API when set. Empty disables auth, for local
	// development only.
	AuthToken string `yaml:"auth_token"`
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8085,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server is the triage HTTP server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	config     Config
	logger     logging.Logger
	handlers   *Handlers
	gatherer   prometheus.Gatherer
}

// Option configures the server.
type Option func(*Server)

// WithGatherer sets the Prometheus gatherer served at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// New creates the server around the given handlers.
func New(cfg Config, handlers *Handlers, logger logging.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = logging.MustGlobal()
	}

	s := &Server{
		config:   cfg,
		logger:   logger.With(logging.F("component", "api_server")),
		handlers: handlers,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = s.setupRouter()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Router returns the configured router, for tests.
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handlers.Health)
	r.Get("/version", buildinfo.Handler("penf-triage"))
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/workflow", func(r chi.Router) {
			r.Post("/start", s.handlers.StartWorkflow)
			r.Get("/{instanceID}", s.handlers.WorkflowStatus)
			r.Post("/{instanceID}/decision", s.handlers.SubmitDecision)
		})

		r.Post("/batch/run", s.handlers.RunBatch)

		r.Route("/preferences/{ownerID}", func(r chi.Router) {
			r.Get("/", s.handlers.GetPreferences)
			r.Put("/", s.handlers.PutPreferences)
		})
	})

	return r
}

// Start runs the server until ListenAndServe returns.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening",
		logging.F("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware enforces the bearer token when one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.AuthToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("HTTP request",
			logging.F("method", r.Method),
			logging.F("path", r.URL.Path),
			logging.F("status", ww.Status()),
			logging.F("duration", time.Since(start)),
			logging.F("request_id", middleware.GetReqID(r.Context())))
	})
}
