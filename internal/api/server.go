// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api serves the status and metrics endpoints.
package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/tunwall/internal/config"
	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/logging"
	"grimm.is/tunwall/internal/rules"
	"grimm.is/tunwall/internal/scheduler"
	"grimm.is/tunwall/internal/vpn"
)

// ServerConfig holds HTTP server timeouts.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	// StreamInterval paces /status/stream.
	StreamInterval time.Duration
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
		StreamInterval:    time.Second,
	}
}

// Pipeline reports the packet pipeline status. *vpn.Service implements it.
type Pipeline interface {
	Status() vpn.Status
}

// RuleSource exposes the installed rules. *rules.Table implements it.
type RuleSource interface {
	Load() *rules.Snapshot
}

// Tasks exposes the background tasks. *scheduler.Scheduler implements it.
type Tasks interface {
	GetStatus() []scheduler.TaskStatus
	GetTaskStatus(id string) (scheduler.TaskStatus, bool)
	RunTask(id string) error
}

// ServerOptions holds the server's dependencies. Only Pipeline is required.
type ServerOptions struct {
	Pipeline Pipeline
	Rules    RuleSource
	Tasks    Tasks
	// Gatherer serves /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Settings is the effective configuration served by /config.
	Settings *config.Config
	Config   *ServerConfig
	Logger   *logging.Logger
}

// Server handles API requests.
type Server struct {
	opts      ServerOptions
	router    *mux.Router
	logger    *logging.Logger
	startTime time.Time

	done     chan struct{}
	doneOnce sync.Once
}

// NewServer creates the server and registers its routes.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Pipeline == nil {
		return nil, errors.New(errors.KindValidation, "api: pipeline is required")
	}
	if opts.Config == nil {
		opts.Config = DefaultServerConfig()
	}
	cfg := *opts.Config
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = time.Second
	}
	opts.Config = &cfg
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	s := &Server{
		opts:      opts,
		router:    mux.NewRouter(),
		logger:    logger.WithComponent("api"),
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/status/stream", s.handleStatusStream).Methods(http.MethodGet)
	r.HandleFunc("/rules", s.handleRules).Methods(http.MethodGet)
	r.HandleFunc("/tasks", s.handleTasks).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", s.handleTask).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}/run", s.handleRunTask).Methods(http.MethodPost)
	if s.opts.Settings != nil {
		r.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
		r.HandleFunc("/config/diff", s.handleConfigDiff).Methods(http.MethodGet)
	}
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.Use(s.logRequests)
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on addr and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "listen %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	cfg := s.opts.Config
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("status api listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		return errors.Wrap(err, errors.KindUnavailable, "api server")
	case <-ctx.Done():
	}
	s.doneOnce.Do(func() { close(s.done) })

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, errors.KindTimeout, "api shutdown")
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
