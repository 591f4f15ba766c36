package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/gateway"
	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/pseudonym"
	"github.com/raaihank/pii-gateway/internal/security"
	"github.com/raaihank/pii-gateway/internal/store"
	"go.uber.org/zap"
)

// Version is reported by /info
const Version = "0.1.0"

// Processor runs the decision pipeline for one request
type Processor interface {
	Process(ctx context.Context, req gateway.Request) (*gateway.Result, error)
}

// Pseudonymizer pseudonymizes text without a routing decision
type Pseudonymizer interface {
	Pseudonymize(ctx context.Context, text, requestContext string) (*pseudonym.Result, error)
}

// RuleLister reports the enabled detection rules
type RuleLister interface {
	GetEnabledRules() []string
}

// StatsSource reports store counters
type StatsSource interface {
	GetStats(ctx context.Context) (*store.Stats, error)
}

// Deps are the collaborators served over HTTP. Nil optional fields disable
// the matching route.
type Deps struct {
	Gateway       Processor
	Pseudonymizer Pseudonymizer
	Rules         RuleLister
	Stats         StatsSource
	Metrics       http.Handler
	WebSocket     http.Handler
	RateLimiter   *security.RateLimiter
}

// Server exposes the gateway pipeline over HTTP
type Server struct {
	config *config.Config
	logger *logger.Logger
	deps   Deps
	router *mux.Router
	server *http.Server
}

// New creates a new server instance
func New(cfg *config.Config, deps Deps, log *logger.Logger) *Server {
	s := &Server{
		config: cfg,
		logger: log.WithComponent("server"),
		deps:   deps,
		router: mux.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	if s.config.Metrics.Enabled && s.deps.Metrics != nil {
		s.router.Handle(s.config.Metrics.Path, s.deps.Metrics).Methods(http.MethodGet)
	}
	if s.config.WebSocket.Enabled && s.deps.WebSocket != nil {
		s.router.Handle(s.config.WebSocket.Path, s.deps.WebSocket).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.Use(s.loggingMiddleware)
	if s.deps.RateLimiter != nil {
		api.Use(s.deps.RateLimiter.Middleware)
	}
	api.Use(s.bodyLimitMiddleware)

	api.HandleFunc("/decide", s.handleDecide).Methods(http.MethodPost)
	api.HandleFunc("/pseudonymize", s.handlePseudonymize).Methods(http.MethodPost)
	api.HandleFunc("/reverse", s.handleReverse).Methods(http.MethodPost)
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start() error {
	s.logger.Info("Starting PII gateway server",
		zap.Int("port", s.config.Server.Port),
		zap.Bool("policy_enforced", s.config.Policy.Enforced),
		zap.String("fail_mode", s.config.Policy.FailMode),
		zap.Bool("rate_limit", s.deps.RateLimiter != nil),
	)
	return s.server.ListenAndServe()
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping PII gateway server")
	return s.server.Shutdown(ctx)
}
