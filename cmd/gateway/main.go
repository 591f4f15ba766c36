package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/raaihank/pii-gateway/internal/audit"
	"github.com/raaihank/pii-gateway/internal/cache"
	"github.com/raaihank/pii-gateway/internal/classifier"
	"github.com/raaihank/pii-gateway/internal/config"
	"github.com/raaihank/pii-gateway/internal/gateway"
	"github.com/raaihank/pii-gateway/internal/localmodel"
	"github.com/raaihank/pii-gateway/internal/logger"
	"github.com/raaihank/pii-gateway/internal/metrics"
	"github.com/raaihank/pii-gateway/internal/policy"
	"github.com/raaihank/pii-gateway/internal/privacy"
	"github.com/raaihank/pii-gateway/internal/pseudonym"
	"github.com/raaihank/pii-gateway/internal/routing"
	"github.com/raaihank/pii-gateway/internal/security"
	"github.com/raaihank/pii-gateway/internal/server"
	"github.com/raaihank/pii-gateway/internal/store"
	"github.com/raaihank/pii-gateway/internal/websocket"
	"go.uber.org/zap"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

const statusInterval = 30 * time.Second

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		showVersion = flag.Bool("version", false, "Show version information")
		healthCheck = flag.Bool("health-check", false, "Perform health check and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("PII Gateway %s (commit: %s, built: %s)\n", version, commit, date)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *healthCheck {
		performHealthCheck(cfg.Server.Port)
		return
	}

	log, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting PII gateway",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_date", date),
		zap.Int("port", cfg.Server.Port),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New(cfg.Metrics.Namespace)

	st, err := openStore(cfg, log)
	if err != nil {
		log.Fatal("Failed to open pseudonym store", zap.Error(err))
	}
	defer st.Close()

	detector, err := privacy.New(cfg.Privacy, log)
	if err != nil {
		log.Fatal("Failed to create PII detector", zap.Error(err))
	}

	policies := policy.NewConfigProvider(cfg.Policy, log)
	config.Watch(func(next *config.Config) {
		policies.Update(next.Policy)
		log.Info("Policy reloaded",
			zap.Bool("enforced", next.Policy.Enforced),
			zap.String("audit_level", next.Policy.AuditLevel))
	}, func(err error) {
		log.Warn("Ignoring configuration reload", zap.Error(err))
	})

	localModels, err := localmodel.New(cfg.LocalModel, log)
	if err != nil {
		log.Fatal("Failed to create local model probe", zap.Error(err))
	}

	engine := routing.NewEngine(
		classifier.New(detector, classifier.FailMode(cfg.Policy.FailMode), m, log),
		policies, localModels, log)
	pseudonymizer := pseudonym.New(st, detector, m, log)

	var auditWriter audit.Writer
	if cfg.Database.Enabled {
		auditWriter = audit.NewStoreWriter(cfg.Audit, st, m, log)
	} else {
		auditWriter = audit.NewLogWriter(log)
	}
	defer auditWriter.Close()

	opts := []gateway.Option{gateway.WithAudit(auditWriter), gateway.WithMetrics(m)}
	deps := server.Deps{
		Pseudonymizer: pseudonymizer,
		Rules:         detector,
		Stats:         st,
		Metrics:       m.Handler(),
	}

	var hub *websocket.Hub
	var sink *countingSink
	if cfg.WebSocket.Enabled {
		hub = websocket.NewHub(cfg.WebSocket, m, log)
		go hub.Run(ctx)
		sink = &countingSink{Hub: hub}
		opts = append(opts, gateway.WithEvents(sink))
		deps.WebSocket = http.HandlerFunc(hub.HandleWebSocket)
	}

	if cfg.RateLimit.Enabled {
		limiter := security.NewRateLimiter(cfg.RateLimit)
		limiter.StartCleanupRoutine(ctx)
		deps.RateLimiter = limiter
	}

	deps.Gateway = gateway.New(engine, pseudonymizer, policies, log, opts...)
	srv := server.New(cfg, deps, log)

	if sink != nil {
		go broadcastStatus(ctx, sink, len(detector.GetEnabledRules()))
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		serverErrors <- srv.Start()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", zap.Error(err))
		}
	case sig := <-shutdown:
		log.Info("Shutdown signal received", zap.String("signal", sig.String()))

		// Give outstanding requests 30 seconds to complete
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			log.Error("Failed to shutdown server gracefully", zap.Error(err))
		}
		log.Info("Server shutdown complete")
	}
}

func newLogger(cfg config.LoggingConfig) (*logger.Logger, error) {
	lc := logger.Config{
		Level:  cfg.Level,
		Format: cfg.Format,
	}
	if cfg.File.Enabled {
		lc.File = &logger.FileConfig{
			Enabled: cfg.File.Enabled,
			Path:    cfg.File.Path,
		}
	}
	return logger.New(lc)
}

// openStore returns Postgres when configured, otherwise an in-memory store.
// A Redis cache is layered on top when enabled; an unreachable Redis is
// logged and skipped.
func openStore(cfg *config.Config, log *logger.Logger) (store.Store, error) {
	var st store.Store
	if cfg.Database.Enabled {
		pg, err := store.NewPostgresStore(cfg.Database, log)
		if err != nil {
			return nil, err
		}
		st = pg
	} else {
		log.Warn("Database disabled; pseudonyms are kept in memory and lost on restart")
		st = store.NewMemoryStore()
	}

	if !cfg.Cache.Enabled {
		return st, nil
	}
	cached, err := cache.NewCachedStore(cfg.Cache, st, log)
	if err != nil {
		log.Warn("Pseudonym cache unavailable, continuing without it", zap.Error(err))
		return st, nil
	}
	return cached, nil
}

// countingSink forwards events to the hub and keeps totals for status events
type countingSink struct {
	*websocket.Hub
	decisions atomic.Int64
	blocked   atomic.Int64
}

func (s *countingSink) BroadcastDecision(ev websocket.DecisionEvent) {
	s.decisions.Add(1)
	if ev.Outcome == string(routing.OutcomeBlocked) {
		s.blocked.Add(1)
	}
	s.Hub.BroadcastDecision(ev)
}

func broadcastStatus(ctx context.Context, sink *countingSink, rules int) {
	started := time.Now()
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sink.BroadcastStatus(websocket.SystemStatusEvent{
				Status:           "healthy",
				Uptime:           time.Since(started).Round(time.Second).String(),
				TotalDecisions:   sink.decisions.Load(),
				TotalBlocked:     sink.blocked.Load(),
				ActiveRules:      rules,
				ConnectedClients: sink.ClientCount(),
			})
		case <-ctx.Done():
			return
		}
	}
}

// performHealthCheck performs a health check against the running server
func performHealthCheck(port int) {
	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health", port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
	os.Exit(0)
}
