// Package server wires together all aggregator subsystems and exposes the
// HTTP server. main() builds a Server, calls Run, done.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/toshokan-dev/toshokan/internal/agent"
	"github.com/toshokan-dev/toshokan/internal/config"
	"github.com/toshokan-dev/toshokan/internal/health"
	"github.com/toshokan-dev/toshokan/internal/indexer"
	"github.com/toshokan-dev/toshokan/internal/isolation"
	"github.com/toshokan-dev/toshokan/internal/metrics"
	"github.com/toshokan-dev/toshokan/internal/progress"
	"github.com/toshokan-dev/toshokan/internal/provider"
	"github.com/toshokan-dev/toshokan/internal/queue"
	"github.com/toshokan-dev/toshokan/internal/ratelimit"
	"github.com/toshokan-dev/toshokan/internal/search"
	"github.com/toshokan-dev/toshokan/internal/store"
	"github.com/toshokan-dev/toshokan/internal/worker"
	"github.com/toshokan-dev/toshokan/internal/ws"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Server is the assembled aggregator.
type Server struct {
	cfg    config.Config
	root   *zap.Logger
	logger *zap.Logger

	// Core subsystems
	registry *agent.Registry
	limits   *ratelimit.Manager
	iso      *isolation.Manager
	tracker  *progress.Tracker
	hub      *ws.Hub
	jobs     *queue.Queue
	monitor  *health.Monitor
	searcher *search.Searcher
	index    *indexer.Dispatcher
	watcher  *config.Watcher

	// Persistence (in-memory SQLite when the data dir is unusable)
	store *store.Store

	clients *clientLimiters

	httpServer *http.Server
}

// New builds a fully-wired Server from config.
func New(cfg config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		root:   logger,
		logger: logger.Named("server"),
	}

	if err := s.initStore(); err != nil {
		return nil, err
	}

	s.registry = agent.NewRegistry(logger)
	s.limits = ratelimit.NewManager(ratelimit.DefaultConfig(), logger)
	s.limits.OnCircuitChange(func(name string, state ratelimit.CircuitState) {
		metrics.SetCircuitState(name, state == ratelimit.CircuitOpen, state == ratelimit.CircuitHalfOpen)
		if ag, err := s.registry.Get(name); err == nil {
			ag.NoteCircuit(state)
		}
	})
	s.iso = isolation.NewManager(isolation.DefaultConfig(), logger)

	s.tracker = progress.NewTracker(progress.DefaultConfig(), logger)
	s.hub = ws.NewHub(logger)
	s.tracker.SetBroadcaster(s.hub)
	if s.store != nil {
		s.tracker.SetStore(s.store)
	}

	s.jobs = queue.NewQueue(queue.DefaultConfig(), logger)
	s.jobs.SetTracker(s.tracker)
	if s.store != nil {
		s.jobs.SetHistory(s.store)
	}

	s.monitor = health.NewMonitor(health.DefaultConfig(), s.registry, s.jobs, logger)

	if err := s.initAgents(); err != nil {
		s.Close()
		return nil, err
	}
	s.initWorkers()

	s.searcher = search.NewSearcher(search.DefaultConfig(), s.registry, logger)
	s.searcher.SetRanker(s.monitor)
	if s.store != nil {
		s.searcher.SetLibrary(s.store)
	}

	// The dispatcher starts empty; concrete metadata indexers are
	// site-specific and registered by the deployment via Register.
	s.index = indexer.NewDispatcher(indexer.DefaultConfig(), logger)

	s.watcher = config.NewWatcher(
		filepath.Join(cfg.DataDir, config.RuntimeFile),
		s.registry, s.limits, s.monitor, logger)

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var handler http.Handler = mux
	handler = maxBodySizeMiddleware(handler)
	if cfg.RateLimit.RequestsPerMinute > 0 {
		s.clients = newClientLimiters(cfg.RateLimit.RequestsPerMinute)
		handler = s.rateLimitMiddleware(handler)
	}
	handler = s.requestLogger(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.tracker.Start(runCtx); err != nil {
		return fmt.Errorf("start tracker: %w", err)
	}
	if err := s.hub.Start(runCtx); err != nil {
		return fmt.Errorf("start ws hub: %w", err)
	}
	if err := s.jobs.Start(runCtx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	if err := s.monitor.Start(runCtx); err != nil {
		return fmt.Errorf("start health monitor: %w", err)
	}
	if err := s.watcher.Start(runCtx); err != nil {
		s.logger.Warn("runtime config watching disabled", zap.Error(err))
	}

	s.logger.Info("starting aggregator",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.Int("agents", s.registry.Count()),
		zap.Bool("flaresolverr", s.cfg.HasFlareSolverr()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}

	s.watcher.Stop()
	s.monitor.Stop()
	s.jobs.Stop()
	s.tracker.Stop()
	s.hub.Stop()
	return runErr
}

// Close releases all resources.
func (s *Server) Close() {
	if s.store != nil {
		_ = s.store.Close()
	}
}

// --- Init helpers ---

// initStore opens the SQLite store, falling back to an in-memory database
// when the configured path is unusable.
func (s *Server) initStore() error {
	dbPath := s.cfg.DatabasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		s.logger.Warn("cannot create data dir, falling back to in-memory store",
			zap.String("dir", filepath.Dir(dbPath)), zap.Error(err))
		dbPath = ":memory:"
	}
	st, err := store.NewStore(dbPath, s.root)
	if err != nil && dbPath != ":memory:" {
		s.logger.Warn("cannot open store database, falling back to in-memory",
			zap.String("path", dbPath), zap.Error(err))
		st, err = store.NewStore(":memory:", s.root)
	}
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.store = st
	return nil
}

// initAgents builds one agent per provider definition. A missing
// definitions file leaves the registry empty; definitions can still be
// added and the process restarted without code changes.
func (s *Server) initAgents() error {
	defs, err := config.LoadProviders(s.cfg.DataDir, s.cfg.FlareSolverrURL)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("no provider definitions found, starting with empty registry",
				zap.String("dir", s.cfg.DataDir))
			return nil
		}
		return fmt.Errorf("load providers: %w", err)
	}

	for _, def := range defs {
		prov, perr := provider.New(def.ProviderConfig(s.cfg.FlareSolverrURL))
		if perr != nil {
			s.logger.Warn("skipping provider definition",
				zap.String("provider", def.ID), zap.Error(perr))
			continue
		}
		desc := agent.Descriptor{
			Name:                 def.ID,
			BaseURL:              def.URL,
			SupportsNSFW:         def.SupportsNSFW,
			RequiresFlareSolverr: def.RequiresFlareSolverr,
			Priority:             def.Priority,
			Capabilities:         provider.AllCapabilities(),
		}
		ag := agent.New(desc, prov, s.limits.ForAgent(def.ID), s.iso, s.root)
		ag.SetTracker(s.tracker)
		if rerr := s.registry.Register(ag); rerr != nil {
			s.logger.Warn("skipping provider definition",
				zap.String("provider", def.ID), zap.Error(rerr))
			continue
		}
		if !def.Enabled {
			_ = s.registry.Disable(def.ID)
		}
	}
	s.logger.Info("agents registered", zap.Int("count", s.registry.Count()))
	return nil
}

// initWorkers registers the job handlers. Downloads land under the data
// dir; the organizer scans the same tree.
func (s *Server) initWorkers() {
	libraryRoot := filepath.Join(s.cfg.DataDir, "library")
	sink := worker.NewFileSink(libraryRoot)
	worker.NewDownloadWorker(s.registry, s.tracker, sink, s.root).Register(s.jobs)
	worker.NewHealthCheckWorker(s.registry, s.tracker, s.monitor, s.root).Register(s.jobs)
	worker.NewOrganizationWorker(&worker.FSOrganizer{Root: libraryRoot}, s.tracker, s.root).Register(s.jobs)
}
