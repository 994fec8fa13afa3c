package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/toshokan-dev/toshokan/internal/agent"
	"github.com/toshokan-dev/toshokan/internal/health"
	"github.com/toshokan-dev/toshokan/internal/ratelimit"
)

// RuntimeFile is the hot-swappable per-agent override file name.
const RuntimeFile = "agent_runtime_config.json"

// RuntimeConfig holds per-agent override blocks keyed by agent name.
type RuntimeConfig map[string]AgentRuntime

// AgentRuntime is one agent's override block. Pointer fields distinguish
// absent from zero: absent settings keep their current values.
type AgentRuntime struct {
	Enabled        *bool                 `json:"enabled,omitempty"`
	Priority       *int                  `json:"priority,omitempty"`
	CircuitBreaker *CircuitBreakerPolicy `json:"circuit_breaker,omitempty"`
	RateLimiting   *RateLimitPolicy      `json:"rate_limiting,omitempty"`
	Monitoring     *MonitoringPolicy     `json:"monitoring,omitempty"`
	Timeouts       *TimeoutPolicy        `json:"timeouts,omitempty"`
}

// CircuitBreakerPolicy overrides circuit settings. Timeout is the cooldown
// before a half-open probe, in seconds.
type CircuitBreakerPolicy struct {
	Threshold int   `json:"threshold,omitempty"`
	TimeoutS  int   `json:"timeout,omitempty"`
	Enabled   *bool `json:"enabled,omitempty"`
}

// RateLimitPolicy overrides limiter settings.
type RateLimitPolicy struct {
	MaxConcurrent    int   `json:"max_concurrent,omitempty"`
	MinTimeBetweenMS int   `json:"min_time_between_requests_ms,omitempty"`
	Enabled          *bool `json:"enabled,omitempty"`
}

// MonitoringPolicy overrides scheduled health checking.
type MonitoringPolicy struct {
	HealthChecksEnabled *bool `json:"health_checks_enabled,omitempty"`
}

// TimeoutPolicy caps per-call durations, in seconds.
type TimeoutPolicy struct {
	RequestTimeoutS     int `json:"request_timeout,omitempty"`
	HealthCheckTimeoutS int `json:"health_check_timeout,omitempty"`
}

// LoadRuntime reads the per-agent override file.
func LoadRuntime(path string) (RuntimeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read runtime config: %w", err)
	}
	var rc RuntimeConfig
	if err := json.Unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("parse runtime config: %w", err)
	}
	return rc, nil
}

// limiterConfig translates the circuit_breaker and rate_limiting blocks
// into limiter settings. Fields a block leaves at zero fall back to the
// limiter defaults. A disabled block maps to effectively-unbounded values
// since the limiter itself has no off switch.
func (o AgentRuntime) limiterConfig() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	if rl := o.RateLimiting; rl != nil {
		if rl.Enabled != nil && !*rl.Enabled {
			cfg.MaxConcurrent = 64
			cfg.MinSpacing = time.Millisecond
			cfg.MaxPerMinute = 1 << 20
			cfg.BurstLimit = 1 << 20
		} else {
			if rl.MaxConcurrent > 0 {
				cfg.MaxConcurrent = rl.MaxConcurrent
			}
			if rl.MinTimeBetweenMS > 0 {
				cfg.MinSpacing = time.Duration(rl.MinTimeBetweenMS) * time.Millisecond
			}
		}
	}
	if cb := o.CircuitBreaker; cb != nil {
		if cb.Enabled != nil && !*cb.Enabled {
			cfg.CircuitThreshold = math.MaxInt32
		} else {
			if cb.Threshold > 0 {
				cfg.CircuitThreshold = cb.Threshold
			}
			if cb.TimeoutS > 0 {
				cfg.CircuitCooldown = time.Duration(cb.TimeoutS) * time.Second
			}
		}
	}
	return cfg
}

// Editors and atomic-save tools fire several events per change; a short
// settle delay folds them into one reload.
const reloadSettle = 100 * time.Millisecond

// Watcher applies agent_runtime_config.json to the running components and
// re-applies it whenever the file changes on disk.
type Watcher struct {
	path     string
	logger   *zap.Logger
	registry *agent.Registry
	limits   *ratelimit.Manager
	monitor  *health.Monitor

	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher builds a watcher over the runtime config at path. monitor may
// be nil when health monitoring is not wired.
func NewWatcher(path string, registry *agent.Registry, limits *ratelimit.Manager, monitor *health.Monitor, logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		logger:   logger.Named("config"),
		registry: registry,
		limits:   limits,
		monitor:  monitor,
	}
}

// Start applies the file once (a missing file is fine) and begins watching.
// The watch is on the directory rather than the file itself so it survives
// editors and tools that replace the file wholesale.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.applyFile(); err != nil && !errors.Is(err, os.ErrNotExist) {
		w.logger.Warn("initial runtime config rejected",
			zap.String("path", w.path), zap.Error(err))
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.fsw = fsw

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(runCtx)

	w.logger.Info("runtime config watcher started", zap.String("path", w.path))
	return nil
}

// Stop ends the watch loop. The last applied overrides remain in force.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	if w.fsw != nil {
		_ = w.fsw.Close()
	}
	w.wg.Wait()
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			settle = time.After(reloadSettle)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", zap.Error(err))
		case <-settle:
			settle = nil
			if err := w.applyFile(); err != nil {
				w.logger.Warn("runtime config rejected",
					zap.String("path", w.path), zap.Error(err))
			}
		}
	}
}

func (w *Watcher) applyFile() error {
	rc, err := LoadRuntime(w.path)
	if err != nil {
		return err
	}
	w.Apply(rc)
	return nil
}

// Apply pushes every agent's override block onto the running components.
// Unknown agents are skipped so the file may mention providers that have
// not registered yet.
func (w *Watcher) Apply(rc RuntimeConfig) {
	names := make([]string, 0, len(rc))
	for name := range rc {
		names = append(names, name)
	}
	sort.Strings(names)

	applied := 0
	for _, name := range names {
		ov := rc[name]
		ag, err := w.registry.Get(name)
		if err != nil {
			w.logger.Debug("runtime overrides for unknown agent",
				zap.String("agent", name))
			continue
		}
		if ov.Priority != nil {
			ag.SetPriority(*ov.Priority)
		}
		if t := ov.Timeouts; t != nil {
			ag.SetTimeouts(
				time.Duration(t.RequestTimeoutS)*time.Second,
				time.Duration(t.HealthCheckTimeoutS)*time.Second)
		}
		if ov.CircuitBreaker != nil || ov.RateLimiting != nil {
			w.limits.Configure(name, ov.limiterConfig())
		}
		if m := ov.Monitoring; m != nil && m.HealthChecksEnabled != nil && w.monitor != nil {
			w.monitor.SetChecksEnabled(name, *m.HealthChecksEnabled)
		}
		if ov.Enabled != nil {
			if *ov.Enabled {
				_ = w.registry.Enable(name)
			} else {
				_ = w.registry.Disable(name)
			}
		}
		applied++
	}
	w.logger.Info("runtime overrides applied",
		zap.Int("agents", applied), zap.Int("skipped", len(rc)-applied))
}
