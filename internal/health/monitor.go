// Package health tracks per-agent check outcomes and derives the status,
// score, and ranking used for provider selection and auto-disable.
//
// The monitor does not probe upstreams itself: it schedules HEALTH_CHECK
// jobs through the queue and consumes the results the health worker
// reports back, so probes obey the same rate limits as real traffic.
package health

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/toshokan-dev/toshokan/internal/agent"
	"github.com/toshokan-dev/toshokan/internal/metrics"
	"github.com/toshokan-dev/toshokan/internal/queue"
)

// Status is the monitor's verdict on one agent.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
	StatusUnknown   Status = "UNKNOWN"
	StatusDisabled  Status = "DISABLED"
)

// recentChecks bounds the per-agent ring of retained check outcomes.
const recentChecks = 10

// Average-response brackets for the score's latency adjustment, in
// milliseconds.
const (
	fastResponseMS     = 1000
	slowResponseMS     = 3000
	verySlowResponseMS = 10000
)

// Check is one recorded probe outcome.
type Check struct {
	At      time.Time     `json:"at"`
	Success bool          `json:"success"`
	Latency time.Duration `json:"latency"`
}

// Metrics is the externally visible health state of one agent.
// SuccessRate and Score are percentages in [0,100].
type Metrics struct {
	Provider            string     `json:"provider"`
	Status              Status     `json:"status"`
	AvgResponseMS       float64    `json:"avg_response_ms"`
	SuccessRate         float64    `json:"success_rate"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	TotalChecks         int        `json:"total_checks"`
	LastCheck           *time.Time `json:"last_check,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
	RecentChecks        []Check    `json:"recent_checks,omitempty"`
	ManualOverride      bool       `json:"manual_override"`
	AutoDisabled        bool       `json:"auto_disabled"`
	Score               float64    `json:"score"`
}

// Enqueuer is the job-queue surface the monitor schedules checks through.
type Enqueuer interface {
	Add(job *queue.Job) error
}

// Config tunes the monitor.
type Config struct {
	// CheckInterval is how often scheduled checks are enqueued. Default 5m.
	CheckInterval time.Duration

	// FailureThreshold is the consecutive-failure count that auto-disables
	// an agent. Default 5.
	FailureThreshold int
}

// DefaultConfig returns the standard monitor parameters.
func DefaultConfig() Config {
	return Config{CheckInterval: 5 * time.Minute, FailureThreshold: 5}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CheckInterval <= 0 {
		c.CheckInterval = d.CheckInterval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	return c
}

// state is the mutable per-agent record. Guarded by Monitor.mu.
type state struct {
	status              Status
	avgMS               float64
	consecutiveFailures int
	totalChecks         int
	totalSuccesses      int
	lastCheck           time.Time
	lastSuccess         time.Time
	lastFailure         time.Time
	recent              []Check
	manualOverride      bool
	autoDisabled        bool
	checksDisabled      bool
}

func (s *state) successRate() float64 {
	if s.totalChecks == 0 {
		// Unproven agents rank ahead of proven-bad ones.
		return 100
	}
	return float64(s.totalSuccesses) / float64(s.totalChecks) * 100
}

func (s *state) transition() Status {
	switch {
	case s.consecutiveFailures >= 5:
		return StatusUnhealthy
	case s.consecutiveFailures >= 3 || (s.successRate() < 80 && s.totalChecks >= 10):
		return StatusDegraded
	case s.successRate() >= 95 || s.consecutiveFailures == 0:
		return StatusHealthy
	default:
		return StatusDegraded
	}
}

func (s *state) score(now time.Time) float64 {
	score := s.successRate() - math.Min(10*float64(s.consecutiveFailures), 50)
	if !s.lastSuccess.IsZero() && now.Sub(s.lastSuccess) <= time.Hour {
		score += 10
	}
	switch {
	case s.avgMS == 0:
		// no latency samples yet
	case s.avgMS < fastResponseMS:
		score += 5
	case s.avgMS < slowResponseMS:
		// neutral
	case s.avgMS < verySlowResponseMS:
		score -= 5
	default:
		score -= 10
	}
	return math.Max(0, math.Min(100, score))
}

func (s *state) snapshot(name string, now time.Time) Metrics {
	m := Metrics{
		Provider:            name,
		Status:              s.status,
		AvgResponseMS:       s.avgMS,
		SuccessRate:         s.successRate(),
		ConsecutiveFailures: s.consecutiveFailures,
		TotalChecks:         s.totalChecks,
		RecentChecks:        append([]Check(nil), s.recent...),
		ManualOverride:      s.manualOverride,
		AutoDisabled:        s.autoDisabled,
		Score:               s.score(now),
	}
	if !s.lastCheck.IsZero() {
		t := s.lastCheck
		m.LastCheck = &t
	}
	if !s.lastSuccess.IsZero() {
		t := s.lastSuccess
		m.LastSuccess = &t
	}
	if !s.lastFailure.IsZero() {
		t := s.lastFailure
		m.LastFailure = &t
	}
	return m
}

// Monitor owns the per-agent health state. All methods are safe for
// concurrent use. It satisfies the health worker's result sink.
type Monitor struct {
	cfg      Config
	logger   *zap.Logger
	registry *agent.Registry
	jobs     Enqueuer

	// test hook
	now func() time.Time

	mu        sync.Mutex
	agents    map[string]*state
	benchmark bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	cron   *cron.Cron
}

// NewMonitor creates a Monitor over the given registry and job queue.
func NewMonitor(cfg Config, registry *agent.Registry, jobs Enqueuer, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("health"),
		registry: registry,
		jobs:     jobs,
		now:      time.Now,
		agents:   make(map[string]*state),
	}
}

// Start sweeps once immediately, then on every check interval. An hourly
// cron schedule marks the next sweep as a performance benchmark.
func (m *Monitor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	c := cron.New()
	if _, err := c.AddFunc("0 * * * *", m.markBenchmark); err != nil {
		cancel()
		return fmt.Errorf("schedule benchmark: %w", err)
	}
	c.Start()
	m.cron = c

	m.wg.Add(1)
	go m.loop(runCtx)

	m.logger.Info("health monitor started",
		zap.Duration("check_interval", m.cfg.CheckInterval),
		zap.Int("failure_threshold", m.cfg.FailureThreshold))
	return nil
}

// Stop halts the sweep loop and the benchmark cron.
func (m *Monitor) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	m.sweep()
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Monitor) markBenchmark() {
	m.mu.Lock()
	m.benchmark = true
	m.mu.Unlock()
}

// sweep enqueues one check job per enabled agent. Disabled agents are
// skipped; failing-but-enabled ones are still probed so recovery is
// noticed.
func (m *Monitor) sweep() {
	m.mu.Lock()
	benchmark := m.benchmark
	m.benchmark = false
	m.mu.Unlock()

	enqueued := 0
	for _, ag := range m.registry.All() {
		name := ag.Name()
		m.mu.Lock()
		muted := m.ensureLocked(name).checksDisabled
		m.mu.Unlock()
		if muted || ag.Status() == agent.StatusInactive {
			continue
		}
		if err := m.enqueueCheck(name, benchmark, queue.PriorityLow); err != nil {
			m.logger.Warn("schedule health check failed",
				zap.String("provider", name), zap.Error(err))
			continue
		}
		enqueued++
	}
	m.logger.Debug("health sweep scheduled",
		zap.Int("jobs", enqueued), zap.Bool("benchmark", benchmark))
}

func (m *Monitor) enqueueCheck(name string, benchmark bool, prio queue.Priority) error {
	md := map[string]any{"test_search": true, "test_metadata": true}
	if benchmark {
		md["test_download"] = true
		md["performance_benchmark"] = true
	}
	job := queue.NewJob(queue.TypeHealthCheck, prio, queue.Payload{
		ProviderName: name,
		Metadata:     md,
	})
	return m.jobs.Add(job)
}

// track ensures a state record exists so unchecked agents still appear in
// listings as UNKNOWN.
func (m *Monitor) track(name string) {
	m.mu.Lock()
	m.ensureLocked(name)
	m.mu.Unlock()
}

// SetChecksEnabled turns scheduled checks for one provider on or off
// without touching its status or rotation. On-demand checks still run
// while scheduled ones are muted.
func (m *Monitor) SetChecksEnabled(provider string, enabled bool) {
	m.mu.Lock()
	m.ensureLocked(provider).checksDisabled = !enabled
	m.mu.Unlock()
}

func (m *Monitor) ensureLocked(name string) *state {
	s, ok := m.agents[name]
	if !ok {
		s = &state{status: StatusUnknown}
		m.agents[name] = s
	}
	return s
}

// ReportCheck folds one check outcome into the agent's health state. It is
// the worker-facing sink.
func (m *Monitor) ReportCheck(provider string, success bool, latency time.Duration) {
	m.mu.Lock()
	s := m.ensureLocked(provider)
	now := m.now()

	s.totalChecks++
	s.lastCheck = now
	if success {
		s.totalSuccesses++
		s.consecutiveFailures = 0
		s.lastSuccess = now
		if ms := float64(latency.Milliseconds()); ms > 0 {
			if s.avgMS == 0 {
				s.avgMS = ms
			} else {
				s.avgMS = 0.8*s.avgMS + 0.2*ms
			}
		}
	} else {
		s.consecutiveFailures++
		s.lastFailure = now
	}
	s.recent = append(s.recent, Check{At: now, Success: success, Latency: latency})
	if len(s.recent) > recentChecks {
		s.recent = s.recent[1:]
	}

	if !s.manualOverride && !s.autoDisabled {
		s.status = s.transition()
	}
	disable := false
	if !s.manualOverride && !s.autoDisabled && s.consecutiveFailures >= m.cfg.FailureThreshold {
		s.status = StatusDisabled
		s.autoDisabled = true
		disable = true
	}
	score := s.score(now)
	status := s.status
	fails := s.consecutiveFailures
	m.mu.Unlock()

	metrics.HealthScore.WithLabelValues(provider).Set(score)

	if disable {
		if err := m.registry.Disable(provider); err != nil {
			m.logger.Warn("auto-disable failed",
				zap.String("provider", provider), zap.Error(err))
		}
		m.logger.Warn("agent auto-disabled after repeated failures",
			zap.String("provider", provider),
			zap.Int("consecutive_failures", fails))
		return
	}
	m.logger.Debug("health check recorded",
		zap.String("provider", provider),
		zap.Bool("success", success),
		zap.String("status", string(status)),
		zap.Float64("score", score))
}

// Enable puts the agent back in rotation with a clean slate: counters
// reset, status UNKNOWN, and an immediate check scheduled.
func (m *Monitor) Enable(provider string) error {
	if err := m.registry.Enable(provider); err != nil {
		return err
	}

	m.mu.Lock()
	s := m.ensureLocked(provider)
	s.status = StatusUnknown
	s.consecutiveFailures = 0
	s.totalChecks = 0
	s.totalSuccesses = 0
	s.autoDisabled = false
	s.manualOverride = false
	m.mu.Unlock()

	if err := m.enqueueCheck(provider, false, queue.PriorityHigh); err != nil {
		m.logger.Warn("schedule post-enable check failed",
			zap.String("provider", provider), zap.Error(err))
	}
	m.logger.Info("agent enabled", zap.String("provider", provider))
	return nil
}

// Disable takes the agent out of rotation and pins its status until the
// next Enable. Scheduled sweeps skip disabled agents.
func (m *Monitor) Disable(provider string) error {
	if err := m.registry.Disable(provider); err != nil {
		return err
	}

	m.mu.Lock()
	s := m.ensureLocked(provider)
	s.status = StatusDisabled
	s.manualOverride = true
	s.autoDisabled = false
	m.mu.Unlock()

	m.logger.Info("agent disabled", zap.String("provider", provider))
	return nil
}

// Metrics returns the health snapshot for one agent.
func (m *Monitor) Metrics(provider string) (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.agents[provider]
	if !ok {
		return Metrics{}, false
	}
	return s.snapshot(provider, m.now()), true
}

// All returns every tracked agent's snapshot, ordered by name.
func (m *Monitor) All() []Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make([]Metrics, 0, len(m.agents))
	for name, s := range m.agents {
		out = append(out, s.snapshot(name, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// Rankings returns every tracked agent's snapshot ordered by score
// descending, ties broken by name. Callers use it for fallback provider
// ordering.
func (m *Monitor) Rankings() []Metrics {
	out := m.All()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Provider < out[j].Provider
	})
	return out
}
