// Package isolation fences agent calls behind per-agent bulkheads. Each
// agent gets a bounded slot pool, a request timeout, and a failure-pattern
// log; agents that fail repeatedly are quarantined for a fixed window during
// which no call executes. Quarantine is independent from the rate limiter's
// circuit breaker: the two compose, and both must permit a call.
package isolation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/toshokan-dev/toshokan/internal/provider"
)

var (
	// ErrQuarantined is returned by Execute while the agent is inside a
	// quarantine window.
	ErrQuarantined = errors.New("agent quarantined")

	// ErrTimeout is returned by Execute when the wrapped call exceeds the
	// request timeout.
	ErrTimeout = errors.New("operation timed out")
)

// Pattern classifies a failure for quarantine bookkeeping.
type Pattern string

const (
	PatternTimeout         Pattern = "TIMEOUT"
	PatternUpstream5xx     Pattern = "UPSTREAM_5XX"
	PatternConnection      Pattern = "CONNECTION"
	PatternHighFailureRate Pattern = "HIGH_FAILURE_RATE"
)

const (
	// failureWindow is the span over which recent failures count toward
	// quarantine.
	failureWindow = 10 * time.Minute

	// retention bounds how long failure records are kept at all.
	retention = time.Hour
)

// Config holds the per-agent isolation parameters. The same config applies
// to every agent the manager tracks.
type Config struct {
	// MaxConcurrent is the bulkhead slot count per agent.
	MaxConcurrent int

	// RequestTimeout bounds each wrapped call.
	RequestTimeout time.Duration

	// ConsecutiveThreshold quarantines after this many back-to-back
	// failures.
	ConsecutiveThreshold int

	// FailureThreshold quarantines when failures inside the 10 minute
	// window reach this count.
	FailureThreshold int

	// QuarantineDuration is how long a quarantined agent is refused.
	QuarantineDuration time.Duration
}

// DefaultConfig returns the standard isolation parameters.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:        5,
		RequestTimeout:       30 * time.Second,
		ConsecutiveThreshold: 5,
		FailureThreshold:     10,
		QuarantineDuration:   300 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.ConsecutiveThreshold <= 0 {
		c.ConsecutiveThreshold = d.ConsecutiveThreshold
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.QuarantineDuration <= 0 {
		c.QuarantineDuration = d.QuarantineDuration
	}
	return c
}

type failureRecord struct {
	at      time.Time
	pattern Pattern
}

// bulkhead is the per-agent isolation state.
type bulkhead struct {
	sem *semaphore.Weighted

	mu               sync.Mutex
	failures         []failureRecord
	consecutive      int
	quarantineUntil  time.Time
	quarantineReason string
	quarantineCount  int
}

// Manager tracks isolation state for every agent. All methods are safe for
// concurrent use.
type Manager struct {
	logger *zap.Logger
	cfg    Config

	// test hook
	now func() time.Time

	mu     sync.Mutex
	agents map[string]*bulkhead
}

// NewManager creates a Manager with cfg applied to every agent.
func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger: logger.Named("isolation"),
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		agents: make(map[string]*bulkhead),
	}
}

func (m *Manager) forAgent(name string) *bulkhead {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.agents[name]
	if !ok {
		b = &bulkhead{sem: semaphore.NewWeighted(int64(m.cfg.MaxConcurrent))}
		m.agents[name] = b
	}
	return b
}

// Execute runs fn for the named agent under the bulkhead and request
// timeout. It fails fast with ErrQuarantined inside a quarantine window,
// maps a timeout to ErrTimeout, and records failures toward quarantine.
// Caller cancellation passes through unchanged and counts as nothing.
func (m *Manager) Execute(ctx context.Context, agent string, fn func(ctx context.Context) error) error {
	b := m.forAgent(agent)

	b.mu.Lock()
	now := m.now()
	if now.Before(b.quarantineUntil) {
		until := b.quarantineUntil
		b.mu.Unlock()
		return fmt.Errorf("%s until %s: %w", agent, until.Format(time.RFC3339), ErrQuarantined)
	}
	b.mu.Unlock()

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer b.sem.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		m.recordSuccess(b)
		return nil
	}

	// Caller cancellation is not the agent's fault.
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && callCtx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("%s after %s: %w", agent, m.cfg.RequestTimeout, ErrTimeout)
	}

	m.recordFailure(b, agent, classify(err))
	return err
}

// classify maps an error to the failure pattern it evidences.
func classify(err error) Pattern {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return PatternTimeout
	}
	var upErr *provider.UpstreamError
	if errors.As(err, &upErr) && upErr.StatusCode >= 500 {
		return PatternUpstream5xx
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return PatternTimeout
		}
		return PatternConnection
	}
	return PatternHighFailureRate
}

func (m *Manager) recordSuccess(b *bulkhead) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.failures = b.failures[:0]
	b.quarantineUntil = time.Time{}
	b.quarantineReason = ""
}

func (m *Manager) recordFailure(b *bulkhead, agent string, pattern Pattern) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := m.now()
	b.consecutive++
	b.failures = append(b.failures, failureRecord{at: now, pattern: pattern})
	b.pruneLocked(now)

	recent := 0
	cutoff := now.Add(-failureWindow)
	for _, f := range b.failures {
		if !f.at.Before(cutoff) {
			recent++
		}
	}

	var reason string
	switch {
	case b.consecutive >= m.cfg.ConsecutiveThreshold:
		reason = fmt.Sprintf("%d consecutive failures (last: %s)", b.consecutive, pattern)
	case recent >= m.cfg.FailureThreshold:
		reason = fmt.Sprintf("%d failures in %s (last: %s)", recent, failureWindow, pattern)
	default:
		return
	}

	b.quarantineUntil = now.Add(m.cfg.QuarantineDuration)
	b.quarantineReason = reason
	b.quarantineCount++
	m.logger.Warn("agent quarantined",
		zap.String("agent", agent),
		zap.String("reason", reason),
		zap.Time("until", b.quarantineUntil))
}

// pruneLocked drops failure records older than the retention span. Caller
// holds b.mu.
func (b *bulkhead) pruneLocked(now time.Time) {
	cutoff := now.Add(-retention)
	i := 0
	for i < len(b.failures) && b.failures[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.failures = b.failures[i:]
	}
}

// Reset clears the named agent's failures and lifts any quarantine.
func (m *Manager) Reset(agent string) {
	m.mu.Lock()
	b, ok := m.agents[agent]
	m.mu.Unlock()
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.failures = nil
	b.quarantineUntil = time.Time{}
	b.quarantineReason = ""
}

// Stats is a point-in-time view of one agent's isolation state.
type Stats struct {
	Quarantined         bool      `json:"quarantined"`
	QuarantineUntil     time.Time `json:"quarantine_until,omitempty"`
	QuarantineReason    string    `json:"quarantine_reason,omitempty"`
	QuarantineCount     int       `json:"quarantine_count"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RecentFailures      int       `json:"recent_failures"`
}

// Stats returns the named agent's isolation snapshot.
func (m *Manager) Stats(agent string) Stats {
	m.mu.Lock()
	b, ok := m.agents[agent]
	m.mu.Unlock()
	if !ok {
		return Stats{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	now := m.now()
	recent := 0
	cutoff := now.Add(-failureWindow)
	for _, f := range b.failures {
		if !f.at.Before(cutoff) {
			recent++
		}
	}
	return Stats{
		Quarantined:         now.Before(b.quarantineUntil),
		QuarantineUntil:     b.quarantineUntil,
		QuarantineReason:    b.quarantineReason,
		QuarantineCount:     b.quarantineCount,
		ConsecutiveFailures: b.consecutive,
		RecentFailures:      recent,
	}
}

// AllStats returns snapshots for every tracked agent.
func (m *Manager) AllStats() map[string]Stats {
	m.mu.Lock()
	names := make([]string, 0, len(m.agents))
	for name := range m.agents {
		names = append(names, name)
	}
	m.mu.Unlock()

	out := make(map[string]Stats, len(names))
	for _, name := range names {
		out[name] = m.Stats(name)
	}
	return out
}
