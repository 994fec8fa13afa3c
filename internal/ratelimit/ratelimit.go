// Package ratelimit gates outbound requests per agent. Each agent gets a
// limiter enforcing a concurrency cap, minimum request spacing, burst and
// per-minute windows, and a circuit breaker that trips on consecutive
// failures. An adaptive controller widens or narrows the spacing based on
// the observed success rate.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrCircuitOpen is returned by Acquire while the agent's circuit
	// breaker is open and inside its cooldown.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrRateLimited is returned by Acquire when the burst or per-minute
	// window is saturated.
	ErrRateLimited = errors.New("rate limit exceeded")
)

const (
	// spacingFloor and spacingCeiling bound adaptive adjustment.
	spacingFloor   = 200 * time.Millisecond
	spacingCeiling = 10 * time.Second

	// adjustInterval is the minimum gap between adaptive adjustments.
	adjustInterval = 30 * time.Second
)

// Config configures one agent's limiter.
type Config struct {
	// MaxConcurrent bounds simultaneous in-flight requests.
	MaxConcurrent int

	// MinSpacing is the initial minimum gap between admitted requests.
	MinSpacing time.Duration

	// MaxPerMinute caps admits over a sliding 60 s window.
	MaxPerMinute int

	// BurstLimit caps admits over the BurstWindow.
	BurstLimit int

	// BurstWindow is the short-window size.
	BurstWindow time.Duration

	// CircuitThreshold is the consecutive-failure count that opens the
	// circuit.
	CircuitThreshold int

	// CircuitCooldown is how long the circuit stays open before probing.
	CircuitCooldown time.Duration

	// AdaptiveEnabled turns on success-rate driven spacing adjustment.
	AdaptiveEnabled bool

	// SuccessRateThreshold at or above which spacing shrinks.
	SuccessRateThreshold float64

	// FailureRateThreshold below which spacing grows.
	FailureRateThreshold float64

	// AdjustmentStep is the spacing delta per adjustment (doubled when
	// growing).
	AdjustmentStep time.Duration

	// MinAdjustRequests is the sample size required before adjusting.
	MinAdjustRequests int
}

// DefaultConfig returns conservative per-agent defaults. Provider-specific
// overrides apply on top.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:        2,
		MinSpacing:           time.Second,
		MaxPerMinute:         60,
		BurstLimit:           5,
		BurstWindow:          10 * time.Second,
		CircuitThreshold:     5,
		CircuitCooldown:      60 * time.Second,
		AdaptiveEnabled:      true,
		SuccessRateThreshold: 0.95,
		FailureRateThreshold: 0.80,
		AdjustmentStep:       100 * time.Millisecond,
		MinAdjustRequests:    10,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MinSpacing <= 0 {
		c.MinSpacing = d.MinSpacing
	}
	if c.MaxPerMinute <= 0 {
		c.MaxPerMinute = d.MaxPerMinute
	}
	if c.BurstLimit <= 0 {
		c.BurstLimit = d.BurstLimit
	}
	if c.BurstWindow <= 0 {
		c.BurstWindow = d.BurstWindow
	}
	if c.CircuitThreshold <= 0 {
		c.CircuitThreshold = d.CircuitThreshold
	}
	if c.CircuitCooldown <= 0 {
		c.CircuitCooldown = d.CircuitCooldown
	}
	if c.SuccessRateThreshold <= 0 {
		c.SuccessRateThreshold = d.SuccessRateThreshold
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = d.FailureRateThreshold
	}
	if c.AdjustmentStep <= 0 {
		c.AdjustmentStep = d.AdjustmentStep
	}
	if c.MinAdjustRequests <= 0 {
		c.MinAdjustRequests = d.MinAdjustRequests
	}
	return c
}

// Limiter gates requests for a single agent. All methods are safe for
// concurrent use.
type Limiter struct {
	agent  string
	logger *zap.Logger

	// test hooks
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu             sync.Mutex
	cfg            Config
	sem            *semaphore.Weighted
	circuit        breaker
	lastRequest    time.Time
	admitted       []time.Time
	currentSpacing time.Duration

	// adaptive sample window
	windowRequests  int
	windowSuccesses int
	lastAdjust      time.Time

	// stats
	requests    int64
	successes   int64
	failures    int64
	throttles   int64
	avgResponse time.Duration

	onCircuitChange func(agent string, state CircuitState)
}

func newLimiter(agent string, cfg Config, logger *zap.Logger) *Limiter {
	cfg = cfg.withDefaults()
	return &Limiter{
		agent:          agent,
		logger:         logger,
		now:            time.Now,
		sleep:          sleepCtx,
		cfg:            cfg,
		sem:            semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		circuit:        newBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown),
		currentSpacing: cfg.MinSpacing,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Permit is a successful Acquire. Release must be called exactly once;
// extra calls are ignored.
type Permit struct {
	l    *Limiter
	sem  *semaphore.Weighted
	once sync.Once
}

// Acquire blocks until the agent may issue one request. It fails fast with
// ErrCircuitOpen while the circuit is open, and with ErrRateLimited when the
// burst or per-minute window is full. The context cancels both the
// concurrency wait and the spacing sleep.
func (l *Limiter) Acquire(ctx context.Context) (*Permit, error) {
	l.mu.Lock()
	before := l.circuit.state
	if !l.circuit.allow(l.now()) {
		l.throttles++
		l.mu.Unlock()
		return nil, ErrCircuitOpen
	}
	if l.circuit.state != before {
		l.notifyCircuit(l.circuit.state)
	}
	sem := l.sem
	l.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	for {
		l.mu.Lock()
		now := l.now()

		if wait := l.currentSpacing - now.Sub(l.lastRequest); wait > 0 && !l.lastRequest.IsZero() {
			l.mu.Unlock()
			if err := l.sleep(ctx, wait); err != nil {
				sem.Release(1)
				return nil, err
			}
			continue
		}

		l.pruneAdmitted(now)
		if l.countSince(now.Add(-l.cfg.BurstWindow)) >= l.cfg.BurstLimit ||
			l.countSince(now.Add(-time.Minute)) >= l.cfg.MaxPerMinute {
			l.throttles++
			l.mu.Unlock()
			sem.Release(1)
			return nil, ErrRateLimited
		}

		l.lastRequest = now
		l.admitted = append(l.admitted, now)
		l.requests++
		l.mu.Unlock()
		return &Permit{l: l, sem: sem}, nil
	}
}

// Release reports the outcome of the permitted request and returns the
// concurrency slot. elapsed is the upstream round-trip time.
func (p *Permit) Release(success bool, elapsed time.Duration) {
	p.once.Do(func() {
		p.l.release(success, elapsed)
		p.sem.Release(1)
	})
}

// Cancel returns the concurrency slot without recording an outcome. Used
// when the request never reached the upstream: a downstream gate refused it
// or the caller cancelled.
func (p *Permit) Cancel() {
	p.once.Do(func() {
		p.sem.Release(1)
	})
}

func (l *Limiter) release(success bool, elapsed time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	prev := l.circuit.state
	if success {
		l.successes++
		l.circuit.recordSuccess()
	} else {
		l.failures++
		if l.circuit.recordFailure(now) {
			l.logger.Warn("circuit breaker opened",
				zap.String("agent", l.agent),
				zap.Int("consecutive_failures", l.circuit.consecutiveFailures),
				zap.Int("open_count", l.circuit.openCount))
		}
	}
	if l.circuit.state != prev {
		l.notifyCircuit(l.circuit.state)
	}

	if elapsed > 0 {
		if l.avgResponse == 0 {
			l.avgResponse = elapsed
		} else {
			l.avgResponse = time.Duration(0.8*float64(l.avgResponse) + 0.2*float64(elapsed))
		}
	}

	l.windowRequests++
	if success {
		l.windowSuccesses++
	}
	l.maybeAdjust(now)
}

// maybeAdjust applies the adaptive spacing policy. Caller holds l.mu.
func (l *Limiter) maybeAdjust(now time.Time) {
	if !l.cfg.AdaptiveEnabled || l.windowRequests < l.cfg.MinAdjustRequests {
		return
	}
	if !l.lastAdjust.IsZero() && now.Sub(l.lastAdjust) < adjustInterval {
		return
	}

	rate := float64(l.windowSuccesses) / float64(l.windowRequests)
	before := l.currentSpacing
	switch {
	case rate >= l.cfg.SuccessRateThreshold:
		l.currentSpacing -= l.cfg.AdjustmentStep
		if l.currentSpacing < spacingFloor {
			l.currentSpacing = spacingFloor
		}
	case rate < l.cfg.FailureRateThreshold:
		l.currentSpacing += 2 * l.cfg.AdjustmentStep
		if l.currentSpacing > spacingCeiling {
			l.currentSpacing = spacingCeiling
		}
	}
	if l.currentSpacing != before {
		l.logger.Debug("adjusted request spacing",
			zap.String("agent", l.agent),
			zap.Float64("success_rate", rate),
			zap.Duration("from", before),
			zap.Duration("to", l.currentSpacing))
	}
	l.lastAdjust = now
	l.windowRequests = 0
	l.windowSuccesses = 0
}

// UpdateConfig replaces the limiter configuration. The semaphore is swapped
// only when MaxConcurrent changes; in-flight permits release back to the
// semaphore they were acquired from.
func (l *Limiter) UpdateConfig(cfg Config) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	defer l.mu.Unlock()

	if cfg.MaxConcurrent != l.cfg.MaxConcurrent {
		l.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	if cfg.MinSpacing != l.cfg.MinSpacing {
		l.currentSpacing = cfg.MinSpacing
	}
	l.circuit.threshold = cfg.CircuitThreshold
	l.circuit.cooldown = cfg.CircuitCooldown
	l.cfg = cfg
}

// ResetCircuit force-closes the circuit and clears failure counters.
func (l *Limiter) ResetCircuit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.circuit.state != CircuitClosed {
		l.notifyCircuit(CircuitClosed)
	}
	l.circuit.reset()
}

// Stats is a point-in-time limiter snapshot.
type Stats struct {
	Circuit             CircuitState  `json:"circuit"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CircuitOpenCount    int           `json:"circuit_open_count"`
	CurrentSpacing      time.Duration `json:"current_spacing"`
	Requests            int64         `json:"requests"`
	Successes           int64         `json:"successes"`
	Failures            int64         `json:"failures"`
	Throttles           int64         `json:"throttles"`
	AvgResponse         time.Duration `json:"avg_response"`
	AdmittedLastMinute  int           `json:"admitted_last_minute"`
	AdmittedBurstWindow int           `json:"admitted_burst_window"`
}

// GetStats returns current limiter statistics.
func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.pruneAdmitted(now)
	return Stats{
		Circuit:             l.circuit.state,
		ConsecutiveFailures: l.circuit.consecutiveFailures,
		CircuitOpenCount:    l.circuit.openCount,
		CurrentSpacing:      l.currentSpacing,
		Requests:            l.requests,
		Successes:           l.successes,
		Failures:            l.failures,
		Throttles:           l.throttles,
		AvgResponse:         l.avgResponse,
		AdmittedLastMinute:  l.countSince(now.Add(-time.Minute)),
		AdmittedBurstWindow: l.countSince(now.Add(-l.cfg.BurstWindow)),
	}
}

// CircuitState returns the current breaker position.
func (l *Limiter) CircuitState() CircuitState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.circuit.state
}

func (l *Limiter) notifyCircuit(state CircuitState) {
	if l.onCircuitChange != nil {
		// Invoked under l.mu; hooks must not call back into the limiter.
		l.onCircuitChange(l.agent, state)
	}
}

// pruneAdmitted drops timestamps outside the longest tracked window.
// Caller holds l.mu.
func (l *Limiter) pruneAdmitted(now time.Time) {
	window := time.Minute
	if l.cfg.BurstWindow > window {
		window = l.cfg.BurstWindow
	}
	cutoff := now.Add(-window)
	i := 0
	for i < len(l.admitted) && l.admitted[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.admitted = l.admitted[i:]
	}
}

// countSince counts admits at or after cutoff. Caller holds l.mu.
func (l *Limiter) countSince(cutoff time.Time) int {
	count := 0
	for i := len(l.admitted) - 1; i >= 0; i-- {
		if l.admitted[i].Before(cutoff) {
			break
		}
		count++
	}
	return count
}
