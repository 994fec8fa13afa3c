package ratelimit

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Manager owns exactly one Limiter per agent name. Names are
// case-insensitive.
type Manager struct {
	logger   *zap.Logger
	defaults Config

	mu       sync.RWMutex
	limiters map[string]*Limiter

	onCircuitChange func(agent string, state CircuitState)
}

// NewManager creates a limiter manager. defaults apply to agents without an
// explicit configuration.
func NewManager(defaults Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:   logger.Named("ratelimit"),
		defaults: defaults.withDefaults(),
		limiters: make(map[string]*Limiter),
	}
}

// OnCircuitChange registers a hook invoked on every circuit transition,
// for metrics. Must be called before the first ForAgent.
func (m *Manager) OnCircuitChange(fn func(agent string, state CircuitState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCircuitChange = fn
	for _, l := range m.limiters {
		l.mu.Lock()
		l.onCircuitChange = fn
		l.mu.Unlock()
	}
}

// ForAgent returns the agent's limiter, creating it with the manager
// defaults on first use.
func (m *Manager) ForAgent(name string) *Limiter {
	key := strings.ToLower(name)

	m.mu.RLock()
	l, ok := m.limiters[key]
	m.mu.RUnlock()
	if ok {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.limiters[key]; ok {
		return l
	}
	l = newLimiter(name, m.defaults, m.logger)
	l.onCircuitChange = m.onCircuitChange
	m.limiters[key] = l
	return l
}

// Configure creates or reconfigures the agent's limiter.
func (m *Manager) Configure(name string, cfg Config) {
	m.ForAgent(name).UpdateConfig(cfg)
}

// ResetCircuit force-closes the named agent's circuit. Returns false when
// no limiter exists for the name.
func (m *Manager) ResetCircuit(name string) bool {
	m.mu.RLock()
	l, ok := m.limiters[strings.ToLower(name)]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	l.ResetCircuit()
	m.logger.Info("circuit reset", zap.String("agent", name))
	return true
}

// AllStats snapshots every limiter, keyed by lower-cased agent name.
func (m *Manager) AllStats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.limiters))
	for name, l := range m.limiters {
		out[name] = l.GetStats()
	}
	return out
}
