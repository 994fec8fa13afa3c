package agent

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/toshokan-dev/toshokan/internal/provider"
)

var (
	// ErrNotFound is returned for unknown agent names.
	ErrNotFound = errors.New("agent not found")

	// ErrDuplicate is returned by Register for an already-taken name.
	ErrDuplicate = errors.New("agent already registered")
)

// Registry holds the process-wide agent set, keyed by case-insensitive
// name, with reverse capability indices. All methods are safe for
// concurrent use.
type Registry struct {
	logger *zap.Logger

	mu     sync.RWMutex
	agents map[string]*Agent
	byCap  map[provider.Capability]map[string]*Agent
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger: logger.Named("registry"),
		agents: make(map[string]*Agent),
		byCap:  make(map[provider.Capability]map[string]*Agent),
	}
}

// Register adds an agent. Duplicate names (case-insensitive) are an error.
func (r *Registry) Register(a *Agent) error {
	key := strings.ToLower(a.Name())

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[key]; ok {
		return fmt.Errorf("%s: %w", a.Name(), ErrDuplicate)
	}
	r.agents[key] = a
	for _, c := range a.Descriptor().Capabilities {
		if r.byCap[c] == nil {
			r.byCap[c] = make(map[string]*Agent)
		}
		r.byCap[c][key] = a
	}
	r.logger.Info("agent registered",
		zap.String("agent", a.Name()),
		zap.Int("priority", a.Descriptor().Priority),
		zap.Int("capabilities", len(a.Descriptor().Capabilities)))
	return nil
}

// Unregister removes an agent and its capability index entries.
func (r *Registry) Unregister(name string) error {
	key := strings.ToLower(name)

	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[key]
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	delete(r.agents, key)
	for _, c := range a.Descriptor().Capabilities {
		delete(r.byCap[c], key)
	}
	r.logger.Info("agent unregistered", zap.String("agent", name))
	return nil
}

// Get returns the named agent.
func (r *Registry) Get(name string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return a, nil
}

// All returns every agent ordered by priority, then name.
func (r *Registry) All() []*Agent {
	r.mu.RLock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Descriptor().Priority != out[j].Descriptor().Priority {
			return out[i].Descriptor().Priority < out[j].Descriptor().Priority
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// ByCapability returns the ACTIVE agents serving the capability, ordered by
// priority, then name.
func (r *Registry) ByCapability(c provider.Capability) []*Agent {
	r.mu.RLock()
	out := make([]*Agent, 0, len(r.byCap[c]))
	for _, a := range r.byCap[c] {
		if a.Status() == StatusActive {
			out = append(out, a)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Descriptor().Priority != out[j].Descriptor().Priority {
			return out[i].Descriptor().Priority < out[j].Descriptor().Priority
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// BestFor returns the ACTIVE agents serving the capability, best first:
// highest success rate, then lowest average response time.
func (r *Registry) BestFor(c provider.Capability) []*Agent {
	out := r.ByCapability(c)
	type ranked struct {
		a    *Agent
		m    Metrics
		name string
	}
	rs := make([]ranked, len(out))
	for i, a := range out {
		rs[i] = ranked{a, a.Metrics(), a.Name()}
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].m.SuccessRate != rs[j].m.SuccessRate {
			return rs[i].m.SuccessRate > rs[j].m.SuccessRate
		}
		return rs[i].m.AvgResponseTime < rs[j].m.AvgResponseTime
	})
	for i := range rs {
		out[i] = rs[i].a
	}
	return out
}

// Enable flips the named agent to ACTIVE. Idempotent.
func (r *Registry) Enable(name string) error {
	a, err := r.Get(name)
	if err != nil {
		return err
	}
	a.Enable()
	return nil
}

// Disable flips the named agent to INACTIVE. Idempotent; metrics are kept.
func (r *Registry) Disable(name string) error {
	a, err := r.Get(name)
	if err != nil {
		return err
	}
	a.Disable()
	return nil
}

// ResetCircuit resets the named agent's limiter circuit and isolation
// state.
func (r *Registry) ResetCircuit(name string) error {
	a, err := r.Get(name)
	if err != nil {
		return err
	}
	a.Reset()
	return nil
}

// Count returns the number of registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// Snapshots returns the full agent views, ordered by priority then name.
func (r *Registry) Snapshots() []Snapshot {
	all := r.All()
	out := make([]Snapshot, len(all))
	for i, a := range all {
		out[i] = a.Snapshot()
	}
	return out
}
