// Package agent wraps upstream providers in a uniform, gated call surface.
// Every call runs limiter -> isolation -> provider, with per-agent metrics
// and an agent status machine on top. The registry keys agents by
// case-insensitive name and answers capability and best-agent queries for
// the search and job layers.
package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/toshokan-dev/toshokan/internal/isolation"
	"github.com/toshokan-dev/toshokan/internal/metrics"
	"github.com/toshokan-dev/toshokan/internal/progress"
	"github.com/toshokan-dev/toshokan/internal/provider"
	"github.com/toshokan-dev/toshokan/internal/ratelimit"
	"github.com/toshokan-dev/toshokan/internal/telemetry"
)

// Status is the agent's administrative and operational state.
type Status string

const (
	StatusActive      Status = "ACTIVE"
	StatusInactive    Status = "INACTIVE"
	StatusError       Status = "ERROR"
	StatusCircuitOpen Status = "CIRCUIT_OPEN"
)

// Descriptor is the identity of one agent, built from provider
// configuration at startup. Priority is adjustable at runtime; everything
// else is fixed.
type Descriptor struct {
	Name                 string                `json:"name"`
	BaseURL              string                `json:"base_url"`
	SupportsNSFW         bool                  `json:"supports_nsfw"`
	RequiresFlareSolverr bool                  `json:"requires_flaresolverr"`
	Priority             int                   `json:"priority"`
	Capabilities         []provider.Capability `json:"capabilities"`
}

// Metrics is a point-in-time snapshot of one agent's call counters.
type Metrics struct {
	Requests        int64         `json:"requests"`
	Successes       int64         `json:"successes"`
	Failures        int64         `json:"failures"`
	Throttles       int64         `json:"throttles"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	SuccessRate     float64       `json:"success_rate"`
	LastError       string        `json:"last_error,omitempty"`
	LastErrorAt     time.Time     `json:"last_error_at,omitempty"`
	CircuitOpens    int           `json:"circuit_opens"`
}

// Agent is the uniform surface over one upstream provider. All methods are
// safe for concurrent use.
type Agent struct {
	desc    Descriptor
	prov    provider.Provider
	limiter *ratelimit.Limiter
	iso     *isolation.Manager
	logger  *zap.Logger

	// test hook
	now func() time.Time

	mu            sync.Mutex
	status        Status
	tracker       *progress.Tracker
	reqTimeout    time.Duration
	healthTimeout time.Duration
	requests      int64
	successes     int64
	failures      int64
	throttles     int64
	avgResponse   time.Duration
	lastError     string
	lastErrorAt   time.Time
	circuitOpens  int
	activeOps     map[string]string
}

// New builds an agent over prov gated by the given limiter and isolation
// manager. Agents start ACTIVE.
func New(desc Descriptor, prov provider.Provider, limiter *ratelimit.Limiter, iso *isolation.Manager, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(desc.Capabilities) == 0 {
		desc.Capabilities = provider.AllCapabilities()
	}
	return &Agent{
		desc:      desc,
		prov:      prov,
		limiter:   limiter,
		iso:       iso,
		logger:    logger.Named("agent").With(zap.String("agent", desc.Name)),
		now:       time.Now,
		status:    StatusActive,
		activeOps: make(map[string]string),
	}
}

// SetTracker attaches the progress tracker used by the Op helpers.
func (a *Agent) SetTracker(t *progress.Tracker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tracker = t
}

// SetPriority reorders the agent relative to its peers. Registry listings
// sort at read time, so the change is visible on the next listing.
func (a *Agent) SetPriority(p int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.desc.Priority = p
}

// SetTimeouts caps how long a single provider call may run, on top of
// whatever deadline the caller's context carries. The health ceiling
// applies to HealthCheck, the request ceiling to everything else. Zero
// leaves a ceiling unset.
func (a *Agent) SetTimeouts(request, health time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reqTimeout = request
	a.healthTimeout = health
}

// Name returns the agent's unique name.
func (a *Agent) Name() string { return a.desc.Name }

// Descriptor returns the agent's identity. Priority can change at runtime.
func (a *Agent) Descriptor() Descriptor {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.desc
}

// HasCapability reports whether the agent serves the given operation.
func (a *Agent) HasCapability(c provider.Capability) bool {
	for _, have := range a.desc.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Status returns the current agent status.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// IsHealthy reports whether the agent is usable or merely switched off.
// INACTIVE means "not currently serving", not "failed".
func (a *Agent) IsHealthy() bool {
	s := a.Status()
	return s == StatusActive || s == StatusInactive
}

// Enable flips an INACTIVE agent back to ACTIVE. Enabling an enabled agent
// is a no-op.
func (a *Agent) Enable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == StatusInactive {
		a.status = StatusActive
	}
}

// Disable takes the agent out of rotation. Metrics are untouched. Disabling
// a disabled agent is a no-op.
func (a *Agent) Disable() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = StatusInactive
}

// Reset closes the circuit, clears isolation state, and recovers the status
// from ERROR or CIRCUIT_OPEN. An INACTIVE agent stays INACTIVE.
func (a *Agent) Reset() {
	a.limiter.ResetCircuit()
	a.iso.Reset(a.desc.Name)
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status == StatusError || a.status == StatusCircuitOpen {
		a.status = StatusActive
	}
}

// NoteCircuit records a circuit transition reported by the rate limiter.
// Half-open is deliberately not mapped: the agent keeps reporting
// CIRCUIT_OPEN while trial calls run and only returns to ACTIVE once the
// breaker actually closes.
func (a *Agent) NoteCircuit(state ratelimit.CircuitState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch state {
	case ratelimit.CircuitOpen:
		a.circuitOpens++
		if a.status != StatusInactive {
			a.status = StatusCircuitOpen
		}
	case ratelimit.CircuitClosed:
		if a.status == StatusCircuitOpen {
			a.status = StatusActive
		}
	}
}

// Metrics returns the agent's call counters. Agents with no completed
// requests report a success rate of 1 so they are tried before proven-bad
// ones.
func (a *Agent) Metrics() Metrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := Metrics{
		Requests:        a.requests,
		Successes:       a.successes,
		Failures:        a.failures,
		Throttles:       a.throttles,
		AvgResponseTime: a.avgResponse,
		SuccessRate:     1,
		LastError:       a.lastError,
		LastErrorAt:     a.lastErrorAt,
		CircuitOpens:    a.circuitOpens,
	}
	if a.requests > 0 {
		m.SuccessRate = float64(a.successes) / float64(a.requests)
	}
	return m
}

// Snapshot is the full agent view served by the HTTP API.
type Snapshot struct {
	Descriptor       Descriptor        `json:"descriptor"`
	Status           Status            `json:"status"`
	Metrics          Metrics           `json:"metrics"`
	RateLimit        ratelimit.Stats   `json:"rate_limit"`
	Isolation        isolation.Stats   `json:"isolation"`
	ActiveOperations map[string]string `json:"active_operations,omitempty"`
}

// Snapshot assembles the agent state, limiter stats, and isolation stats.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	desc := a.desc
	ops := make(map[string]string, len(a.activeOps))
	for k, v := range a.activeOps {
		ops[k] = v
	}
	a.mu.Unlock()

	return Snapshot{
		Descriptor:       desc,
		Status:           a.Status(),
		Metrics:          a.Metrics(),
		RateLimit:        a.limiter.GetStats(),
		Isolation:        a.iso.Stats(desc.Name),
		ActiveOperations: ops,
	}
}

// Search queries the upstream source through the gates.
func (a *Agent) Search(ctx context.Context, query string, page, limit int) (*provider.SearchPage, error) {
	var out *provider.SearchPage
	err := a.do(ctx, string(provider.CapSearch), func(ctx context.Context) error {
		p, err := a.prov.Search(ctx, query, page, limit)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// MangaDetails fetches series metadata through the gates.
func (a *Agent) MangaDetails(ctx context.Context, mangaID string) (*provider.Manga, error) {
	var out *provider.Manga
	err := a.do(ctx, string(provider.CapMangaDetails), func(ctx context.Context) error {
		m, err := a.prov.MangaDetails(ctx, mangaID)
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

// Chapters lists chapters through the gates.
func (a *Agent) Chapters(ctx context.Context, mangaID string, page, limit int) (*provider.ChapterPage, error) {
	var out *provider.ChapterPage
	err := a.do(ctx, string(provider.CapChapters), func(ctx context.Context) error {
		c, err := a.prov.Chapters(ctx, mangaID, page, limit)
		if err != nil {
			return err
		}
		out = c
		return nil
	})
	return out, err
}

// Pages lists a chapter's page image URLs through the gates.
func (a *Agent) Pages(ctx context.Context, mangaID, chapterID string) ([]string, error) {
	var out []string
	err := a.do(ctx, string(provider.CapPages), func(ctx context.Context) error {
		p, err := a.prov.Pages(ctx, mangaID, chapterID)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	return out, err
}

// DownloadPage fetches one page image through the gates.
func (a *Agent) DownloadPage(ctx context.Context, pageURL, referer string) ([]byte, error) {
	var out []byte
	err := a.do(ctx, string(provider.CapDownloadPage), func(ctx context.Context) error {
		b, err := a.prov.DownloadPage(ctx, pageURL, referer)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// DownloadCover fetches the series cover through the gates.
func (a *Agent) DownloadCover(ctx context.Context, mangaID string) ([]byte, error) {
	var out []byte
	err := a.do(ctx, string(provider.CapDownloadCover), func(ctx context.Context) error {
		b, err := a.prov.DownloadCover(ctx, mangaID)
		if err != nil {
			return err
		}
		out = b
		return nil
	})
	return out, err
}

// HealthCheck probes the upstream source through the gates.
func (a *Agent) HealthCheck(ctx context.Context) (time.Duration, error) {
	var rt time.Duration
	err := a.do(ctx, string(provider.CapHealthCheck), func(ctx context.Context) error {
		d, err := a.prov.HealthCheck(ctx)
		rt = d
		return err
	})
	return rt, err
}

// do runs one gated provider call: limiter -> isolation -> fn. Gate
// refusals return unchanged and count as throttles; cancellation counts as
// nothing; everything else updates the success/failure metrics and the
// status machine.
func (a *Agent) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if d := a.ceiling(op); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	permit, err := a.limiter.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ratelimit.ErrCircuitOpen) || errors.Is(err, ratelimit.ErrRateLimited) {
			a.recordThrottle(err)
			metrics.RecordProviderCall(a.desc.Name, op, metrics.OutcomeThrottled, 0)
		}
		return err
	}

	start := a.now()
	spanCtx, span := telemetry.StartProviderSpan(ctx, a.desc.Name, op)
	err = a.iso.Execute(spanCtx, a.desc.Name, fn)
	telemetry.EndProviderSpan(span, err)
	elapsed := a.now().Sub(start)

	switch {
	case err == nil:
		permit.Release(true, elapsed)
		a.recordSuccess(elapsed)
		metrics.RecordProviderCall(a.desc.Name, op, metrics.OutcomeSuccess, elapsed)
	case errors.Is(err, isolation.ErrQuarantined):
		permit.Cancel()
		a.recordThrottle(err)
		metrics.RecordProviderCall(a.desc.Name, op, metrics.OutcomeQuarantined, 0)
	case errors.Is(err, context.Canceled):
		permit.Cancel()
		metrics.RecordProviderCall(a.desc.Name, op, metrics.OutcomeCancelled, 0)
	default:
		permit.Release(false, elapsed)
		a.recordFailure(op, err)
		metrics.RecordProviderCall(a.desc.Name, op, metrics.OutcomeFailure, 0)
	}
	return err
}

// ceiling returns the configured time limit for one call of op, zero when
// none is set.
func (a *Agent) ceiling(op string) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if op == string(provider.CapHealthCheck) {
		return a.healthTimeout
	}
	return a.reqTimeout
}

func (a *Agent) recordSuccess(elapsed time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests++
	a.successes++
	if elapsed > 0 {
		if a.avgResponse == 0 {
			a.avgResponse = elapsed
		} else {
			a.avgResponse = time.Duration(0.8*float64(a.avgResponse) + 0.2*float64(elapsed))
		}
	}
	// Successful half-open trials do not flip the status; NoteCircuit does
	// once the breaker closes.
	if a.status != StatusInactive && a.status != StatusCircuitOpen {
		a.status = StatusActive
	}
}

func (a *Agent) recordFailure(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests++
	a.failures++
	a.lastError = err.Error()
	a.lastErrorAt = a.now()
	// The failure that trips the breaker reports the transition before this
	// runs; CIRCUIT_OPEN must survive until the breaker closes or Reset.
	if a.status != StatusInactive && a.status != StatusCircuitOpen {
		a.status = StatusError
	}
	a.logger.Debug("provider call failed", zap.String("op", op), zap.Error(err))
}

func (a *Agent) recordThrottle(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.throttles++
	a.logger.Debug("call throttled", zap.Error(err))
}

// StartOp opens a tracked operation tagged with the agent name, keyed by
// opName for the later Complete/Fail/Warn helpers. Returns the operation ID,
// or "" when no tracker is attached.
func (a *Agent) StartOp(opName, title string, opts ...progress.StartOption) string {
	a.mu.Lock()
	tracker := a.tracker
	a.mu.Unlock()
	if tracker == nil {
		return ""
	}
	opts = append(opts, progress.WithMetadata("agent_name", a.desc.Name))
	id := tracker.StartOperation(opName, title, opts...)
	a.mu.Lock()
	a.activeOps[opName] = id
	a.mu.Unlock()
	return id
}

// UpdateOp reports progress on an operation opened with StartOp.
func (a *Agent) UpdateOp(opName string, pct float64, step, message string) {
	if tracker, id := a.lookupOp(opName); tracker != nil {
		_ = tracker.UpdateProgress(id, pct, step, message)
	}
}

// CompleteOp finishes an operation opened with StartOp.
func (a *Agent) CompleteOp(opName, message string) {
	if tracker, id := a.takeOp(opName); tracker != nil {
		_ = tracker.CompleteOperation(id, message)
	}
}

// FailOp fails an operation opened with StartOp.
func (a *Agent) FailOp(opName, errMessage string) {
	if tracker, id := a.takeOp(opName); tracker != nil {
		_ = tracker.FailOperation(id, errMessage)
	}
}

// WarnOp attaches a warning to an operation opened with StartOp.
func (a *Agent) WarnOp(opName, warning string) {
	if tracker, id := a.lookupOp(opName); tracker != nil {
		_ = tracker.AddWarning(id, warning)
	}
}

// ActiveOperations returns the op-name to op-id map of open operations.
func (a *Agent) ActiveOperations() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.activeOps))
	for k, v := range a.activeOps {
		out[k] = v
	}
	return out
}

func (a *Agent) lookupOp(opName string) (*progress.Tracker, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.activeOps[opName]
	if !ok || a.tracker == nil {
		return nil, ""
	}
	return a.tracker, id
}

func (a *Agent) takeOp(opName string) (*progress.Tracker, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.activeOps[opName]
	if !ok || a.tracker == nil {
		return nil, ""
	}
	delete(a.activeOps, opName)
	return a.tracker, id
}
