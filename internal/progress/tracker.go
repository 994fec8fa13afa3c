package progress

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/toshokan-dev/toshokan/internal/metrics"
)

var (
	// ErrNotFound is returned for unknown operation IDs.
	ErrNotFound = errors.New("operation not found")

	// ErrNotCancellable is returned by CancelOperation for operations
	// started without cancellation support.
	ErrNotCancellable = errors.New("operation not cancellable")
)

// Store persists operations and their events. The tracker tolerates both a
// nil store and store errors; persistence is best-effort.
type Store interface {
	SaveOperation(ctx context.Context, op *Operation) error
	SaveEvent(ctx context.Context, ev *Event) error
}

// Broadcaster fans one event out to subscribed clients.
type Broadcaster interface {
	Broadcast(ev *Event)
}

// Handler is an in-process event callback. Handlers run on the emitting
// goroutine and must not block.
type Handler func(ev *Event)

// Config tunes the tracker.
type Config struct {
	// MaxCompleted bounds how many finished operations stay in memory;
	// the janitor trims the oldest beyond it. Default 100.
	MaxCompleted int

	// PersistTimeout bounds each store write. Default 5s.
	PersistTimeout time.Duration
}

// DefaultConfig returns the standard tracker parameters.
func DefaultConfig() Config {
	return Config{MaxCompleted: 100, PersistTimeout: 5 * time.Second}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxCompleted <= 0 {
		c.MaxCompleted = d.MaxCompleted
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	return c
}

// Tracker is the central operation registry. All methods are safe for
// concurrent use.
type Tracker struct {
	logger *zap.Logger
	cfg    Config

	// test hook
	now func() time.Time

	mu          sync.Mutex
	ops         map[string]*Operation
	handlers    []Handler
	store       Store
	broadcaster Broadcaster

	cron *cron.Cron
}

// NewTracker creates a Tracker. Sinks are attached afterwards with
// SetStore, SetBroadcaster, and OnEvent.
func NewTracker(cfg Config, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		logger: logger.Named("progress"),
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		ops:    make(map[string]*Operation),
	}
}

// SetStore attaches the persistence sink.
func (t *Tracker) SetStore(s Store) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store = s
}

// SetBroadcaster attaches the WebSocket sink.
func (t *Tracker) SetBroadcaster(b Broadcaster) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcaster = b
}

// OnEvent registers an in-process event handler.
func (t *Tracker) OnEvent(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}

// Start launches the hourly janitor.
func (t *Tracker) Start(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc("0 * * * *", t.cleanup); err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	c.Start()
	t.cron = c
	t.logger.Info("progress tracker started", zap.Int("max_completed", t.cfg.MaxCompleted))
	return nil
}

// Stop halts the janitor and waits for a running sweep to finish.
func (t *Tracker) Stop() {
	if t.cron != nil {
		<-t.cron.Stop().Done()
	}
}

// StartOption customizes a new operation.
type StartOption func(*Operation)

// WithTotal sets the expected item count, enabling count-based progress.
func WithTotal(total int) StartOption {
	return func(o *Operation) { o.TotalItems = total }
}

// WithUser tags the operation with the requesting user.
func WithUser(userID string) StartOption {
	return func(o *Operation) { o.UserID = userID }
}

// WithSession tags the operation with the client session.
func WithSession(sessionID string) StartOption {
	return func(o *Operation) { o.SessionID = sessionID }
}

// WithMetadata attaches one metadata entry.
func WithMetadata(key string, value any) StartOption {
	return func(o *Operation) {
		if o.Metadata == nil {
			o.Metadata = make(map[string]any)
		}
		o.Metadata[key] = value
	}
}

// NotCancellable marks the operation as refusing CancelOperation.
func NotCancellable() StartOption {
	return func(o *Operation) { o.Cancellable = false }
}

// StartOperation registers a new running operation and emits STARTED.
func (t *Tracker) StartOperation(opType, title string, opts ...StartOption) string {
	return t.start(opType, title, "", opts)
}

// StartBulkOperation registers a parent operation whose progress will be
// aggregated from children added with AddChildOperation.
func (t *Tracker) StartBulkOperation(opType, title string, totalItems int, opts ...StartOption) string {
	opts = append(opts, WithTotal(totalItems), WithMetadata("bulk", true))
	return t.start(opType, title, "", opts)
}

// AddChildOperation registers a child under an existing parent.
func (t *Tracker) AddChildOperation(parentID, opType, title string, opts ...StartOption) (string, error) {
	t.mu.Lock()
	parent, ok := t.ops[parentID]
	if !ok {
		t.mu.Unlock()
		return "", fmt.Errorf("parent %s: %w", parentID, ErrNotFound)
	}

	op := t.newOperation(opType, title, parentID, opts)
	t.ops[op.ID] = op
	parent.ChildIDs = append(parent.ChildIDs, op.ID)

	ems := []emission{{op.clone(), t.newEvent(op, EventStarted, "", title)}}
	ems = append(ems, t.recomputeBulkLocked(parent)...)
	t.mu.Unlock()

	t.dispatch(ems...)
	return op.ID, nil
}

func (t *Tracker) start(opType, title, parentID string, opts []StartOption) string {
	t.mu.Lock()
	op := t.newOperation(opType, title, parentID, opts)
	t.ops[op.ID] = op
	ems := []emission{{op.clone(), t.newEvent(op, EventStarted, "", title)}}
	t.mu.Unlock()

	t.dispatch(ems...)
	return op.ID
}

// newOperation builds the operation record. Caller holds t.mu.
func (t *Tracker) newOperation(opType, title, parentID string, opts []StartOption) *Operation {
	op := &Operation{
		ID:          uuid.NewString(),
		Type:        opType,
		Title:       title,
		Status:      StatusRunning,
		StartedAt:   t.now(),
		ParentID:    parentID,
		Cancellable: true,
	}
	for _, o := range opts {
		o(op)
	}
	metrics.OperationsActive.Inc()
	return op
}

// UpdateProgress sets an explicit completion percentage and emits PROGRESS.
// Updates against terminal operations are ignored.
func (t *Tracker) UpdateProgress(id string, pct float64, step, message string) error {
	t.mu.Lock()
	op, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if op.Status.Terminal() {
		t.mu.Unlock()
		return nil
	}

	op.Progress = clampPct(pct)
	t.estimateLocked(op)
	ems := []emission{{op.clone(), t.newEvent(op, EventProgress, step, message)}}
	ems = append(ems, t.refreshParentLocked(op)...)
	t.mu.Unlock()

	t.dispatch(ems...)
	return nil
}

// UpdateItems records item counters. When the operation has a total,
// progress is recomputed as processed/total.
func (t *Tracker) UpdateItems(id string, processed, successful, failed int, step string) error {
	t.mu.Lock()
	op, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if op.Status.Terminal() {
		t.mu.Unlock()
		return nil
	}

	op.ProcessedItems = processed
	op.SuccessfulItems = successful
	op.FailedItems = failed
	message := step
	if op.TotalItems > 0 {
		op.Progress = clampPct(float64(processed) / float64(op.TotalItems) * 100)
		message = fmt.Sprintf("%d of %d items", processed, op.TotalItems)
		if step != "" {
			message = step + ": " + message
		}
	}
	t.estimateLocked(op)
	ems := []emission{{op.clone(), t.newEvent(op, EventProgress, step, message)}}
	ems = append(ems, t.refreshParentLocked(op)...)
	t.mu.Unlock()

	t.dispatch(ems...)
	return nil
}

// SetTotal sets the expected item count once it becomes known. No event is
// emitted; the next update reflects the new denominator.
func (t *Tracker) SetTotal(id string, total int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	op.TotalItems = total
	if total > 0 {
		op.Progress = clampPct(float64(op.ProcessedItems) / float64(total) * 100)
	}
	return nil
}

// CompleteOperation marks the operation COMPLETED at 100%.
func (t *Tracker) CompleteOperation(id, message string) error {
	t.mu.Lock()
	op, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if op.Status.Terminal() {
		t.mu.Unlock()
		return nil
	}

	t.finishLocked(op, StatusCompleted)
	op.Progress = 100
	ems := []emission{{op.clone(), t.newEvent(op, EventCompleted, "", message)}}
	ems = append(ems, t.refreshParentLocked(op)...)
	t.mu.Unlock()

	t.dispatch(ems...)
	return nil
}

// FailOperation marks the operation FAILED.
func (t *Tracker) FailOperation(id, errMessage string) error {
	t.mu.Lock()
	op, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if op.Status.Terminal() {
		t.mu.Unlock()
		return nil
	}

	t.finishLocked(op, StatusFailed)
	ems := []emission{{op.clone(), t.newEvent(op, EventFailed, "", errMessage)}}
	ems = append(ems, t.refreshParentLocked(op)...)
	t.mu.Unlock()

	t.dispatch(ems...)
	return nil
}

// CancelOperation cancels the operation and every non-terminal descendant.
// Terminal operations are left untouched.
func (t *Tracker) CancelOperation(id string) error {
	t.mu.Lock()
	op, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if op.Status.Terminal() {
		t.mu.Unlock()
		return nil
	}
	if !op.Cancellable {
		t.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotCancellable)
	}

	ems := t.cancelLocked(op, "cancelled by user")
	ems = append(ems, t.refreshParentLocked(op)...)
	t.mu.Unlock()

	t.dispatch(ems...)
	return nil
}

// cancelLocked cancels op and recurses into non-terminal children. Caller
// holds t.mu.
func (t *Tracker) cancelLocked(op *Operation, message string) []emission {
	t.finishLocked(op, StatusCancelled)
	ems := []emission{{op.clone(), t.newEvent(op, EventCancelled, "", message)}}
	for _, cid := range op.ChildIDs {
		child, ok := t.ops[cid]
		if !ok || child.Status.Terminal() {
			continue
		}
		ems = append(ems, t.cancelLocked(child, "parent operation cancelled")...)
	}
	return ems
}

// AddWarning appends a warning and emits WARNING.
func (t *Tracker) AddWarning(id, warning string) error {
	t.mu.Lock()
	op, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	op.Warnings = append(op.Warnings, warning)
	ems := []emission{{op.clone(), t.newEvent(op, EventWarning, "", warning)}}
	t.mu.Unlock()

	t.dispatch(ems...)
	return nil
}

// finishLocked applies the shared terminal-state bookkeeping. Caller holds
// t.mu and emits the event itself.
func (t *Tracker) finishLocked(op *Operation, status Status) {
	now := t.now()
	op.Status = status
	op.CompletedAt = &now
	op.EstimatedCompletion = nil
	metrics.OperationsActive.Dec()
}

// refreshParentLocked recomputes the bulk parent after a child mutation.
// Caller holds t.mu.
func (t *Tracker) refreshParentLocked(child *Operation) []emission {
	if child.ParentID == "" {
		return nil
	}
	parent, ok := t.ops[child.ParentID]
	if !ok || parent.Status.Terminal() {
		return nil
	}
	return t.recomputeBulkLocked(parent)
}

// UpdateBulkProgress forces a recomputation of a bulk parent from its
// children. The tracker already does this on every child mutation; this is
// for callers that mutate children out of band.
func (t *Tracker) UpdateBulkProgress(parentID string) error {
	t.mu.Lock()
	parent, ok := t.ops[parentID]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%s: %w", parentID, ErrNotFound)
	}
	if parent.Status.Terminal() {
		t.mu.Unlock()
		return nil
	}
	ems := t.recomputeBulkLocked(parent)
	t.mu.Unlock()

	t.dispatch(ems...)
	return nil
}

// recomputeBulkLocked derives parent progress from children and finishes
// the parent once every child is terminal. Caller holds t.mu.
func (t *Tracker) recomputeBulkLocked(parent *Operation) []emission {
	var sum float64
	var n, completed, failed, terminal int
	for _, cid := range parent.ChildIDs {
		child, ok := t.ops[cid]
		if !ok {
			continue
		}
		n++
		sum += child.Progress
		switch child.Status {
		case StatusCompleted:
			completed++
			terminal++
		case StatusFailed:
			failed++
			terminal++
		case StatusCancelled:
			terminal++
		}
	}
	if n == 0 {
		return nil
	}

	parent.Progress = clampPct(sum / float64(n))
	parent.ProcessedItems = completed + failed
	parent.SuccessfulItems = completed
	parent.FailedItems = failed
	t.estimateLocked(parent)

	// With a declared total, wait for the remaining children to be added
	// before finishing.
	allAdded := parent.TotalItems <= 0 || len(parent.ChildIDs) >= parent.TotalItems
	if terminal == n && allAdded {
		return t.finishBulkLocked(parent, completed, failed, n)
	}
	return []emission{{parent.clone(), t.newEvent(parent, EventProgress, "",
		fmt.Sprintf("%d of %d items finished", terminal, n))}}
}

// finishBulkLocked resolves the parent's terminal status. Caller holds t.mu.
func (t *Tracker) finishBulkLocked(parent *Operation, completed, failed, n int) []emission {
	switch {
	case failed == n:
		t.finishLocked(parent, StatusFailed)
		return []emission{{parent.clone(), t.newEvent(parent, EventFailed, "",
			fmt.Sprintf("all %d items failed", n))}}
	case failed > 0:
		msg := fmt.Sprintf("completed with warnings: %d of %d items failed", failed, n)
		parent.Warnings = append(parent.Warnings, msg)
		t.finishLocked(parent, StatusCompleted)
		parent.Progress = 100
		return []emission{{parent.clone(), t.newEvent(parent, EventCompleted, "", msg)}}
	default:
		t.finishLocked(parent, StatusCompleted)
		parent.Progress = 100
		return []emission{{parent.clone(), t.newEvent(parent, EventCompleted, "",
			fmt.Sprintf("completed %d items", completed))}}
	}
}

// estimateLocked refreshes the ETA from elapsed time and progress. Caller
// holds t.mu.
func (t *Tracker) estimateLocked(op *Operation) {
	if op.Progress <= 0 {
		op.EstimatedCompletion = nil
		return
	}
	now := t.now()
	elapsed := now.Sub(op.StartedAt)
	eta := now.Add(time.Duration(float64(elapsed) * (100/op.Progress - 1)))
	op.EstimatedCompletion = &eta
}

func clampPct(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Operation returns a snapshot of one operation.
func (t *Tracker) Operation(id string) (*Operation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return op.clone(), nil
}

// Filter narrows Operations listings. Zero fields match everything.
type Filter struct {
	Type   string
	Status Status
	UserID string
	Active bool
}

// Operations lists matching operations, newest first.
func (t *Tracker) Operations(f Filter) []*Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Operation, 0, len(t.ops))
	for _, op := range t.ops {
		if f.Type != "" && op.Type != f.Type {
			continue
		}
		if f.Status != "" && op.Status != f.Status {
			continue
		}
		if f.UserID != "" && op.UserID != f.UserID {
			continue
		}
		if f.Active && op.Status.Terminal() {
			continue
		}
		out = append(out, op.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Stats summarizes the tracker's contents.
type Stats struct {
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
	Total     int `json:"total"`
}

// Stats returns operation counts by state.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	var s Stats
	for _, op := range t.ops {
		switch op.Status {
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		default:
			s.Active++
		}
	}
	s.Total = len(t.ops)
	return s
}

// cleanup trims the oldest finished operations beyond MaxCompleted.
func (t *Tracker) cleanup() {
	type finished struct {
		id string
		at time.Time
	}

	t.mu.Lock()
	var done []finished
	for id, op := range t.ops {
		if !op.Status.Terminal() {
			continue
		}
		at := op.StartedAt
		if op.CompletedAt != nil {
			at = *op.CompletedAt
		}
		done = append(done, finished{id, at})
	}
	removed := 0
	if len(done) > t.cfg.MaxCompleted {
		sort.Slice(done, func(i, j int) bool { return done[i].at.Before(done[j].at) })
		for _, d := range done[:len(done)-t.cfg.MaxCompleted] {
			delete(t.ops, d.id)
			removed++
		}
	}
	t.mu.Unlock()

	if removed > 0 {
		t.logger.Debug("trimmed finished operations", zap.Int("removed", removed))
	}
}

// emission pairs an operation snapshot with the event it produced.
type emission struct {
	op *Operation
	ev *Event
}

// dispatch feeds the three sinks, best-effort: one failing never blocks the
// others. Called outside t.mu.
func (t *Tracker) dispatch(ems ...emission) {
	if len(ems) == 0 {
		return
	}

	t.mu.Lock()
	store := t.store
	bc := t.broadcaster
	handlers := append([]Handler(nil), t.handlers...)
	t.mu.Unlock()

	for _, em := range ems {
		metrics.ProgressEvents.WithLabelValues(string(em.ev.Type)).Inc()

		if store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.PersistTimeout)
			if err := store.SaveOperation(ctx, em.op); err != nil {
				t.logger.Warn("persist operation failed",
					zap.String("operation", em.op.ID), zap.Error(err))
			}
			if err := store.SaveEvent(ctx, em.ev); err != nil {
				t.logger.Warn("persist event failed",
					zap.String("operation", em.op.ID), zap.Error(err))
			}
			cancel()
		}
		if bc != nil {
			bc.Broadcast(em.ev)
		}
		for _, h := range handlers {
			h(em.ev)
		}
	}
}

// newEvent builds an event from the operation's current state. Caller holds
// t.mu.
func (t *Tracker) newEvent(op *Operation, typ EventType, step, message string) *Event {
	return &Event{
		OperationID:   op.ID,
		OperationType: op.Type,
		Type:          typ,
		Progress:      op.Progress,
		CurrentStep:   step,
		Message:       message,
		Timestamp:     t.now(),
		UserID:        op.UserID,
		SessionID:     op.SessionID,
	}
}
