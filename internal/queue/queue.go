// Package queue schedules typed jobs across five priority queues. A 1 Hz
// scheduler pops eligible work (per-class concurrency caps, dependency
// gating) and hands it to registered handlers through a run harness that
// owns timeouts, panic recovery, retries, and progress emission. Handlers
// implement only per-type logic.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/toshokan-dev/toshokan/internal/metrics"
	"github.com/toshokan-dev/toshokan/internal/progress"
	"github.com/toshokan-dev/toshokan/internal/telemetry"
)

var (
	// ErrNotFound is returned when no job carries the requested id.
	ErrNotFound = errors.New("job not found")
	// ErrTerminal is returned when an operation is attempted on a job
	// that already finished.
	ErrTerminal = errors.New("job already in a terminal state")
)

// Handler executes one job. The run harness owns status transitions,
// timeout enforcement, panic recovery, and event emission; handlers must
// not mark jobs or their operations terminal themselves.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job *Job) error { return f(ctx, job) }

// History receives finished jobs before the janitor evicts them.
type History interface {
	AppendJobHistory(ctx context.Context, job *Job) error
}

// Config tunes the queue.
type Config struct {
	// MaxConcurrentDownloads caps in-flight download-class jobs.
	MaxConcurrentDownloads int
	// MaxConcurrentHealthChecks caps in-flight health-class jobs.
	MaxConcurrentHealthChecks int
	// SchedulerInterval is the pause between dispatch passes.
	SchedulerInterval time.Duration
	// RetentionAge is how long terminal jobs stay queryable before the
	// janitor moves them to history.
	RetentionAge time.Duration
	// HistoryTimeout bounds each history write.
	HistoryTimeout time.Duration
}

// DefaultConfig returns the stock queue tuning.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentDownloads:    3,
		MaxConcurrentHealthChecks: 2,
		SchedulerInterval:         time.Second,
		RetentionAge:              24 * time.Hour,
		HistoryTimeout:            5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrentDownloads <= 0 {
		c.MaxConcurrentDownloads = d.MaxConcurrentDownloads
	}
	if c.MaxConcurrentHealthChecks <= 0 {
		c.MaxConcurrentHealthChecks = d.MaxConcurrentHealthChecks
	}
	if c.SchedulerInterval <= 0 {
		c.SchedulerInterval = d.SchedulerInterval
	}
	if c.RetentionAge <= 0 {
		c.RetentionAge = d.RetentionAge
	}
	if c.HistoryTimeout <= 0 {
		c.HistoryTimeout = d.HistoryTimeout
	}
	return c
}

// running tracks one in-flight job. outcome is set by Pause/Cancel before
// the worker context is cancelled so the harness knows which transition
// was requested.
type running struct {
	job     *Job
	cancel  context.CancelFunc
	outcome Status
}

// Queue is the priority job queue.
type Queue struct {
	cfg     Config
	logger  *zap.Logger
	tracker *progress.Tracker
	history History

	mu       sync.Mutex
	jobs     map[string]*Job
	queues   map[Priority][]*Job
	runnings map[string]*running
	handlers map[Type]Handler

	downloadsInFlight    int
	healthChecksInFlight int

	now     func() time.Time
	baseCtx context.Context
	cancel  context.CancelFunc
	cron    *cron.Cron
	wg      sync.WaitGroup
}

// NewQueue builds an idle queue. Call RegisterHandler for every job type
// before Start.
func NewQueue(cfg Config, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("queue"),
		jobs:     make(map[string]*Job),
		queues:   make(map[Priority][]*Job),
		runnings: make(map[string]*running),
		handlers: make(map[Type]Handler),
		now:      time.Now,
	}
	for _, p := range allPriorities {
		q.queues[p] = nil
	}
	return q
}

// RegisterHandler binds a handler to a job type, replacing any previous
// binding.
func (q *Queue) RegisterHandler(t Type, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[t] = h
}

// SetTracker attaches the progress tracker used for per-job operations.
func (q *Queue) SetTracker(t *progress.Tracker) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tracker = t
}

// SetHistory attaches the sink that receives evicted terminal jobs.
func (q *Queue) SetHistory(h History) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.history = h
}

// Start launches the scheduler loop and the hourly janitor.
func (q *Queue) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.baseCtx = ctx
	q.cancel = cancel
	q.mu.Unlock()

	q.wg.Add(1)
	go q.schedule(ctx)

	q.cron = cron.New()
	if _, err := q.cron.AddFunc("0 * * * *", q.cleanup); err != nil {
		cancel()
		return fmt.Errorf("schedule queue janitor: %w", err)
	}
	q.cron.Start()
	return nil
}

// Stop halts scheduling, cancels in-flight workers, and waits for them.
// Interrupted jobs are requeued at the head of their priority.
func (q *Queue) Stop() {
	if q.cron != nil {
		<-q.cron.Stop().Done()
	}
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}

func (q *Queue) schedule(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.SchedulerInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.dispatchReady(ctx)
		}
	}
}

// Add enqueues a job. Zero-valued fields are filled with defaults; the
// job must not share an id with a known one.
func (q *Queue) Add(job *Job) error {
	if job == nil {
		return errors.New("nil job")
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Priority == "" {
		job.Priority = PriorityNormal
	}
	if job.TimeoutS <= 0 {
		job.TimeoutS = job.Type.defaultTimeout()
	}
	if job.MaxRetries < 0 {
		job.MaxRetries = defaultMaxRetries
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = q.now().UTC()
	}
	job.Status = StatusPending

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	stored := job.clone()
	q.jobs[stored.ID] = stored
	q.queues[stored.Priority] = append(q.queues[stored.Priority], stored)
	q.gaugeLocked(stored.Priority)
	q.logger.Info("job enqueued",
		zap.String("job", stored.ID),
		zap.String("type", string(stored.Type)),
		zap.String("priority", string(stored.Priority)))
	return nil
}

// Get returns a copy of the job.
func (q *Queue) Get(id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return j.clone(), nil
}

// Pause stops a job without finishing it. Running workers are cancelled;
// queued jobs leave their queue. Resume puts the job back at the head.
func (q *Queue) Pause(id string) error {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	switch {
	case j.Status == StatusPaused:
		q.mu.Unlock()
		return nil
	case j.Status.Terminal():
		q.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrTerminal)
	case j.Status == StatusProcessing:
		r := q.runnings[id]
		r.outcome = StatusPaused
		cancel := r.cancel
		q.mu.Unlock()
		cancel()
		return nil
	default: // PENDING or RETRYING, somewhere in a queue
		q.removeQueuedLocked(j)
		j.Status = StatusPaused
		q.mu.Unlock()
		return nil
	}
}

// Resume re-enqueues a paused job at the head of its priority.
func (q *Queue) Resume(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if j.Status != StatusPaused {
		return fmt.Errorf("job %s is %s, not %s", id, j.Status, StatusPaused)
	}
	j.Status = StatusPending
	q.queues[j.Priority] = append([]*Job{j}, q.queues[j.Priority]...)
	q.gaugeLocked(j.Priority)
	return nil
}

// Cancel terminates a job. Running workers are cancelled and finalized by
// the harness; queued and paused jobs move straight to CANCELLED.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	switch {
	case j.Status == StatusCancelled:
		q.mu.Unlock()
		return nil
	case j.Status.Terminal():
		q.mu.Unlock()
		return fmt.Errorf("%s: %w", id, ErrTerminal)
	case j.Status == StatusProcessing:
		r := q.runnings[id]
		r.outcome = StatusCancelled
		cancel := r.cancel
		q.mu.Unlock()
		cancel()
		return nil
	default: // queued or paused
		if j.Status == StatusPending || j.Status == StatusRetrying {
			q.removeQueuedLocked(j)
		}
		q.finishLocked(j, StatusCancelled, "")
		opID := j.OperationID
		jobType := j.Type
		q.mu.Unlock()
		metrics.JobsTotal.WithLabelValues(string(jobType), string(StatusCancelled)).Inc()
		if q.tracker != nil && opID != "" {
			if err := q.tracker.CancelOperation(opID); err != nil {
				q.logger.Debug("cancel operation", zap.String("operation", opID), zap.Error(err))
			}
		}
		return nil
	}
}

// Stats summarizes queue state.
type Stats struct {
	Queued               map[Priority]int `json:"queued"`
	ByStatus             map[Status]int   `json:"by_status"`
	Processing           int              `json:"processing"`
	DownloadsInFlight    int              `json:"downloads_in_flight"`
	HealthChecksInFlight int              `json:"health_checks_in_flight"`
	Total                int              `json:"total"`
}

// Stats returns a snapshot of queue occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Queued:               make(map[Priority]int, len(allPriorities)),
		ByStatus:             make(map[Status]int),
		Processing:           len(q.runnings),
		DownloadsInFlight:    q.downloadsInFlight,
		HealthChecksInFlight: q.healthChecksInFlight,
		Total:                len(q.jobs),
	}
	for _, p := range allPriorities {
		s.Queued[p] = len(q.queues[p])
	}
	for _, j := range q.jobs {
		s.ByStatus[j.Status]++
	}
	return s
}

// dispatchReady runs one scheduling pass over all priorities in order.
func (q *Queue) dispatchReady(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range allPriorities {
		dq := q.queues[p]
		i := 0
		for i < len(dq) {
			j := dq[i]
			if j.Status != StatusPending && j.Status != StatusRetrying {
				// Shouldn't be here; drop it from the queue.
				dq = append(dq[:i], dq[i+1:]...)
				q.logger.Warn("dropping queued job in unexpected state",
					zap.String("job", j.ID),
					zap.String("status", string(j.Status)))
				continue
			}
			// Skip blocked jobs instead of stopping: a saturated class or an
			// unmet dependency must not stall the classes queued behind it.
			if q.capReachedLocked(j.Type) || !q.depsMetLocked(j) {
				i++
				continue
			}
			dq = append(dq[:i], dq[i+1:]...)
			q.startLocked(ctx, j)
		}
		q.queues[p] = dq
		q.gaugeLocked(p)
	}
}

func (q *Queue) capReachedLocked(t Type) bool {
	switch {
	case t.IsDownload():
		return q.downloadsInFlight >= q.cfg.MaxConcurrentDownloads
	case t.IsHealthClass():
		return q.healthChecksInFlight >= q.cfg.MaxConcurrentHealthChecks
	default:
		return false
	}
}

// depsMetLocked reports whether every dependency has completed. Unknown
// dependencies count as met: the janitor only evicts terminal jobs, so a
// missing id means the dependency finished long ago.
func (q *Queue) depsMetLocked(j *Job) bool {
	for _, dep := range j.DependsOn {
		d, ok := q.jobs[dep]
		if !ok {
			continue
		}
		if d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (q *Queue) startLocked(ctx context.Context, j *Job) {
	h := q.handlers[j.Type]
	if h == nil {
		q.finishLocked(j, StatusFailed, fmt.Sprintf("no handler registered for %s", j.Type))
		q.logger.Error("no handler for job type", zap.String("job", j.ID), zap.String("type", string(j.Type)))
		return
	}

	j.Status = StatusProcessing
	started := q.now().UTC()
	j.StartedAt = &started

	wctx, cancel := context.WithTimeout(ctx, time.Duration(j.TimeoutS)*time.Second)
	r := &running{job: j, cancel: cancel}
	q.runnings[j.ID] = r
	switch {
	case j.Type.IsDownload():
		q.downloadsInFlight++
	case j.Type.IsHealthClass():
		q.healthChecksInFlight++
	}

	q.wg.Add(1)
	go q.runJob(wctx, r, h)
}

// runJob is the shared harness around every handler invocation.
func (q *Queue) runJob(ctx context.Context, r *running, h Handler) {
	defer q.wg.Done()
	defer r.cancel()

	metrics.JobsInFlight.Inc()
	defer metrics.JobsInFlight.Dec()

	q.mu.Lock()
	j := r.job
	opID := j.OperationID
	work := j.clone()
	q.mu.Unlock()

	// First attempt opens the job's operation; retries and resumes reuse
	// it so one operation spans the job's whole life.
	if q.tracker != nil && opID == "" {
		opID = q.tracker.StartOperation(string(j.Type), j.title(),
			progress.WithMetadata("job_id", j.ID))
		work.OperationID = opID
		q.mu.Lock()
		j.OperationID = opID
		q.mu.Unlock()
	}

	start := time.Now()
	jobCtx, span := telemetry.StartJobSpan(ctx, string(work.Type), work.ID, work.Payload.ProviderName)
	err := q.invoke(jobCtx, h, work)
	elapsed := time.Since(start)

	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("timed out after %ds", j.TimeoutS)
	}

	q.mu.Lock()
	outcome := r.outcome
	delete(q.runnings, j.ID)
	switch {
	case j.Type.IsDownload():
		q.downloadsInFlight--
	case j.Type.IsHealthClass():
		q.healthChecksInFlight--
	}
	// Results the handler wrote into its copy become visible with the
	// status transition.
	j.Payload.Metadata = work.Payload.Metadata

	var retryMsg string
	switch {
	case outcome == StatusCancelled:
		q.finishLocked(j, StatusCancelled, "")
	case outcome == StatusPaused:
		j.Status = StatusPaused
	case err == nil:
		q.finishLocked(j, StatusCompleted, "")
	case errors.Is(err, context.Canceled) && ctx.Err() == context.Canceled:
		// Shutdown took the worker down mid-flight; put the job back at
		// the head without burning a retry.
		j.Status = StatusPending
		q.queues[j.Priority] = append([]*Job{j}, q.queues[j.Priority]...)
		q.gaugeLocked(j.Priority)
	case j.RetryCount < j.MaxRetries:
		j.RetryCount++
		j.Status = StatusRetrying
		j.Error = err.Error()
		retryMsg = fmt.Sprintf("attempt %d failed: %s; retrying", j.RetryCount, err)
		q.queues[j.Priority] = append([]*Job{j}, q.queues[j.Priority]...)
		q.gaugeLocked(j.Priority)
	default:
		q.finishLocked(j, StatusFailed, err.Error())
	}
	status := j.Status
	q.mu.Unlock()

	telemetry.EndJobSpan(span, string(status), err)
	q.emit(j, status, opID, retryMsg, elapsed, err)
}

// invoke runs the handler, converting panics into errors.
func (q *Queue) invoke(ctx context.Context, h Handler, j *Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("worker panic: %v", p)
			q.logger.Error("worker panicked",
				zap.String("job", j.ID),
				zap.String("type", string(j.Type)),
				zap.Any("panic", p),
				zap.Stack("stack"))
		}
	}()
	return h.Handle(ctx, j)
}

// emit records metrics and drives the job's operation after a harness
// transition. Runs without the queue lock.
func (q *Queue) emit(j *Job, status Status, opID, retryMsg string, elapsed time.Duration, err error) {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		metrics.RecordJobDone(string(j.Type), string(status), elapsed)
	case StatusRetrying:
		metrics.JobsTotal.WithLabelValues(string(j.Type), string(StatusRetrying)).Inc()
	}

	switch status {
	case StatusCompleted:
		q.logger.Info("job completed",
			zap.String("job", j.ID),
			zap.String("type", string(j.Type)),
			zap.Duration("elapsed", elapsed))
	case StatusFailed:
		q.logger.Warn("job failed",
			zap.String("job", j.ID),
			zap.String("type", string(j.Type)),
			zap.Error(err))
	case StatusCancelled:
		q.logger.Info("job cancelled", zap.String("job", j.ID))
	case StatusRetrying:
		q.logger.Warn("job will retry",
			zap.String("job", j.ID),
			zap.Int("attempt", j.RetryCount),
			zap.Error(err))
	case StatusPaused:
		q.logger.Info("job paused", zap.String("job", j.ID))
	case StatusPending:
		q.logger.Info("job requeued after shutdown", zap.String("job", j.ID))
	}

	if q.tracker == nil || opID == "" {
		return
	}
	var terr error
	switch status {
	case StatusCompleted:
		terr = q.tracker.CompleteOperation(opID, "completed")
	case StatusFailed:
		terr = q.tracker.FailOperation(opID, errString(err))
	case StatusCancelled:
		terr = q.tracker.CancelOperation(opID)
	case StatusRetrying:
		terr = q.tracker.AddWarning(opID, retryMsg)
	case StatusPaused:
		terr = q.tracker.AddWarning(opID, "job paused")
	}
	if terr != nil {
		q.logger.Debug("operation update failed", zap.String("operation", opID), zap.Error(terr))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// finishLocked moves a job to a terminal status.
func (q *Queue) finishLocked(j *Job, s Status, errMsg string) {
	j.Status = s
	j.Error = errMsg
	done := q.now().UTC()
	j.CompletedAt = &done
}

// removeQueuedLocked drops the job from its priority queue if present.
func (q *Queue) removeQueuedLocked(j *Job) {
	dq := q.queues[j.Priority]
	for i, queued := range dq {
		if queued.ID == j.ID {
			q.queues[j.Priority] = append(dq[:i], dq[i+1:]...)
			q.gaugeLocked(j.Priority)
			return
		}
	}
}

func (q *Queue) gaugeLocked(p Priority) {
	metrics.QueueDepth.WithLabelValues(string(p)).Set(float64(len(q.queues[p])))
}

// cleanup evicts terminal jobs past the retention age, writing each to
// history first.
func (q *Queue) cleanup() {
	cutoff := q.now().UTC().Add(-q.cfg.RetentionAge)

	q.mu.Lock()
	var evicted []*Job
	for id, j := range q.jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			evicted = append(evicted, j)
			delete(q.jobs, id)
		}
	}
	history := q.history
	q.mu.Unlock()

	for _, j := range evicted {
		if history == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), q.cfg.HistoryTimeout)
		if err := history.AppendJobHistory(ctx, j); err != nil {
			q.logger.Warn("append job history",
				zap.String("job", j.ID),
				zap.Error(err))
		}
		cancel()
	}
	if len(evicted) > 0 {
		q.logger.Info("evicted finished jobs", zap.Int("count", len(evicted)))
	}
}
