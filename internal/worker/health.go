package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/toshokan-dev/toshokan/internal/agent"
	"github.com/toshokan-dev/toshokan/internal/progress"
	"github.com/toshokan-dev/toshokan/internal/queue"
)

// probeQuery is a title every functioning source can resolve.
const probeQuery = "one piece"

// benchmarkSamples is how many searches the performance benchmark runs.
const benchmarkSamples = 3

// HealthCheckWorker runs provider checks. Check failures are results, not
// job failures: the worker completes regardless and reports outcomes to
// the sink, so a dead upstream never burns job retries.
type HealthCheckWorker struct {
	registry *agent.Registry
	tracker  *progress.Tracker
	sink     HealthSink
	logger   *zap.Logger
}

// NewHealthCheckWorker builds a health worker. A nil sink drops outcomes.
func NewHealthCheckWorker(registry *agent.Registry, tracker *progress.Tracker, sink HealthSink, logger *zap.Logger) *HealthCheckWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthCheckWorker{
		registry: registry,
		tracker:  tracker,
		sink:     sink,
		logger:   logger.Named("worker.health"),
	}
}

// Register binds the worker to the health-class job types.
func (w *HealthCheckWorker) Register(q *queue.Queue) {
	q.RegisterHandler(queue.TypeHealthCheck, w)
	q.RegisterHandler(queue.TypeProviderTest, w)
}

// Handle runs the checks selected by the payload flags. PROVIDER_TEST
// jobs run the full suite.
func (w *HealthCheckWorker) Handle(ctx context.Context, job *queue.Job) error {
	if job.Payload.Metadata == nil {
		job.Payload.Metadata = make(map[string]any)
	}
	full := job.Type == queue.TypeProviderTest
	testSearch := full || boolField(job.Payload.Metadata, "test_search")
	testMetadata := full || boolField(job.Payload.Metadata, "test_metadata")
	testDownload := full || boolField(job.Payload.Metadata, "test_download")
	benchmark := full || boolField(job.Payload.Metadata, "performance_benchmark")
	op := job.OperationID

	results := make(map[string]any)
	failures := 0
	record := func(name string, r checkResult) {
		results[name] = r.asMap()
		if !r.Passed {
			failures++
		}
	}
	finish := func() {
		job.Payload.Metadata["health_results"] = results
		if failures == 0 {
			progressStep(w.tracker, op, 100, "finalize", "passed all tests")
		} else {
			progressStep(w.tracker, op, 100, "finalize",
				fmt.Sprintf("completed with %d failed tests", failures))
		}
	}

	ag, err := w.registry.Get(job.Payload.ProviderName)
	if err != nil {
		record("connectivity", checkResult{Error: fmt.Sprintf("unknown provider: %v", err)})
		finish()
		return nil
	}

	progressStep(w.tracker, op, 10, "connectivity", "probing upstream")
	latency, cerr := ag.HealthCheck(ctx)
	if canceled(ctx, cerr) {
		return cerr
	}
	record("connectivity", newCheckResult(latency, cerr))

	var firstMangaID string
	if testSearch {
		progressStep(w.tracker, op, 30, "search", "test search")
		start := time.Now()
		page, serr := ag.Search(ctx, probeQuery, 1, 5)
		if canceled(ctx, serr) {
			return serr
		}
		r := newCheckResult(time.Since(start), serr)
		if serr == nil && len(page.Results) == 0 {
			r.Passed = false
			r.Error = "search returned no results"
		}
		if serr == nil && len(page.Results) > 0 {
			firstMangaID = page.Results[0].ID
		}
		record("search", r)
	}

	if testMetadata {
		progressStep(w.tracker, op, 50, "metadata", "test metadata fetch")
		r := checkResult{Error: "no manga id available"}
		if firstMangaID != "" {
			start := time.Now()
			_, merr := ag.MangaDetails(ctx, firstMangaID)
			if canceled(ctx, merr) {
				return merr
			}
			r = newCheckResult(time.Since(start), merr)
		}
		record("metadata", r)
	}

	if testDownload {
		progressStep(w.tracker, op, 70, "download", "test page download")
		r, derr := w.testDownload(ctx, ag, firstMangaID)
		if canceled(ctx, derr) {
			return derr
		}
		record("download", r)
	}

	if benchmark {
		progressStep(w.tracker, op, 90, "benchmark", "performance benchmark")
		r, berr := w.benchmark(ctx, ag)
		if canceled(ctx, berr) {
			return berr
		}
		results["benchmark"] = r
		if passed, ok := r["passed"].(bool); ok && !passed {
			failures++
		}
	}

	finish()
	if w.sink != nil {
		w.sink.ReportCheck(ag.Name(), failures == 0, latency)
	}
	w.logger.Debug("health check finished",
		zap.String("provider", ag.Name()),
		zap.Int("failures", failures))
	return nil
}

// testDownload walks search → chapters → pages → first page fetch.
func (w *HealthCheckWorker) testDownload(ctx context.Context, ag *agent.Agent, mangaID string) (checkResult, error) {
	if mangaID == "" {
		page, err := ag.Search(ctx, probeQuery, 1, 1)
		if err != nil {
			return newCheckResult(0, fmt.Errorf("search for sample: %w", err)), err
		}
		if len(page.Results) == 0 {
			return checkResult{Error: "no sample manga available"}, nil
		}
		mangaID = page.Results[0].ID
	}

	start := time.Now()
	chapters, err := ag.Chapters(ctx, mangaID, 1, 1)
	if err != nil {
		return newCheckResult(time.Since(start), fmt.Errorf("list chapters: %w", err)), err
	}
	if len(chapters.Chapters) == 0 {
		return checkResult{Error: "no chapters available"}, nil
	}
	pages, err := ag.Pages(ctx, mangaID, chapters.Chapters[0].ID)
	if err != nil {
		return newCheckResult(time.Since(start), fmt.Errorf("resolve pages: %w", err)), err
	}
	if len(pages) == 0 {
		return checkResult{Error: "no pages available"}, nil
	}
	_, err = ag.DownloadPage(ctx, pages[0], ag.Descriptor().BaseURL)
	return newCheckResult(time.Since(start), err), err
}

// benchmark runs repeated searches and reports the mean latency.
func (w *HealthCheckWorker) benchmark(ctx context.Context, ag *agent.Agent) (map[string]any, error) {
	var total time.Duration
	passed := true
	for i := 0; i < benchmarkSamples; i++ {
		start := time.Now()
		_, err := ag.Search(ctx, probeQuery, 1, 5)
		if canceled(ctx, err) {
			return nil, err
		}
		if err != nil {
			passed = false
		}
		total += time.Since(start)
	}
	return map[string]any{
		"passed":  passed,
		"avg_ms":  (total / benchmarkSamples).Milliseconds(),
		"samples": benchmarkSamples,
	}, nil
}

// checkResult is one named test outcome, serialized into the job's
// health_results metadata.
type checkResult struct {
	Passed    bool
	LatencyMS int64
	Error     string
}

func newCheckResult(latency time.Duration, err error) checkResult {
	r := checkResult{Passed: err == nil, LatencyMS: latency.Milliseconds()}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func (r checkResult) asMap() map[string]any {
	m := map[string]any{
		"passed":     r.Passed,
		"latency_ms": r.LatencyMS,
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	return m
}

// canceled reports whether err is this job's own cancellation, which must
// propagate so the harness records CANCELLED instead of a check failure.
func canceled(ctx context.Context, err error) bool {
	return err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled)
}

func boolField(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	b, _ := m[key].(bool)
	return b
}
