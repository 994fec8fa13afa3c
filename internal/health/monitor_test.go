package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/toshokan-dev/toshokan/internal/agent"
	"github.com/toshokan-dev/toshokan/internal/isolation"
	"github.com/toshokan-dev/toshokan/internal/provider"
	"github.com/toshokan-dev/toshokan/internal/queue"
	"github.com/toshokan-dev/toshokan/internal/ratelimit"
)

func waitFor(t *testing.T, timeout time.Duration, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ok() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition after %s", timeout)
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []*queue.Job
}

func (f *fakeQueue) Add(j *queue.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, j)
	return nil
}

func (f *fakeQueue) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func (f *fakeQueue) all() []*queue.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*queue.Job(nil), f.jobs...)
}

func newTestRegistry(t *testing.T, names ...string) *agent.Registry {
	t.Helper()
	reg := agent.NewRegistry(zap.NewNop())
	rlm := ratelimit.NewManager(ratelimit.Config{MaxConcurrent: 4, MinSpacing: time.Millisecond}, zap.NewNop())
	iso := isolation.NewManager(isolation.Config{}, zap.NewNop())
	for i, name := range names {
		a := agent.New(agent.Descriptor{
			Name:     name,
			BaseURL:  "https://" + name + ".example",
			Priority: i + 1,
		}, provider.NewMock(name), rlm.ForAgent(name), iso, zap.NewNop())
		if err := reg.Register(a); err != nil {
			t.Fatalf("register agent %s: %v", name, err)
		}
	}
	return reg
}

func newTestMonitor(t *testing.T, cfg Config, names ...string) (*Monitor, *fakeQueue, *agent.Registry) {
	t.Helper()
	reg := newTestRegistry(t, names...)
	fq := &fakeQueue{}
	return NewMonitor(cfg, reg, fq, zap.NewNop()), fq, reg
}

func metricsFor(t *testing.T, m *Monitor, name string) Metrics {
	t.Helper()
	hm, ok := m.Metrics(name)
	if !ok {
		t.Fatalf("no health state for %s", name)
	}
	return hm
}

func TestStatusTransitions(t *testing.T) {
	// Threshold far above the transition boundaries so auto-disable stays
	// out of the way.
	m, _, _ := newTestMonitor(t, Config{FailureThreshold: 100}, "alpha")

	m.ReportCheck("alpha", true, 200*time.Millisecond)
	if got := metricsFor(t, m, "alpha").Status; got != StatusHealthy {
		t.Fatalf("after one success: %s, want HEALTHY", got)
	}

	for i := 0; i < 3; i++ {
		m.ReportCheck("alpha", false, 0)
	}
	if got := metricsFor(t, m, "alpha").Status; got != StatusDegraded {
		t.Fatalf("after 3 consecutive failures: %s, want DEGRADED", got)
	}

	for i := 0; i < 2; i++ {
		m.ReportCheck("alpha", false, 0)
	}
	if got := metricsFor(t, m, "alpha").Status; got != StatusUnhealthy {
		t.Fatalf("after 5 consecutive failures: %s, want UNHEALTHY", got)
	}

	// One success clears the streak before the sample count reaches the
	// rate-based rule.
	m.ReportCheck("alpha", true, 200*time.Millisecond)
	if got := metricsFor(t, m, "alpha").Status; got != StatusHealthy {
		t.Fatalf("after recovery success: %s, want HEALTHY", got)
	}

	// Two more failures: streak below 3, rate rule still needs 10 samples,
	// but the middling rate is no longer HEALTHY either.
	m.ReportCheck("alpha", false, 0)
	m.ReportCheck("alpha", false, 0)
	if got := metricsFor(t, m, "alpha").Status; got != StatusDegraded {
		t.Fatalf("middling state: %s, want DEGRADED", got)
	}
}

func TestLowSuccessRateDegrades(t *testing.T) {
	m, _, _ := newTestMonitor(t, Config{FailureThreshold: 100}, "alpha")

	// 10 samples at 70% success, never more than 2 failures in a row.
	outcomes := []bool{false, false, true, false, true, true, true, true, true, true}
	for _, ok := range outcomes {
		m.ReportCheck("alpha", ok, 100*time.Millisecond)
	}

	hm := metricsFor(t, m, "alpha")
	if hm.Status != StatusDegraded {
		t.Fatalf("status %s, want DEGRADED from low rate", hm.Status)
	}
	if hm.SuccessRate != 70 {
		t.Fatalf("success rate %v, want 70", hm.SuccessRate)
	}
	if hm.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive failures %d, want 0", hm.ConsecutiveFailures)
	}
}

func TestEMAResponseTime(t *testing.T) {
	m, _, _ := newTestMonitor(t, Config{}, "alpha")

	m.ReportCheck("alpha", true, time.Second)
	if got := metricsFor(t, m, "alpha").AvgResponseMS; got != 1000 {
		t.Fatalf("first sample avg %v, want 1000", got)
	}

	m.ReportCheck("alpha", true, 500*time.Millisecond)
	if got := metricsFor(t, m, "alpha").AvgResponseMS; got != 900 {
		t.Fatalf("ema avg %v, want 900", got)
	}

	// Failures carry no usable latency and leave the average alone.
	m.ReportCheck("alpha", false, 0)
	if got := metricsFor(t, m, "alpha").AvgResponseMS; got != 900 {
		t.Fatalf("avg after failure %v, want 900", got)
	}
}

func TestScoreComposition(t *testing.T) {
	m, _, _ := newTestMonitor(t, Config{}, "alpha", "beta")
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }

	// rate 50 − 10 (one consecutive failure) + 10 (recent success)
	// − 5 (slow 5000ms average) = 45.
	m.ReportCheck("alpha", true, 5*time.Second)
	m.ReportCheck("alpha", false, 0)
	if got := metricsFor(t, m, "alpha").Score; got != 45 {
		t.Fatalf("score %v, want 45", got)
	}

	// Same shape but fast, and the success bonus decays after an hour:
	// rate 50 − 10 + 0 + 5 = 45 vs 55 while fresh.
	m.ReportCheck("beta", true, 500*time.Millisecond)
	m.ReportCheck("beta", false, 0)
	if got := metricsFor(t, m, "beta").Score; got != 55 {
		t.Fatalf("fresh score %v, want 55", got)
	}
	now = base.Add(2 * time.Hour)
	if got := metricsFor(t, m, "beta").Score; got != 45 {
		t.Fatalf("stale score %v, want 45", got)
	}
}

func TestScoreClamping(t *testing.T) {
	m, _, _ := newTestMonitor(t, Config{FailureThreshold: 100}, "alpha", "beta")

	// Perfect agent would exceed 100: rate 100 + 10 + 5.
	m.ReportCheck("alpha", true, 100*time.Millisecond)
	if got := metricsFor(t, m, "alpha").Score; got != 100 {
		t.Fatalf("score %v, want clamp to 100", got)
	}

	// All-failing agent would go negative: 0 − 50.
	for i := 0; i < 6; i++ {
		m.ReportCheck("beta", false, 0)
	}
	if got := metricsFor(t, m, "beta").Score; got != 0 {
		t.Fatalf("score %v, want clamp to 0", got)
	}
}

func TestAutoDisableAndManualEnable(t *testing.T) {
	m, fq, reg := newTestMonitor(t, Config{}, "alpha")

	for i := 0; i < 5; i++ {
		m.ReportCheck("alpha", false, 0)
	}

	hm := metricsFor(t, m, "alpha")
	if hm.Status != StatusDisabled || !hm.AutoDisabled {
		t.Fatalf("after threshold failures: %+v", hm)
	}
	a, err := reg.Get("alpha")
	if err != nil {
		t.Fatal(err)
	}
	if a.Status() != agent.StatusInactive {
		t.Fatalf("registry status %s, want INACTIVE", a.Status())
	}

	// A straggling in-flight result must not resurrect the agent.
	m.ReportCheck("alpha", true, 100*time.Millisecond)
	if got := metricsFor(t, m, "alpha").Status; got != StatusDisabled {
		t.Fatalf("disabled agent transitioned to %s", got)
	}

	if err := m.Enable("alpha"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	hm = metricsFor(t, m, "alpha")
	if hm.Status != StatusUnknown || hm.AutoDisabled || hm.ConsecutiveFailures != 0 || hm.TotalChecks != 0 {
		t.Fatalf("enable must reset state: %+v", hm)
	}
	if a.Status() != agent.StatusActive {
		t.Fatalf("registry status %s, want ACTIVE", a.Status())
	}

	jobs := fq.all()
	if len(jobs) != 1 {
		t.Fatalf("expected one immediate check, got %d", len(jobs))
	}
	if jobs[0].Type != queue.TypeHealthCheck || jobs[0].Priority != queue.PriorityHigh {
		t.Fatalf("post-enable job %s/%s", jobs[0].Type, jobs[0].Priority)
	}
	if jobs[0].Payload.ProviderName != "alpha" {
		t.Fatalf("post-enable job targets %q", jobs[0].Payload.ProviderName)
	}
}

func TestManualDisablePinsStatus(t *testing.T) {
	m, fq, _ := newTestMonitor(t, Config{}, "alpha")

	if err := m.Disable("alpha"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	hm := metricsFor(t, m, "alpha")
	if hm.Status != StatusDisabled || !hm.ManualOverride {
		t.Fatalf("after manual disable: %+v", hm)
	}

	m.ReportCheck("alpha", true, 100*time.Millisecond)
	if got := metricsFor(t, m, "alpha").Status; got != StatusDisabled {
		t.Fatalf("override ignored, status %s", got)
	}

	m.sweep()
	if fq.count() != 0 {
		t.Fatalf("sweep scheduled %d checks for a disabled agent", fq.count())
	}
}

func TestEnableUnknownAgent(t *testing.T) {
	m, _, _ := newTestMonitor(t, Config{}, "alpha")
	if err := m.Enable("ghost"); !errors.Is(err, agent.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSweepSchedulesChecks(t *testing.T) {
	m, fq, _ := newTestMonitor(t, Config{}, "alpha", "beta")
	if err := m.Disable("beta"); err != nil {
		t.Fatal(err)
	}

	m.sweep()
	jobs := fq.all()
	if len(jobs) != 1 {
		t.Fatalf("expected 1 basic check, got %d", len(jobs))
	}
	md := jobs[0].Payload.Metadata
	if md["test_search"] != true || md["test_metadata"] != true {
		t.Fatalf("basic check metadata %v", md)
	}
	if _, ok := md["performance_benchmark"]; ok {
		t.Fatal("basic sweep must not benchmark")
	}

	// The hourly mark upgrades exactly the next sweep.
	m.markBenchmark()
	m.sweep()
	m.sweep()
	jobs = fq.all()
	if len(jobs) != 3 {
		t.Fatalf("expected 3 checks total, got %d", len(jobs))
	}
	md = jobs[1].Payload.Metadata
	if md["performance_benchmark"] != true || md["test_download"] != true {
		t.Fatalf("benchmark sweep metadata %v", md)
	}
	if _, ok := jobs[2].Payload.Metadata["performance_benchmark"]; ok {
		t.Fatal("benchmark flag must clear after one sweep")
	}

	// Sweeps seed listings so unchecked agents are visible.
	all := m.All()
	if len(all) != 2 {
		t.Fatalf("tracked %d agents, want 2", len(all))
	}
	if all[0].Provider != "alpha" || all[0].Status != StatusUnknown {
		t.Fatalf("unexpected first listing %+v", all[0])
	}
}

func TestSweepHonorsChecksToggle(t *testing.T) {
	m, fq, _ := newTestMonitor(t, Config{}, "alpha", "beta")

	m.SetChecksEnabled("beta", false)
	m.sweep()
	jobs := fq.all()
	if len(jobs) != 1 || jobs[0].Payload.ProviderName != "alpha" {
		t.Fatalf("jobs = %+v, want a single alpha check", jobs)
	}

	// Muting does not change status or rotation.
	if got := metricsFor(t, m, "beta").Status; got != StatusUnknown {
		t.Fatalf("muted agent status = %s, want UNKNOWN", got)
	}

	m.SetChecksEnabled("beta", true)
	m.sweep()
	if fq.count() != 3 {
		t.Fatalf("checks after unmute = %d, want 3", fq.count())
	}
}

func TestRecentChecksRingBounded(t *testing.T) {
	m, _, _ := newTestMonitor(t, Config{FailureThreshold: 100}, "alpha")

	for i := 0; i < 5; i++ {
		m.ReportCheck("alpha", false, 0)
	}
	for i := 0; i < 10; i++ {
		m.ReportCheck("alpha", true, 100*time.Millisecond)
	}

	hm := metricsFor(t, m, "alpha")
	if len(hm.RecentChecks) != recentChecks {
		t.Fatalf("ring holds %d entries, want %d", len(hm.RecentChecks), recentChecks)
	}
	for i, c := range hm.RecentChecks {
		if !c.Success {
			t.Fatalf("ring entry %d is a failure; oldest entries must be evicted", i)
		}
	}
	if hm.TotalChecks != 15 {
		t.Fatalf("total checks %d, want 15", hm.TotalChecks)
	}
}

func TestRankings(t *testing.T) {
	m, _, _ := newTestMonitor(t, Config{}, "alpha", "beta", "gamma")

	m.ReportCheck("alpha", true, 100*time.Millisecond) // clamps to 100
	m.ReportCheck("beta", true, 500*time.Millisecond)
	m.ReportCheck("beta", false, 0)
	m.ReportCheck("beta", false, 0)
	m.track("gamma") // unchecked, optimistic 100

	got := m.Rankings()
	want := []string{"alpha", "gamma", "beta"}
	if len(got) != len(want) {
		t.Fatalf("ranked %d agents, want %d", len(got), len(want))
	}
	for i, name := range want {
		if got[i].Provider != name {
			t.Fatalf("rank %d = %s, want %s", i, got[i].Provider, name)
		}
	}
	if got[0].Score < got[2].Score {
		t.Fatal("rankings must be ordered by score descending")
	}
}

func TestStartLoopSchedules(t *testing.T) {
	m, fq, _ := newTestMonitor(t, Config{CheckInterval: 10 * time.Millisecond}, "alpha")

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	waitFor(t, 2*time.Second, func() bool { return fq.count() >= 3 })
}
