package isolation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/toshokan-dev/toshokan/internal/provider"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newFakeManager(cfg Config) (*Manager, *fakeClock) {
	m := NewManager(cfg, zap.NewNop())
	clock := newFakeClock()
	m.now = clock.Now
	return m, clock
}

var errBoom = errors.New("boom")

func fail(context.Context) error { return errBoom }
func ok(context.Context) error   { return nil }

func TestExecute_RunsFn(t *testing.T) {
	m, _ := newFakeManager(Config{})
	ran := false
	err := m.Execute(context.Background(), "a", func(context.Context) error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !ran {
		t.Fatal("fn did not run")
	}
}

func TestExecute_QuarantineAfterConsecutiveFailures(t *testing.T) {
	m, clock := newFakeManager(Config{ConsecutiveThreshold: 3, QuarantineDuration: time.Minute})

	for i := 0; i < 3; i++ {
		if err := m.Execute(context.Background(), "a", fail); !errors.Is(err, errBoom) {
			t.Fatalf("failure %d: %v", i, err)
		}
	}

	if err := m.Execute(context.Background(), "a", ok); !errors.Is(err, ErrQuarantined) {
		t.Fatalf("want ErrQuarantined, got %v", err)
	}
	st := m.Stats("a")
	if !st.Quarantined || st.QuarantineCount != 1 {
		t.Fatalf("stats after quarantine: %+v", st)
	}

	// Other agents are unaffected.
	if err := m.Execute(context.Background(), "b", ok); err != nil {
		t.Fatalf("agent b: %v", err)
	}

	// Window expiry readmits.
	clock.Advance(time.Minute + time.Second)
	if err := m.Execute(context.Background(), "a", ok); err != nil {
		t.Fatalf("after quarantine expiry: %v", err)
	}
	if st := m.Stats("a"); st.Quarantined || st.ConsecutiveFailures != 0 {
		t.Fatalf("success should clear quarantine state: %+v", st)
	}
}

func TestExecute_SuccessResetsConsecutive(t *testing.T) {
	m, _ := newFakeManager(Config{ConsecutiveThreshold: 3})

	for i := 0; i < 2; i++ {
		_ = m.Execute(context.Background(), "a", fail)
	}
	if err := m.Execute(context.Background(), "a", ok); err != nil {
		t.Fatalf("success: %v", err)
	}
	for i := 0; i < 2; i++ {
		_ = m.Execute(context.Background(), "a", fail)
	}
	if err := m.Execute(context.Background(), "a", ok); errors.Is(err, ErrQuarantined) {
		t.Fatal("interleaved successes should prevent quarantine")
	}
}

func TestExecute_FailureWindowQuarantine(t *testing.T) {
	// Consecutive threshold out of reach; only the windowed count triggers.
	m, clock := newFakeManager(Config{ConsecutiveThreshold: 100, FailureThreshold: 4})

	b := m.forAgent("a")
	for i := 0; i < 4; i++ {
		m.recordFailure(b, "a", PatternConnection)
		clock.Advance(time.Second)
	}
	if st := m.Stats("a"); !st.Quarantined {
		t.Fatalf("want quarantine from windowed failures: %+v", st)
	}
}

func TestExecute_TimeoutMapped(t *testing.T) {
	m, _ := newFakeManager(Config{RequestTimeout: 20 * time.Millisecond, ConsecutiveThreshold: 2})

	err := m.Execute(context.Background(), "a", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("want ErrTimeout, got %v", err)
	}
	if st := m.Stats("a"); st.ConsecutiveFailures != 1 {
		t.Fatalf("timeout should count as failure: %+v", st)
	}
}

func TestExecute_CancellationNotCounted(t *testing.T) {
	m, _ := newFakeManager(Config{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- m.Execute(ctx, "a", func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	cancel()

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if st := m.Stats("a"); st.ConsecutiveFailures != 0 || st.RecentFailures != 0 {
		t.Fatalf("cancellation must not count as failure: %+v", st)
	}
}

func TestExecute_BulkheadBoundsConcurrency(t *testing.T) {
	m, _ := newFakeManager(Config{MaxConcurrent: 2})

	var inFlight, peak int64
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Execute(context.Background(), "a", func(context.Context) error {
				n := atomic.AddInt64(&inFlight, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}
				<-release
				atomic.AddInt64(&inFlight, -1)
				return nil
			})
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt64(&peak); got > 2 {
		t.Fatalf("bulkhead admitted %d concurrent calls, want <= 2", got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Pattern
	}{
		{context.DeadlineExceeded, PatternTimeout},
		{fmt.Errorf("wrapped: %w", ErrTimeout), PatternTimeout},
		{&provider.UpstreamError{Provider: "x", Op: "search", StatusCode: 503, Err: errBoom}, PatternUpstream5xx},
		{&provider.UpstreamError{Provider: "x", Op: "search", StatusCode: 404, Err: errBoom}, PatternHighFailureRate},
		{errBoom, PatternHighFailureRate},
	}
	for _, tc := range cases {
		if got := classify(tc.err); got != tc.want {
			t.Errorf("classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestReset_LiftsQuarantine(t *testing.T) {
	m, _ := newFakeManager(Config{ConsecutiveThreshold: 1})

	_ = m.Execute(context.Background(), "a", fail)
	if err := m.Execute(context.Background(), "a", ok); !errors.Is(err, ErrQuarantined) {
		t.Fatalf("want quarantine, got %v", err)
	}

	m.Reset("a")
	if err := m.Execute(context.Background(), "a", ok); err != nil {
		t.Fatalf("after reset: %v", err)
	}
}
