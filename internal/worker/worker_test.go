package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/toshokan-dev/toshokan/internal/agent"
	"github.com/toshokan-dev/toshokan/internal/isolation"
	"github.com/toshokan-dev/toshokan/internal/provider"
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

// fastLimits keeps tests quick: no meaningful spacing, no window caps.
func fastLimits() ratelimit.Config {
	return ratelimit.Config{
		MaxConcurrent:    8,
		MinSpacing:       time.Millisecond,
		MaxPerMinute:     100000,
		BurstLimit:       100000,
		BurstWindow:      10 * time.Second,
		CircuitThreshold: 100000,
		CircuitCooldown:  time.Second,
	}
}

func newTestRegistry(t *testing.T, names ...string) (*agent.Registry, map[string]*provider.Mock) {
	t.Helper()
	reg := agent.NewRegistry(zap.NewNop())
	rlm := ratelimit.NewManager(fastLimits(), zap.NewNop())
	iso := isolation.NewManager(isolation.Config{}, zap.NewNop())
	mocks := make(map[string]*provider.Mock, len(names))
	for i, name := range names {
		mock := provider.NewMock(name)
		a := agent.New(agent.Descriptor{
			Name:     name,
			BaseURL:  "https://" + name + ".example",
			Priority: i + 1,
		}, mock, rlm.ForAgent(name), iso, zap.NewNop())
		if err := reg.Register(a); err != nil {
			t.Fatalf("register agent %s: %v", name, err)
		}
		mocks[name] = mock
	}
	return reg, mocks
}

// memSink records written artifacts in memory.
type memSink struct {
	mu      sync.Mutex
	pages   map[string][]byte
	covers  map[string][]byte
	pageErr error
	onPage  func()
}

func (s *memSink) WritePage(_ context.Context, mangaID, chapterID string, page int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onPage != nil {
		s.onPage()
	}
	if s.pageErr != nil {
		return s.pageErr
	}
	if s.pages == nil {
		s.pages = make(map[string][]byte)
	}
	s.pages[fmt.Sprintf("%s/%s/%d", mangaID, chapterID, page)] = data
	return nil
}

func (s *memSink) WriteCover(_ context.Context, mangaID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.covers == nil {
		s.covers = make(map[string][]byte)
	}
	s.covers[mangaID] = data
	return nil
}

func (s *memSink) pageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pages)
}

func (s *memSink) hasPage(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pages[key]
	return ok
}

// healthRecorder captures ReportCheck calls.
type healthRecorder struct {
	mu       sync.Mutex
	provider string
	success  bool
	latency  time.Duration
	calls    int
}

func (r *healthRecorder) ReportCheck(provider string, success bool, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.provider = provider
	r.success = success
	r.latency = latency
	r.calls++
}

func (r *healthRecorder) snapshot() (string, bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.provider, r.success, r.calls
}
