package provider

import (
	"context"
	"sync"
	"time"
)

// Mock is a scripted test double for upstream sources. Zero value methods
// succeed with empty data; use the setters to script results, errors, and
// latency. Safe for concurrent use.
type Mock struct {
	name string

	// SearchFunc, when set, replaces the scripted Search behavior.
	SearchFunc func(ctx context.Context, query string, page, limit int) (*SearchPage, error)

	mu          sync.Mutex
	results     []SearchResult
	hasMore     bool
	manga       *Manga
	chapters    []Chapter
	pages       []string
	pageData    []byte
	latency     time.Duration
	err         error
	healthErr   error
	searchCalls int
	healthCalls int
	totalCalls  int
}

// NewMock creates a mock provider with the given name.
func NewMock(name string) *Mock {
	return &Mock{name: name, pageData: []byte("image-bytes")}
}

func (m *Mock) Name() string { return m.name }

// SetResults scripts the search results returned on every call.
func (m *Mock) SetResults(results ...SearchResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = results
}

// SetHasMore scripts the has-more flag on search pages.
func (m *Mock) SetHasMore(hasMore bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasMore = hasMore
}

// SetManga scripts the details result.
func (m *Mock) SetManga(manga *Manga) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manga = manga
}

// SetChapters scripts the chapter listing.
func (m *Mock) SetChapters(chapters ...Chapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chapters = chapters
}

// SetPages scripts the page URL listing.
func (m *Mock) SetPages(pages ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = pages
}

// SetErr makes every call fail with err (nil clears).
func (m *Mock) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetHealthErr makes only HealthCheck fail with err.
func (m *Mock) SetHealthErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthErr = err
}

// SetLatency adds a context-aware delay to every call.
func (m *Mock) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// SearchCalls reports how many times Search was invoked.
func (m *Mock) SearchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.searchCalls
}

// HealthCalls reports how many times HealthCheck was invoked.
func (m *Mock) HealthCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthCalls
}

// Calls reports the total number of provider invocations.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalCalls
}

// enter applies scripted latency and returns the scripted error, bumping
// counters.
func (m *Mock) enter(ctx context.Context) error {
	m.mu.Lock()
	m.totalCalls++
	delay := m.latency
	err := m.err
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (m *Mock) Search(ctx context.Context, query string, page, limit int) (*SearchPage, error) {
	m.mu.Lock()
	m.searchCalls++
	fn := m.SearchFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, query, page, limit)
	}
	if err := m.enter(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]SearchResult, len(m.results))
	copy(results, m.results)
	return &SearchPage{Results: results, Total: len(results), HasMore: m.hasMore}, nil
}

func (m *Mock) MangaDetails(ctx context.Context, mangaID string) (*Manga, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.manga != nil {
		return m.manga, nil
	}
	return &Manga{ID: mangaID, Title: "manga-" + mangaID, Provider: m.name}, nil
}

func (m *Mock) Chapters(ctx context.Context, mangaID string, page, limit int) (*ChapterPage, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	chapters := make([]Chapter, len(m.chapters))
	copy(chapters, m.chapters)
	return &ChapterPage{Chapters: chapters, Total: len(chapters)}, nil
}

func (m *Mock) Pages(ctx context.Context, mangaID, chapterID string) ([]string, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pages := make([]string, len(m.pages))
	copy(pages, m.pages)
	return pages, nil
}

func (m *Mock) DownloadPage(ctx context.Context, pageURL, referer string) ([]byte, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pageData, nil
}

func (m *Mock) DownloadCover(ctx context.Context, mangaID string) ([]byte, error) {
	if err := m.enter(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pageData, nil
}

func (m *Mock) HealthCheck(ctx context.Context) (time.Duration, error) {
	m.mu.Lock()
	m.healthCalls++
	m.totalCalls++
	delay := m.latency
	err := m.healthErr
	if err == nil {
		err = m.err
	}
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return delay, err
	}
	return delay, ctx.Err()
}
