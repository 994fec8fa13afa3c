package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const searchHTML = `<html><body>
<div class="c-tabs-item__content">
  <div class="post-title"><h3><a href="/manga/one-piece/">One Piece</a></h3></div>
  <img data-src="/covers/op.jpg" src="placeholder.gif">
  <div class="post-content_item"><div class="summary-content">Pirates.</div></div>
</div>
<div class="c-tabs-item__content">
  <div class="post-title"><h3><a href="/manga/one-punch-man/">One Punch Man</a></h3></div>
  <img src="/covers/opm.jpg">
  <div class="post-content_item"><div class="summary-content">Hero for fun.</div></div>
</div>
<div class="nav-previous"><a href="/?s=one&paged=2">Next</a></div>
</body></html>`

const detailsHTML = `<html><body>
<div class="post-title"><h1>One Piece</h1></div>
<div class="summary_image"><img data-src="/covers/op-big.jpg"></div>
<div class="description-summary"><div class="summary__content">Grand Line adventures.</div></div>
<div class="genres-content"><a>Action</a><a>Adventure</a></div>
<div class="author-content"><a>Eiichiro Oda</a></div>
<div class="post-status"><div class="summary-content">Ongoing</div></div>
<ul><li class="wp-manga-chapter"><a href="/manga/one-piece/chapter-2/">Chapter 2</a></li>
<li class="wp-manga-chapter"><a href="/manga/one-piece/chapter-1/">Chapter 1</a></li></ul>
</body></html>`

func newTestProvider(t *testing.T, handler http.Handler) (*SelectorProvider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewSelectorProvider(Config{Name: "testsite", BaseURL: srv.URL, MaxRetries: 1})
	if err != nil {
		t.Fatalf("NewSelectorProvider: %v", err)
	}
	return p, srv
}

func TestSelectorSearch(t *testing.T) {
	p, srv := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, searchHTML)
	}))

	page, err := p.Search(context.Background(), "one", 1, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(page.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(page.Results))
	}

	first := page.Results[0]
	if first.Title != "One Piece" {
		t.Errorf("title = %q", first.Title)
	}
	if first.ID != "one-piece" {
		t.Errorf("id = %q", first.ID)
	}
	if first.Provider != "testsite" {
		t.Errorf("provider = %q", first.Provider)
	}
	if first.URL != srv.URL+"/manga/one-piece/" {
		t.Errorf("url = %q", first.URL)
	}
	// data-src wins over the lazy-load placeholder src
	if first.CoverURL != srv.URL+"/covers/op.jpg" {
		t.Errorf("cover = %q", first.CoverURL)
	}
	if !page.HasMore {
		t.Error("expected has_more from pagination link")
	}
}

func TestSelectorSearchHonorsLimit(t *testing.T) {
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, searchHTML)
	}))

	page, err := p.Search(context.Background(), "one", 1, 1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(page.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(page.Results))
	}
	if !page.HasMore {
		t.Error("hitting the limit should imply has_more")
	}
}

func TestSelectorMangaDetailsAndChapters(t *testing.T) {
	p, srv := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, detailsHTML)
	}))

	m, err := p.MangaDetails(context.Background(), "one-piece")
	if err != nil {
		t.Fatalf("MangaDetails: %v", err)
	}
	if m.Title != "One Piece" || m.Status != "Ongoing" {
		t.Errorf("details = %+v", m)
	}
	if len(m.Genres) != 2 || m.Genres[0] != "Action" {
		t.Errorf("genres = %v", m.Genres)
	}
	if m.CoverURL != srv.URL+"/covers/op-big.jpg" {
		t.Errorf("cover = %q", m.CoverURL)
	}

	chapters, err := p.Chapters(context.Background(), "one-piece", 1, 10)
	if err != nil {
		t.Fatalf("Chapters: %v", err)
	}
	if chapters.Total != 2 {
		t.Fatalf("expected 2 chapters, got %d", chapters.Total)
	}
	// listing is newest-first on the site, flipped to reading order
	if chapters.Chapters[0].Title != "Chapter 1" {
		t.Errorf("first chapter = %q", chapters.Chapters[0].Title)
	}
	if chapters.Chapters[1].Number != 2 {
		t.Errorf("second chapter number = %v", chapters.Chapters[1].Number)
	}
}

func TestSelectorUpstreamErrorOn404(t *testing.T) {
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := p.Search(context.Background(), "x", 1, 10)
	if err == nil {
		t.Fatal("expected error")
	}
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %T: %v", err, err)
	}
	if ue.StatusCode != http.StatusNotFound || ue.Op != "search" {
		t.Errorf("UpstreamError = %+v", ue)
	}
}

func TestSelectorRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	p, _ := newTestProvider(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, searchHTML)
	}))

	page, err := p.Search(context.Background(), "one", 1, 10)
	if err != nil {
		t.Fatalf("Search after retry: %v", err)
	}
	if len(page.Results) != 2 {
		t.Errorf("expected 2 results, got %d", len(page.Results))
	}
	if calls.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", calls.Load())
	}
}

func TestFlareSolverrGet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1" {
			t.Errorf("path = %q", r.URL.Path)
		}
		var req solveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Cmd != "request.get" || req.URL != "https://target.example/page" {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"status": "ok",
			"solution": map[string]any{
				"status":   200,
				"response": "<html>solved</html>",
			},
		})
	}))
	defer srv.Close()

	fs := NewFlareSolverr(srv.URL, 5*time.Second)
	body, err := fs.Get(context.Background(), "https://target.example/page")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if body != "<html>solved</html>" {
		t.Errorf("body = %q", body)
	}
}

func TestFlareSolverrSolveFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "error", "message": "challenge failed"})
	}))
	defer srv.Close()

	fs := NewFlareSolverr(srv.URL, 5*time.Second)
	if _, err := fs.Get(context.Background(), "https://target.example"); err == nil {
		t.Fatal("expected solve failure")
	}
}

func TestExtractNumber(t *testing.T) {
	cases := []struct {
		title string
		want  float64
	}{
		{"Chapter 12", 12},
		{"Chapter 12.5 - Special", 12.5},
		{"Vol 3 Ch. 45", 3},
		{"Oneshot", 0},
	}
	for _, tc := range cases {
		if got := extractNumber(tc.title); got != tc.want {
			t.Errorf("extractNumber(%q) = %v, want %v", tc.title, got, tc.want)
		}
	}
}

func TestMockScripting(t *testing.T) {
	m := NewMock("mocksite")
	m.SetResults(SearchResult{ID: "a", Title: "A", Provider: "mocksite"})

	page, err := m.Search(context.Background(), "a", 1, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(page.Results) != 1 || page.Results[0].Title != "A" {
		t.Errorf("results = %+v", page.Results)
	}
	if m.SearchCalls() != 1 {
		t.Errorf("search calls = %d", m.SearchCalls())
	}

	m.SetErr(errors.New("boom"))
	if _, err := m.Search(context.Background(), "a", 1, 10); err == nil {
		t.Fatal("expected scripted error")
	}
}

func TestMockLatencyRespectsContext(t *testing.T) {
	m := NewMock("slow")
	m.SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.Search(ctx, "x", 1, 10)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("mock did not honor cancellation")
	}
}
