// Package provider defines the upstream manga source abstraction and its
// implementations. Each provider translates between the normalized result
// types used by the rest of the system and one upstream site (HTML scraping
// via selectors, optionally fetched through FlareSolverr for
// Cloudflare-protected hosts).
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Capability tags one operation an upstream source implements. Agents are
// selected by capability; a provider missing a capability returns
// ErrUnsupported for the corresponding call.
type Capability string

const (
	CapSearch        Capability = "search"
	CapMangaDetails  Capability = "manga_details"
	CapChapters      Capability = "chapters"
	CapPages         Capability = "pages"
	CapDownloadPage  Capability = "download_page"
	CapDownloadCover Capability = "download_cover"
	CapHealthCheck   Capability = "health_check"
)

// AllCapabilities returns every defined capability, in a stable order.
func AllCapabilities() []Capability {
	return []Capability{
		CapSearch, CapMangaDetails, CapChapters, CapPages,
		CapDownloadPage, CapDownloadCover, CapHealthCheck,
	}
}

// ErrUnsupported is returned by providers for operations they do not
// implement.
var ErrUnsupported = errors.New("operation not supported by provider")

// Provider is the interface for upstream manga sources.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the provider identifier (e.g. "mangafire").
	Name() string

	// Search queries the source, returning one page of normalized results.
	Search(ctx context.Context, query string, page, limit int) (*SearchPage, error)

	// MangaDetails fetches full metadata for one series.
	MangaDetails(ctx context.Context, mangaID string) (*Manga, error)

	// Chapters lists chapters for a series, paginated.
	Chapters(ctx context.Context, mangaID string, page, limit int) (*ChapterPage, error)

	// Pages returns the page image URLs for a chapter.
	Pages(ctx context.Context, mangaID, chapterID string) ([]string, error)

	// DownloadPage fetches one page image. referer may be empty.
	DownloadPage(ctx context.Context, pageURL, referer string) ([]byte, error)

	// DownloadCover fetches the cover image for a series.
	DownloadCover(ctx context.Context, mangaID string) ([]byte, error)

	// HealthCheck probes the source and reports round-trip latency.
	HealthCheck(ctx context.Context) (time.Duration, error)
}

// SearchResult is one normalized search hit.
type SearchResult struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	CoverURL    string `json:"cover_url,omitempty"`
	Description string `json:"description,omitempty"`
	Provider    string `json:"provider"`
	URL         string `json:"url"`
	InLibrary   bool   `json:"in_library"`
	NSFW        bool   `json:"is_nsfw"`
}

// SearchPage is one page of search results.
type SearchPage struct {
	Results []SearchResult `json:"results"`
	Total   int            `json:"total"`
	HasMore bool           `json:"has_more"`
}

// Manga is the full metadata for one series.
type Manga struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	AltTitles   []string `json:"alt_titles,omitempty"`
	Description string   `json:"description,omitempty"`
	CoverURL    string   `json:"cover_url,omitempty"`
	Authors     []string `json:"authors,omitempty"`
	Genres      []string `json:"genres,omitempty"`
	Status      string   `json:"status,omitempty"`
	Year        int      `json:"year,omitempty"`
	URL         string   `json:"url"`
	Provider    string   `json:"provider"`
	NSFW        bool     `json:"is_nsfw"`
}

// Chapter is one chapter reference.
type Chapter struct {
	ID       string  `json:"id"`
	MangaID  string  `json:"manga_id"`
	Title    string  `json:"title"`
	Number   float64 `json:"number,omitempty"`
	Volume   string  `json:"volume,omitempty"`
	Language string  `json:"language,omitempty"`
	URL      string  `json:"url"`
}

// ChapterPage is one page of a chapter listing.
type ChapterPage struct {
	Chapters []Chapter `json:"chapters"`
	Total    int       `json:"total"`
	HasMore  bool      `json:"has_more"`
}

// UpstreamError wraps a failure reported by (or while talking to) an
// upstream source, carrying the provider and operation for context.
type UpstreamError struct {
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s: upstream returned %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Config holds the construction parameters for a provider instance,
// mapped from one provider file entry.
type Config struct {
	// Name is the provider identifier. Required.
	Name string

	// ClassName selects the adapter implementation ("selector", "mock").
	// Empty means "selector".
	ClassName string

	// BaseURL is the site root (e.g. "https://example.site").
	BaseURL string

	// SupportsNSFW marks sources that may return adult content.
	SupportsNSFW bool

	// UseFlareSolverr routes page fetches through a FlareSolverr instance.
	UseFlareSolverr bool

	// FlareSolverrURL is the FlareSolverr endpoint (from FLARESOLVERR_URL).
	FlareSolverrURL string

	// Params carries adapter-specific settings (CSS selectors, path
	// templates). Missing keys fall back to adapter defaults.
	Params map[string]string

	// TimeoutSeconds is the per-request timeout (default 30).
	TimeoutSeconds int

	// MaxRetries is the retry count on transient failures (default 2).
	MaxRetries int
}

// New creates a provider from config.
func New(cfg Config) (Provider, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("provider config requires a name")
	}
	switch cfg.ClassName {
	case "", "selector":
		return NewSelectorProvider(cfg)
	case "mock":
		return NewMock(cfg.Name), nil
	default:
		return nil, fmt.Errorf("unsupported provider class: %q", cfg.ClassName)
	}
}
