package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const browserUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// defaultParams targets Madara-style themes, the most common layout among
// aggregator sites. Every key can be overridden per provider via
// Config.Params.
var defaultParams = map[string]string{
	"search_path":    "/?s={query}&post_type=wp-manga&paged={page}",
	"manga_path":     "/manga/{id}/",
	"chapter_path":   "/manga/{id}/{chapter}/",
	"search_item":    ".c-tabs-item__content",
	"search_title":   ".post-title a",
	"search_cover":   "img",
	"search_desc":    ".post-content_item .summary-content",
	"search_next":    ".nav-previous a",
	"details_title":  ".post-title h1",
	"details_desc":   ".description-summary .summary__content",
	"details_cover":  ".summary_image img",
	"details_genres": ".genres-content a",
	"details_author": ".author-content a",
	"details_status": ".post-status .summary-content",
	"details_alt":    "",
	"details_year":   "",
	"chapter_item":   "li.wp-manga-chapter a",
	"page_image":     ".reading-content img",
}

// SelectorProvider scrapes an upstream site using configured CSS selectors.
// Fetches go through FlareSolverr when the provider is configured for it.
type SelectorProvider struct {
	name       string
	baseURL    *url.URL
	nsfw       bool
	params     map[string]string
	client     *http.Client
	solver     *FlareSolverr
	maxRetries int
}

// NewSelectorProvider creates a selector-driven provider.
func NewSelectorProvider(cfg Config) (*SelectorProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %s: base URL required", cfg.Name)
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("provider %s: invalid base URL %q", cfg.Name, cfg.BaseURL)
	}

	timeout := cfg.TimeoutSeconds
	if timeout <= 0 {
		timeout = 30
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 2
	}

	var solver *FlareSolverr
	if cfg.UseFlareSolverr {
		if cfg.FlareSolverrURL == "" {
			return nil, fmt.Errorf("provider %s: use_flaresolverr set but no FlareSolverr endpoint", cfg.Name)
		}
		solver = NewFlareSolverr(cfg.FlareSolverrURL, time.Duration(timeout)*time.Second)
	}

	return &SelectorProvider{
		name:       cfg.Name,
		baseURL:    base,
		nsfw:       cfg.SupportsNSFW,
		params:     cfg.Params,
		client:     &http.Client{Timeout: time.Duration(timeout) * time.Second},
		solver:     solver,
		maxRetries: retries,
	}, nil
}

func (p *SelectorProvider) Name() string { return p.name }

func (p *SelectorProvider) param(key string) string {
	if v, ok := p.params[key]; ok {
		return v
	}
	return defaultParams[key]
}

func (p *SelectorProvider) Search(ctx context.Context, query string, page, limit int) (*SearchPage, error) {
	if page < 1 {
		page = 1
	}
	path := strings.ReplaceAll(p.param("search_path"), "{query}", url.QueryEscape(query))
	path = strings.ReplaceAll(path, "{page}", strconv.Itoa(page))

	doc, err := p.fetchDoc(ctx, p.absURL(path), "search")
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	doc.Find(p.param("search_item")).EachWithBreak(func(_ int, item *goquery.Selection) bool {
		title := item.Find(p.param("search_title")).First()
		href, _ := title.Attr("href")
		if href == "" {
			return true
		}
		results = append(results, SearchResult{
			ID:          idFromURL(href),
			Title:       cleanText(title.Text()),
			CoverURL:    p.absURL(imageSrc(item.Find(p.param("search_cover")).First())),
			Description: cleanText(item.Find(p.param("search_desc")).First().Text()),
			Provider:    p.name,
			URL:         p.absURL(href),
			NSFW:        p.nsfw,
		})
		return limit <= 0 || len(results) < limit
	})

	hasMore := doc.Find(p.param("search_next")).Length() > 0
	if limit > 0 && len(results) == limit {
		hasMore = true
	}
	return &SearchPage{Results: results, Total: len(results), HasMore: hasMore}, nil
}

func (p *SelectorProvider) MangaDetails(ctx context.Context, mangaID string) (*Manga, error) {
	doc, err := p.fetchDoc(ctx, p.mangaURL(mangaID), "manga_details")
	if err != nil {
		return nil, err
	}

	m := &Manga{
		ID:          mangaID,
		Title:       cleanText(doc.Find(p.param("details_title")).First().Text()),
		Description: cleanText(doc.Find(p.param("details_desc")).First().Text()),
		CoverURL:    p.absURL(imageSrc(doc.Find(p.param("details_cover")).First())),
		Status:      cleanText(doc.Find(p.param("details_status")).First().Text()),
		URL:         p.mangaURL(mangaID),
		Provider:    p.name,
		NSFW:        p.nsfw,
	}
	doc.Find(p.param("details_genres")).Each(func(_ int, s *goquery.Selection) {
		if g := cleanText(s.Text()); g != "" {
			m.Genres = append(m.Genres, g)
		}
	})
	doc.Find(p.param("details_author")).Each(func(_ int, s *goquery.Selection) {
		if a := cleanText(s.Text()); a != "" {
			m.Authors = append(m.Authors, a)
		}
	})
	if sel := p.param("details_alt"); sel != "" {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) {
			for _, alt := range strings.Split(s.Text(), ";") {
				if alt = cleanText(alt); alt != "" {
					m.AltTitles = append(m.AltTitles, alt)
				}
			}
		})
	}
	if sel := p.param("details_year"); sel != "" {
		if y, err := strconv.Atoi(cleanText(doc.Find(sel).First().Text())); err == nil {
			m.Year = y
		}
	}

	if m.Title == "" {
		return nil, &UpstreamError{Provider: p.name, Op: "manga_details", Err: fmt.Errorf("no title found for %q", mangaID)}
	}
	return m, nil
}

func (p *SelectorProvider) Chapters(ctx context.Context, mangaID string, page, limit int) (*ChapterPage, error) {
	doc, err := p.fetchDoc(ctx, p.mangaURL(mangaID), "chapters")
	if err != nil {
		return nil, err
	}

	var all []Chapter
	doc.Find(p.param("chapter_item")).Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if href == "" {
			return
		}
		title := cleanText(s.Text())
		all = append(all, Chapter{
			ID:      idFromURL(href),
			MangaID: mangaID,
			Title:   title,
			Number:  extractNumber(title),
			URL:     p.absURL(href),
		})
	})

	// Sites list newest first; flip to reading order.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}

	total := len(all)
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = total
	}
	offset := (page - 1) * limit
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return &ChapterPage{Chapters: all[offset:end], Total: total, HasMore: end < total}, nil
}

func (p *SelectorProvider) Pages(ctx context.Context, mangaID, chapterID string) ([]string, error) {
	path := strings.ReplaceAll(p.param("chapter_path"), "{id}", mangaID)
	path = strings.ReplaceAll(path, "{chapter}", chapterID)

	doc, err := p.fetchDoc(ctx, p.absURL(path), "pages")
	if err != nil {
		return nil, err
	}

	var pages []string
	doc.Find(p.param("page_image")).Each(func(_ int, s *goquery.Selection) {
		if src := imageSrc(s); src != "" {
			pages = append(pages, p.absURL(src))
		}
	})
	if len(pages) == 0 {
		return nil, &UpstreamError{Provider: p.name, Op: "pages", Err: fmt.Errorf("no page images for chapter %q", chapterID)}
	}
	return pages, nil
}

func (p *SelectorProvider) DownloadPage(ctx context.Context, pageURL, referer string) ([]byte, error) {
	if referer == "" {
		referer = p.baseURL.String()
	}
	return p.get(ctx, pageURL, referer, "download_page")
}

func (p *SelectorProvider) DownloadCover(ctx context.Context, mangaID string) ([]byte, error) {
	m, err := p.MangaDetails(ctx, mangaID)
	if err != nil {
		return nil, err
	}
	if m.CoverURL == "" {
		return nil, &UpstreamError{Provider: p.name, Op: "download_cover", Err: fmt.Errorf("no cover for %q", mangaID)}
	}
	return p.get(ctx, m.CoverURL, m.URL, "download_cover")
}

func (p *SelectorProvider) HealthCheck(ctx context.Context) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL.String(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", browserUserAgent)

	start := time.Now()
	resp, err := p.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, &UpstreamError{Provider: p.name, Op: "health_check", Err: err}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		return elapsed, &UpstreamError{Provider: p.name, Op: "health_check", StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}
	return elapsed, nil
}

func (p *SelectorProvider) mangaURL(mangaID string) string {
	return p.absURL(strings.ReplaceAll(p.param("manga_path"), "{id}", mangaID))
}

// fetchDoc retrieves a page (directly or via FlareSolverr) and parses it.
func (p *SelectorProvider) fetchDoc(ctx context.Context, pageURL, op string) (*goquery.Document, error) {
	if p.solver != nil {
		html, err := p.solver.Get(ctx, pageURL)
		if err != nil {
			return nil, &UpstreamError{Provider: p.name, Op: op, Err: err}
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return nil, &UpstreamError{Provider: p.name, Op: op, Err: fmt.Errorf("parse document: %w", err)}
		}
		return doc, nil
	}

	body, err := p.get(ctx, pageURL, "", op)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return nil, &UpstreamError{Provider: p.name, Op: op, Err: fmt.Errorf("parse document: %w", err)}
	}
	return doc, nil
}

// get fetches a URL with retry on 429 and 5xx, exponential backoff.
func (p *SelectorProvider) get(ctx context.Context, rawURL, referer, op string) ([]byte, error) {
	var lastStatus int
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, &UpstreamError{Provider: p.name, Op: op, Err: err}
		}
		req.Header.Set("User-Agent", browserUserAgent)
		if referer != "" {
			req.Header.Set("Referer", referer)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < p.maxRetries {
				continue
			}
			return nil, &UpstreamError{Provider: p.name, Op: op, Err: err}
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, &UpstreamError{Provider: p.name, Op: op, Err: fmt.Errorf("read response: %w", err)}
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastStatus = resp.StatusCode
			if attempt < p.maxRetries {
				continue
			}
			return nil, &UpstreamError{Provider: p.name, Op: op, StatusCode: lastStatus, Err: fmt.Errorf("after %d retries: %s", p.maxRetries, http.StatusText(lastStatus))}
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &UpstreamError{Provider: p.name, Op: op, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
		}
		return body, nil
	}
	return nil, &UpstreamError{Provider: p.name, Op: op, StatusCode: lastStatus, Err: errors.New("exhausted retries")}
}

func (p *SelectorProvider) absURL(href string) string {
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return href
	}
	return p.baseURL.ResolveReference(u).String()
}

// imageSrc extracts an image URL, preferring lazy-load attributes.
func imageSrc(s *goquery.Selection) string {
	for _, attr := range []string{"data-src", "data-lazy-src", "data-url", "src"} {
		if v, ok := s.Attr(attr); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// idFromURL takes the last non-empty path segment as the external ID.
func idFromURL(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) == 0 {
		return link
	}
	return segs[len(segs)-1]
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// extractNumber pulls the first numeric token out of a chapter title
// ("Chapter 12.5" -> 12.5). Returns 0 when none is found.
func extractNumber(title string) float64 {
	start := -1
	for i, r := range title {
		if r >= '0' && r <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 && r == '.' && i+1 < len(title) && title[i+1] >= '0' && title[i+1] <= '9' {
			continue
		}
		if start >= 0 {
			n, err := strconv.ParseFloat(title[start:i], 64)
			if err == nil {
				return n
			}
			start = -1
		}
	}
	if start >= 0 {
		if n, err := strconv.ParseFloat(title[start:], 64); err == nil {
			return n
		}
	}
	return 0
}
