// Package search implements the federated provider search: ordered fan-out
// over search-capable agents with per-provider pagination, merging,
// deduplication, relevance ranking, and post-merge pagination.
package search

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/toshokan-dev/toshokan/internal/agent"
	"github.com/toshokan-dev/toshokan/internal/health"
	"github.com/toshokan-dev/toshokan/internal/metrics"
	"github.com/toshokan-dev/toshokan/internal/provider"
)

// ErrEmptyQuery is returned when the query is blank.
var ErrEmptyQuery = errors.New("search query is empty")

// noMatchRank sorts results whose title does not contain the query after
// every substring match.
const noMatchRank = 1000

// Search outcome labels.
const (
	outcomeSuccess   = "success"
	outcomeAllFailed = "all_failed"
	outcomeNoAgents  = "no_agents"
)

// LibraryKey identifies one result for library membership checks. Title is
// carried so implementations can fall back to title matching when the
// (provider, external id) pair is unknown.
type LibraryKey struct {
	Provider   string
	ExternalID string
	Title      string
}

// Library resolves which results the user already has.
type Library interface {
	InLibrary(ctx context.Context, userID string, keys []LibraryKey) (map[LibraryKey]bool, error)
}

// Preferences supplies per-user provider ordering. Favorites are searched
// first and are exempt from the provider cap.
type Preferences interface {
	FavoriteProviders(ctx context.Context, userID string) ([]string, error)
}

// Ranker supplies the fallback agent ordering when the user has no
// preferences. Satisfied by the health monitor.
type Ranker interface {
	Rankings() []health.Metrics
}

// Config tunes the searcher.
type Config struct {
	// MaxProviders caps the non-favorite agents per search. Default 20.
	MaxProviders int

	// CallTimeout bounds each upstream search call. Default 15s.
	CallTimeout time.Duration
}

// DefaultConfig returns the standard search parameters.
func DefaultConfig() Config {
	return Config{MaxProviders: 20, CallTimeout: 15 * time.Second}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxProviders <= 0 {
		c.MaxProviders = d.MaxProviders
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	return c
}

// Response is one merged, ranked, paginated search answer. Results is
// never nil.
type Response struct {
	Results             []provider.SearchResult `json:"results"`
	Total               int                     `json:"total"`
	Page                int                     `json:"page"`
	Limit               int                     `json:"limit"`
	HasNext             bool                    `json:"has_next"`
	ProvidersSearched   int                     `json:"providers_searched"`
	ProvidersSuccessful int                     `json:"providers_successful"`
}

// Searcher fans queries out over the agent registry. Optional
// collaborators are attached with the Set methods; a bare Searcher ranks
// by registry priority and skips library tagging.
type Searcher struct {
	cfg      Config
	logger   *zap.Logger
	registry *agent.Registry

	ranker  Ranker
	prefs   Preferences
	library Library
}

// NewSearcher creates a Searcher over the registry.
func NewSearcher(cfg Config, registry *agent.Registry, logger *zap.Logger) *Searcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Searcher{
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("search"),
		registry: registry,
	}
}

// SetRanker attaches the health-based fallback ordering.
func (s *Searcher) SetRanker(r Ranker) { s.ranker = r }

// SetPreferences attaches the per-user provider ordering source.
func (s *Searcher) SetPreferences(p Preferences) { s.prefs = p }

// SetLibrary attaches the library membership source.
func (s *Searcher) SetLibrary(l Library) { s.library = l }

// agentOutcome is one agent's contribution to a search.
type agentOutcome struct {
	results []provider.SearchResult
	hasMore bool
	err     error
}

// Search runs one federated search. Results are merged in agent order,
// deduplicated by (title, provider), ranked by query position in the
// title, and paginated after the merge.
func (s *Searcher) Search(ctx context.Context, query string, page, limit int, userID string) (*Response, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}

	start := time.Now()
	resp := &Response{Results: []provider.SearchResult{}, Page: page, Limit: limit}

	agents := s.order(ctx, userID)
	if len(agents) == 0 {
		metrics.SearchesTotal.WithLabelValues(outcomeNoAgents).Inc()
		s.logger.Warn("search with no available agents", zap.String("query", query))
		return resp, nil
	}
	resp.ProvidersSearched = len(agents)

	// Fetch enough per provider to fill the requested page even when every
	// hit comes from one source.
	rpp := limit
	if rpp < 20 {
		rpp = 20
	}
	if rpp > 50 {
		rpp = 50
	}
	needed := page * limit
	denom := len(agents) * rpp
	maxPages := (needed+denom-1)/denom + 1
	if maxPages > 3 {
		maxPages = 3
	}

	outcomes := make([]agentOutcome, len(agents))
	g, gctx := errgroup.WithContext(ctx)
	for i, ag := range agents {
		g.Go(func() error {
			outcomes[i] = s.searchAgent(gctx, ag, query, rpp, maxPages)
			return nil
		})
	}
	// Workers record their outcome in place and never return errors.
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Merge in agent order, dedup on (title, provider), first wins.
	type dupKey struct{ title, provider string }
	seen := make(map[dupKey]struct{})
	var merged []provider.SearchResult
	anyMore := false
	for i, out := range outcomes {
		if out.err != nil {
			s.logger.Warn("provider search failed",
				zap.String("provider", agents[i].Name()),
				zap.Error(out.err))
		}
		if out.err == nil || len(out.results) > 0 {
			resp.ProvidersSuccessful++
		}
		if out.hasMore {
			anyMore = true
		}
		for _, r := range out.results {
			k := dupKey{strings.ToLower(r.Title), r.Provider}
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			merged = append(merged, r)
		}
	}

	q := strings.ToLower(query)
	ranks := make([]int, len(merged))
	for i, r := range merged {
		rank := noMatchRank
		if idx := strings.Index(strings.ToLower(r.Title), q); idx >= 0 {
			rank = idx
		}
		ranks[i] = rank
	}
	order := make([]int, len(merged))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return ranks[order[a]] < ranks[order[b]] })

	resp.Total = len(merged)
	offset := (page - 1) * limit
	for _, idx := range order[min(offset, len(order)):min(offset+limit, len(order))] {
		resp.Results = append(resp.Results, merged[idx])
	}
	resp.HasNext = offset+limit < resp.Total || anyMore

	s.tagLibrary(ctx, userID, resp.Results)

	outcome := outcomeSuccess
	if resp.ProvidersSuccessful == 0 {
		outcome = outcomeAllFailed
	}
	metrics.SearchesTotal.WithLabelValues(outcome).Inc()
	metrics.SearchDurationSeconds.Observe(time.Since(start).Seconds())

	s.logger.Info("federated search finished",
		zap.String("query", query),
		zap.Int("page", page),
		zap.Int("providers_searched", resp.ProvidersSearched),
		zap.Int("providers_successful", resp.ProvidersSuccessful),
		zap.Int("total", resp.Total),
		zap.Duration("elapsed", time.Since(start)))
	return resp, nil
}

// searchAgent pulls up to maxPages sequential pages from one agent,
// stopping early when a page comes back short.
func (s *Searcher) searchAgent(ctx context.Context, ag *agent.Agent, query string, rpp, maxPages int) agentOutcome {
	var out agentOutcome
	for p := 1; p <= maxPages; p++ {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		sp, err := ag.Search(callCtx, query, p, rpp)
		cancel()
		if err != nil {
			out.err = err
			return out
		}
		out.results = append(out.results, sp.Results...)
		out.hasMore = sp.HasMore
		if len(sp.Results) < rpp {
			break
		}
	}
	return out
}

// order decides which agents to query and in what sequence: user favorites
// first when present, otherwise health ranking, otherwise registry
// priority. Non-favorites are capped.
func (s *Searcher) order(ctx context.Context, userID string) []*agent.Agent {
	agents := s.registry.ByCapability(provider.CapSearch)
	if len(agents) == 0 {
		return nil
	}

	var favs []string
	if s.prefs != nil && userID != "" {
		f, err := s.prefs.FavoriteProviders(ctx, userID)
		if err != nil {
			s.logger.Debug("load provider preferences failed",
				zap.String("user_id", userID), zap.Error(err))
		} else {
			favs = f
		}
	}

	if len(favs) > 0 {
		pos := make(map[string]int, len(favs))
		for i, name := range favs {
			if _, ok := pos[strings.ToLower(name)]; !ok {
				pos[strings.ToLower(name)] = i
			}
		}
		var front, rest []*agent.Agent
		for _, ag := range agents {
			if _, ok := pos[strings.ToLower(ag.Name())]; ok {
				front = append(front, ag)
			} else {
				rest = append(rest, ag)
			}
		}
		sort.SliceStable(front, func(i, j int) bool {
			return pos[strings.ToLower(front[i].Name())] < pos[strings.ToLower(front[j].Name())]
		})
		if len(rest) > s.cfg.MaxProviders {
			rest = rest[:s.cfg.MaxProviders]
		}
		return append(front, rest...)
	}

	if s.ranker != nil {
		rank := make(map[string]int)
		for i, hm := range s.ranker.Rankings() {
			rank[strings.ToLower(hm.Provider)] = i
		}
		unranked := len(rank)
		at := func(ag *agent.Agent) int {
			if i, ok := rank[strings.ToLower(ag.Name())]; ok {
				return i
			}
			return unranked
		}
		sort.SliceStable(agents, func(i, j int) bool { return at(agents[i]) < at(agents[j]) })
	}

	if len(agents) > s.cfg.MaxProviders {
		agents = agents[:s.cfg.MaxProviders]
	}
	return agents
}

// tagLibrary marks the returned slice with library membership,
// best-effort.
func (s *Searcher) tagLibrary(ctx context.Context, userID string, results []provider.SearchResult) {
	if s.library == nil || len(results) == 0 {
		return
	}
	keys := make([]LibraryKey, len(results))
	for i, r := range results {
		keys[i] = LibraryKey{Provider: r.Provider, ExternalID: r.ID, Title: r.Title}
	}
	set, err := s.library.InLibrary(ctx, userID, keys)
	if err != nil {
		s.logger.Warn("library lookup failed", zap.Error(err))
		return
	}
	for i := range results {
		if set[keys[i]] {
			results[i].InLibrary = true
		}
	}
}
