package indexer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joeycumines/go-catrate"
	"go.uber.org/zap"

	"github.com/toshokan-dev/toshokan/internal/metrics"
)

var (
	// ErrEmptyQuery is returned for blank metadata queries.
	ErrEmptyQuery = errors.New("indexer: empty query")
	// ErrNotRegistered is returned when a named indexer is unknown.
	ErrNotRegistered = errors.New("indexer: not registered")
	// ErrNoWriter is returned when no primary indexer accepts writes.
	ErrNoWriter = errors.New("indexer: no writable primary indexer")
)

// Config controls the dispatcher.
type Config struct {
	// MinResults is the deduplicated result count that satisfies a query
	// at the primary tier.
	MinResults int
	// UseFallback forces consultation of every tier even when the primary
	// tier already satisfies MinResults.
	UseFallback bool
	// TierPause is the delay between tiers.
	TierPause time.Duration
	// CacheTTL bounds the search cache.
	CacheTTL time.Duration
	// PerMinuteLimit caps outbound requests per indexer per minute.
	PerMinuteLimit int
	// WriteSpacing is the minimum gap between primary write operations.
	WriteSpacing time.Duration
}

// DefaultConfig returns the stock dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		MinResults:     3,
		TierPause:      500 * time.Millisecond,
		CacheTTL:       5 * time.Minute,
		PerMinuteLimit: 30,
		WriteSpacing:   5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinResults <= 0 {
		c.MinResults = def.MinResults
	}
	if c.TierPause <= 0 {
		c.TierPause = def.TierPause
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = def.CacheTTL
	}
	if c.PerMinuteLimit <= 0 {
		c.PerMinuteLimit = def.PerMinuteLimit
	}
	if c.WriteSpacing <= 0 {
		c.WriteSpacing = def.WriteSpacing
	}
	return c
}

type registration struct {
	idx  Indexer
	tier Tier
}

type cacheEntry struct {
	results []Metadata
	expires time.Time
}

// Dispatcher fans metadata queries across registered indexers tier by tier.
// Results are deduplicated by normalized title, higher-confidence entries
// winning, and sorted by tier, confidence, description length, then title.
type Dispatcher struct {
	cfg     Config
	logger  *zap.Logger
	limiter *catrate.Limiter

	// now is replaced in tests.
	now func() time.Time

	mu      sync.Mutex
	entries map[string]registration
	cache   map[string]cacheEntry

	// writeMu serializes primary writes so spacing holds across callers.
	writeMu   sync.Mutex
	lastWrite time.Time
}

// NewDispatcher builds a dispatcher with no indexers registered.
func NewDispatcher(cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:    cfg,
		logger: logger.Named("indexer"),
		limiter: catrate.NewLimiter(map[time.Duration]int{
			time.Minute: cfg.PerMinuteLimit,
		}),
		now:     time.Now,
		entries: make(map[string]registration),
		cache:   make(map[string]cacheEntry),
	}
}

// Register adds an indexer at the given tier. Names are unique.
func (d *Dispatcher) Register(idx Indexer, tier Tier) error {
	if tier < TierPrimary || tier > TierTertiary {
		return fmt.Errorf("indexer: invalid tier %d", tier)
	}
	name := strings.ToLower(idx.Name())
	if name == "" {
		return errors.New("indexer: empty name")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[name]; ok {
		return fmt.Errorf("indexer: %q already registered", name)
	}
	d.entries[name] = registration{idx: idx, tier: tier}
	return nil
}

// Indexers returns registered names grouped by tier, each group name-sorted.
func (d *Dispatcher) Indexers() map[Tier][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[Tier][]string)
	for name, reg := range d.entries {
		out[reg.tier] = append(out[reg.tier], name)
	}
	for _, names := range out {
		sort.Strings(names)
	}
	return out
}

// Search queries the tiers in order. The primary tier alone answers when it
// yields at least MinResults deduplicated entries and UseFallback is off;
// otherwise every tier contributes, with TierPause between tiers.
func (d *Dispatcher) Search(ctx context.Context, query string, limit int) ([]Metadata, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if limit < 1 {
		limit = 10
	}

	key := fmt.Sprintf("%s|%d", strings.ToLower(query), limit)
	if hit, ok := d.cached(key); ok {
		return hit, nil
	}

	var acc []Metadata
	tiers := d.tiers()
	for i, group := range tiers {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d.cfg.TierPause):
			}
		}
		for _, reg := range group {
			acc = append(acc, d.query(ctx, reg, query, limit)...)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if group[0].tier == TierPrimary && !d.cfg.UseFallback && len(dedupe(acc)) >= d.cfg.MinResults {
			break
		}
	}

	out := dedupe(acc)
	d.sortResults(out)
	d.store(key, out)
	d.logger.Debug("metadata search complete",
		zap.String("query", query),
		zap.Int("results", len(out)))
	return out, nil
}

// Details fetches one entry from a named indexer.
func (d *Dispatcher) Details(ctx context.Context, indexerName, id string) (*Metadata, error) {
	reg, ok := d.lookup(indexerName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, indexerName)
	}
	if !d.allow(reg) {
		return nil, fmt.Errorf("indexer: %s over rate limit", indexerName)
	}
	m, err := reg.idx.Details(ctx, id)
	if err != nil {
		metrics.IndexerRequests.WithLabelValues(reg.idx.Name(), "failure").Inc()
		return nil, fmt.Errorf("details %s/%s: %w", indexerName, id, err)
	}
	metrics.IndexerRequests.WithLabelValues(reg.idx.Name(), "success").Inc()
	d.stamp(reg, m)
	return m, nil
}

// TestConnections probes every registered indexer and reports per-indexer
// outcomes. A nil map value means the probe passed.
func (d *Dispatcher) TestConnections(ctx context.Context) map[string]error {
	d.mu.Lock()
	regs := make([]registration, 0, len(d.entries))
	for _, reg := range d.entries {
		regs = append(regs, reg)
	}
	d.mu.Unlock()

	out := make(map[string]error, len(regs))
	for _, reg := range regs {
		out[strings.ToLower(reg.idx.Name())] = reg.idx.TestConnection(ctx)
	}
	return out
}

// Write pushes one entry to the primary tier's writable indexers, keeping
// WriteSpacing between consecutive writes.
func (d *Dispatcher) Write(ctx context.Context, m Metadata) error {
	type target struct {
		name string
		w    Writer
	}
	d.mu.Lock()
	var targets []target
	for name, reg := range d.entries {
		if reg.tier != TierPrimary {
			continue
		}
		if w, ok := reg.idx.(Writer); ok {
			targets = append(targets, target{name: name, w: w})
		}
	}
	d.mu.Unlock()
	if len(targets) == 0 {
		return ErrNoWriter
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].name < targets[j].name })

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	for _, t := range targets {
		if !d.lastWrite.IsZero() {
			if wait := d.cfg.WriteSpacing - d.now().Sub(d.lastWrite); wait > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
			}
		}
		d.lastWrite = d.now()
		if err := t.w.Write(ctx, m); err != nil {
			metrics.IndexerRequests.WithLabelValues(t.name, "failure").Inc()
			return fmt.Errorf("write %s: %w", t.name, err)
		}
		metrics.IndexerRequests.WithLabelValues(t.name, "success").Inc()
	}
	return nil
}

// query runs one indexer search, absorbing failures: a broken or throttled
// source costs its own results, never the query.
func (d *Dispatcher) query(ctx context.Context, reg registration, query string, limit int) []Metadata {
	name := reg.idx.Name()
	if !d.allow(reg) {
		d.logger.Debug("indexer over rate limit", zap.String("indexer", name))
		return nil
	}
	results, err := reg.idx.Search(ctx, query, limit)
	if err != nil {
		metrics.IndexerRequests.WithLabelValues(name, "failure").Inc()
		d.logger.Warn("indexer search failed",
			zap.String("indexer", name),
			zap.String("query", query),
			zap.Error(err))
		return nil
	}
	metrics.IndexerRequests.WithLabelValues(name, "success").Inc()
	for i := range results {
		d.stamp(reg, &results[i])
	}
	return results
}

func (d *Dispatcher) allow(reg registration) bool {
	name := reg.idx.Name()
	if _, ok := d.limiter.Allow(name); !ok {
		metrics.IndexerRequests.WithLabelValues(name, "throttled").Inc()
		return false
	}
	return true
}

// stamp fills source attribution and clamps confidence into [0,1].
func (d *Dispatcher) stamp(reg registration, m *Metadata) {
	if m == nil {
		return
	}
	if m.SourceIndexer == "" {
		m.SourceIndexer = strings.ToLower(reg.idx.Name())
	}
	if m.Confidence < 0 {
		m.Confidence = 0
	}
	if m.Confidence > 1 {
		m.Confidence = 1
	}
}

func (d *Dispatcher) lookup(name string) (registration, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	reg, ok := d.entries[strings.ToLower(name)]
	return reg, ok
}

// tiers returns registrations grouped and ordered by tier, names sorted
// within each group so consultation order is stable.
func (d *Dispatcher) tiers() [][]registration {
	d.mu.Lock()
	defer d.mu.Unlock()
	byTier := make(map[Tier][]string)
	for name, reg := range d.entries {
		byTier[reg.tier] = append(byTier[reg.tier], name)
	}
	var out [][]registration
	for _, tier := range []Tier{TierPrimary, TierSecondary, TierTertiary} {
		names := byTier[tier]
		if len(names) == 0 {
			continue
		}
		sort.Strings(names)
		group := make([]registration, 0, len(names))
		for _, name := range names {
			group = append(group, d.entries[name])
		}
		out = append(out, group)
	}
	return out
}

func (d *Dispatcher) tierOf(sourceIndexer string) Tier {
	d.mu.Lock()
	defer d.mu.Unlock()
	if reg, ok := d.entries[strings.ToLower(sourceIndexer)]; ok {
		return reg.tier
	}
	return TierTertiary + 1
}

func (d *Dispatcher) sortResults(ms []Metadata) {
	tiers := make(map[string]Tier, len(ms))
	for _, m := range ms {
		if _, ok := tiers[m.SourceIndexer]; !ok {
			tiers[m.SourceIndexer] = d.tierOf(m.SourceIndexer)
		}
	}
	sort.SliceStable(ms, func(i, j int) bool {
		if ti, tj := tiers[ms[i].SourceIndexer], tiers[ms[j].SourceIndexer]; ti != tj {
			return ti < tj
		}
		if ms[i].Confidence != ms[j].Confidence {
			return ms[i].Confidence > ms[j].Confidence
		}
		if len(ms[i].Description) != len(ms[j].Description) {
			return len(ms[i].Description) > len(ms[j].Description)
		}
		return ms[i].Title < ms[j].Title
	})
}

// dedupe collapses entries sharing a normalized title, keeping the
// higher-confidence one. Untitled entries pass through untouched.
func dedupe(in []Metadata) []Metadata {
	index := make(map[string]int, len(in))
	out := make([]Metadata, 0, len(in))
	for _, m := range in {
		key := normalizeTitle(m.Title)
		if key == "" {
			out = append(out, m)
			continue
		}
		if at, ok := index[key]; ok {
			if m.Confidence > out[at].Confidence {
				out[at] = m
			}
			continue
		}
		index[key] = len(out)
		out = append(out, m)
	}
	return out
}

func (d *Dispatcher) cached(key string) ([]Metadata, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.cache[key]
	if !ok {
		return nil, false
	}
	if d.now().After(entry.expires) {
		delete(d.cache, key)
		return nil, false
	}
	out := make([]Metadata, len(entry.results))
	copy(out, entry.results)
	return out, true
}

func (d *Dispatcher) store(key string, results []Metadata) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, entry := range d.cache {
		if now.After(entry.expires) {
			delete(d.cache, k)
		}
	}
	kept := make([]Metadata, len(results))
	copy(kept, results)
	d.cache[key] = cacheEntry{results: kept, expires: now.Add(d.cfg.CacheTTL)}
}
