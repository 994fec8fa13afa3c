package indexer

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// maxCrossRefTerms caps how many search terms one cross-reference
	// spends per indexer.
	maxCrossRefTerms = 3
	// crossRefLimit is the per-term search size.
	crossRefLimit = 5
	// matchThreshold is the minimum similarity for a cross-reference hit.
	matchThreshold = 0.7
)

// Similarity weights. Missing evidence (unset year, type, or genres)
// scores neutral rather than counting against a candidate.
const (
	weightTitle  = 0.5
	weightAlt    = 0.2
	weightYear   = 0.1
	weightType   = 0.1
	weightGenres = 0.1

	neutral = 0.5
)

// CrossReference locates the target entry on every other registered
// indexer. For each indexer it searches with up to maxCrossRefTerms terms
// drawn from the target's titles, scores the candidates, and keeps the best
// one at or above matchThreshold. Indexers with no qualifying candidate are
// omitted. The per-indexer lookups run concurrently; the per-indexer rate
// caps still gate each one.
func (d *Dispatcher) CrossReference(ctx context.Context, target Metadata) (map[string]Metadata, error) {
	terms := crossRefTerms(target)
	if len(terms) == 0 {
		return nil, ErrEmptyQuery
	}

	var regs []registration
	for _, group := range d.tiers() {
		for _, reg := range group {
			if strings.EqualFold(reg.idx.Name(), target.SourceIndexer) {
				continue
			}
			regs = append(regs, reg)
		}
	}

	type match struct {
		best  Metadata
		score float64
	}
	matches := make([]match, len(regs))
	g, gctx := errgroup.WithContext(ctx)
	for i, reg := range regs {
		g.Go(func() error {
			best, score := d.bestMatch(gctx, reg, target, terms)
			matches[i] = match{best: best, score: score}
			return nil
		})
	}
	// Lookups record their match in place and never return errors.
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]Metadata)
	for i, m := range matches {
		if m.score < matchThreshold {
			continue
		}
		name := strings.ToLower(regs[i].idx.Name())
		out[name] = m.best
		d.logger.Debug("cross-reference match",
			zap.String("indexer", name),
			zap.String("title", m.best.Title),
			zap.Float64("similarity", m.score))
	}
	return out, nil
}

func (d *Dispatcher) bestMatch(ctx context.Context, reg registration, target Metadata, terms []string) (Metadata, float64) {
	var (
		best      Metadata
		bestScore float64
	)
	for _, term := range terms {
		for _, cand := range d.query(ctx, reg, term, crossRefLimit) {
			if score := Similarity(target, cand); score > bestScore {
				best, bestScore = cand, score
			}
		}
	}
	return best, bestScore
}

// crossRefTerms picks the search terms for a cross-reference: the title
// first, then alternative titles, deduplicated, capped at maxCrossRefTerms.
func crossRefTerms(m Metadata) []string {
	seen := make(map[string]bool, 1+len(m.AltTitles))
	var terms []string
	for _, t := range append([]string{m.Title}, m.AltTitles...) {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := normalizeTitle(t)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		terms = append(terms, t)
		if len(terms) == maxCrossRefTerms {
			break
		}
	}
	return terms
}

// Similarity scores how likely two entries describe the same series, in
// [0,1]. Titles dominate; year, type, and genre agreement refine the score.
func Similarity(a, b Metadata) float64 {
	titleSim := seqRatio(normalizeTitle(a.Title), normalizeTitle(b.Title))

	altSim := titleSim
	if alts := altPairs(a, b); len(alts) > 0 {
		altSim = 0
		for _, pair := range alts {
			if s := seqRatio(pair[0], pair[1]); s > altSim {
				altSim = s
			}
		}
	}

	yearSim := neutral
	if a.Year != 0 && b.Year != 0 {
		yearSim = 0
		if a.Year == b.Year {
			yearSim = 1
		}
	}

	typeSim := neutral
	if a.Type != "" && b.Type != "" {
		typeSim = 0
		if strings.EqualFold(a.Type, b.Type) {
			typeSim = 1
		}
	}

	genreSim := neutral
	if len(a.Genres) > 0 && len(b.Genres) > 0 {
		genreSim = jaccard(a.Genres, b.Genres)
	}

	return weightTitle*titleSim +
		weightAlt*altSim +
		weightYear*yearSim +
		weightType*typeSim +
		weightGenres*genreSim
}

// altPairs enumerates normalized (alt title, candidate title) combinations:
// each of a's alternative titles against every title b carries.
func altPairs(a, b Metadata) [][2]string {
	bTitles := make([]string, 0, 1+len(b.AltTitles))
	for _, t := range append([]string{b.Title}, b.AltTitles...) {
		if n := normalizeTitle(t); n != "" {
			bTitles = append(bTitles, n)
		}
	}
	var out [][2]string
	for _, alt := range a.AltTitles {
		n := normalizeTitle(alt)
		if n == "" {
			continue
		}
		for _, bt := range bTitles {
			out = append(out, [2]string{n, bt})
		}
	}
	return out
}

// seqRatio is the Ratcliff/Obershelp similarity of two strings: twice the
// matched rune count over the combined length.
func seqRatio(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	m := matchedRunes(ra, rb)
	return 2 * float64(m) / float64(len(ra)+len(rb))
}

// matchedRunes counts matching runes by anchoring on the longest common
// substring and recursing into the unmatched flanks.
func matchedRunes(a, b []rune) int {
	ai, bi, n := longestCommon(a, b)
	if n == 0 {
		return 0
	}
	return n + matchedRunes(a[:ai], b[:bi]) + matchedRunes(a[ai+n:], b[bi+n:])
}

func longestCommon(a, b []rune) (ai, bi, n int) {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > n {
					n = cur[j]
					ai = i - n
					bi = j - n
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
		clear(cur)
	}
	return ai, bi, n
}

// jaccard is set overlap over set union of lower-cased genre names.
func jaccard(a, b []string) float64 {
	set := func(in []string) map[string]bool {
		out := make(map[string]bool, len(in))
		for _, s := range in {
			s = strings.ToLower(strings.TrimSpace(s))
			if s != "" {
				out[s] = true
			}
		}
		return out
	}
	sa, sb := set(a), set(b)
	if len(sa) == 0 && len(sb) == 0 {
		return neutral
	}
	inter := 0
	for s := range sa {
		if sb[s] {
			inter++
		}
	}
	union := len(sa) + len(sb) - inter
	if union == 0 {
		return neutral
	}
	return float64(inter) / float64(union)
}
