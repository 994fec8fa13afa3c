// Package indexer implements the tiered metadata lookup: external metadata
// sources are registered with a tier and consulted primary-first, with
// results normalized into one canonical form, deduplicated, and optionally
// cross-referenced between sources.
package indexer

import (
	"context"
	"strings"
	"unicode"
)

// Tier orders indexer consultation. Lower tiers are consulted first.
type Tier int

const (
	TierPrimary   Tier = 1
	TierSecondary Tier = 2
	TierTertiary  Tier = 3
)

// Metadata is the canonical cross-indexer record. Confidence is the source
// indexer's own certainty in [0,1]; Raw carries the source's unmapped
// fields.
type Metadata struct {
	Title         string         `json:"title"`
	AltTitles     []string       `json:"alt_titles,omitempty"`
	Description   string         `json:"description,omitempty"`
	CoverURL      string         `json:"cover_url,omitempty"`
	Authors       []string       `json:"authors,omitempty"`
	Genres        []string       `json:"genres,omitempty"`
	Type          string         `json:"type,omitempty"`
	Status        string         `json:"status,omitempty"`
	Year          int            `json:"year,omitempty"`
	SourceIndexer string         `json:"source_indexer"`
	SourceID      string         `json:"source_id"`
	Confidence    float64        `json:"confidence_score"`
	Raw           map[string]any `json:"raw_data,omitempty"`
}

// Indexer is one external metadata source.
type Indexer interface {
	// Name returns the indexer identifier (e.g. "anilist").
	Name() string

	// Search queries the source for up to limit entries.
	Search(ctx context.Context, query string, limit int) ([]Metadata, error)

	// Details fetches one entry by the source's own id.
	Details(ctx context.Context, id string) (*Metadata, error)

	// TestConnection probes the source.
	TestConnection(ctx context.Context) error
}

// Writer is implemented by indexers that accept metadata writes. Writes go
// to the primary tier only.
type Writer interface {
	Write(ctx context.Context, m Metadata) error
}

// normalizeTitle reduces a title to its comparison form: punctuation
// stripped, whitespace collapsed, lower-cased.
func normalizeTitle(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
