package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/toshokan-dev/toshokan/internal/search"
)

// LibraryEntry is one saved series.
type LibraryEntry struct {
	UserID     string     `json:"user_id,omitempty"`
	Provider   string     `json:"provider"`
	ExternalID string     `json:"external_id"`
	Title      string     `json:"title,omitempty"`
	AddedAt    *time.Time `json:"added_at,omitempty"`
}

// AddToLibrary saves one series. Re-adding the same (user, provider, id)
// replaces the row.
func (s *Store) AddToLibrary(ctx context.Context, e LibraryEntry) error {
	provider := strings.ToLower(strings.TrimSpace(e.Provider))
	externalID := strings.TrimSpace(e.ExternalID)
	if provider == "" || externalID == "" {
		return errors.New("store: provider and external id required")
	}
	addedAt := s.now().UTC()
	if e.AddedAt != nil {
		addedAt = e.AddedAt.UTC()
	}

	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO library
		(user_id, provider, external_id, title, normalized_title, added_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.UserID,
		provider,
		externalID,
		e.Title,
		normalizeLibraryTitle(e.Title),
		addedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("add to library: %w", err)
	}
	return nil
}

// RemoveFromLibrary deletes one saved series.
func (s *Store) RemoveFromLibrary(ctx context.Context, userID, provider, externalID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM library WHERE user_id = ? AND provider = ? AND external_id = ?`,
		userID, strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(externalID))
	if err != nil {
		return fmt.Errorf("remove from library: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// LibraryEntries lists one user's saved series, newest first.
func (s *Store) LibraryEntries(ctx context.Context, userID string, limit int) ([]LibraryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, provider, external_id, title, added_at
		FROM library WHERE user_id = ? ORDER BY added_at DESC LIMIT ?`, userID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]LibraryEntry, 0)
	for rows.Next() {
		var (
			e       LibraryEntry
			addedAt string
		)
		if err := rows.Scan(&e.UserID, &e.Provider, &e.ExternalID, &e.Title, &addedAt); err != nil {
			continue
		}
		if ts, err := time.Parse(time.RFC3339Nano, addedAt); err == nil {
			e.AddedAt = &ts
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// InLibrary reports which of the keys are already saved. A key matches on
// its (provider, external id) pair first, then by normalized title, so a
// series saved from one provider still tags the same series found on
// another.
func (s *Store) InLibrary(ctx context.Context, userID string, keys []search.LibraryKey) (map[search.LibraryKey]bool, error) {
	out := make(map[search.LibraryKey]bool, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	type pair struct{ provider, id string }
	pairClauses := make([]string, 0, len(keys))
	pairArgs := make([]any, 0, 1+2*len(keys))
	pairArgs = append(pairArgs, userID)
	titleArgs := make([]any, 0, 1+len(keys))
	titleArgs = append(titleArgs, userID)
	titlePlaceholders := make([]string, 0, len(keys))
	seenTitles := make(map[string]bool, len(keys))

	for _, k := range keys {
		pairClauses = append(pairClauses, "(provider = ? AND external_id = ?)")
		pairArgs = append(pairArgs, strings.ToLower(k.Provider), k.ExternalID)
		if nt := normalizeLibraryTitle(k.Title); nt != "" && !seenTitles[nt] {
			seenTitles[nt] = true
			titlePlaceholders = append(titlePlaceholders, "?")
			titleArgs = append(titleArgs, nt)
		}
	}

	saved := make(map[pair]bool, len(keys))
	rows, err := s.db.QueryContext(ctx, `SELECT provider, external_id FROM library
		WHERE user_id = ? AND (`+strings.Join(pairClauses, " OR ")+`)`, pairArgs...)
	if err != nil {
		return nil, fmt.Errorf("library pair lookup: %w", err)
	}
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.provider, &p.id); err != nil {
			continue
		}
		saved[p] = true
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	savedTitles := make(map[string]bool, len(titlePlaceholders))
	if len(titlePlaceholders) > 0 {
		rows, err = s.db.QueryContext(ctx, `SELECT DISTINCT normalized_title FROM library
			WHERE user_id = ? AND normalized_title IN (`+strings.Join(titlePlaceholders, ", ")+`)`, titleArgs...)
		if err != nil {
			return nil, fmt.Errorf("library title lookup: %w", err)
		}
		for rows.Next() {
			var nt string
			if err := rows.Scan(&nt); err != nil {
				continue
			}
			savedTitles[nt] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}

	for _, k := range keys {
		if saved[pair{provider: strings.ToLower(k.Provider), id: k.ExternalID}] {
			out[k] = true
			continue
		}
		if nt := normalizeLibraryTitle(k.Title); nt != "" && savedTitles[nt] {
			out[k] = true
		}
	}
	return out, nil
}

// normalizeLibraryTitle reduces a title to its comparison form: punctuation
// stripped, whitespace collapsed, lower-cased.
func normalizeLibraryTitle(s string) string {
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
