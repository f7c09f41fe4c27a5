// Package search maintains the full-text and keyword index of pages.
//
// Full-text entries are derived from page content and are replaced on every
// reindex. Keyword entries are curated and survive reindexing until removed.
package search

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/calvinalkan/mdwiki/internal/pages"
	"github.com/calvinalkan/mdwiki/internal/store"
)

// EntryType distinguishes derived tokens from curated keywords.
type EntryType string

// Entry types.
const (
	Fulltext EntryType = "fulltext"
	Keyword  EntryType = "keyword"
)

// DefaultLimit caps [Service.Search] when the filter sets no limit.
const DefaultLimit = 50

// Change counts index rows written by one call.
type Change struct {
	Added   int
	Removed int
	Updated int
}

// Empty reports whether nothing was written.
func (c Change) Empty() bool {
	return c.Added == 0 && c.Removed == 0 && c.Updated == 0
}

// Filter narrows a search.
type Filter struct {
	Section string
	Status  pages.Status
	// Viewer applies draft visibility. Nil searches as an anonymous reader.
	Viewer *pages.Identity
	Limit  int
}

// Hit is one ranked search result.
type Hit struct {
	PageID         string
	Slug           string
	Title          string
	Section        string
	Status         pages.Status
	KeywordMatches int
	Score          int
	UpdatedAt      time.Time
}

// Service is the search index.
type Service struct{}

// New returns a Service.
func New() *Service {
	return &Service{}
}

// IndexPage makes the full-text entries of p match its title and content.
// Only changed tokens are written. Keyword entries are not touched.
func (s *Service) IndexPage(ctx context.Context, q store.Querier, p *pages.Page) (Change, error) {
	want := pageTokens(p.Title, p.Content)

	have, err := s.weights(ctx, q, p.ID, Fulltext)
	if err != nil {
		return Change{}, store.WithContext(err, p.ID, p.SourcePath)
	}

	var change Change

	for token := range have {
		if _, keep := want[token]; keep {
			continue
		}

		_, err = q.ExecContext(ctx, `DELETE FROM search_index WHERE page_id = ? AND entry_type = ? AND token = ?`,
			p.ID, string(Fulltext), token)
		if err != nil {
			return Change{}, store.WithContext(fmt.Errorf("delete token: %w", err), p.ID, p.SourcePath)
		}

		change.Removed++
	}

	for _, token := range sortedKeys(want) {
		weight := want[token]

		old, exists := have[token]

		switch {
		case !exists:
			_, err = q.ExecContext(ctx, `INSERT INTO search_index (page_id, entry_type, token, weight) VALUES (?, ?, ?, ?)`,
				p.ID, string(Fulltext), token, weight)
			change.Added++
		case old != weight:
			_, err = q.ExecContext(ctx, `UPDATE search_index SET weight = ? WHERE page_id = ? AND entry_type = ? AND token = ?`,
				weight, p.ID, string(Fulltext), token)
			change.Updated++
		default:
			continue
		}

		if err != nil {
			return Change{}, store.WithContext(fmt.Errorf("write token %q: %w", token, err), p.ID, p.SourcePath)
		}
	}

	return change, nil
}

// AddKeywords adds curated keywords to pageID. Existing keywords are kept.
// Returns the number of keywords that were new.
func (s *Service) AddKeywords(ctx context.Context, q store.Querier, pageID string, keywords []string) (int, error) {
	have, err := s.weights(ctx, q, pageID, Keyword)
	if err != nil {
		return 0, store.WithContext(err, pageID, "")
	}

	n := 0

	for _, k := range normalizeAll(keywords) {
		if _, exists := have[k]; exists {
			continue
		}

		_, err = q.ExecContext(ctx, `INSERT INTO search_index (page_id, entry_type, token, weight) VALUES (?, ?, ?, 1)`,
			pageID, string(Keyword), k)
		if err != nil {
			return 0, store.WithContext(fmt.Errorf("add keyword %q: %w", k, err), pageID, "")
		}

		have[k] = 1
		n++
	}

	return n, nil
}

// RemoveKeywords deletes keywords from pageID and returns how many existed.
func (s *Service) RemoveKeywords(ctx context.Context, q store.Querier, pageID string, keywords []string) (int, error) {
	n := 0

	for _, k := range normalizeAll(keywords) {
		res, err := q.ExecContext(ctx, `DELETE FROM search_index WHERE page_id = ? AND entry_type = ? AND token = ?`,
			pageID, string(Keyword), k)
		if err != nil {
			return 0, store.WithContext(fmt.Errorf("remove keyword %q: %w", k, err), pageID, "")
		}

		affected, _ := res.RowsAffected()
		n += int(affected)
	}

	return n, nil
}

// SetKeywords makes the keyword entries of pageID equal keywords.
func (s *Service) SetKeywords(ctx context.Context, q store.Querier, pageID string, keywords []string) (Change, error) {
	current, err := s.Keywords(ctx, q, pageID)
	if err != nil {
		return Change{}, err
	}

	want := normalizeAll(keywords)

	var stale []string

	for _, k := range current {
		if !slices.Contains(want, k) {
			stale = append(stale, k)
		}
	}

	removed, err := s.RemoveKeywords(ctx, q, pageID, stale)
	if err != nil {
		return Change{}, err
	}

	added, err := s.AddKeywords(ctx, q, pageID, want)
	if err != nil {
		return Change{}, err
	}

	return Change{Added: added, Removed: removed}, nil
}

// Keywords returns the curated keywords of pageID in lexical order.
func (s *Service) Keywords(ctx context.Context, q store.Querier, pageID string) ([]string, error) {
	out, err := store.QueryStrings(ctx, q, `SELECT token FROM search_index
		WHERE page_id = ? AND entry_type = ? ORDER BY token`, pageID, string(Keyword))
	if err != nil {
		return nil, store.WithContext(fmt.Errorf("list keywords: %w", err), pageID, "")
	}

	return out, nil
}

// RemovePage drops every index entry of pageID.
func (s *Service) RemovePage(ctx context.Context, q store.Querier, pageID string) (int, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM search_index WHERE page_id = ?`, pageID)
	if err != nil {
		return 0, store.WithContext(fmt.Errorf("remove index entries: %w", err), pageID, "")
	}

	n, _ := res.RowsAffected()

	return int(n), nil
}

// ReindexAll rebuilds every full-text entry from stored page content and
// drops entries of pages that no longer exist. Returns the number of pages
// indexed.
func (s *Service) ReindexAll(ctx context.Context, q store.Querier) (int, error) {
	type doc struct{ id, title, content string }

	rows, err := q.QueryContext(ctx, `SELECT id, title, content FROM pages ORDER BY id`)
	if err != nil {
		return 0, fmt.Errorf("list pages: %w", err)
	}

	var docs []doc

	for rows.Next() {
		var d doc

		err = rows.Scan(&d.id, &d.title, &d.content)
		if err != nil {
			_ = rows.Close()

			return 0, fmt.Errorf("scan page: %w", err)
		}

		docs = append(docs, d)
	}

	err = rows.Err()
	_ = rows.Close()

	if err != nil {
		return 0, fmt.Errorf("list pages: %w", err)
	}

	_, err = q.ExecContext(ctx, `DELETE FROM search_index WHERE page_id NOT IN (SELECT id FROM pages)`)
	if err != nil {
		return 0, fmt.Errorf("drop stale entries: %w", err)
	}

	for _, d := range docs {
		if err = ctx.Err(); err != nil {
			return 0, err
		}

		_, err = s.IndexPage(ctx, q, &pages.Page{ID: d.id, Title: d.title, Content: d.content})
		if err != nil {
			return 0, err
		}
	}

	return len(docs), nil
}

// Search returns pages matching query. Pages matching curated keywords
// exactly rank first, then by full-text score, then by recency. Ties are
// broken by page id.
func (s *Service) Search(ctx context.Context, q store.Querier, query string, filter Filter) ([]Hit, error) {
	terms := sortedKeys(Tokenize(query))

	keywords := strings.Fields(NormalizeKeyword(query))
	if phrase := NormalizeKeyword(query); phrase != "" && len(keywords) > 1 {
		keywords = append(keywords, phrase)
	}

	keywords = normalizeAll(keywords)

	if len(terms) == 0 && len(keywords) == 0 {
		return nil, nil
	}

	var (
		match []string
		where []string
		args  []any
	)

	if len(terms) > 0 {
		match = append(match, `(si.entry_type = 'fulltext' AND si.token IN (`+store.Placeholders(len(terms))+`))`)
		args = append(args, store.Args(terms)...)
	}

	if len(keywords) > 0 {
		match = append(match, `(si.entry_type = 'keyword' AND si.token IN (`+store.Placeholders(len(keywords))+`))`)
		args = append(args, store.Args(keywords)...)
	}

	where = append(where, "("+strings.Join(match, " OR ")+")")

	if filter.Section != "" {
		where = append(where, "p.section = ?")
		args = append(args, filter.Section)
	}

	if filter.Status != "" {
		where = append(where, "p.status = ?")
		args = append(args, string(filter.Status))
	}

	viewer := filter.Viewer
	if viewer == nil {
		viewer = &pages.Identity{Role: pages.RoleAnonymous}
	}

	if clause, clauseArgs := pages.VisibilityClause(viewer, "p."); clause != "" {
		where = append(where, clause)
		args = append(args, clauseArgs...)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	args = append(args, limit)

	rows, err := q.QueryContext(ctx, `SELECT p.id, p.slug, p.title, p.section, p.status, p.updated_at,
			SUM(CASE WHEN si.entry_type = 'keyword' THEN 1 ELSE 0 END) AS keyword_matches,
			SUM(CASE WHEN si.entry_type = 'fulltext' THEN si.weight ELSE 0 END) AS score
		FROM search_index si
		JOIN pages p ON p.id = si.page_id
		WHERE `+strings.Join(where, " AND ")+`
		GROUP BY p.id, p.slug, p.title, p.section, p.status, p.updated_at
		ORDER BY keyword_matches DESC, score DESC, p.updated_at DESC, p.id ASC
		LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var hits []Hit

	for rows.Next() {
		var (
			h       Hit
			status  string
			updated int64
		)

		err = rows.Scan(&h.PageID, &h.Slug, &h.Title, &h.Section, &status, &updated, &h.KeywordMatches, &h.Score)
		if err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}

		h.Status = pages.Status(status)
		h.UpdatedAt = time.Unix(0, updated)
		hits = append(hits, h)
	}

	return hits, rows.Err()
}

func (s *Service) weights(ctx context.Context, q store.Querier, pageID string, typ EntryType) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT token, weight FROM search_index WHERE page_id = ? AND entry_type = ?`,
		pageID, string(typ))
	if err != nil {
		return nil, fmt.Errorf("load %s entries: %w", typ, err)
	}

	defer func() { _ = rows.Close() }()

	out := make(map[string]int)

	for rows.Next() {
		var (
			token  string
			weight int
		)

		err = rows.Scan(&token, &weight)
		if err != nil {
			return nil, fmt.Errorf("scan %s entry: %w", typ, err)
		}

		out[token] = weight
	}

	return out, rows.Err()
}

func normalizeAll(keywords []string) []string {
	out := make([]string, 0, len(keywords))

	for _, k := range keywords {
		k = NormalizeKeyword(k)
		if k == "" || slices.Contains(out, k) {
			continue
		}

		out = append(out, k)
	}

	return out
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}
