// Package orphans tracks pages whose declared parent does not exist.
//
// An orphaned page has a NULL parent_id in the pages table and one row in
// orphaned_pages recording what the parent used to be. Membership changes
// run inside the caller's unit of work, never from a background sweep.
package orphans

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/calvinalkan/mdwiki/internal/store"
)

// Orphan is one member of the orphan set.
type Orphan struct {
	PageID             string
	Title              string
	Slug               string
	OriginalParentID   string
	OriginalParentSlug string
	OrphanedAt         time.Time
}

// Stat groups orphans by their original parent.
type Stat struct {
	OriginalParentID   string
	OriginalParentSlug string
	Count              int
}

// Stats summarizes the orphan set.
type Stats struct {
	Total    int
	ByParent []Stat
}

// ReassignResult is the per-page outcome of a bulk reassignment.
type ReassignResult struct {
	PageID string
	Err    error
}

// Reattached reports a page moved back under its declared parent by
// [Service.Resolve].
type Reattached struct {
	PageID   string
	ParentID string
}

// Service is the orphanage.
type Service struct {
	now func() time.Time
}

// New returns a Service. now defaults to [time.Now].
func New(now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}

	return &Service{now: now}
}

// Register adds pageID to the orphan set and clears its parent_id.
// Re-registering keeps the original orphaned_at.
func (s *Service) Register(ctx context.Context, q store.Querier, pageID, originalParentID, originalParentSlug string) error {
	res, err := q.ExecContext(ctx, `UPDATE pages SET parent_id = NULL WHERE id = ?`, pageID)
	if err != nil {
		return store.WithContext(fmt.Errorf("clear parent: %w", err), pageID, "")
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return store.WithContext(store.ErrNotFound, pageID, "")
	}

	_, err = q.ExecContext(ctx, `INSERT INTO orphaned_pages (page_id, original_parent_id, original_parent_slug, orphaned_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (page_id) DO UPDATE SET
			original_parent_id = excluded.original_parent_id,
			original_parent_slug = excluded.original_parent_slug`,
		pageID, store.NullString(originalParentID), originalParentSlug, s.now().UnixNano())
	if err != nil {
		return store.WithContext(fmt.Errorf("register orphan: %w", err), pageID, "")
	}

	return nil
}

// OrphanPages moves every child of parentID into the orphan set, except the
// ids in skip. Called before the parent row is removed. Returns the orphaned
// page ids.
func (s *Service) OrphanPages(ctx context.Context, q store.Querier, parentID string, skip map[string]bool) ([]string, error) {
	var parentSlug string

	err := q.QueryRowContext(ctx, `SELECT slug FROM pages WHERE id = ?`, parentID).Scan(&parentSlug)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, store.WithContext(fmt.Errorf("load parent: %w", err), parentID, "")
	}

	children, err := store.QueryStrings(ctx, q, `SELECT id FROM pages WHERE parent_id = ? ORDER BY order_index, id`, parentID)
	if err != nil {
		return nil, store.WithContext(fmt.Errorf("list children: %w", err), parentID, "")
	}

	var orphaned []string

	for _, child := range children {
		if skip[child] {
			continue
		}

		err = s.Register(ctx, q, child, parentID, parentSlug)
		if err != nil {
			return nil, err
		}

		orphaned = append(orphaned, child)
	}

	return orphaned, nil
}

// ReassignPage moves pageID under newParentID, or to the root when
// newParentID is empty, and removes it from the orphan set. Fails with
// [store.ErrInvalidReference] when the move would create a cycle.
func (s *Service) ReassignPage(ctx context.Context, q store.Querier, pageID, newParentID string) error {
	err := store.CheckParent(ctx, q, pageID, newParentID)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx, `UPDATE pages SET parent_id = ?, updated_at = ? WHERE id = ?`,
		store.NullString(newParentID), s.now().UnixNano(), pageID)
	if err != nil {
		return store.WithContext(fmt.Errorf("reassign: %w", err), pageID, "")
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return store.WithContext(store.ErrNotFound, pageID, "")
	}

	return s.Remove(ctx, q, pageID)
}

// Remove drops pageID from the orphan set without touching the page.
func (s *Service) Remove(ctx context.Context, q store.Querier, pageID string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM orphaned_pages WHERE page_id = ?`, pageID)
	if err != nil {
		return store.WithContext(fmt.Errorf("remove orphan: %w", err), pageID, "")
	}

	return nil
}

// IsOrphan reports orphan set membership.
func (s *Service) IsOrphan(ctx context.Context, q store.Querier, pageID string) (bool, error) {
	var n int

	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM orphaned_pages WHERE page_id = ?`, pageID).Scan(&n)
	if err != nil {
		return false, store.WithContext(fmt.Errorf("is orphan: %w", err), pageID, "")
	}

	return n > 0, nil
}

// Get returns the orphan record for pageID.
func (s *Service) Get(ctx context.Context, q store.Querier, pageID string) (Orphan, error) {
	orphans, err := s.query(ctx, q, ` WHERE o.page_id = ?`, pageID)
	if err != nil {
		return Orphan{}, err
	}

	if len(orphans) == 0 {
		return Orphan{}, store.WithContext(store.ErrNotFound, pageID, "")
	}

	return orphans[0], nil
}

// List returns the orphan set, oldest first.
func (s *Service) List(ctx context.Context, q store.Querier) ([]Orphan, error) {
	return s.query(ctx, q, "")
}

func (s *Service) query(ctx context.Context, q store.Querier, where string, args ...any) ([]Orphan, error) {
	rows, err := q.QueryContext(ctx, `SELECT o.page_id, p.title, p.slug, o.original_parent_id, o.original_parent_slug, o.orphaned_at
		FROM orphaned_pages o JOIN pages p ON p.id = o.page_id`+where+`
		ORDER BY o.orphaned_at, o.page_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var out []Orphan

	for rows.Next() {
		var (
			o        Orphan
			parentID sql.NullString
			at       int64
		)

		err = rows.Scan(&o.PageID, &o.Title, &o.Slug, &parentID, &o.OriginalParentSlug, &at)
		if err != nil {
			return nil, fmt.Errorf("scan orphan: %w", err)
		}

		o.OriginalParentID = parentID.String
		o.OrphanedAt = time.Unix(0, at)
		out = append(out, o)
	}

	return out, rows.Err()
}

// GetOrphanageStats counts orphans grouped by original parent.
func (s *Service) GetOrphanageStats(ctx context.Context, q store.Querier) (Stats, error) {
	rows, err := q.QueryContext(ctx, `SELECT COALESCE(original_parent_id, ''), original_parent_slug, COUNT(*)
		FROM orphaned_pages
		GROUP BY COALESCE(original_parent_id, ''), original_parent_slug
		ORDER BY COUNT(*) DESC, original_parent_slug`)
	if err != nil {
		return Stats{}, fmt.Errorf("orphan stats: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var stats Stats

	for rows.Next() {
		var st Stat

		err = rows.Scan(&st.OriginalParentID, &st.OriginalParentSlug, &st.Count)
		if err != nil {
			return Stats{}, fmt.Errorf("scan orphan stats: %w", err)
		}

		stats.Total += st.Count
		stats.ByParent = append(stats.ByParent, st)
	}

	return stats, rows.Err()
}

// Count returns the orphan set size.
func (s *Service) Count(ctx context.Context, q store.Querier) (int, error) {
	var n int

	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM orphaned_pages`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count orphans: %w", err)
	}

	return n, nil
}

// Resolve reattaches orphans whose original parent slug now resolves to a
// page, either directly or through a slug alias. Orphans whose reattachment
// would create a cycle stay in the set.
func (s *Service) Resolve(ctx context.Context, q store.Querier) ([]Reattached, error) {
	rows, err := q.QueryContext(ctx, `SELECT o.page_id, COALESCE(p.id, a.page_id)
		FROM orphaned_pages o
		LEFT JOIN pages p ON p.slug_lower = LOWER(o.original_parent_slug)
		LEFT JOIN slug_aliases a ON a.slug_lower = LOWER(o.original_parent_slug)
		WHERE o.original_parent_slug <> ''
		ORDER BY o.orphaned_at, o.page_id`)
	if err != nil {
		return nil, fmt.Errorf("resolve orphans: %w", err)
	}

	type candidate struct{ pageID, parentID string }

	var candidates []candidate

	for rows.Next() {
		var (
			c      candidate
			parent sql.NullString
		)

		err = rows.Scan(&c.pageID, &parent)
		if err != nil {
			_ = rows.Close()

			return nil, fmt.Errorf("scan orphan: %w", err)
		}

		if parent.Valid {
			c.parentID = parent.String
			candidates = append(candidates, c)
		}
	}

	err = errors.Join(rows.Err(), rows.Close())
	if err != nil {
		return nil, fmt.Errorf("resolve orphans: %w", err)
	}

	var out []Reattached

	for _, c := range candidates {
		err = s.ReassignPage(ctx, q, c.pageID, c.parentID)
		if errors.Is(err, store.ErrInvalidReference) {
			continue
		}

		if err != nil {
			return out, err
		}

		out = append(out, Reattached{PageID: c.pageID, ParentID: c.parentID})
	}

	return out, nil
}
