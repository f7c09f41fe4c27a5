package pages

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/calvinalkan/mdwiki/internal/store"
)

// Filter narrows [Store.List]. Zero values match everything.
type Filter struct {
	Section string
	Status  Status
	// ParentID limits results to children of a page.
	ParentID string
	// RootOnly limits results to pages without a parent.
	RootOnly bool
	// Viewer applies draft visibility. Nil skips visibility filtering.
	Viewer *Identity
	Limit  int
	Offset int
}

// VisibilityClause returns the SQL restricting drafts to their creator and
// elevated roles, or "" when every page is visible to viewer. alias is the
// table prefix including the dot, e.g. "p.".
func VisibilityClause(viewer *Identity, alias string) (string, []any) {
	if viewer == nil || viewer.Elevated() {
		return "", nil
	}

	if viewer.ID == "" || viewer.Role == RoleAnonymous {
		return alias + "status <> 'draft'", nil
	}

	return "(" + alias + "status <> 'draft' OR " + alias + "created_by = ?)", []any{viewer.ID}
}

// List returns pages matching filter ordered by section, order_index and
// title.
func (s *Store) List(ctx context.Context, q store.Querier, filter Filter) ([]*Page, error) {
	var (
		where []string
		args  []any
	)

	if filter.Section != "" {
		where = append(where, "section = ?")
		args = append(args, filter.Section)
	}

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	switch {
	case filter.ParentID != "":
		where = append(where, "parent_id = ?")
		args = append(args, filter.ParentID)
	case filter.RootOnly:
		where = append(where, "parent_id IS NULL")
	}

	if clause, clauseArgs := VisibilityClause(filter.Viewer, ""); clause != "" {
		where = append(where, clause)
		args = append(args, clauseArgs...)
	}

	query := `SELECT ` + pageColumns + ` FROM pages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY section, order_index, title, id"

	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	return s.queryPages(ctx, q, query, args...)
}

func (s *Store) queryPages(ctx context.Context, q store.Querier, query string, args ...any) ([]*Page, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var out []*Page

	for rows.Next() {
		p, scanErr := scanPage(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan page: %w", scanErr)
		}

		out = append(out, p)
	}

	return out, rows.Err()
}

// Children returns the direct children of id ordered for display.
func (s *Store) Children(ctx context.Context, q store.Querier, id string, viewer *Identity) ([]*Page, error) {
	return s.List(ctx, q, Filter{ParentID: id, Viewer: viewer})
}

// Siblings returns the pages sharing id's parent, including the page itself,
// in sibling order. Root pages are siblings of each other.
func (s *Store) Siblings(ctx context.Context, q store.Querier, id string, viewer *Identity) ([]*Page, error) {
	p, err := s.Get(ctx, q, id)
	if err != nil {
		return nil, err
	}

	if p.ParentID == "" {
		return s.List(ctx, q, Filter{RootOnly: true, Viewer: viewer})
	}

	return s.List(ctx, q, Filter{ParentID: p.ParentID, Viewer: viewer})
}

// Breadcrumbs returns the ancestors of id from the root down to its parent.
func (s *Store) Breadcrumbs(ctx context.Context, q store.Querier, id string) ([]*Page, error) {
	ids, err := store.Ancestors(ctx, q, id)
	if err != nil {
		return nil, err
	}

	slices.Reverse(ids)

	out := make([]*Page, 0, len(ids))

	for _, ancestor := range ids {
		p, getErr := s.Get(ctx, q, ancestor)
		if getErr != nil {
			return nil, getErr
		}

		out = append(out, p)
	}

	return out, nil
}

// AncestorSlugs returns the slugs of id's ancestors from the root down.
func (s *Store) AncestorSlugs(ctx context.Context, q store.Querier, id string) ([]string, error) {
	crumbs, err := s.Breadcrumbs(ctx, q, id)
	if err != nil {
		return nil, err
	}

	out := make([]string, len(crumbs))
	for i, p := range crumbs {
		out[i] = p.Slug
	}

	return out, nil
}

// SourcePaths returns every recorded source path mapped to its page id.
func (s *Store) SourcePaths(ctx context.Context, q store.Querier) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, source_path FROM pages WHERE source_path IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("list source paths: %w", err)
	}

	defer func() { _ = rows.Close() }()

	out := make(map[string]string)

	for rows.Next() {
		var id, path string

		err = rows.Scan(&id, &path)
		if err != nil {
			return nil, fmt.Errorf("scan source path: %w", err)
		}

		out[path] = id
	}

	return out, rows.Err()
}
