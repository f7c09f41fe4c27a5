package links

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/calvinalkan/mdwiki/internal/pages"
	"github.com/calvinalkan/mdwiki/internal/slug"
	"github.com/calvinalkan/mdwiki/internal/store"
)

const unresolvedPrefix = "slug:"

// Edge is a stored link from one page to another.
type Edge struct {
	SourcePageID string
	SourceSlug   string
	SourceTitle  string
	// TargetPageID is empty while the target does not exist.
	TargetPageID string
	TargetSlug   string
	Kind         Kind
	Anchor       string
	Text         string

	key string
	// raw is the lower-cased wiki target as written, matched against titles
	// of pages created later.
	raw string
}

// Resolved reports whether the edge points at an existing page id.
func (e Edge) Resolved() bool {
	return e.TargetPageID != ""
}

// Diff summarizes an [Service.UpdateLinks] call.
type Diff struct {
	Added   int
	Removed int
	Updated int
}

// Empty reports whether the call changed nothing.
func (d Diff) Empty() bool {
	return d.Added == 0 && d.Removed == 0 && d.Updated == 0
}

// Service is the link graph.
type Service struct {
	pages *pages.Store
}

// New returns a Service resolving targets through ps.
func New(ps *pages.Store) *Service {
	return &Service{pages: ps}
}

// resolve maps a reference to its edge. Targets that do not resolve become
// slug-keyed edges so they can be matched once the page appears.
func (s *Service) resolve(ctx context.Context, q store.Querier, ref Ref) (Edge, error) {
	edge := Edge{Kind: ref.Kind, Anchor: ref.Anchor, Text: ref.Text}
	if ref.Kind == KindWiki {
		edge.raw = strings.ToLower(strings.TrimSpace(ref.Target))
	}

	var candidates []func() (*pages.Page, error)

	switch ref.Kind {
	case KindPath:
		candidates = append(candidates,
			func() (*pages.Page, error) { return s.pages.Get(ctx, q, ref.Target) },
			func() (*pages.Page, error) { return s.pages.ResolveSlug(ctx, q, ref.Target) },
		)
	default:
		candidates = append(candidates,
			func() (*pages.Page, error) { return s.pages.ResolveSlug(ctx, q, ref.Target) },
			func() (*pages.Page, error) { return s.pages.GetByTitle(ctx, q, ref.Target) },
			func() (*pages.Page, error) { return s.pages.ResolveSlug(ctx, q, slug.Generate(ref.Target)) },
		)
	}

	for _, find := range candidates {
		p, err := find()
		if errors.Is(err, store.ErrNotFound) {
			continue
		}

		if err != nil {
			return Edge{}, err
		}

		edge.TargetPageID = p.ID
		edge.TargetSlug = p.Slug
		edge.key = p.ID

		return edge, nil
	}

	target := strings.ToLower(ref.Target)
	if slug.Validate(target) != nil {
		target = slug.Generate(ref.Target)
	}

	edge.TargetSlug = target
	edge.key = unresolvedPrefix + target

	return edge, nil
}

// UpdateLinks makes the stored outgoing edges of pageID equal the references
// in body. Only the difference is written: new edges are inserted, vanished
// edges deleted and edges whose display fields changed are updated in place.
func (s *Service) UpdateLinks(ctx context.Context, q store.Querier, pageID, body string) (Diff, error) {
	want := make(map[string]Edge)

	var order []string

	for _, ref := range ExtractLinks(body) {
		edge, err := s.resolve(ctx, q, ref)
		if err != nil {
			return Diff{}, store.WithContext(fmt.Errorf("resolve link %q: %w", ref.Target, err), pageID, "")
		}

		if edge.TargetPageID == pageID {
			continue
		}

		if _, dup := want[edge.key]; dup {
			continue
		}

		want[edge.key] = edge
		order = append(order, edge.key)
	}

	have, err := s.load(ctx, q, `l.source_page_id = ?`, pageID)
	if err != nil {
		return Diff{}, store.WithContext(err, pageID, "")
	}

	current := make(map[string]Edge, len(have))
	for _, e := range have {
		current[e.key] = e
	}

	var diff Diff

	for key, old := range current {
		if _, keep := want[key]; keep {
			continue
		}

		_, err = q.ExecContext(ctx, `DELETE FROM page_links WHERE source_page_id = ? AND target_key = ?`, pageID, old.key)
		if err != nil {
			return Diff{}, store.WithContext(fmt.Errorf("delete link: %w", err), pageID, "")
		}

		diff.Removed++
	}

	for _, key := range order {
		edge := want[key]

		old, exists := current[key]
		if !exists {
			_, err = q.ExecContext(ctx, `INSERT INTO page_links
				(source_page_id, target_key, target_page_id, target_slug, target_text, kind, anchor, link_text)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				pageID, key, store.NullString(edge.TargetPageID), edge.TargetSlug, edge.raw, string(edge.Kind), edge.Anchor, edge.Text)
			if err != nil {
				return Diff{}, store.WithContext(fmt.Errorf("insert link: %w", err), pageID, "")
			}

			diff.Added++

			continue
		}

		if old.TargetSlug == edge.TargetSlug && old.raw == edge.raw && old.Kind == edge.Kind &&
			old.Anchor == edge.Anchor && old.Text == edge.Text {
			continue
		}

		_, err = q.ExecContext(ctx, `UPDATE page_links SET target_slug = ?, target_text = ?, kind = ?, anchor = ?, link_text = ?
			WHERE source_page_id = ? AND target_key = ?`,
			edge.TargetSlug, edge.raw, string(edge.Kind), edge.Anchor, edge.Text, pageID, key)
		if err != nil {
			return Diff{}, store.WithContext(fmt.Errorf("update link: %w", err), pageID, "")
		}

		diff.Updated++
	}

	return diff, nil
}

// HandleSlugChange rewrites wiki-form edges that referenced oldSlug so they
// point at newSlug. Path-form edges are keyed by id and need no rewrite.
// Returns the number of edges touched.
func (s *Service) HandleSlugChange(ctx context.Context, q store.Querier, oldSlug, newSlug string) (int, error) {
	oldSlug, newSlug = strings.ToLower(oldSlug), strings.ToLower(newSlug)
	if oldSlug == newSlug {
		return 0, nil
	}

	affected, err := s.load(ctx, q, `l.kind = ? AND l.target_slug = ?`, string(KindWiki), oldSlug)
	if err != nil {
		return 0, err
	}

	newKey := unresolvedPrefix + newSlug
	newTarget := ""

	target, err := s.pages.ResolveSlug(ctx, q, newSlug)

	switch {
	case err == nil:
		newKey = target.ID
		newTarget = target.ID
	case !errors.Is(err, store.ErrNotFound):
		return 0, err
	}

	for _, e := range affected {
		key := e.key
		targetID := e.TargetPageID

		if !e.Resolved() {
			key = newKey
			targetID = newTarget
		}

		err = s.rekey(ctx, q, e, key, targetID, newSlug)
		if err != nil {
			return 0, err
		}
	}

	return len(affected), nil
}

// ResolvePending attaches unresolved edges waiting for p to p: those keyed
// by its slug and wiki edges written with its title. Returns the number of
// edges resolved.
func (s *Service) ResolvePending(ctx context.Context, q store.Querier, p *pages.Page) (int, error) {
	pending, err := s.load(ctx, q, `l.target_page_id IS NULL AND (l.target_key = ? OR (l.kind = ? AND l.target_text = ?))`,
		unresolvedPrefix+strings.ToLower(p.Slug), string(KindWiki), strings.ToLower(strings.TrimSpace(p.Title)))
	if err != nil {
		return 0, err
	}

	n := 0

	for _, e := range pending {
		if e.SourcePageID == p.ID {
			_, err = q.ExecContext(ctx, `DELETE FROM page_links WHERE source_page_id = ? AND target_key = ?`, e.SourcePageID, e.key)
		} else {
			err = s.rekey(ctx, q, e, p.ID, p.ID, p.Slug)
			n++
		}

		if err != nil {
			return 0, err
		}
	}

	return n, nil
}

// rekey moves e to key. If the source already has an edge with key, e is
// dropped instead so the (source, target) pair stays unique.
func (s *Service) rekey(ctx context.Context, q store.Querier, e Edge, key, targetID, targetSlug string) error {
	if key != e.key {
		var exists int

		err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM page_links WHERE source_page_id = ? AND target_key = ?`,
			e.SourcePageID, key).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check link: %w", err)
		}

		if exists > 0 {
			_, err = q.ExecContext(ctx, `DELETE FROM page_links WHERE source_page_id = ? AND target_key = ?`,
				e.SourcePageID, e.key)
			if err != nil {
				return fmt.Errorf("drop duplicate link: %w", err)
			}

			return nil
		}
	}

	_, err := q.ExecContext(ctx, `UPDATE page_links SET target_key = ?, target_page_id = ?, target_slug = ?
		WHERE source_page_id = ? AND target_key = ?`,
		key, store.NullString(targetID), targetSlug, e.SourcePageID, e.key)
	if err != nil {
		return fmt.Errorf("rewrite link: %w", err)
	}

	return nil
}

// HandlePageDeletion removes every edge where pageID is the source or the
// target and returns how many were removed.
func (s *Service) HandlePageDeletion(ctx context.Context, q store.Querier, pageID string) (int, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM page_links WHERE source_page_id = ? OR target_page_id = ?`, pageID, pageID)
	if err != nil {
		return 0, store.WithContext(fmt.Errorf("delete links: %w", err), pageID, "")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, store.WithContext(fmt.Errorf("delete links: %w", err), pageID, "")
	}

	return int(n), nil
}

// GetOutgoing returns the edges whose source is pageID.
func (s *Service) GetOutgoing(ctx context.Context, q store.Querier, pageID string) ([]Edge, error) {
	return s.load(ctx, q, `l.source_page_id = ?`, pageID)
}

// GetBacklinks returns the edges pointing at pageID.
func (s *Service) GetBacklinks(ctx context.Context, q store.Querier, pageID string) ([]Edge, error) {
	return s.load(ctx, q, `l.target_page_id = ?`, pageID)
}

// GetBrokenLinks returns edges whose target does not resolve to a page.
func (s *Service) GetBrokenLinks(ctx context.Context, q store.Querier) ([]Edge, error) {
	return s.load(ctx, q, `NOT EXISTS (SELECT 1 FROM pages t WHERE t.id = l.target_page_id)`)
}

func (s *Service) load(ctx context.Context, q store.Querier, where string, args ...any) ([]Edge, error) {
	rows, err := q.QueryContext(ctx, `SELECT l.source_page_id, COALESCE(src.slug, ''), COALESCE(src.title, ''),
			l.target_key, COALESCE(l.target_page_id, ''), l.target_slug, l.target_text, l.kind, l.anchor, l.link_text
		FROM page_links l
		LEFT JOIN pages src ON src.id = l.source_page_id
		WHERE `+where+`
		ORDER BY l.source_page_id, l.target_slug, l.target_key`, args...)
	if err != nil {
		return nil, fmt.Errorf("load links: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var out []Edge

	for rows.Next() {
		var (
			e    Edge
			kind string
		)

		err = rows.Scan(&e.SourcePageID, &e.SourceSlug, &e.SourceTitle, &e.key, &e.TargetPageID, &e.TargetSlug,
			&e.raw, &kind, &e.Anchor, &e.Text)
		if err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}

		e.Kind = Kind(kind)
		out = append(out, e)
	}

	return out, rows.Err()
}
