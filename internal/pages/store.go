package pages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/calvinalkan/mdwiki/internal/orphans"
	"github.com/calvinalkan/mdwiki/internal/slug"
	"github.com/calvinalkan/mdwiki/internal/store"
)

// DeletePolicy decides what happens to the children of a deleted page.
type DeletePolicy string

// Delete policies.
const (
	// PolicyOrphan moves children into the orphan set.
	PolicyOrphan DeletePolicy = "orphan"
	// PolicyReparent moves children to the deleted page's parent.
	PolicyReparent DeletePolicy = "reparent"
)

// ParseDeletePolicy validates a configured policy name.
func ParseDeletePolicy(s string) (DeletePolicy, error) {
	switch DeletePolicy(s) {
	case PolicyOrphan, PolicyReparent:
		return DeletePolicy(s), nil
	case "":
		return PolicyOrphan, nil
	default:
		return "", fmt.Errorf("%w: unknown delete policy %q", store.ErrValidation, s)
	}
}

// Options configures a [Store].
type Options struct {
	// DeletePolicy is the default for [Store.Delete]. Defaults to PolicyOrphan.
	DeletePolicy DeletePolicy
	// Orphans is the orphanage used by PolicyOrphan. Required.
	Orphans *orphans.Service
	// Now defaults to [time.Now].
	Now func() time.Time
	// NewID defaults to UUIDv7 strings.
	NewID func() string
}

// Store is the page store. All methods take the [store.Querier] of the
// caller's unit of work.
type Store struct {
	policy  DeletePolicy
	orphans *orphans.Service
	now     func() time.Time
	newID   func() string
}

// New returns a Store.
func New(opts Options) *Store {
	s := &Store{
		policy:  opts.DeletePolicy,
		orphans: opts.Orphans,
		now:     opts.Now,
		newID:   opts.NewID,
	}

	if s.policy == "" {
		s.policy = PolicyOrphan
	}

	if s.orphans == nil {
		s.orphans = orphans.New(opts.Now)
	}

	if s.now == nil {
		s.now = time.Now
	}

	if s.newID == nil {
		s.newID = func() string { return uuid.Must(uuid.NewV7()).String() }
	}

	return s
}

// DeletePolicy returns the configured default policy.
func (s *Store) DeletePolicy() DeletePolicy {
	return s.policy
}

const pageColumns = `id, title, slug, COALESCE(parent_id, ''), section, order_index, status, content,
	word_count, size_kb, version, created_by, updated_by, COALESCE(source_path, ''), synced_mtime_ns,
	extra_frontmatter, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPage(row rowScanner) (*Page, error) {
	var (
		p                Page
		status           string
		created, updated int64
	)

	err := row.Scan(&p.ID, &p.Title, &p.Slug, &p.ParentID, &p.Section, &p.OrderIndex, &status, &p.Content,
		&p.WordCount, &p.SizeKB, &p.Version, &p.CreatedBy, &p.UpdatedBy, &p.SourcePath, &p.SyncedMtime,
		&p.ExtraFrontmatter, &created, &updated)
	if err != nil {
		return nil, err
	}

	p.Status = Status(status)
	p.CreatedAt = time.Unix(0, created)
	p.UpdatedAt = time.Unix(0, updated)

	return &p, nil
}

func (s *Store) getOne(ctx context.Context, q store.Querier, where string, arg string) (*Page, error) {
	p, err := scanPage(q.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("load page: %w", err)
	}

	return p, nil
}

// Get returns the page with id.
func (s *Store) Get(ctx context.Context, q store.Querier, id string) (*Page, error) {
	p, err := s.getOne(ctx, q, `id = ?`, id)
	if err != nil {
		return nil, store.WithContext(err, id, "")
	}

	return p, nil
}

// GetBySlug returns the page whose current slug matches case-insensitively.
func (s *Store) GetBySlug(ctx context.Context, q store.Querier, pageSlug string) (*Page, error) {
	p, err := s.getOne(ctx, q, `slug_lower = ?`, strings.ToLower(pageSlug))
	if err != nil {
		return nil, store.WithContext(fmt.Errorf("slug %q: %w", pageSlug, err), "", "")
	}

	return p, nil
}

// GetByTitle returns the page whose title matches case-insensitively. Titles
// are not unique; the oldest page wins.
func (s *Store) GetByTitle(ctx context.Context, q store.Querier, title string) (*Page, error) {
	p, err := s.getOne(ctx, q, `LOWER(title) = ? ORDER BY created_at, id LIMIT 1`, strings.ToLower(strings.TrimSpace(title)))
	if err != nil {
		return nil, store.WithContext(fmt.Errorf("title %q: %w", title, err), "", "")
	}

	return p, nil
}

// ResolveSlug returns the page for pageSlug, following slug aliases left by
// renames.
func (s *Store) ResolveSlug(ctx context.Context, q store.Querier, pageSlug string) (*Page, error) {
	p, err := s.GetBySlug(ctx, q, pageSlug)
	if !errors.Is(err, store.ErrNotFound) {
		return p, err
	}

	var id string

	aliasErr := q.QueryRowContext(ctx, `SELECT page_id FROM slug_aliases WHERE slug_lower = ?`,
		strings.ToLower(pageSlug)).Scan(&id)
	if errors.Is(aliasErr, sql.ErrNoRows) {
		return nil, err
	}

	if aliasErr != nil {
		return nil, fmt.Errorf("resolve alias %q: %w", pageSlug, aliasErr)
	}

	return s.Get(ctx, q, id)
}

// GetBySourcePath returns the page synced from relPath.
func (s *Store) GetBySourcePath(ctx context.Context, q store.Querier, relPath string) (*Page, error) {
	p, err := s.getOne(ctx, q, `source_path = ?`, relPath)
	if err != nil {
		return nil, store.WithContext(err, "", relPath)
	}

	return p, nil
}

// ValidateSlug checks the slug format and that no page other than exceptID
// holds it, ignoring case.
func (s *Store) ValidateSlug(ctx context.Context, q store.Querier, pageSlug, exceptID string) error {
	err := slug.Validate(pageSlug)
	if err != nil {
		return fmt.Errorf("%w: %w", store.ErrValidation, err)
	}

	var owner string

	err = q.QueryRowContext(ctx, `SELECT id FROM pages WHERE slug_lower = ?`, strings.ToLower(pageSlug)).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("check slug: %w", err)
	}

	if owner != exceptID {
		return fmt.Errorf("slug %q already used by page %s: %w", pageSlug, owner, store.ErrConflict)
	}

	return nil
}

func (s *Store) validate(p *Page) error {
	if strings.TrimSpace(p.Title) == "" {
		return fmt.Errorf("%w: title is required", store.ErrValidation)
	}

	if p.Status == "" {
		p.Status = StatusPublished
	}

	if _, ok := ParseStatus(string(p.Status)); !ok {
		return fmt.Errorf("%w: unknown status %q", store.ErrValidation, p.Status)
	}

	return nil
}

// Create inserts p. An empty ID is assigned; an empty slug is generated from
// the title. A duplicate slug is [store.ErrConflict]; a missing parent is
// [store.ErrNotFound]. Callers that must accept a missing parent register the
// page as an orphan instead of setting ParentID.
func (s *Store) Create(ctx context.Context, q store.Querier, p *Page) error {
	if p.ID == "" {
		p.ID = s.newID()
	}

	if p.Slug == "" {
		p.Slug = slug.Generate(p.Title)
	}

	err := s.validate(p)
	if err != nil {
		return store.WithContext(err, p.ID, p.SourcePath)
	}

	err = s.ValidateSlug(ctx, q, p.Slug, p.ID)
	if err != nil {
		return store.WithContext(err, p.ID, p.SourcePath)
	}

	err = store.CheckParent(ctx, q, p.ID, p.ParentID)
	if err != nil {
		return store.WithContext(err, p.ID, p.SourcePath)
	}

	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}

	p.UpdatedAt = now
	p.Derive()

	_, err = q.ExecContext(ctx, `INSERT INTO pages (id, title, slug, slug_lower, parent_id, section, order_index, status,
		content, word_count, size_kb, version, created_by, updated_by, source_path, synced_mtime_ns,
		extra_frontmatter, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Title, p.Slug, strings.ToLower(p.Slug), store.NullString(p.ParentID), p.Section, p.OrderIndex,
		string(p.Status), p.Content, p.WordCount, p.SizeKB, p.Version, p.CreatedBy, p.UpdatedBy,
		store.NullString(p.SourcePath), p.SyncedMtime, p.ExtraFrontmatter, p.CreatedAt.UnixNano(), p.UpdatedAt.UnixNano())
	if store.IsUniqueViolation(err) {
		return store.WithContext(fmt.Errorf("insert: %w", store.ErrConflict), p.ID, p.SourcePath)
	}

	if err != nil {
		return store.WithContext(fmt.Errorf("insert: %w", err), p.ID, p.SourcePath)
	}

	return s.dropAlias(ctx, q, p.Slug)
}

// Update writes p over the stored page with the same ID and returns the
// previous state. Slug changes are conflict checked and leave an alias for
// the old slug. Parent changes are cycle checked.
func (s *Store) Update(ctx context.Context, q store.Querier, p *Page) (*Page, error) {
	prev, err := s.Get(ctx, q, p.ID)
	if err != nil {
		return nil, err
	}

	err = s.validate(p)
	if err != nil {
		return nil, store.WithContext(err, p.ID, p.SourcePath)
	}

	slugChanged := !strings.EqualFold(prev.Slug, p.Slug)
	if prev.Slug != p.Slug {
		err = s.ValidateSlug(ctx, q, p.Slug, p.ID)
		if err != nil {
			return nil, store.WithContext(err, p.ID, p.SourcePath)
		}
	}

	if p.ParentID != prev.ParentID {
		err = store.CheckParent(ctx, q, p.ID, p.ParentID)
		if err != nil {
			return nil, store.WithContext(err, p.ID, p.SourcePath)
		}
	}

	p.CreatedAt = prev.CreatedAt
	p.UpdatedAt = s.now()
	p.Derive()

	_, err = q.ExecContext(ctx, `UPDATE pages SET title = ?, slug = ?, slug_lower = ?, parent_id = ?, section = ?,
		order_index = ?, status = ?, content = ?, word_count = ?, size_kb = ?, version = ?, created_by = ?,
		updated_by = ?, source_path = ?, synced_mtime_ns = ?, extra_frontmatter = ?, updated_at = ?
		WHERE id = ?`,
		p.Title, p.Slug, strings.ToLower(p.Slug), store.NullString(p.ParentID), p.Section, p.OrderIndex,
		string(p.Status), p.Content, p.WordCount, p.SizeKB, p.Version, p.CreatedBy, p.UpdatedBy,
		store.NullString(p.SourcePath), p.SyncedMtime, p.ExtraFrontmatter, p.UpdatedAt.UnixNano(), p.ID)
	if store.IsUniqueViolation(err) {
		return nil, store.WithContext(fmt.Errorf("update: %w", store.ErrConflict), p.ID, p.SourcePath)
	}

	if err != nil {
		return nil, store.WithContext(fmt.Errorf("update: %w", err), p.ID, p.SourcePath)
	}

	if slugChanged {
		_, err = q.ExecContext(ctx, `INSERT INTO slug_aliases (slug_lower, page_id) VALUES (?, ?)
			ON CONFLICT (slug_lower) DO UPDATE SET page_id = excluded.page_id`,
			strings.ToLower(prev.Slug), p.ID)
		if err != nil {
			return nil, store.WithContext(fmt.Errorf("record slug alias: %w", err), p.ID, p.SourcePath)
		}

		err = s.dropAlias(ctx, q, p.Slug)
		if err != nil {
			return nil, err
		}
	}

	return prev, nil
}

// dropAlias removes an alias once a page owns the slug for real.
func (s *Store) dropAlias(ctx context.Context, q store.Querier, pageSlug string) error {
	_, err := q.ExecContext(ctx, `DELETE FROM slug_aliases WHERE slug_lower = ?`, strings.ToLower(pageSlug))
	if err != nil {
		return fmt.Errorf("drop slug alias: %w", err)
	}

	return nil
}

// SetSyncState records the source file and the modification time it was
// synced at.
func (s *Store) SetSyncState(ctx context.Context, q store.Querier, id, relPath string, mtimeNs int64) error {
	_, err := q.ExecContext(ctx, `UPDATE pages SET source_path = ?, synced_mtime_ns = ? WHERE id = ?`,
		store.NullString(relPath), mtimeNs, id)
	if store.IsUniqueViolation(err) {
		return store.WithContext(fmt.Errorf("source path taken: %w", store.ErrConflict), id, relPath)
	}

	if err != nil {
		return store.WithContext(fmt.Errorf("set sync state: %w", err), id, relPath)
	}

	return nil
}

// DeleteResult reports how children of a deleted page were handled.
type DeleteResult struct {
	Page       *Page
	Policy     DeletePolicy
	Orphaned   []string
	Reparented []string
}

// reparentChildren moves the children of p, except those in skip, under p's
// parent.
func (s *Store) reparentChildren(ctx context.Context, q store.Querier, p *Page, skip map[string]bool) ([]string, error) {
	children, err := store.QueryStrings(ctx, q, `SELECT id FROM pages WHERE parent_id = ? ORDER BY order_index, id`, p.ID)
	if err != nil {
		return nil, store.WithContext(fmt.Errorf("list children: %w", err), p.ID, p.SourcePath)
	}

	var moved []string

	for _, child := range children {
		if skip[child] {
			continue
		}

		_, err = q.ExecContext(ctx, `UPDATE pages SET parent_id = ?, updated_at = ? WHERE id = ?`,
			store.NullString(p.ParentID), s.now().UnixNano(), child)
		if err != nil {
			return nil, store.WithContext(fmt.Errorf("reparent child: %w", err), child, "")
		}

		moved = append(moved, child)
	}

	return moved, nil
}

// Delete removes the page row and applies policy to its children. An empty
// policy uses the store default. Ids in skipChildren are left untouched;
// bulk deletes pass the other pages of the batch.
//
// Version, link and index rows are cascaded by the caller inside the same
// unit of work.
func (s *Store) Delete(ctx context.Context, q store.Querier, id string, policy DeletePolicy, skipChildren map[string]bool) (DeleteResult, error) {
	if policy == "" {
		policy = s.policy
	}

	p, err := s.Get(ctx, q, id)
	if err != nil {
		return DeleteResult{}, err
	}

	res := DeleteResult{Page: p, Policy: policy}

	if policy == PolicyReparent {
		res.Reparented, err = s.reparentChildren(ctx, q, p, skipChildren)
	} else {
		res.Orphaned, err = s.orphans.OrphanPages(ctx, q, id, skipChildren)
	}

	if err != nil {
		return DeleteResult{}, err
	}

	for _, stmt := range []string{
		`DELETE FROM pages WHERE id = ?`,
		`DELETE FROM slug_aliases WHERE page_id = ?`,
		`DELETE FROM orphaned_pages WHERE page_id = ?`,
	} {
		_, err = q.ExecContext(ctx, stmt, id)
		if err != nil {
			return DeleteResult{}, store.WithContext(fmt.Errorf("delete: %w", err), id, p.SourcePath)
		}
	}

	return res, nil
}
