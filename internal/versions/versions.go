// Package versions keeps the append-only snapshot history of every page.
//
// Each content-changing write stores the full new content together with
// line-level addition and deletion counts relative to the previous snapshot.
// Version numbers per page start at 1 and have no gaps; rows are never
// updated.
package versions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/calvinalkan/mdwiki/internal/pages"
	"github.com/calvinalkan/mdwiki/internal/store"
)

// Version is one immutable snapshot.
type Version struct {
	PageID    string
	Number    int
	Title     string
	Content   string
	Additions int
	Deletions int
	ChangedBy string
	Summary   string
	CreatedAt time.Time
}

// Service is the version history.
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

// CreateVersion appends a snapshot of p.
//
// The new number is the page's latest number plus one. When p.Version is
// set it must equal that number, otherwise another writer got there first
// and the call fails with [store.ErrConflict]. p.Version is updated.
func (s *Service) CreateVersion(ctx context.Context, q store.Querier, p *pages.Page, changedBy, summary string) (*Version, error) {
	prev, err := s.Latest(ctx, q, p.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	next := 1
	prevContent := ""

	if prev != nil {
		next = prev.Number + 1
		prevContent = prev.Content
	}

	if p.Version != 0 && p.Version != next {
		return nil, store.WithContext(
			fmt.Errorf("version %d expected, page carries %d: %w", next, p.Version, store.ErrConflict), p.ID, p.SourcePath)
	}

	adds, dels := DiffStats(prevContent, p.Content)

	v := &Version{
		PageID:    p.ID,
		Number:    next,
		Title:     p.Title,
		Content:   p.Content,
		Additions: adds,
		Deletions: dels,
		ChangedBy: changedBy,
		Summary:   summary,
		CreatedAt: s.now(),
	}

	_, err = q.ExecContext(ctx, `INSERT INTO page_versions
		(page_id, version_number, title, content_snapshot, additions, deletions, changed_by, change_summary, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.PageID, v.Number, v.Title, v.Content, v.Additions, v.Deletions, v.ChangedBy, v.Summary, v.CreatedAt.UnixNano())
	if store.IsUniqueViolation(err) {
		return nil, store.WithContext(fmt.Errorf("version %d: %w", next, store.ErrConflict), p.ID, p.SourcePath)
	}

	if err != nil {
		return nil, store.WithContext(fmt.Errorf("insert version: %w", err), p.ID, p.SourcePath)
	}

	p.Version = next

	return v, nil
}

const versionColumns = `page_id, version_number, title, content_snapshot, additions, deletions, changed_by,
	change_summary, created_at`

func scanVersion(row interface{ Scan(...any) error }) (*Version, error) {
	var (
		v  Version
		at int64
	)

	err := row.Scan(&v.PageID, &v.Number, &v.Title, &v.Content, &v.Additions, &v.Deletions, &v.ChangedBy,
		&v.Summary, &at)
	if err != nil {
		return nil, err
	}

	v.CreatedAt = time.Unix(0, at)

	return &v, nil
}

// Get returns version number n of pageID.
func (s *Service) Get(ctx context.Context, q store.Querier, pageID string, n int) (*Version, error) {
	v, err := scanVersion(q.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM page_versions
		WHERE page_id = ? AND version_number = ?`, pageID, n))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.WithContext(fmt.Errorf("version %d: %w", n, store.ErrNotFound), pageID, "")
	}

	if err != nil {
		return nil, store.WithContext(fmt.Errorf("load version: %w", err), pageID, "")
	}

	return v, nil
}

// Latest returns the newest version of pageID.
func (s *Service) Latest(ctx context.Context, q store.Querier, pageID string) (*Version, error) {
	v, err := scanVersion(q.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM page_versions
		WHERE page_id = ? ORDER BY version_number DESC LIMIT 1`, pageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.WithContext(fmt.Errorf("no versions: %w", store.ErrNotFound), pageID, "")
	}

	if err != nil {
		return nil, store.WithContext(fmt.Errorf("load latest version: %w", err), pageID, "")
	}

	return v, nil
}

// List returns every version of pageID, newest first.
func (s *Service) List(ctx context.Context, q store.Querier, pageID string) ([]*Version, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+versionColumns+` FROM page_versions
		WHERE page_id = ? ORDER BY version_number DESC`, pageID)
	if err != nil {
		return nil, store.WithContext(fmt.Errorf("list versions: %w", err), pageID, "")
	}

	defer func() { _ = rows.Close() }()

	var out []*Version

	for rows.Next() {
		v, scanErr := scanVersion(rows)
		if scanErr != nil {
			return nil, store.WithContext(fmt.Errorf("scan version: %w", scanErr), pageID, "")
		}

		out = append(out, v)
	}

	return out, rows.Err()
}

// DeleteAll removes the history of a deleted page.
func (s *Service) DeleteAll(ctx context.Context, q store.Querier, pageID string) (int, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM page_versions WHERE page_id = ?`, pageID)
	if err != nil {
		return 0, store.WithContext(fmt.Errorf("delete versions: %w", err), pageID, "")
	}

	n, _ := res.RowsAffected()

	return int(n), nil
}

// Comparison is the difference between two snapshots of one page.
type Comparison struct {
	From      *Version
	To        *Version
	Additions int
	Deletions int
	// Unified is a unified diff from From to To.
	Unified string
}

// CompareVersions loads versions a and b of pageID and compares them. The
// live page is not read.
func (s *Service) CompareVersions(ctx context.Context, q store.Querier, pageID string, a, b int) (*Comparison, error) {
	from, err := s.Get(ctx, q, pageID, a)
	if err != nil {
		return nil, err
	}

	to, err := s.Get(ctx, q, pageID, b)
	if err != nil {
		return nil, err
	}

	c := Compare(from, to)

	return &c, nil
}

// Compare diffs two snapshots.
func Compare(from, to *Version) Comparison {
	adds, dels := DiffStats(from.Content, to.Content)

	unified, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(from.Content),
		B:        difflib.SplitLines(to.Content),
		FromFile: fmt.Sprintf("v%d", from.Number),
		ToFile:   fmt.Sprintf("v%d", to.Number),
		Context:  3,
	})
	if err != nil {
		unified = ""
	}

	return Comparison{From: from, To: to, Additions: adds, Deletions: dels, Unified: unified}
}

// DiffStats counts added and deleted lines between two contents.
func DiffStats(before, after string) (int, int) {
	if before == after {
		return 0, 0
	}

	a := splitLines(before)
	b := splitLines(after)

	matcher := difflib.NewMatcher(a, b)

	adds, dels := 0, 0

	for _, op := range matcher.GetOpCodes() {
		switch op.Tag {
		case 'r':
			dels += op.I2 - op.I1
			adds += op.J2 - op.J1
		case 'd':
			dels += op.I2 - op.I1
		case 'i':
			adds += op.J2 - op.J1
		}
	}

	return adds, dels
}

// splitLines splits content into lines with their newline, treating empty
// content as no lines at all.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}

	lines := difflib.SplitLines(s)

	// SplitLines always appends a trailing "\n" element.
	if n := len(lines); n > 0 && lines[n-1] == "\n" && s[len(s)-1] == '\n' {
		lines = lines[:n-1]
	}

	return lines
}
