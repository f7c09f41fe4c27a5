// Package pages owns the relational page records: identity, hierarchy,
// status, content and the derived size statistics.
package pages

import (
	"math"
	"strings"
	"time"
)

// Status is the publication state of a page.
type Status string

// Page statuses.
const (
	StatusPublished Status = "published"
	StatusDraft     Status = "draft"
)

// ParseStatus maps a frontmatter value to a Status. Empty means published.
func ParseStatus(s string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case "", StatusPublished:
		return StatusPublished, true
	case StatusDraft:
		return StatusDraft, true
	default:
		return "", false
	}
}

// Page is one document.
type Page struct {
	ID         string
	Title      string
	Slug       string
	ParentID   string // empty for root pages and orphans
	Section    string
	OrderIndex int
	Status     Status
	Content    string
	WordCount  int
	SizeKB     float64
	Version    int
	CreatedBy  string
	UpdatedBy  string

	// SourcePath is the page file path relative to the data directory.
	SourcePath string
	// SyncedMtime is the file modification time (unix ns) at the last sync.
	SyncedMtime int64
	// ExtraFrontmatter holds the raw non-canonical metadata entries.
	ExtraFrontmatter string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy of p.
func (p *Page) Clone() *Page {
	c := *p

	return &c
}

// Derive recomputes WordCount and SizeKB from Content.
func (p *Page) Derive() {
	p.WordCount = len(strings.Fields(p.Content))
	p.SizeKB = math.Round(float64(len(p.Content))/1024*100) / 100
}
