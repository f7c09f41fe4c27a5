package scan

import (
	"path"
	"strings"
)

// NoSection is the directory holding nested pages that have no section.
const NoSection = "_"

// Position is the place of a page file in the hierarchy, as implied by its
// path alone.
type Position struct {
	Section    string
	ParentSlug string
	Slug       string
}

// InferHierarchy derives a position from relPath:
//
//	intro.md                    -> slug intro
//	guides/intro.md             -> section guides
//	guides/intro/setup.md       -> section guides, parent intro
//	_/intro/setup.md            -> no section, parent intro
//
// Frontmatter takes precedence over anything inferred here.
func InferHierarchy(relPath string) Position {
	dir, file := path.Split(relPath)
	pos := Position{Slug: strings.TrimSuffix(file, Ext)}

	dir = strings.Trim(dir, "/")
	if dir == "" {
		return pos
	}

	parts := strings.Split(dir, "/")

	if parts[0] != NoSection {
		pos.Section = parts[0]
	}

	if len(parts) >= 2 {
		pos.ParentSlug = parts[len(parts)-1]
	}

	return pos
}

// ExpectedPath is the inverse of [InferHierarchy]: the path a page with the
// given section, ancestor slugs (root first) and slug should live at.
func ExpectedPath(section string, ancestors []string, slug string) string {
	parts := make([]string, 0, len(ancestors)+2)

	switch {
	case section != "":
		parts = append(parts, sanitizeSegment(section))
	case len(ancestors) > 0:
		parts = append(parts, NoSection)
	}

	parts = append(parts, ancestors...)
	parts = append(parts, slug+Ext)

	return path.Join(parts...)
}

// sanitizeSegment keeps a free-text section usable as one directory name.
func sanitizeSegment(s string) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "/", "-"))
	s = strings.TrimLeft(s, ".")

	if s == "" {
		return NoSection
	}

	return s
}
