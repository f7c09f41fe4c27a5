package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// maxDepth bounds ancestor walks so a corrupted mirror cannot loop forever.
const maxDepth = 1000

// Ancestors returns the ancestor ids of pageID from its parent up to the
// root. A parent id that does not resolve ends the walk.
func Ancestors(ctx context.Context, q Querier, pageID string) ([]string, error) {
	var out []string

	seen := map[string]bool{pageID: true}
	current := pageID

	for range maxDepth {
		var parent sql.NullString

		err := q.QueryRowContext(ctx, `SELECT parent_id FROM pages WHERE id = ?`, current).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			if current == pageID {
				return nil, WithContext(ErrNotFound, pageID, "")
			}

			// current was referenced as a parent but is gone.
			return out[:len(out)-1], nil
		}

		if err != nil {
			return nil, fmt.Errorf("ancestors: %w", err)
		}

		if !parent.Valid || parent.String == "" {
			return out, nil
		}

		if seen[parent.String] {
			return nil, WithContext(fmt.Errorf("%w: hierarchy cycle at %s", ErrInvalidReference, parent.String), pageID, "")
		}

		seen[parent.String] = true
		out = append(out, parent.String)
		current = parent.String
	}

	return nil, WithContext(fmt.Errorf("%w: hierarchy deeper than %d", ErrInvalidReference, maxDepth), pageID, "")
}

// CheckParent validates that parentID may become the parent of pageID.
//
// The walk starts at the proposed parent and fails fast with
// [ErrInvalidReference] when pageID appears in its ancestor chain. A parent
// that does not exist is [ErrNotFound]. An empty parentID (root) is always
// valid. pageID may be empty for pages that do not exist yet.
func CheckParent(ctx context.Context, q Querier, pageID, parentID string) error {
	if parentID == "" {
		return nil
	}

	if parentID == pageID {
		return WithContext(fmt.Errorf("%w: page cannot be its own parent", ErrInvalidReference), pageID, "")
	}

	current := parentID

	for range maxDepth {
		var parent sql.NullString

		err := q.QueryRowContext(ctx, `SELECT parent_id FROM pages WHERE id = ?`, current).Scan(&parent)
		if errors.Is(err, sql.ErrNoRows) {
			if current == parentID {
				return WithContext(fmt.Errorf("parent %s: %w", parentID, ErrNotFound), pageID, "")
			}

			return nil
		}

		if err != nil {
			return fmt.Errorf("check parent: %w", err)
		}

		if !parent.Valid || parent.String == "" {
			return nil
		}

		if parent.String == pageID {
			return WithContext(fmt.Errorf("%w: %s is a descendant", ErrInvalidReference, parentID), pageID, "")
		}

		current = parent.String
	}

	return WithContext(fmt.Errorf("%w: hierarchy deeper than %d", ErrInvalidReference, maxDepth), pageID, "")
}
