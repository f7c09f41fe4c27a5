package store

import (
	"errors"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Failure taxonomy shared by every engine component. Match with [errors.Is].
var (
	// ErrNotFound indicates a page, version or file is missing.
	ErrNotFound = errors.New("not found")
	// ErrConflict indicates a duplicate slug or a concurrent write race.
	ErrConflict = errors.New("conflict")
	// ErrInvalidReference indicates a cycle-introducing parent or an
	// unresolvable reference.
	ErrInvalidReference = errors.New("invalid reference")
	// ErrValidation indicates malformed metadata or a missing required field.
	ErrValidation = errors.New("validation failed")
	// ErrIOFailure indicates a page file could not be read or written.
	ErrIOFailure = errors.New("io failure")
	// ErrPermissionDenied indicates the acting identity may not perform the
	// requested mutation.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrClosed indicates the database was used after Close.
	ErrClosed = errors.New("store closed")
)

// Error carries page context for a failure.
//
// The underlying message comes first, followed by the page context:
//
//	duplicate slug "intro": conflict (page_id=0199... page_path=guides/intro.md)
type Error struct {
	// PageID is the page id when known, or the requested id for failed lookups.
	PageID string
	// Path is the page file path relative to the data directory.
	Path string
	// Err is the underlying cause.
	Err error
}

// Error formats as "<cause> (page_id=X page_path=Y)".
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	var parts []string

	if e.PageID != "" {
		parts = append(parts, "page_id="+e.PageID)
	}

	if e.Path != "" {
		parts = append(parts, "page_path="+e.Path)
	}

	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}

	if len(parts) == 0 {
		return cause
	}

	suffix := "(" + strings.Join(parts, " ") + ")"
	if cause == "" {
		return suffix
	}

	return cause + " " + suffix
}

// Unwrap returns the underlying error for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// WithContext attaches page context and returns *Error. If err already is an
// *Error, missing fields are filled in place.
func WithContext(err error, pageID string, path string) error {
	if err == nil {
		return nil
	}

	existing := &Error{}
	if errors.As(err, &existing) {
		if existing.PageID == "" && pageID != "" {
			existing.PageID = pageID
		}

		if existing.Path == "" && path != "" {
			existing.Path = path
		}

		return existing
	}

	return &Error{PageID: pageID, Path: path, Err: err}
}

// IsUniqueViolation reports whether err is a unique constraint failure from
// either backend.
func IsUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}

	return false
}
