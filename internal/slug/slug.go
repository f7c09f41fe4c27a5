// Package slug derives URL-safe page identifiers from titles.
package slug

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxLen is the maximum slug length in bytes.
const MaxLen = 100

// Fallback is used when a title has no usable characters.
const Fallback = "untitled"

// ErrInvalid indicates a slug does not match the slug format.
var ErrInvalid = errors.New("invalid slug")

var pattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Generate folds title to lower case ASCII and joins words with hyphens.
//
//	Generate("Café Setup: Step 2") == "cafe-setup-step-2"
func Generate(title string) string {
	folded, _, err := transform.String(
		transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC),
		title,
	)
	if err != nil {
		folded = title
	}

	var b strings.Builder

	pendingDash := false

	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}

			pendingDash = false

			b.WriteRune(r)

			continue
		}

		pendingDash = true
	}

	out := b.String()
	if len(out) > MaxLen {
		out = strings.TrimRight(out[:MaxLen], "-")
	}

	if out == "" {
		return Fallback
	}

	return out
}

// Validate checks slug format. Uniqueness is the page store's concern.
func Validate(s string) error {
	if s == "" {
		return fmt.Errorf("%w: empty", ErrInvalid)
	}

	if len(s) > MaxLen {
		return fmt.Errorf("%w: %q longer than %d", ErrInvalid, s, MaxLen)
	}

	if !pattern.MatchString(s) {
		return fmt.Errorf("%w: %q must be lowercase words joined by single hyphens", ErrInvalid, s)
	}

	return nil
}

// Unique returns base, or base with the smallest numeric suffix starting at
// 2 for which taken reports false.
func Unique(base string, taken func(string) (bool, error)) (string, error) {
	candidate := base

	for n := 2; ; n++ {
		used, err := taken(candidate)
		if err != nil {
			return "", err
		}

		if !used {
			return candidate, nil
		}

		suffix := "-" + strconv.Itoa(n)

		trimmed := base
		if len(trimmed)+len(suffix) > MaxLen {
			trimmed = strings.TrimRight(trimmed[:MaxLen-len(suffix)], "-")
		}

		candidate = trimmed + suffix
	}
}
