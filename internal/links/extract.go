// Package links maintains the directed link graph between pages.
package links

import (
	"cmp"
	"regexp"
	"slices"
	"strings"
)

// Kind is the syntax a reference was written in.
type Kind string

// Reference kinds.
const (
	// KindPath is a markdown link to /pages/<id-or-slug>.
	KindPath Kind = "path"
	// KindWiki is a [[slug-or-title]] reference.
	KindWiki Kind = "wiki"
)

// Ref is one reference found in a page body.
type Ref struct {
	Kind Kind
	// Target is the id or slug (path form) or the slug or title (wiki form).
	Target string
	// Anchor is the fragment without "#". Display only.
	Anchor string
	// Text is the link text or wiki label.
	Text string
}

var (
	pathLink  = regexp.MustCompile(`\[([^\]\n]*)\]\(/pages/([^)\s#?]+)(?:#([^)\s]*))?\)`)
	wikiLink  = regexp.MustCompile(`\[\[([^\]\|#\n]+)(?:#([^\]\|\n]*))?(?:\|([^\]\n]*))?\]\]`)
	fence     = regexp.MustCompile("(?ms)^[ \t]*(```|~~~).*?^[ \t]*(```|~~~)[ \t]*$")
	inlineTag = regexp.MustCompile("`[^`\n]*`")
)

// ExtractLinks returns the references in body in order of first appearance.
// References inside code are ignored. Repeated references to the same
// target collapse to the first one.
func ExtractLinks(body string) []Ref {
	text := fence.ReplaceAllString(body, "")
	text = inlineTag.ReplaceAllString(text, "")

	type hit struct {
		pos int
		ref Ref
	}

	var hits []hit

	for _, m := range pathLink.FindAllStringSubmatchIndex(text, -1) {
		hits = append(hits, hit{pos: m[0], ref: Ref{
			Kind:   KindPath,
			Text:   group(text, m, 1),
			Target: strings.TrimSpace(group(text, m, 2)),
			Anchor: group(text, m, 3),
		}})
	}

	for _, m := range wikiLink.FindAllStringSubmatchIndex(text, -1) {
		hits = append(hits, hit{pos: m[0], ref: Ref{
			Kind:   KindWiki,
			Target: strings.TrimSpace(group(text, m, 1)),
			Anchor: strings.TrimSpace(group(text, m, 2)),
			Text:   strings.TrimSpace(group(text, m, 3)),
		}})
	}

	slices.SortStableFunc(hits, func(a, b hit) int { return cmp.Compare(a.pos, b.pos) })

	seen := make(map[string]bool, len(hits))
	out := make([]Ref, 0, len(hits))

	for _, h := range hits {
		if h.ref.Target == "" {
			continue
		}

		key := string(h.ref.Kind) + ":" + strings.ToLower(h.ref.Target)
		if seen[key] {
			continue
		}

		seen[key] = true

		out = append(out, h.ref)
	}

	return out
}

func group(s string, m []int, n int) string {
	if m[2*n] < 0 {
		return ""
	}

	return s[m[2*n]:m[2*n+1]]
}
