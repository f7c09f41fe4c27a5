// Package frontmatter splits page files into a YAML metadata block and a
// markdown body and writes edits back without disturbing fields it does not
// own.
//
// A page file looks like:
//
//	---
//	title: Getting Started
//	slug: getting-started
//	section: guides
//	status: published
//	order: 2
//	reviewers:
//	  - alice
//	---
//	# Getting Started
//
// The metadata block is kept as an ordered list of raw entries. Every
// top-level key owns its line plus any indented continuation lines, and the
// bytes of an entry are only re-encoded when that key is set or deleted. This
// keeps unknown keys, comments and formatting identical across round trips.
package frontmatter

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Canonical keys interpreted by the engine. Everything else is passed through.
const (
	KeyTitle     = "title"
	KeySlug      = "slug"
	KeySection   = "section"
	KeyStatus    = "status"
	KeyOrder     = "order"
	KeyCreatedBy = "created_by"
	KeyUpdatedBy = "updated_by"
	KeyParent    = "parent"
	KeyKeywords  = "keywords"
)

var canonicalKeys = map[string]bool{
	KeyTitle:     true,
	KeySlug:      true,
	KeySection:   true,
	KeyStatus:    true,
	KeyOrder:     true,
	KeyCreatedBy: true,
	KeyUpdatedBy: true,
	KeyParent:    true,
	KeyKeywords:  true,
}

// IsCanonical reports whether key is one of the engine-owned keys.
func IsCanonical(key string) bool {
	return canonicalKeys[key]
}

const delimiter = "---"

// ErrMalformed indicates the metadata block could not be parsed.
var ErrMalformed = errors.New("malformed frontmatter")

// Entry is one top-level metadata key with its raw source text.
//
// Raw always ends in a newline. Entries with an empty Key hold blank lines or
// comments that precede the first key or sit between keys.
type Entry struct {
	Key string
	Raw string
}

// Document is a parsed page file.
type Document struct {
	entries []Entry
	body    string
	open    string
	close   string
}

// New returns an empty document with the given body. The first Set call
// creates the metadata block.
func New(body string) *Document {
	return &Document{body: body}
}

// Parse splits data into metadata entries and body.
//
// Data without a leading "---" line has no metadata; the whole input becomes
// the body. An opening delimiter without a closing one is [ErrMalformed].
func Parse(data []byte) (*Document, error) {
	text := string(data)

	open, rest, ok := cutLine(text)
	if !ok || strings.TrimRight(open, "\r\n") != delimiter {
		return &Document{body: text}, nil
	}

	doc := &Document{open: open}

	lineNo := 1

	for {
		if rest == "" {
			return nil, fmt.Errorf("%w: missing closing %q", ErrMalformed, delimiter)
		}

		line, after, _ := cutLine(rest)
		rest = after
		lineNo++

		if strings.TrimRight(line, "\r\n") == delimiter {
			doc.close = line
			doc.body = rest

			return doc, nil
		}

		err := doc.appendLine(line, lineNo)
		if err != nil {
			return nil, err
		}
	}
}

func (d *Document) appendLine(line string, lineNo int) error {
	trimmed := strings.TrimRight(line, "\r\n")

	switch {
	case strings.TrimSpace(trimmed) == "" || strings.HasPrefix(trimmed, "#"):
		d.entries = append(d.entries, Entry{Raw: withNewline(line)})

		return nil
	case isContinuation(trimmed):
		owner := d.lastKeyed()
		if owner < 0 {
			return fmt.Errorf("%w: line %d: indented value without key", ErrMalformed, lineNo)
		}

		// Blank lines or comments between a key and its continuation belong
		// to the key (block scalars may contain blank lines).
		var merged strings.Builder

		for _, e := range d.entries[owner:] {
			merged.WriteString(e.Raw)
		}

		merged.WriteString(withNewline(line))

		d.entries = append(d.entries[:owner], Entry{Key: d.entries[owner].Key, Raw: merged.String()})

		return nil
	}

	key, _, found := strings.Cut(trimmed, ":")
	if !found {
		return fmt.Errorf("%w: line %d: expected \"key: value\"", ErrMalformed, lineNo)
	}

	key = unquoteKey(strings.TrimSpace(key))
	if key == "" {
		return fmt.Errorf("%w: line %d: empty key", ErrMalformed, lineNo)
	}

	if d.index(key) >= 0 {
		return fmt.Errorf("%w: line %d: duplicate key %q", ErrMalformed, lineNo, key)
	}

	d.entries = append(d.entries, Entry{Key: key, Raw: withNewline(line)})

	return nil
}

// Body returns the markdown body.
func (d *Document) Body() string {
	return d.body
}

// SetBody replaces the markdown body.
func (d *Document) SetBody(body string) {
	d.body = body
}

// Entries returns a copy of the metadata entries in file order.
func (d *Document) Entries() []Entry {
	out := make([]Entry, len(d.entries))
	copy(out, d.entries)

	return out
}

// Keys returns the metadata keys in file order.
func (d *Document) Keys() []string {
	keys := make([]string, 0, len(d.entries))

	for _, e := range d.entries {
		if e.Key != "" {
			keys = append(keys, e.Key)
		}
	}

	return keys
}

// Has reports whether key is present.
func (d *Document) Has(key string) bool {
	return d.index(key) >= 0
}

// Raw returns the raw source text of key.
func (d *Document) Raw(key string) (string, bool) {
	i := d.index(key)
	if i < 0 {
		return "", false
	}

	return d.entries[i].Raw, true
}

// Custom returns the raw text of all non-canonical entries concatenated in
// file order.
func (d *Document) Custom() string {
	var b strings.Builder

	for _, e := range d.entries {
		if e.Key != "" && !canonicalKeys[e.Key] {
			b.WriteString(e.Raw)
		}
	}

	return b.String()
}

// GetString returns the scalar string value of key.
// Returns ("", false) if key is missing or not a scalar.
func (d *Document) GetString(key string) (string, bool) {
	node, ok := d.node(key)
	if !ok || node.Kind != yaml.ScalarNode {
		return "", false
	}

	if node.Tag == "!!null" {
		return "", true
	}

	return node.Value, true
}

// GetInt returns the integer value of key.
// Returns (0, false) if key is missing or not an integer.
func (d *Document) GetInt(key string) (int64, bool) {
	node, ok := d.node(key)
	if !ok || node.Kind != yaml.ScalarNode {
		return 0, false
	}

	n, err := strconv.ParseInt(strings.TrimSpace(node.Value), 10, 64)
	if err != nil {
		return 0, false
	}

	return n, true
}

// GetList returns the string list value of key. A scalar value is read as a
// comma separated list.
func (d *Document) GetList(key string) ([]string, bool) {
	node, ok := d.node(key)
	if !ok {
		return nil, false
	}

	switch node.Kind {
	case yaml.SequenceNode:
		var items []string

		err := node.Decode(&items)
		if err != nil {
			return nil, false
		}

		return items, true
	case yaml.ScalarNode:
		if node.Tag == "!!null" || strings.TrimSpace(node.Value) == "" {
			return []string{}, true
		}

		parts := strings.Split(node.Value, ",")
		items := make([]string, 0, len(parts))

		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				items = append(items, p)
			}
		}

		return items, true
	default:
		return nil, false
	}
}

func (d *Document) Title() string     { return d.str(KeyTitle) }
func (d *Document) Slug() string      { return d.str(KeySlug) }
func (d *Document) Section() string   { return d.str(KeySection) }
func (d *Document) Status() string    { return d.str(KeyStatus) }
func (d *Document) CreatedBy() string { return d.str(KeyCreatedBy) }
func (d *Document) UpdatedBy() string { return d.str(KeyUpdatedBy) }

// Parent returns the declared parent slug.
func (d *Document) Parent() string { return d.str(KeyParent) }

// Order returns the sibling order, or 0 when absent or not an integer.
func (d *Document) Order() int {
	n, _ := d.GetInt(KeyOrder)

	return int(n)
}

// Keywords returns the curated search keywords.
func (d *Document) Keywords() []string {
	items, _ := d.GetList(KeyKeywords)

	return items
}

func (d *Document) str(key string) string {
	s, _ := d.GetString(key)

	return strings.TrimSpace(s)
}

// Set replaces or appends key with a string scalar.
func (d *Document) Set(key, value string) error {
	return d.setValue(key, value)
}

// SetInt replaces or appends key with an integer scalar.
func (d *Document) SetInt(key string, value int64) error {
	return d.setValue(key, value)
}

// SetList replaces or appends key with a string list.
func (d *Document) SetList(key string, items []string) error {
	if items == nil {
		items = []string{}
	}

	return d.setValue(key, items)
}

// Delete removes key. Missing keys are ignored.
func (d *Document) Delete(key string) {
	i := d.index(key)
	if i < 0 {
		return
	}

	d.entries = append(d.entries[:i], d.entries[i+1:]...)
}

func (d *Document) setValue(key string, value any) error {
	if key == "" {
		return errors.New("frontmatter: empty key")
	}

	node := yaml.Node{Kind: yaml.MappingNode}
	keyNode := yaml.Node{Kind: yaml.ScalarNode, Value: key}
	valNode := yaml.Node{}

	err := valNode.Encode(value)
	if err != nil {
		return fmt.Errorf("frontmatter: encode %s: %w", key, err)
	}

	node.Content = []*yaml.Node{&keyNode, &valNode}

	var buf bytes.Buffer

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	err = enc.Encode(&node)
	if err != nil {
		return fmt.Errorf("frontmatter: encode %s: %w", key, err)
	}

	_ = enc.Close()

	raw := buf.String()

	if i := d.index(key); i >= 0 {
		d.entries[i].Raw = raw

		return nil
	}

	d.entries = append(d.entries, Entry{Key: key, Raw: raw})

	return nil
}

// Marshal renders the document. An unedited parsed document renders to its
// original bytes.
func (d *Document) Marshal() []byte {
	if d.open == "" && len(d.entries) == 0 {
		return []byte(d.body)
	}

	open := d.open
	if open == "" {
		open = delimiter + "\n"
	}

	closing := d.close
	if closing == "" || (!strings.HasSuffix(closing, "\n") && d.body != "") {
		closing = delimiter + "\n"
	}

	var b strings.Builder

	b.WriteString(open)

	for _, e := range d.entries {
		b.WriteString(e.Raw)
	}

	b.WriteString(closing)
	b.WriteString(d.body)

	return []byte(b.String())
}

func (d *Document) node(key string) (*yaml.Node, bool) {
	i := d.index(key)
	if i < 0 {
		return nil, false
	}

	var root yaml.Node

	err := yaml.Unmarshal([]byte(d.entries[i].Raw), &root)
	if err != nil || len(root.Content) == 0 {
		return nil, false
	}

	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode || len(mapping.Content) < 2 {
		return nil, false
	}

	return mapping.Content[1], true
}

func (d *Document) index(key string) int {
	for i, e := range d.entries {
		if e.Key != "" && e.Key == key {
			return i
		}
	}

	return -1
}

func (d *Document) lastKeyed() int {
	for i := len(d.entries) - 1; i >= 0; i-- {
		if d.entries[i].Key != "" {
			return i
		}
	}

	return -1
}

func isContinuation(line string) bool {
	if line == "" {
		return false
	}

	if line[0] == ' ' || line[0] == '\t' {
		return true
	}

	return line == "-" || strings.HasPrefix(line, "- ")
}

func unquoteKey(key string) string {
	if len(key) >= 2 && (key[0] == '"' || key[0] == '\'') && key[len(key)-1] == key[0] {
		return key[1 : len(key)-1]
	}

	return key
}

// cutLine returns the first line of s including its newline.
func cutLine(s string) (string, string, bool) {
	if s == "" {
		return "", "", false
	}

	i := strings.IndexByte(s, '\n')
	if i < 0 {
		return s, "", true
	}

	return s[:i+1], s[i+1:], true
}

func withNewline(line string) string {
	if strings.HasSuffix(line, "\n") {
		return line
	}

	return line + "\n"
}
