package links_test

import (
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/mdwiki/internal/links"
	"github.com/calvinalkan/mdwiki/internal/pages"
	"github.com/calvinalkan/mdwiki/internal/store"
)

func Test_ExtractLinks_Recognizes_Path_And_Wiki_Forms(t *testing.T) {
	t.Parallel()

	body := "See [the intro](/pages/intro#setup) and [[Getting Started|start here]].\n" +
		"Again [[intro]] and [[intro#other]] and [dup](/pages/intro).\n" +
		"```\n[[in-code]]\n```\n" +
		"Inline `[[also-code]]` is skipped. External [site](https://example.com) too.\n" +
		"Anchor only [[faq#billing]].\n"

	got := links.ExtractLinks(body)
	want := []links.Ref{
		{Kind: links.KindPath, Target: "intro", Anchor: "setup", Text: "the intro"},
		{Kind: links.KindWiki, Target: "Getting Started", Text: "start here"},
		{Kind: links.KindWiki, Target: "intro"},
		{Kind: links.KindWiki, Target: "faq", Anchor: "billing"},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("refs (-want +got):\n%s", diff)
	}
}

type fixture struct {
	db    *store.DB
	pages *pages.Store
	links *links.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := store.Open(t.Context(), store.Options{DSN: filepath.Join(t.TempDir(), "index.db")})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	ps := pages.New(pages.Options{})

	return &fixture{db: db, pages: ps, links: links.New(ps)}
}

func (f *fixture) page(t *testing.T, title, slug string) *pages.Page {
	t.Helper()

	p := &pages.Page{Title: title, Slug: slug}

	err := f.pages.Create(t.Context(), f.db.Reader(), p)
	if err != nil {
		t.Fatalf("create %s: %v", slug, err)
	}

	return p
}

func targets(edges []links.Edge) []string {
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.TargetSlug)
	}

	sort.Strings(out)

	return out
}

func Test_UpdateLinks_Stores_Exactly_Extracted_Targets_And_Is_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	q := f.db.Reader()

	src := f.page(t, "Source", "source")
	f.page(t, "Intro", "intro")
	f.page(t, "Getting Started", "getting-started")

	body := "[[intro]] [x](/pages/getting-started) [[missing-page]] [[source]]"

	diff, err := f.links.UpdateLinks(t.Context(), q, src.ID, body)
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if diff.Added != 3 || diff.Removed != 0 {
		t.Fatalf("diff=%+v", diff)
	}

	out, _ := f.links.GetOutgoing(t.Context(), q, src.ID)
	if d := cmp.Diff([]string{"getting-started", "intro", "missing-page"}, targets(out)); d != "" {
		t.Fatalf("outgoing (-want +got):\n%s", d)
	}

	diff, err = f.links.UpdateLinks(t.Context(), q, src.ID, body)
	if err != nil {
		t.Fatalf("second update: %v", err)
	}

	if !diff.Empty() {
		t.Fatalf("unchanged content churned edges: %+v", diff)
	}

	diff, err = f.links.UpdateLinks(t.Context(), q, src.ID, "[[intro]] only now")
	if err != nil {
		t.Fatalf("third update: %v", err)
	}

	if diff.Removed != 2 || diff.Added != 0 {
		t.Fatalf("diff=%+v", diff)
	}
}

func Test_HandleSlugChange_Points_Wiki_Edges_At_New_Slug(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	q := f.db.Reader()

	target := f.page(t, "Old", "old")
	src := f.page(t, "Src", "src")

	_, err := f.links.UpdateLinks(t.Context(), q, src.ID, "link to [[old]]")
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	renamed := target.Clone()
	renamed.Slug = "new"

	_, err = f.pages.Update(t.Context(), q, renamed)
	if err != nil {
		t.Fatalf("rename: %v", err)
	}

	n, err := f.links.HandleSlugChange(t.Context(), q, "old", "new")
	if err != nil || n != 1 {
		t.Fatalf("handle slug change n=%d err=%v", n, err)
	}

	out, _ := f.links.GetOutgoing(t.Context(), q, src.ID)
	if len(out) != 1 || out[0].TargetSlug != "new" || out[0].TargetPageID != target.ID {
		t.Fatalf("edge=%+v", out)
	}

	// The old reference still resolves through the alias: no churn on resync.
	diff, err := f.links.UpdateLinks(t.Context(), q, src.ID, "link to [[old]]")
	if err != nil || diff.Added+diff.Removed != 0 {
		t.Fatalf("resync diff=%+v err=%v", diff, err)
	}
}

func Test_ResolvePending_Attaches_Edges_When_Target_Created(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	q := f.db.Reader()

	src := f.page(t, "Src", "src")

	_, err := f.links.UpdateLinks(t.Context(), q, src.ID, "[[Later Page]]")
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	broken, _ := f.links.GetBrokenLinks(t.Context(), q)
	if len(broken) != 1 || broken[0].TargetSlug != "later-page" {
		t.Fatalf("broken=%+v", broken)
	}

	later := f.page(t, "Later Page", "later-page")

	n, err := f.links.ResolvePending(t.Context(), q, later)
	if err != nil || n != 1 {
		t.Fatalf("resolve n=%d err=%v", n, err)
	}

	back, _ := f.links.GetBacklinks(t.Context(), q, later.ID)
	if len(back) != 1 || back[0].SourcePageID != src.ID {
		t.Fatalf("backlinks=%+v", back)
	}

	broken, _ = f.links.GetBrokenLinks(t.Context(), q)
	if len(broken) != 0 {
		t.Fatalf("broken after resolve=%+v", broken)
	}
}

func Test_HandlePageDeletion_Removes_Inbound_And_Outbound_Edges(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	q := f.db.Reader()

	a := f.page(t, "A", "a")
	b := f.page(t, "B", "b")
	c := f.page(t, "C", "c")

	_, _ = f.links.UpdateLinks(t.Context(), q, a.ID, "[[b]]")
	_, _ = f.links.UpdateLinks(t.Context(), q, b.ID, "[[a]] [[c]]")
	_, _ = f.links.UpdateLinks(t.Context(), q, c.ID, "[[a]]")

	n, err := f.links.HandlePageDeletion(t.Context(), q, b.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}

	if n != 3 {
		t.Fatalf("removed=%d, want 3", n)
	}

	out, _ := f.links.GetOutgoing(t.Context(), q, c.ID)
	if len(out) != 1 {
		t.Fatalf("unrelated edge removed: %+v", out)
	}
}

func Test_UpdateLinks_Resolves_Wiki_Target_By_Title_When_Slug_Differs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	q := f.db.Reader()

	target := f.page(t, "Getting Started", "gs")
	src := f.page(t, "Src", "src")

	_, err := f.links.UpdateLinks(t.Context(), q, src.ID, "see [[getting started#install]]")
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	out, _ := f.links.GetOutgoing(t.Context(), q, src.ID)
	if len(out) != 1 || out[0].TargetPageID != target.ID || out[0].TargetSlug != "gs" || out[0].Anchor != "install" {
		t.Fatalf("edge=%+v", out)
	}

	broken, _ := f.links.GetBrokenLinks(t.Context(), q)
	if len(broken) != 0 {
		t.Fatalf("broken=%+v", broken)
	}
}

func Test_ResolvePending_Matches_Title_When_Target_Created_With_Other_Slug(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	q := f.db.Reader()

	src := f.page(t, "Src", "src")

	_, err := f.links.UpdateLinks(t.Context(), q, src.ID, "[[Getting Started]] and [[unrelated]]")
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	gs := f.page(t, "Getting Started", "gs")

	n, err := f.links.ResolvePending(t.Context(), q, gs)
	if err != nil || n != 1 {
		t.Fatalf("resolve n=%d err=%v", n, err)
	}

	back, _ := f.links.GetBacklinks(t.Context(), q, gs.ID)
	if len(back) != 1 || back[0].SourcePageID != src.ID || back[0].TargetSlug != "gs" {
		t.Fatalf("backlinks=%+v", back)
	}

	broken, _ := f.links.GetBrokenLinks(t.Context(), q)
	if got := targets(broken); len(got) != 1 || got[0] != "unrelated" {
		t.Fatalf("broken=%v", got)
	}

	// Resync of the unchanged body keeps the resolved edge.
	diff, err := f.links.UpdateLinks(t.Context(), q, src.ID, "[[Getting Started]] and [[unrelated]]")
	if err != nil || diff.Added+diff.Removed != 0 {
		t.Fatalf("resync diff=%+v err=%v", diff, err)
	}
}
