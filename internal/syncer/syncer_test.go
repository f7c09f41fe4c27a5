package syncer_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/mdwiki/internal/pages"
	"github.com/calvinalkan/mdwiki/internal/scan"
	"github.com/calvinalkan/mdwiki/internal/search"
	"github.com/calvinalkan/mdwiki/internal/store"
	"github.com/calvinalkan/mdwiki/internal/syncer"
	"github.com/calvinalkan/mdwiki/internal/testutil"
)

var (
	admin  = pages.Identity{ID: "alice", Role: pages.RoleAdmin}
	writer = pages.Identity{ID: "bob", Role: pages.RoleWriter}
	reader = pages.Identity{ID: "carol", Role: pages.RoleReader}
)

type fixture struct {
	t      *testing.T
	root   string
	fs     *scan.Faulty
	engine *syncer.Engine
	db     *store.DB
	mtime  time.Time
}

func newFixture(t *testing.T, configure ...func(*syncer.Options)) *fixture {
	t.Helper()

	root := t.TempDir()

	db, err := store.Open(t.Context(), store.Options{DSN: filepath.Join(t.TempDir(), "index.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fs := scan.NewFaulty(scan.NewReal())

	scanner, err := scan.New(root, fs)
	require.NoError(t, err)

	var ids testutil.IDs

	opts := syncer.Options{
		DB:      db,
		Scanner: scanner,
		Workers: 3,
		Now:     testutil.NewClock().Now,
		NewID:   ids.Next,
	}

	for _, fn := range configure {
		fn(&opts)
	}

	engine, err := syncer.New(opts)
	require.NoError(t, err)

	// File writes in tests get strictly increasing modification times that
	// are later than anything the engine writes itself.
	return &fixture{t: t, root: root, fs: fs, engine: engine, db: db, mtime: time.Now().Add(time.Hour)}
}

func (f *fixture) write(rel, content string) {
	f.t.Helper()

	abs := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(f.t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(f.t, os.WriteFile(abs, []byte(content), 0o644))

	f.mtime = f.mtime.Add(time.Second)
	require.NoError(f.t, os.Chtimes(abs, f.mtime, f.mtime))
}

func (f *fixture) read(rel string) string {
	f.t.Helper()

	data, err := os.ReadFile(filepath.Join(f.root, filepath.FromSlash(rel)))
	require.NoError(f.t, err)

	return string(data)
}

func (f *fixture) remove(rel string) {
	f.t.Helper()

	require.NoError(f.t, os.Remove(filepath.Join(f.root, filepath.FromSlash(rel))))
}

func (f *fixture) sync(rel string) syncer.FileResult {
	f.t.Helper()

	return f.engine.SyncFile(f.t.Context(), rel, false)
}

func (f *fixture) syncAll() syncer.Summary {
	f.t.Helper()

	sum, err := f.engine.SyncAll(f.t.Context(), false)
	require.NoError(f.t, err)

	return sum
}

func (f *fixture) page(pageSlug string) *pages.Page {
	f.t.Helper()

	p, err := f.engine.Pages().GetBySlug(f.t.Context(), f.db.Reader(), pageSlug)
	require.NoError(f.t, err, "page %s", pageSlug)

	return p
}

func (f *fixture) versionCount(id string) int {
	f.t.Helper()

	vs, err := f.engine.Versions().List(f.t.Context(), f.db.Reader(), id)
	require.NoError(f.t, err)

	return len(vs)
}

func (f *fixture) isOrphan(id string) bool {
	f.t.Helper()

	ok, err := f.engine.Orphans().IsOrphan(f.t.Context(), f.db.Reader(), id)
	require.NoError(f.t, err)

	return ok
}

func doc(title string, lines ...string) string {
	out := "---\ntitle: " + title + "\n"

	body := ""

	for _, l := range lines {
		if len(l) > 0 && l[0] == '#' {
			body += l + "\n"

			continue
		}

		if body != "" {
			body += l + "\n"

			continue
		}

		out += l + "\n"
	}

	return out + "---\n" + body
}

func Test_SyncFile_Creates_Page_With_Version_Links_And_Index_When_File_Is_New(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write("guides/intro.md", doc("Intro", "# Getting started", "Read [[setup]] before deploying."))

	res := f.sync("guides/intro.md")
	require.NoError(t, res.Err)
	assert.Equal(t, syncer.Created, res.Outcome)

	p := f.page("intro")
	assert.Equal(t, "guides", p.Section)
	assert.Equal(t, "guides/intro.md", p.SourcePath)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, 1, f.versionCount(p.ID))

	out, err := f.engine.Links().GetOutgoing(t.Context(), f.db.Reader(), p.ID)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "setup", out[0].TargetSlug)
	assert.False(t, out[0].Resolved())

	hits, err := f.engine.Search().Search(t.Context(), f.db.Reader(), "deploying", search.Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, p.ID, hits[0].PageID)
}

func Test_SyncFile_Returns_Skipped_When_Mtime_Unchanged(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write("intro.md", doc("Intro", "# Hello"))

	require.Equal(t, syncer.Created, f.sync("intro.md").Outcome)
	require.Equal(t, syncer.Skipped, f.sync("intro.md").Outcome)

	p := f.page("intro")
	assert.Equal(t, 1, f.versionCount(p.ID))

	forced := f.engine.SyncFile(t.Context(), "intro.md", true)
	require.NoError(t, forced.Err)
	assert.Equal(t, syncer.Updated, forced.Outcome)
	assert.Equal(t, 1, f.versionCount(p.ID), "identical content must not add a version")
}

func Test_SyncFile_Adds_Version_When_Content_Changes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write("intro.md", doc("Intro", "# one"))
	f.sync("intro.md")

	f.write("intro.md", doc("Intro", "# one", "two"))

	res := f.sync("intro.md")
	require.NoError(t, res.Err)
	assert.Equal(t, syncer.Updated, res.Outcome)

	p := f.page("intro")
	assert.Equal(t, 2, p.Version)
	assert.Equal(t, 2, f.versionCount(p.ID))
}

func Test_SyncFile_Orphans_Page_When_Parent_Missing_And_Reattaches_When_Parent_Appears(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write("_/handbook/child.md", doc("Child"))

	res := f.sync("_/handbook/child.md")
	require.NoError(t, res.Err)
	assert.True(t, res.Orphaned)

	child := f.page("child")
	assert.Empty(t, child.ParentID)
	assert.True(t, f.isOrphan(child.ID))

	orphan, err := f.engine.Orphans().Get(t.Context(), f.db.Reader(), child.ID)
	require.NoError(t, err)
	assert.Equal(t, "handbook", orphan.OriginalParentSlug)
	assert.Empty(t, orphan.OriginalParentID)

	f.write("handbook.md", doc("Handbook"))

	sum := f.syncAll()
	require.NoError(t, sum.Err())
	assert.Equal(t, 1, sum.Created)
	require.Len(t, sum.Reattached, 1)

	parent := f.page("handbook")
	assert.Equal(t, parent.ID, f.page("child").ParentID)
	assert.False(t, f.isOrphan(child.ID))
}

func Test_SyncFile_Deletes_Page_And_Orphans_Children_When_File_Removed(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write("parent.md", doc("Parent", "# Parent", "See [[a]]."))
	f.write("_/parent/a.md", doc("A", "# A", "Up to [[parent]]."))
	f.write("_/parent/b.md", doc("B"))

	sum := f.syncAll()
	require.NoError(t, sum.Err())
	require.Equal(t, 3, sum.Created)

	parent := f.page("parent")
	a := f.page("a")
	b := f.page("b")
	require.Equal(t, parent.ID, a.ParentID)

	f.remove("parent.md")

	res := f.sync("parent.md")
	require.NoError(t, res.Err)
	assert.Equal(t, syncer.Deleted, res.Outcome)

	_, err := f.engine.Pages().Get(t.Context(), f.db.Reader(), parent.ID)
	require.ErrorIs(t, err, store.ErrNotFound)

	assert.True(t, f.isOrphan(a.ID))
	assert.True(t, f.isOrphan(b.ID))
	assert.Empty(t, f.page("a").ParentID)

	out, err := f.engine.Links().GetOutgoing(t.Context(), f.db.Reader(), a.ID)
	require.NoError(t, err)
	assert.Empty(t, out, "edges targeting the deleted page are removed")

	back, err := f.engine.Links().GetBacklinks(t.Context(), f.db.Reader(), a.ID)
	require.NoError(t, err)
	assert.Empty(t, back, "edges from the deleted page are removed")

	assert.Equal(t, 0, f.versionCount(parent.ID))
}

func Test_SyncFile_Returns_Validation_Error_When_Title_Missing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write("broken.md", "---\nslug: broken\n---\nbody\n")
	f.write("open.md", "---\ntitle: x\n")

	for _, rel := range []string{"broken.md", "open.md"} {
		res := f.sync(rel)
		assert.Equal(t, syncer.Failed, res.Outcome, rel)
		require.ErrorIs(t, res.Err, store.ErrValidation, rel)

		var pageErr *store.Error
		require.ErrorAs(t, res.Err, &pageErr)
		assert.Equal(t, rel, pageErr.Path)
	}
}

func Test_SyncDirectory_Records_IO_Failure_And_Continues(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write("a.md", doc("A"))
	f.write("b.md", doc("B"))
	f.write("c.md", doc("C"))

	f.fs.SetPathState(filepath.Join(f.root, "b.md"), scan.PathIOError)

	sum := f.syncAll()
	assert.Equal(t, 2, sum.Created)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Errors(), 1)
	require.ErrorIs(t, sum.Err(), store.ErrIOFailure)
	assert.True(t, scan.IsInjected(sum.Err()))

	f.fs.SetPathState(filepath.Join(f.root, "b.md"), scan.PathNormal)

	sum = f.syncAll()
	require.NoError(t, sum.Err())
	assert.Equal(t, 1, sum.Created, "failed file is retried on the next scan")
	assert.Equal(t, 2, sum.Skipped)
}

func Test_SyncFile_Rewrites_Bracket_Links_When_Slug_Changes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write("old.md", doc("Target"))
	f.write("linker.md", doc("Linker", "# Links", "Go to [[old]]."))
	require.NoError(t, f.syncAll().Err())

	target := f.page("old")

	f.write("old.md", doc("Target", "slug: new"))

	res := f.sync("old.md")
	require.NoError(t, res.Err)

	renamed := f.page("new")
	assert.Equal(t, target.ID, renamed.ID)

	back, err := f.engine.Links().GetBacklinks(t.Context(), f.db.Reader(), target.ID)
	require.NoError(t, err)
	require.Len(t, back, 1)
	assert.Equal(t, "new", back[0].TargetSlug)
	assert.Equal(t, f.page("linker").ID, back[0].SourcePageID)

	alias, err := f.engine.Pages().ResolveSlug(t.Context(), f.db.Reader(), "old")
	require.NoError(t, err)
	assert.Equal(t, target.ID, alias.ID)
}

func Test_SyncFile_Resolves_Pending_Links_When_Target_Appears(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write("linker.md", doc("Linker", "# Links", "Soon: [[later]]."))
	f.sync("linker.md")

	broken, err := f.engine.Links().GetBrokenLinks(t.Context(), f.db.Reader())
	require.NoError(t, err)
	require.Len(t, broken, 1)

	f.write("later.md", doc("Later"))
	f.sync("later.md")

	broken, err = f.engine.Links().GetBrokenLinks(t.Context(), f.db.Reader())
	require.NoError(t, err)
	assert.Empty(t, broken)

	back, err := f.engine.Links().GetBacklinks(t.Context(), f.db.Reader(), f.page("later").ID)
	require.NoError(t, err)
	assert.Len(t, back, 1)
}

func Test_SyncAll_Keeps_History_When_File_Is_Moved(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write("intro.md", doc("Intro"))
	f.syncAll()

	before := f.page("intro")

	f.remove("intro.md")
	f.write("guides/intro.md", doc("Intro"))

	sum := f.syncAll()
	require.NoError(t, sum.Err())
	assert.Equal(t, 1, sum.Updated)
	assert.Equal(t, 0, sum.Created)
	assert.Equal(t, 0, sum.Deleted)

	after := f.page("intro")
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, "guides/intro.md", after.SourcePath)
	assert.Equal(t, "guides", after.Section)
	assert.Equal(t, 1, f.versionCount(after.ID))
}

func Test_SyncFile_Relocates_File_When_Metadata_Disagrees_With_Path(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(o *syncer.Options) { o.Relocate = true })
	f.write("misc/intro.md", doc("Intro", "section: guides"))

	res := f.sync("misc/intro.md")
	require.NoError(t, res.Err)
	assert.Equal(t, "guides/intro.md", res.Relocated)
	assert.Equal(t, "guides/intro.md", f.page("intro").SourcePath)

	_, err := os.Stat(filepath.Join(f.root, "misc"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "emptied directory is pruned")

	assert.Equal(t, syncer.Skipped, f.sync("guides/intro.md").Outcome)
}

func Test_SyncAll_Returns_Canceled_When_Context_Done(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write("a.md", doc("A"))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	sum, err := f.engine.SyncAll(ctx, false)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, sum.Created)
}

func Test_Reindex_Rebuilds_Fulltext_From_Pages(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write("a.md", doc("Alpha", "# Alpha", "kubernetes cluster"))
	f.write("b.md", doc("Beta", "# Beta", "postgres tuning"))
	f.syncAll()

	_, err := f.db.Reader().ExecContext(t.Context(), `DELETE FROM search_index`)
	require.NoError(t, err)

	n, err := f.engine.Reindex(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hits, err := f.engine.Search().Search(t.Context(), f.db.Reader(), "postgres", search.Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].Slug)
}

func (f *fixture) rows(table string) int {
	f.t.Helper()

	var n int

	require.NoError(f.t, f.db.Reader().QueryRowContext(f.t.Context(), `SELECT COUNT(*) FROM `+table).Scan(&n))

	return n
}

func Test_SyncFile_Links_Wiki_Reference_By_Title_When_Slug_Differs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.write("other.md", doc("Other", "# Other", "see [[Getting Started]]"))
	f.write("gs.md", doc("Getting Started", "slug: gs"))
	require.NoError(t, f.syncAll().Err())

	gs := f.page("gs")

	back, err := f.engine.Links().GetBacklinks(t.Context(), f.db.Reader(), gs.ID)
	require.NoError(t, err)
	require.Len(t, back, 1)
	assert.Equal(t, f.page("other").ID, back[0].SourcePageID)

	broken, err := f.engine.Links().GetBrokenLinks(t.Context(), f.db.Reader())
	require.NoError(t, err)
	assert.Empty(t, broken)

	// Linking after the target exists resolves directly.
	f.write("late.md", doc("Late", "# Late", "also [[getting started]]"))
	require.NoError(t, f.sync("late.md").Err)

	back, err = f.engine.Links().GetBacklinks(t.Context(), f.db.Reader(), gs.ID)
	require.NoError(t, err)
	assert.Len(t, back, 2)
}

func Test_SyncFile_Leaves_No_Rows_When_Relocation_Fails_After_Derived_Writes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(o *syncer.Options) { o.Relocate = true })
	f.write("misc/intro.md", doc("Intro", "section: guides", "keywords: [setup]", "# Intro", "See [[elsewhere]] for deploying."))

	f.fs.SetPathState(filepath.Join(f.root, "guides"), scan.PathIOError)

	res := f.sync("misc/intro.md")
	require.ErrorIs(t, res.Err, store.ErrIOFailure)
	assert.Equal(t, syncer.Failed, res.Outcome)

	for _, table := range []string{"pages", "page_versions", "page_links", "search_index", "orphaned_pages", "slug_aliases"} {
		assert.Zero(t, f.rows(table), "rows in %s", table)
	}

	assert.Contains(t, f.read("misc/intro.md"), "See [[elsewhere]]")

	f.fs.SetPathState(filepath.Join(f.root, "guides"), scan.PathNormal)

	res = f.sync("misc/intro.md")
	require.NoError(t, res.Err)
	assert.Equal(t, syncer.Created, res.Outcome)
	assert.Equal(t, "guides/intro.md", res.Relocated)
	assert.Equal(t, 1, f.versionCount(f.page("intro").ID))
}
