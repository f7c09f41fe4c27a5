package cli_test

import (
	"testing"

	"github.com/calvinalkan/mdwiki/internal/cli"
)

func Test_Sync_Reports_Created_Then_Skipped_When_Run_Twice(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WritePage("guides/intro.md", page("Intro", "# Intro", "Read [[setup]]."))
	c.WritePage("setup.md", page("Setup"))

	out := c.MustRun("sync")
	cli.AssertContains(t, out, "created  guides/intro.md")
	cli.AssertContains(t, out, "created  setup.md")
	cli.AssertContains(t, out, "created=2 updated=0 skipped=0 deleted=0 errors=0")

	out = c.MustRun("sync")
	cli.AssertNotContains(t, out, "created ")
	cli.AssertContains(t, out, "skipped=2")

	out = c.MustRun("sync", "--force", "setup.md")
	cli.AssertContains(t, out, "updated  setup.md")
}

func Test_Sync_Warns_And_Exits_1_When_File_Invalid(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WritePage("good.md", page("Good"))
	c.WritePage("bad.md", "---\nslug: bad\n---\nno title\n")

	stdout, stderr, code := c.Run("sync")

	if got, want := code, 1; got != want {
		t.Errorf("exitCode=%d, want=%d", got, want)
	}

	cli.AssertContains(t, stdout, "created=1")
	cli.AssertContains(t, stdout, "errors=1")
	cli.AssertContains(t, stderr, "warning:")
	cli.AssertContains(t, stderr, "bad.md")
}

func Test_Read_Commands_Sync_Fresh_Mirror_When_Invoked_First(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WritePage("ops.md", page("Ops", "# Ops", "kubernetes upgrades"))

	out := c.MustRun("search", "kubernetes")
	cli.AssertContains(t, out, "ops")
}

func Test_Link_Commands_List_Edges_When_Pages_Link(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WritePage("a.md", page("A", "# A", "See [[b#usage]] and [[nowhere]]."))
	c.WritePage("b.md", page("B"))
	c.MustRun("sync")

	out := c.MustRun("links", "a")
	cli.AssertContains(t, out, "b#usage")
	cli.AssertContains(t, out, "nowhere (missing)")

	out = c.MustRun("backlinks", "b")
	cli.AssertContains(t, out, "a#usage")

	out = c.MustRun("broken-links")
	cli.AssertContains(t, out, "a -> nowhere")
	cli.AssertNotContains(t, out, "-> b")

	stderr := c.MustFail("links", "ghost")
	cli.AssertContains(t, stderr, "not found")
}

func Test_History_Diff_And_Rollback_When_Page_Changed(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WritePage("notes.md", page("Notes", "# Notes", "alpha"))
	c.MustRun("sync")
	c.WritePage("notes.md", page("Notes", "# Notes", "beta"))
	c.MustRun("sync")

	out := c.MustRun("history", "notes")
	cli.AssertContains(t, out, "v1")
	cli.AssertContains(t, out, "v2")

	out = c.MustRun("diff", "notes", "1", "2")
	cli.AssertContains(t, out, "+1 -1")
	cli.AssertContains(t, out, "-alpha")
	cli.AssertContains(t, out, "+beta")

	out = c.MustRun("rollback", "notes", "1")
	cli.AssertContains(t, out, "notes is now at v3 (Rollback to version 1)")
	cli.AssertContains(t, c.ReadPage("notes.md"), "alpha")

	out = c.MustRun("history", "notes")
	cli.AssertContains(t, out, "tester")

	stderr := c.MustFail("rollback", "notes", "zero")
	cli.AssertContains(t, stderr, "invalid version number")
}

func Test_Orphans_And_Reassign_When_Parent_Missing(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WritePage("_/ghost/kid.md", page("Kid"))
	c.WritePage("home.md", page("Home"))

	out := c.MustRun("sync")
	cli.AssertContains(t, out, "_/ghost/kid.md (orphan)")

	out = c.MustRun("orphans")
	cli.AssertContains(t, out, "parent=ghost")

	out = c.MustRun("orphans", "stats")
	cli.AssertContains(t, out, "total=1")
	cli.AssertContains(t, out, "ghost")

	out = c.MustRun("reassign", "kid", "home")
	cli.AssertContains(t, out, "moved kid to home")
	cli.AssertContains(t, c.ReadPage("_/ghost/kid.md"), "parent: home")

	out = c.MustRun("orphans")
	cli.AssertNotContains(t, out, "kid")

	out = c.MustRun("sync")
	cli.AssertContains(t, out, "updated=0")
}

func Test_Reindex_Reports_Count_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WritePage("a.md", page("A"))
	c.WritePage("b.md", page("B"))
	c.MustRun("sync")

	out := c.MustRun("reindex")
	cli.AssertContains(t, out, "reindexed 2 pages")
}
