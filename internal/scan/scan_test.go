package scan_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/mdwiki/internal/scan"
)

func newScanner(t *testing.T, fs scan.FS) *scan.Scanner {
	t.Helper()

	s, err := scan.New(t.TempDir(), fs)
	if err != nil {
		t.Fatalf("new scanner: %v", err)
	}

	return s
}

func write(t *testing.T, s *scan.Scanner, rel, content string) {
	t.Helper()

	_, err := s.WriteFile(rel, []byte(content))
	if err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func Test_Walk_Returns_Files_Before_Subdirectories_In_Lexical_Order(t *testing.T) {
	t.Parallel()

	s := newScanner(t, nil)

	for _, rel := range []string{
		"guides/intro/setup.md",
		"guides/intro.md",
		"guides/advanced.md",
		"about.md",
		"notes.txt",
		".hidden/secret.md",
		"guides/.draft.md",
	} {
		write(t, s, rel, "x")
	}

	err := os.MkdirAll(filepath.Join(s.Root(), scan.InternalDir), 0o755)
	if err != nil {
		t.Fatal(err)
	}

	err = os.WriteFile(filepath.Join(s.Root(), scan.InternalDir, "state.md"), []byte("x"), 0o600)
	if err != nil {
		t.Fatal(err)
	}

	files, err := s.Walk(t.Context(), "")
	if err != nil {
		t.Fatalf("walk: %v", err)
	}

	got := make([]string, len(files))
	for i, f := range files {
		got[i] = f.RelPath
	}

	want := []string{"about.md", "guides/advanced.md", "guides/intro.md", "guides/intro/setup.md"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("walk order (-want +got):\n%s", diff)
	}

	sub, err := s.Walk(t.Context(), "guides/intro")
	if err != nil || len(sub) != 1 || sub[0].RelPath != "guides/intro/setup.md" {
		t.Fatalf("sub walk=%+v err=%v", sub, err)
	}
}

func Test_Walk_Stops_When_Context_Cancelled(t *testing.T) {
	t.Parallel()

	s := newScanner(t, nil)
	write(t, s, "a.md", "x")

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := s.Walk(ctx, "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}

func Test_Abs_Rejects_Paths_Outside_Root(t *testing.T) {
	t.Parallel()

	s := newScanner(t, nil)

	for _, bad := range []string{"", "/etc/passwd", "../x.md", "a/../../x.md", "./a.md", "a//b.md", ".mdwiki/lock"} {
		_, err := s.Abs(bad)
		if !errors.Is(err, scan.ErrInvalidPath) {
			t.Fatalf("Abs(%q) err=%v, want ErrInvalidPath", bad, err)
		}
	}

	abs, err := s.Abs("guides/a.md")
	if err != nil || abs != filepath.Join(s.Root(), "guides", "a.md") {
		t.Fatalf("abs=%q err=%v", abs, err)
	}

	rel, err := s.Rel(abs)
	if err != nil || rel != "guides/a.md" {
		t.Fatalf("rel=%q err=%v", rel, err)
	}
}

func Test_InferHierarchy_And_ExpectedPath_Are_Inverse(t *testing.T) {
	t.Parallel()

	cases := []struct {
		path      string
		section   string
		ancestors []string
		pos       scan.Position
	}{
		{"intro.md", "", nil, scan.Position{Slug: "intro"}},
		{"guides/intro.md", "guides", nil, scan.Position{Section: "guides", Slug: "intro"}},
		{"guides/intro/setup.md", "guides", []string{"intro"}, scan.Position{Section: "guides", ParentSlug: "intro", Slug: "setup"}},
		{"guides/a/b/c.md", "guides", []string{"a", "b"}, scan.Position{Section: "guides", ParentSlug: "b", Slug: "c"}},
		{"_/intro/setup.md", "", []string{"intro"}, scan.Position{ParentSlug: "intro", Slug: "setup"}},
	}

	for _, tc := range cases {
		if diff := cmp.Diff(tc.pos, scan.InferHierarchy(tc.path)); diff != "" {
			t.Fatalf("InferHierarchy(%q) (-want +got):\n%s", tc.path, diff)
		}

		if got := scan.ExpectedPath(tc.section, tc.ancestors, tc.pos.Slug); got != tc.path {
			t.Fatalf("ExpectedPath=%q, want %q", got, tc.path)
		}
	}
}

func Test_Move_And_Remove_Prune_Empty_Directories(t *testing.T) {
	t.Parallel()

	s := newScanner(t, nil)
	write(t, s, "a/b/page.md", "content")

	err := s.Move("a/b/page.md", "c/page.md")
	if err != nil {
		t.Fatalf("move: %v", err)
	}

	if _, statErr := os.Stat(filepath.Join(s.Root(), "a")); !os.IsNotExist(statErr) {
		t.Fatalf("empty dir a left behind: %v", statErr)
	}

	data, err := s.Read("c/page.md")
	if err != nil || string(data) != "content" {
		t.Fatalf("read=%q err=%v", data, err)
	}

	err = s.Remove("c/page.md")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}

	err = s.Remove("c/page.md")
	if err != nil {
		t.Fatalf("second remove: %v", err)
	}
}

func Test_Faulty_Injects_Sticky_Errors_Below_Marked_Path(t *testing.T) {
	t.Parallel()

	faulty := scan.NewFaulty(scan.NewReal())
	s := newScanner(t, faulty)

	write(t, s, "ok/page.md", "x")

	faulty.SetPathState(filepath.Join(s.Root(), "ro"), scan.PathReadOnly)

	_, err := s.WriteFile("ro/page.md", []byte("x"))
	if !scan.IsInjected(err) || !errors.Is(err, syscall.EROFS) {
		t.Fatalf("err=%v, want injected EROFS", err)
	}

	faulty.SetPathState(filepath.Join(s.Root(), "ok", "page.md"), scan.PathIOError)

	_, err = s.Read("ok/page.md")
	if !errors.Is(err, syscall.EIO) {
		t.Fatalf("err=%v, want EIO", err)
	}

	faulty.SetPathState(filepath.Join(s.Root(), "ok", "page.md"), scan.PathNormal)

	_, err = s.Read("ok/page.md")
	if err != nil {
		t.Fatalf("read after clear: %v", err)
	}
}

func Test_Lock_Returns_ErrWouldBlock_When_Already_Held(t *testing.T) {
	t.Parallel()

	s := newScanner(t, nil)

	held, err := s.Lock(scan.LockTimeout)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	_, err = s.Lock(20 * time.Millisecond)
	if !errors.Is(err, scan.ErrWouldBlock) {
		t.Fatalf("err=%v, want ErrWouldBlock", err)
	}

	err = held.Close()
	if err != nil {
		t.Fatalf("close: %v", err)
	}

	if err = held.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	again, err := s.Lock(0)
	if err != nil {
		t.Fatalf("relock: %v", err)
	}

	_ = again.Close()
}
