package syncer_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/mdwiki/internal/syncer"
)

func receive(t *testing.T, d *syncer.Debouncer) string {
	t.Helper()

	select {
	case p := <-d.C():
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no settled path")

		return ""
	}
}

func Test_Debouncer_Emits_Once_When_Events_Burst(t *testing.T) {
	t.Parallel()

	d := syncer.NewDebouncer(30*time.Millisecond, 4)
	defer d.Close()

	for range 5 {
		d.Add("a.md")
		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(t, "a.md", receive(t, d))

	select {
	case p := <-d.C():
		t.Fatalf("unexpected second emit %q", p)
	case <-time.After(100 * time.Millisecond):
	}

	assert.Equal(t, 0, d.Pending())
}

func Test_Debouncer_Emits_Each_Path_When_Paths_Differ(t *testing.T) {
	t.Parallel()

	d := syncer.NewDebouncer(10*time.Millisecond, 4)
	defer d.Close()

	d.Add("a.md")
	d.Add("b.md")

	got := []string{receive(t, d), receive(t, d)}
	assert.ElementsMatch(t, []string{"a.md", "b.md"}, got)
}

func Test_Debouncer_Drops_Pending_When_Closed(t *testing.T) {
	t.Parallel()

	d := syncer.NewDebouncer(20*time.Millisecond, 1)
	d.Add("a.md")
	require.Equal(t, 1, d.Pending())

	d.Close()
	d.Close()
	d.Add("b.md")

	assert.Equal(t, 0, d.Pending())

	select {
	case p := <-d.C():
		t.Fatalf("unexpected emit %q after close", p)
	case <-time.After(80 * time.Millisecond):
	}
}
