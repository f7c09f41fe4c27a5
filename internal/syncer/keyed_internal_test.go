package syncer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_KeyedMutex_Serializes_Same_Key_And_Drops_Entries_When_Released(t *testing.T) {
	t.Parallel()

	k := keyedMutex{locks: make(map[string]*keyedEntry)}

	var (
		inside atomic.Int32
		peak    atomic.Int32
		wg     sync.WaitGroup
	)

	for range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			unlock := k.Lock("a.md")
			defer unlock()

			n := inside.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}

			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, 0, k.held())
}

func Test_KeyedMutex_Allows_Different_Keys_When_One_Is_Held(t *testing.T) {
	t.Parallel()

	k := keyedMutex{locks: make(map[string]*keyedEntry)}

	unlockA := k.Lock("a.md")

	done := make(chan struct{})

	go func() {
		unlock := k.Lock("b.md")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("lock on b.md blocked behind a.md")
	}

	require.Equal(t, 1, k.held())

	unlockA()
	unlockA()

	assert.Equal(t, 0, k.held(), "release is idempotent")
}
