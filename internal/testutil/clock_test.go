package testutil_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/calvinalkan/mdwiki/internal/testutil"
)

func Test_Clock_Advances_Monotonically_When_Called_Concurrently(t *testing.T) {
	t.Parallel()

	c := testutil.NewClock()
	start := c.Peek()

	var wg sync.WaitGroup

	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			c.Now()
		}()
	}

	wg.Wait()

	assert.Equal(t, 10, int(c.Peek().Sub(start).Seconds()))
	assert.True(t, c.Now().After(start))
}

func Test_IDs_Are_Sequential_When_Generated(t *testing.T) {
	t.Parallel()

	var ids testutil.IDs

	assert.Equal(t, "p01", ids.Next())
	assert.Equal(t, "p02", ids.Next())
}
