package audit

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	c := NewCounters()

	c.IncReceived()
	c.IncReceived()
	c.IncPublished()
	c.IncFailed()

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.Received)
	assert.Equal(t, int64(1), snap.Published)
	assert.Equal(t, int64(1), snap.Failed)
	assert.GreaterOrEqual(t, snap.Uptime.Nanoseconds(), int64(0))
}

func TestCountersConcurrent(t *testing.T) {
	c := NewCounters()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.IncReceived()
			c.IncPublished()
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	assert.Equal(t, int64(50), snap.Received)
	assert.Equal(t, int64(50), snap.Published)
	assert.Equal(t, int64(0), snap.Failed)
}
