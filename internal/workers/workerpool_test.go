package workers

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsJobs(t *testing.T) {
	wp := NewWorkerPool(4, 16)
	defer wp.Stop()

	var n int64
	for i := 0; i < 16; i++ {
		require.True(t, wp.AddJob(func() { atomic.AddInt64(&n, 1) }))
	}
	wp.Wait()
	assert.Equal(t, int64(16), atomic.LoadInt64(&n))
}

func TestWorkerPoolRejectsWhenFull(t *testing.T) {
	wp := NewWorkerPool(1, 1)
	block := make(chan struct{})
	started := make(chan struct{})

	require.True(t, wp.AddJob(func() { close(started); <-block }))
	<-started
	require.True(t, wp.AddJob(func() {}))
	assert.False(t, wp.AddJob(func() {}), "queue is full")
	assert.Equal(t, 1, wp.Queued())

	close(block)
	wp.Stop()
}

func TestWorkerPoolRejectsAfterStop(t *testing.T) {
	wp := NewWorkerPool(2, 2)
	wp.Stop()
	wp.Stop()
	assert.False(t, wp.AddJob(func() {}))
}
