package workers

import (
	"sync"
)

// WorkerPool runs jobs on a fixed number of goroutines fed from a bounded queue.
type WorkerPool struct {
	jobCh chan func()
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
	once    sync.Once
}

// NewWorkerPool initializes a worker pool with a fixed number of workers.
func NewWorkerPool(workerCount, jobBufferSize int) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	wp := &WorkerPool{
		jobCh: make(chan func(), jobBufferSize),
	}
	for i := 0; i < workerCount; i++ {
		go wp.worker()
	}
	return wp
}

func (wp *WorkerPool) worker() {
	for job := range wp.jobCh {
		job()
	}
}

// AddJob enqueues a job without blocking. It returns false when the queue is
// full or the pool has been stopped.
func (wp *WorkerPool) AddJob(job func()) bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	if wp.stopped {
		return false
	}

	wp.wg.Add(1)
	select {
	case wp.jobCh <- func() {
		defer wp.wg.Done()
		job()
	}:
		return true
	default:
		wp.wg.Done()
		return false
	}
}

// Wait blocks until all queued jobs are completed.
func (wp *WorkerPool) Wait() {
	wp.wg.Wait()
}

// Queued returns the number of jobs waiting for a worker.
func (wp *WorkerPool) Queued() int {
	return len(wp.jobCh)
}

// Stop rejects new jobs and waits for queued ones to finish.
func (wp *WorkerPool) Stop() {
	wp.once.Do(func() {
		wp.mu.Lock()
		wp.stopped = true
		close(wp.jobCh)
		wp.mu.Unlock()
		wp.wg.Wait()
	})
}
