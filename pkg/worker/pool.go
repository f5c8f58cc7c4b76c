package worker

import (
	"errors"
	"sync"
)

// WorkerPool contains a sync.WaitGroup as 'Wg', which is
// automatically controlled by the WorkerPool. The 'workers'
// field is a slice that contains all the workers
// attached to this WorkerPool.
type WorkerPool struct {
	mutex   sync.Mutex
	workers []Worker
	Wg      sync.WaitGroup
	started bool
}

// NewWorkerPool creates a new WorkerPool struct
// and initialises the 'workers' slice.
func NewWorkerPool() *WorkerPool {
	return &WorkerPool{workers: make([]Worker, 0)}
}

// Start cycles through all the workers
// currently inside the WorkerPool and creates
// a goroutine for each. The 'Start' method of
// each worker is executed concurrently.
//
// Start does NOT block, however consumers
// can wait on the WaitGroup in the pool if they
// wish.
func (pool *WorkerPool) Start() error {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	if pool.started {
		return errors.New("cannot start an already started worker pool")
	}

	pool.started = true
	for _, worker := range pool.workers {
		pool.Wg.Add(1)
		go func(w Worker) {
			defer pool.Wg.Done()
			w.Start()
		}(worker)
	}

	return nil
}

// PushWorker inserts the workers provided in to the worker pool. Workers
// cannot be added once the pool has started.
func (pool *WorkerPool) PushWorker(workers ...Worker) error {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	if pool.started {
		return errors.New("cannot push worker to already started worker pool")
	}

	pool.workers = append(pool.workers, workers...)
	return nil
}

// WakeupWorkers will send on the WakeupChannel of every worker. Workers
// which are busy will see the signal once their current task completes.
func (pool *WorkerPool) WakeupWorkers() error {
	pool.mutex.Lock()
	defer pool.mutex.Unlock()

	if !pool.started {
		return errors.New("cannot wakeup workers on worker pool that is not started")
	}

	for _, w := range pool.workers {
		select {
		case w.WakeupChan() <- 1:
		default:
		}
	}

	return nil
}

// Close will cycle through all the workers inside this
// worker pool and close their wakeup channels, before waiting
// for every worker to exit.
func (pool *WorkerPool) Close() {
	pool.mutex.Lock()
	if !pool.started {
		pool.mutex.Unlock()
		return
	}

	for _, w := range pool.workers {
		w.Close()
	}
	pool.started = false
	pool.mutex.Unlock()

	pool.Wg.Wait()
}
