package worker

import (
	"sync/atomic"

	"github.com/isomoes/mvideo/pkg/logger"
)

var workerLogger = logger.Get("Worker")

type (
	WorkerWakeupChan chan int
	WorkerStatus     int32

	// WorkerTask is executed by a worker each time it is awake. The boolean
	// returned should be true if the task performed work, in which case the
	// worker will immediately run the task again. Returning false puts the
	// worker to sleep until it is woken by the pool.
	WorkerTask func(Worker) (bool, error)

	Worker interface {
		Start()
		Status() WorkerStatus
		WakeupChan() WorkerWakeupChan
		Label() string
		Close()
	}

	taskWorker struct {
		label         string
		task          WorkerTask
		wakeupChan    WorkerWakeupChan
		currentStatus atomic.Int32
	}
)

const (
	SLEEPING WorkerStatus = iota
	WORKING
	FINISHED
)

func NewWorker(label string, task WorkerTask) *taskWorker {
	return &taskWorker{
		label:      label,
		task:       task,
		wakeupChan: make(WorkerWakeupChan, 1),
	}
}

// Start runs the worker loop, blocking until the wakeup channel
// of the worker is closed.
func (worker *taskWorker) Start() {
	workerLogger.Emit(logger.NEW, "Starting worker with label %v\n", worker.label)
	for {
		worker.setStatus(WORKING)
		workDone, err := worker.task(worker)
		if err != nil {
			workerLogger.Emit(logger.ERROR, "Worker with label %v has reported an error(%T): %v\n", worker.label, err, err)
		}

		if workDone {
			// Check for closure between units of work
			select {
			case _, ok := <-worker.wakeupChan:
				if !ok {
					worker.setStatus(FINISHED)
					return
				}
			default:
			}

			continue
		}

		if !worker.sleep() {
			break
		}
	}

	workerLogger.Emit(logger.STOP, "Worker with label %v has stopped\n", worker.label)
}

// Status returns the current status of this worker
func (worker *taskWorker) Status() WorkerStatus {
	return WorkerStatus(worker.currentStatus.Load())
}

func (worker *taskWorker) WakeupChan() WorkerWakeupChan {
	return worker.wakeupChan
}

// Close closes the Worker by closing the WakeChan.
// Note that this does not interupt a task which is
// currently running.
func (worker *taskWorker) Close() {
	close(worker.wakeupChan)
}

// Label returns the label for this worker
func (worker *taskWorker) Label() string {
	return worker.label
}

// sleep puts a worker to sleep until it's wakeupChan is
// signalled from another goroutine. Returns a boolean that
// is 'false' if the wakeup channel was closed - indicating
// the worker should quit.
func (worker *taskWorker) sleep() (isAlive bool) {
	worker.setStatus(SLEEPING)

	if _, isAlive = <-worker.wakeupChan; !isAlive {
		workerLogger.Emit(logger.STOP, "Wakeup channel for worker '%v' has been closed - worker is exiting\n", worker.label)
		worker.setStatus(FINISHED)
	}

	return isAlive
}

func (worker *taskWorker) setStatus(status WorkerStatus) {
	worker.currentStatus.Store(int32(status))
}
