package async

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/crashkill/hub-automation-sub001/errors"
	"github.com/crashkill/hub-automation-sub001/logger"
)

// ErrPoolClosed is returned by Submit after Stop
var ErrPoolClosed = errors.New("worker pool closed")

// ErrQueueFull is returned by Submit when the backlog limit is reached
var ErrQueueFull = errors.Wrap(errors.ErrServiceUnavailable, "worker pool queue full")

// pulseLogger separates lifecycle logs (starting/closing) from regular pool logs
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an opening event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(msg, keysAndValues...)
}

// Closing logs a closing event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers   int `json:"workers"`    // Number of concurrent workers
	QueueSize int `json:"queue_size"` // Max queued tasks; 0 means unbounded
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:   4,
		QueueSize: 256,
	}
}

// task is one queued unit of work
type task struct {
	priority Priority
	seq      uint64 // FIFO within a priority
	run      func()
	enqueued time.Time
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x interface{}) { *h = append(*h, x.(*task)) }
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// WorkerPool runs submitted tasks on a fixed number of workers, highest
// priority first and FIFO within a priority.
type WorkerPool struct {
	cfg    WorkerPoolConfig
	logger pulseLogger

	mu            sync.Mutex
	cond          *sync.Cond
	queue         taskHeap
	seq           uint64
	started       bool
	closed        bool
	activeWorkers int
	processed     uint64
	wg            sync.WaitGroup
}

// NewWorkerPool creates a worker pool; call Start before submitting work
func NewWorkerPool(cfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	wp := &WorkerPool{
		cfg:    cfg,
		logger: pulseLogger{logger.OrNop(log)},
	}
	wp.cond = sync.NewCond(&wp.mu)
	return wp
}

// Start launches the workers
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.started {
		return
	}
	wp.started = true

	wp.logger.Starting("Starting worker pool", "workers", wp.cfg.Workers, "queue_size", wp.cfg.QueueSize)
	for i := 0; i < wp.cfg.Workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Submit queues fn at priority p
func (wp *WorkerPool) Submit(p Priority, fn func()) error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.closed {
		return ErrPoolClosed
	}
	if wp.cfg.QueueSize > 0 && len(wp.queue) >= wp.cfg.QueueSize {
		return ErrQueueFull
	}

	wp.seq++
	heap.Push(&wp.queue, &task{priority: p, seq: wp.seq, run: fn, enqueued: time.Now()})
	wp.cond.Signal()
	return nil
}

// Stop stops accepting work, lets workers drain the queue and waits for them
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if wp.closed {
		wp.mu.Unlock()
		return
	}
	wp.closed = true
	queued := len(wp.queue)
	wp.cond.Broadcast()
	wp.mu.Unlock()

	wp.wg.Wait()
	wp.logger.Closing("Worker pool stopped", "drained", queued)
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		wp.mu.Lock()
		for len(wp.queue) == 0 && !wp.closed {
			wp.cond.Wait()
		}
		if len(wp.queue) == 0 && wp.closed {
			wp.mu.Unlock()
			return
		}
		t := heap.Pop(&wp.queue).(*task)
		wp.activeWorkers++
		wp.mu.Unlock()

		wp.runTask(id, t)

		wp.mu.Lock()
		wp.activeWorkers--
		wp.processed++
		wp.mu.Unlock()
	}
}

// runTask runs one task; a panicking task must not kill the worker
func (wp *WorkerPool) runTask(id int, t *task) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Errorw("Worker task panicked",
				"worker_id", id,
				logger.FieldPriority, t.priority.String(),
				"panic", r)
		}
	}()
	wp.logger.Debugw("Worker picked task",
		"worker_id", id,
		logger.FieldPriority, t.priority.String(),
		"waited_ms", time.Since(t.enqueued).Milliseconds())
	t.run()
}

// Workers returns the configured worker count
func (wp *WorkerPool) Workers() int {
	return wp.cfg.Workers
}
