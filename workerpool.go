package xframe

import (
	"sync"
	"sync/atomic"
)

type job func()

// WorkerPool runs submitted jobs on a fixed set of goroutines. With one
// worker jobs run strictly in submission order.
type WorkerPool struct {
	mu     sync.RWMutex
	queue  chan job
	wg     sync.WaitGroup
	closed atomic.Bool
	panics atomic.Uint64
}

func NewWorkerPool(size int) *WorkerPool {
	return NewWorkerPoolWithQueue(size, 1024)
}

func NewWorkerPoolWithQueue(size int, queueSize int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if queueSize <= 0 {
		queueSize = 1024
	}

	p := &WorkerPool{
		queue: make(chan job, queueSize),
	}

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		p.run(j)
	}
}

func (p *WorkerPool) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
		}
	}()
	j()
}

// Submit enqueues j, blocking while the queue is full.
func (p *WorkerPool) Submit(j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.queue <- j
	return nil
}

// TrySubmit enqueues j without blocking.
func (p *WorkerPool) TrySubmit(j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed.Load() {
		return ErrPoolClosed
	}
	select {
	case p.queue <- j:
		return nil
	default:
		return ErrPoolFull
	}
}

// Close stops accepting jobs. Queued jobs still run.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.CompareAndSwap(false, true) {
		close(p.queue)
	}
}

// Shutdown closes the pool and waits for queued jobs to finish. It must
// not be called from a job.
func (p *WorkerPool) Shutdown() {
	p.Close()
	p.wg.Wait()
}

// Panics reports how many jobs panicked.
func (p *WorkerPool) Panics() uint64 { return p.panics.Load() }
