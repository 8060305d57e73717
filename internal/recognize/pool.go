package recognize

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	// ErrBusy is returned by Submit when the pool is at capacity
	ErrBusy = errors.New("worker pool busy")
	// ErrClosed is returned by Submit after Stop
	ErrClosed = errors.New("worker pool closed")
)

// Pool runs tasks on a fixed set of workers. Capacity bounds queued plus
// running tasks; Submit never blocks.
type Pool struct {
	name     string
	capacity int
	tasks    chan func()
	logger   *slog.Logger

	pending  atomic.Int32 // queued + running
	running  atomic.Int32
	rejected atomic.Int64

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewPool(name string, workers, capacity int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	p := &Pool{
		name:     name,
		capacity: capacity,
		tasks:    make(chan func(), capacity),
		logger:   logger.With("pool", name),
	}
	for w := 0; w < workers; w++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		p.running.Add(1)
		p.run(task)
		p.running.Add(-1)
		p.pending.Add(-1)
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "panic", r)
		}
	}()
	task()
}

// Submit queues task or fails fast with ErrBusy / ErrClosed.
func (p *Pool) Submit(task func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	if int(p.pending.Add(1)) > p.capacity {
		p.pending.Add(-1)
		p.rejected.Add(1)
		return ErrBusy
	}
	// pending <= capacity == cap(tasks), so this never blocks
	p.tasks <- task
	return nil
}

// Pending returns the number of queued and running tasks
func (p *Pool) Pending() int { return int(p.pending.Load()) }

func (p *Pool) Running() int { return int(p.running.Load()) }

// Rejected returns how many submissions failed with ErrBusy
func (p *Pool) Rejected() int64 { return p.rejected.Load() }

// Stop refuses new tasks, lets queued ones drain and waits for the workers.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}
