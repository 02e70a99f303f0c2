// internal/pool/pool.go
package pool

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// ErrClosed is returned by Submit after Shutdown.
var ErrClosed = errors.New("worker pool is shut down")

// ErrQueueFull is returned by Submit when the backlog is at capacity.
var ErrQueueFull = errors.New("worker pool queue is full")

// Task is one unit of work. For the game server a task serves one connection
// for its whole lifetime.
type Task func() error

// Pool is a fixed set of long-lived workers pulling tasks from a FIFO queue.
// A failing or panicking task is logged and the worker goes back to the queue.
type Pool struct {
	tasks  chan Task
	quit   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
	once   sync.Once
	active atomic.Int32
}

// New starts size workers sharing a queue that holds up to queueSize pending tasks.
func New(size, queueSize int) *Pool {
	if size < 1 {
		size = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &Pool{
		tasks: make(chan Task, queueSize),
		quit:  make(chan struct{}),
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker(i)
	}
	return p
}

// Submit enqueues t without blocking.
func (p *Pool) Submit(t Task) error {
	if p.closed.Load() {
		return ErrClosed
	}
	select {
	case p.tasks <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Active reports how many workers are currently running a task.
func (p *Pool) Active() int { return int(p.active.Load()) }

// Pending reports how many tasks are waiting for a worker.
func (p *Pool) Pending() int { return len(p.tasks) }

// Shutdown stops workers from taking new tasks. Tasks already running are not
// interrupted; with wait set, Shutdown blocks until they return.
func (p *Pool) Shutdown(wait bool) {
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.quit)
	})
	if wait {
		p.wg.Wait()
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		// Check quit first so a closed pool never starts queued work.
		select {
		case <-p.quit:
			return
		default:
		}
		select {
		case <-p.quit:
			return
		case t := <-p.tasks:
			p.run(id, t)
		}
	}
}

func (p *Pool) run(id int, t Task) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"worker": id,
				"panic":  fmt.Sprint(r),
			}).Errorf("task panicked\n%s", debug.Stack())
		}
	}()
	if err := t(); err != nil {
		log.WithField("worker", id).Warnf("task failed: %v", err)
	}
}
