package workerpool

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/dlc/internal/logging"
)

var log = logging.L("workerpool")

// Job is a cancellable unit of work. The context is cancelled when the job
// is cancelled by id or the pool shuts down.
type Job func(ctx context.Context)

type queued struct {
	id  uint64
	ctx context.Context
	job Job
}

// Pool is a bounded goroutine pool running transfer jobs from a fixed-size
// queue. Every job carries an id so it can be cancelled while queued or
// while running.
type Pool struct {
	maxWorkers int
	queue      chan queued
	wg         sync.WaitGroup
	accepting  atomic.Bool
	stopOnce   sync.Once
	closeOnce  sync.Once
	stopChan   chan struct{}

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu      sync.Mutex
	cancels map[uint64]context.CancelFunc
	active  atomic.Int32
}

// New creates a pool with maxWorkers goroutines and a job queue of queueSize.
func New(maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		maxWorkers: maxWorkers,
		queue:      make(chan queued, queueSize),
		stopChan:   make(chan struct{}),
		rootCtx:    ctx,
		rootCancel: cancel,
		cancels:    make(map[uint64]context.CancelFunc),
	}
	p.accepting.Store(true)

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Debug("transfer pool started", "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Submit enqueues a job under id. Returns false if the pool is stopped or
// the queue is full. wg.Add is called before enqueue to prevent a race with
// Drain.
func (p *Pool) Submit(id uint64, job Job) bool {
	if !p.accepting.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(p.rootCtx)
	p.mu.Lock()
	p.cancels[id] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	select {
	case p.queue <- queued{id: id, ctx: ctx, job: job}:
		return true
	default:
		p.wg.Done()
		p.forget(id)
		cancel()
		log.Warn("transfer pool queue full, job rejected", logging.KeyTaskID, id)
		return false
	}
}

// Cancel cancels the job's context. A queued job still runs but sees a
// cancelled context and is expected to return immediately.
func (p *Pool) Cancel(id uint64) {
	p.mu.Lock()
	cancel, ok := p.cancels[id]
	delete(p.cancels, id)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Active reports the number of jobs currently running.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// StopAccepting prevents new jobs from being submitted.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Shutdown stops accepting, cancels every job and drains the pool.
func (p *Pool) Shutdown(ctx context.Context) {
	p.StopAccepting()
	p.rootCancel()
	p.Drain(ctx)
}

// Drain waits for all in-flight and queued jobs to complete, respecting the
// context deadline. Call StopAccepting first to prevent new submissions.
// After Drain returns, the queue channel is closed so worker goroutines exit.
func (p *Pool) Drain(ctx context.Context) {
	p.StopAccepting()
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug("transfer pool drained")
	case <-ctx.Done():
		log.Warn("transfer pool drain timed out")
	}

	p.closeOnce.Do(func() {
		close(p.queue)
	})
}

func (p *Pool) worker() {
	for {
		select {
		case q, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(q)
		case <-p.stopChan:
			for {
				select {
				case q, ok := <-p.queue:
					if !ok {
						return
					}
					p.run(q)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) forget(id uint64) {
	p.mu.Lock()
	delete(p.cancels, id)
	p.mu.Unlock()
}

// run executes a single job with panic recovery. wg.Done is called here to
// match the wg.Add in Submit.
func (p *Pool) run(q queued) {
	defer p.wg.Done()
	defer p.forget(q.id)
	defer func() {
		if r := recover(); r != nil {
			log.Error("transfer job panicked", logging.KeyTaskID, q.id, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	p.active.Add(1)
	defer p.active.Add(-1)
	q.job(q.ctx)
}
