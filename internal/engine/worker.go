package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// Task is one node attempt sequence run by the pool.
type Task func(ctx context.Context) error

// PoolStats counts what a pool has run.
type PoolStats struct {
	Running   int   `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool runs node tasks on at most size goroutines and remembers which
// nodes are currently in flight.
type WorkerPool struct {
	size    int
	slots   chan struct{}
	onPanic func(nodeID string, recovered any)

	mu      sync.Mutex
	wg      sync.WaitGroup
	running map[string]struct{}
	stats   PoolStats
	closing chan struct{}
	closed  bool
}

// NewWorkerPool creates a pool bounded to size concurrent nodes. onPanic, if
// set, receives values recovered from panicking tasks.
func NewWorkerPool(size int, onPanic func(nodeID string, recovered any)) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{
		size:    size,
		slots:   make(chan struct{}, size),
		onPanic: onPanic,
		running: make(map[string]struct{}, size),
		closing: make(chan struct{}),
	}
}

// Size returns the pool's concurrency bound.
func (p *WorkerPool) Size() int { return p.size }

// Submit runs task for nodeID on a pool goroutine. It waits for a free slot
// and gives up when ctx is cancelled or the pool shuts down.
func (p *WorkerPool) Submit(ctx context.Context, nodeID string, task Task) error {
	select {
	case <-p.closing:
		return ErrPoolShutdown
	default:
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closing:
		return ErrPoolShutdown
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.running[nodeID] = struct{}{}
	p.stats.Running++
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(ctx, nodeID, task)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, nodeID string, task Task) {
	var err error
	panicked := false
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			if p.onPanic != nil {
				p.onPanic(nodeID, r)
			}
		}
		p.mu.Lock()
		delete(p.running, nodeID)
		p.stats.Running--
		switch {
		case panicked:
			p.stats.Panics++
			p.stats.Failed++
		case err != nil:
			p.stats.Failed++
		default:
			p.stats.Completed++
		}
		p.mu.Unlock()
		<-p.slots
		p.wg.Done()
	}()
	err = task(ctx)
}

// Running returns the IDs of the nodes in flight, sorted.
func (p *WorkerPool) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.running))
	for id := range p.running {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Wait blocks until every submitted task has returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown refuses new submissions and waits for running tasks.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.closing)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns a snapshot of the pool counters.
func (p *WorkerPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
