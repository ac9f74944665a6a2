package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrPoolFull is returned by TrySubmit when the job buffer is full.
var ErrPoolFull = errors.New("worker pool queue is full")

// Handler executes one task. It must honour ctx cancellation.
type Handler[T any, R any] func(ctx context.Context, task T) R

// Pool is a generic bounded worker pool. Results are delivered on a single channel
// in completion order, so one consumer can own all state updates.
type Pool[T any, R any] struct {
	workerCount int
	poolName    string // For logging
	handler     Handler[T, R]

	jobChan    chan T
	resultChan chan R
}

// NewPool creates a new generic worker pool
func NewPool[T any, R any](workerCount int, poolName string, queueSize int, handler Handler[T, R]) *Pool[T, R] {
	if workerCount < 1 {
		workerCount = 1
	}
	return &Pool[T, R]{
		workerCount: workerCount,
		poolName:    poolName,
		handler:     handler,
		jobChan:     make(chan T, queueSize),
		resultChan:  make(chan R, queueSize),
	}
}

// Start begins the worker pool (call once at startup)
func (p *Pool[T, R]) Start(ctx context.Context) {
	slog.Info("Starting workers", "component", "WorkerPool", "pool", p.poolName, "count", p.workerCount)

	var wg sync.WaitGroup
	for i := 0; i < p.workerCount; i++ {
		wg.Add(1)
		go p.worker(ctx, i, &wg)
	}

	// Wait for all workers to finish when context is done
	go func() {
		wg.Wait()
		close(p.resultChan)
		slog.Info("All workers stopped", "component", "WorkerPool", "pool", p.poolName)
	}()
}

// Submit queues a task, blocking while the buffer is full.
func (p *Pool[T, R]) Submit(ctx context.Context, task T) error {
	select {
	case p.jobChan <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit queues a task without blocking.
func (p *Pool[T, R]) TrySubmit(task T) error {
	select {
	case p.jobChan <- task:
		return nil
	default:
		return ErrPoolFull
	}
}

// Results returns the channel for receiving results
func (p *Pool[T, R]) Results() <-chan R {
	return p.resultChan
}

// worker processes jobs continuously
func (p *Pool[T, R]) worker(ctx context.Context, id int, wg *sync.WaitGroup) {
	defer wg.Done()
	slog.Debug("Worker started", "component", "WorkerPool", "pool", p.poolName, "worker", id)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Worker stopping", "component", "WorkerPool", "pool", p.poolName, "worker", id)
			return

		case task := <-p.jobChan:
			result := p.handler(ctx, task)
			select {
			case p.resultChan <- result:
			case <-ctx.Done():
				return
			}
		}
	}
}
