package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// PoolStats is a snapshot of worker pool counters.
type PoolStats struct {
	Size     int64 `json:"size"`
	Running  int64 `json:"running"`
	Finished int64 `json:"finished"`
	Failed   int64 `json:"failed"`
	Panicked int64 `json:"panicked"`
}

// ErrPoolClosed is returned when work is submitted to a closed pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// WorkerPool bounds the number of workflow instances driven at once.
type WorkerPool struct {
	size   int64
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	quit   context.Context
	stop   context.CancelFunc

	running, finished, failed, panicked atomic.Int64
}

// NewWorkerPool creates a pool running at most size jobs concurrently.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	quit, stop := context.WithCancel(context.Background())
	return &WorkerPool{
		size:   int64(size),
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logger,
		quit:   quit,
		stop:   stop,
	}
}

// Submit waits for a free slot and runs fn on its own goroutine. It blocks
// while the pool is full and gives up when ctx ends or the pool closes.
func (p *WorkerPool) Submit(ctx context.Context, name string, fn func() error) error {
	if p.isClosed() {
		return ErrPoolClosed
	}
	acquire, cancel := context.WithCancel(ctx)
	defer cancel()
	unlink := context.AfterFunc(p.quit, cancel)
	defer unlink()
	if err := p.sem.Acquire(acquire, 1); err != nil {
		if p.isClosed() {
			return ErrPoolClosed
		}
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.running.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panicked.Add(1)
				p.failed.Add(1)
				p.logger.Error("pool job panicked", slog.String("job", name), slog.String("panic", fmt.Sprint(r)))
			}
			p.running.Add(-1)
			p.sem.Release(1)
			p.wg.Done()
		}()
		if err := fn(); err != nil {
			p.failed.Add(1)
			p.logger.Warn("pool job failed", slog.String("job", name), slog.String("error", err.Error()))
			return
		}
		p.finished.Add(1)
	}()
	return nil
}

func (p *WorkerPool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Wait blocks until every submitted job returned.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Close rejects new work and waits for running jobs.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.stop()
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns the current counters.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Size:     p.size,
		Running:  p.running.Load(),
		Finished: p.finished.Load(),
		Failed:   p.failed.Load(),
		Panicked: p.panicked.Load(),
	}
}
