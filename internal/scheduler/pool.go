package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolStats counts the runs handled by a Pool.
type PoolStats struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolClosed is returned when a run is submitted after Close.
var ErrPoolClosed = errors.New("scheduler pool is closed")

// Pool bounds how many scheduled workflow runs execute at once.
type Pool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	stats  PoolStats
	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewPool creates a pool running at most size jobs concurrently.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Submit starts fn in its own goroutine once a slot is free. It blocks
// while the pool is full and gives up when ctx is cancelled or the pool
// closes.
func (p *Pool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolClosed
	}

	// wg.Add must happen under the lock so Close cannot start waiting
	// between the closed check and the Add.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolClosed
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.stats.Active, 1)
	p.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.stats.Panics, 1)
				atomic.AddInt64(&p.stats.Failed, 1)
			}
			atomic.AddInt64(&p.stats.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.stats.Failed, 1)
			return
		}
		atomic.AddInt64(&p.stats.Completed, 1)
	}()
	return nil
}

// Wait blocks until every submitted run has returned.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close rejects new submissions and waits for the active runs.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Active:    atomic.LoadInt64(&p.stats.Active),
		Completed: atomic.LoadInt64(&p.stats.Completed),
		Failed:    atomic.LoadInt64(&p.stats.Failed),
		Panics:    atomic.LoadInt64(&p.stats.Panics),
	}
}
