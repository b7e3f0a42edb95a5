// Package workpool provides the bounded worker pool shared by pathfinding
// and route sequencing.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

const (
	DefaultWorkers = 4
	MaxWorkers     = 16
)

var ErrClosed = errors.New("workpool: pool is shut down")

// Pool runs submitted jobs on a fixed set of goroutines until Shutdown.
type Pool struct {
	jobs    chan func()
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	workers int
}

// New starts a pool with the given number of workers (1..MaxWorkers).
func New(workers int) (*Pool, error) {
	if workers < 1 || workers > MaxWorkers {
		return nil, fmt.Errorf("workpool: workers must be in [1,%d], got %d", MaxWorkers, workers)
	}
	p := &Pool{jobs: make(chan func()), workers: workers}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.loop()
	}
	return p, nil
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for fn := range p.jobs {
		fn()
	}
}

func (p *Pool) Size() int { return p.workers }

// Submit hands fn to an idle worker, blocking until one accepts it or ctx ends.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.jobs <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes fn(0..n-1) on the pool and waits for every accepted job.
// Indices that could not be submitted are passed to skipped; it may be nil.
func (p *Pool) Run(ctx context.Context, n int, fn func(i int), skipped func(i int)) error {
	var wg sync.WaitGroup
	var firstErr error
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		err := p.Submit(ctx, func() {
			defer wg.Done()
			fn(i)
		})
		if err != nil {
			wg.Done()
			if firstErr == nil {
				firstErr = err
			}
			if skipped != nil {
				skipped(i)
			}
		}
	}
	wg.Wait()
	return firstErr
}

// Shutdown stops accepting work and joins the workers after queued jobs finish.
// It is safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.wg.Wait()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}
