package dsp

import (
	"context"
	"log"
	"sync"
	"time"
)

type task struct {
	run  func() error
	done chan error // buffered; a worker's send never blocks on an absent caller
}

// Pool runs blocking, CPU-heavy work on a fixed set of worker goroutines so
// it never stalls the goroutines coordinating sessions and jobs. The pending
// queue is bounded: a full queue surfaces as ErrPoolBusy, and a result that
// takes longer than the wait bound surfaces as ErrTimeout while the task
// itself runs to completion and its result is discarded.
type Pool struct {
	workers int
	tasks   chan task
	wait    time.Duration
}

// NewPool creates a pool with the given worker count, pending-queue depth and
// per-call wait bound.
func NewPool(workers, depth int, wait time.Duration) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		workers: workers,
		tasks:   make(chan task, depth),
		wait:    wait,
	}
}

// Run starts the workers and blocks until ctx is cancelled and they drain.
// A task already picked up finishes; tasks still queued at shutdown are
// abandoned and their callers see the context error or a timeout.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-p.tasks:
					t.done <- t.run()
				}
			}
		}()
	}
	wg.Wait()
}

// Do submits fn and waits for its result. Returns ErrPoolBusy when the
// pending queue is full, ErrTimeout when the wait bound elapses, or the
// error fn returned.
func (p *Pool) Do(ctx context.Context, fn func() error) error {
	t := task{run: fn, done: make(chan error, 1)}

	select {
	case p.tasks <- t:
	default:
		return ErrPoolBusy
	}

	timer := time.NewTimer(p.wait)
	defer timer.Stop()

	select {
	case err := <-t.done:
		return err
	case <-timer.C:
		log.Printf("Pool: task exceeded %v wait bound, result discarded", p.wait)
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
