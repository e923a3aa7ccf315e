// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// WorkerPool bounds how many fan-out and mutation calls run at once across
// the whole relay. A nil or unbounded pool runs every task immediately.
type WorkerPool struct {
	sem *semaphore.Weighted
}

// NewWorkerPool creates a pool running at most size tasks concurrently.
// A size of 0 or less means unbounded.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		return &WorkerPool{}
	}
	return &WorkerPool{sem: semaphore.NewWeighted(int64(size))}
}

// Go runs each task on its own goroutine and returns a channel that is
// closed once all of them returned. Tasks that cannot get a slot before ctx
// is done are skipped.
func (p *WorkerPool) Go(ctx context.Context, tasks []func(context.Context)) <-chan struct{} {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(len(tasks))
	for _, task := range tasks {
		go func() {
			defer wg.Done()
			if p != nil && p.sem != nil {
				if err := p.sem.Acquire(ctx, 1); err != nil {
					return
				}
				defer p.sem.Release(1)
			}
			task(ctx)
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// closedChan is returned by operations that started no tasks.
var closedChan = func() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()
