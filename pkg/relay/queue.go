// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrQueueClosed is returned when pushing to a closed Queue.
var ErrQueueClosed = errors.New("queue closed")

// Queue is a bounded FIFO between an adapter goroutine and a single
// consumer. When full, Push discards the oldest element to make room and
// PushWait blocks until there is room.
type Queue[T any] struct {
	items   chan T
	done    chan struct{}
	pushMu  sync.Mutex
	closed  atomic.Bool
	dropped atomic.Int64
	onDrop  func()
}

// NewQueue creates a queue holding up to size elements. Sizes below 1 are
// raised to 1.
func NewQueue[T any](size int, onDrop func()) *Queue[T] {
	if size < 1 {
		size = 1
	}
	return &Queue[T]{
		items:  make(chan T, size),
		done:   make(chan struct{}),
		onDrop: onDrop,
	}
}

// Push enqueues v without blocking. It reports whether an older element had
// to be discarded.
func (q *Queue[T]) Push(v T) (dropped bool, err error) {
	if q.closed.Load() {
		return false, ErrQueueClosed
	}
	q.pushMu.Lock()
	defer q.pushMu.Unlock()
	for {
		select {
		case q.items <- v:
			return dropped, nil
		default:
		}
		select {
		case <-q.items:
			dropped = true
			q.dropped.Add(1)
			if q.onDrop != nil {
				q.onDrop()
			}
		default:
		}
	}
}

// PushWait enqueues v, blocking while the queue is full. It returns
// ErrQueueClosed if the queue is closed before v was accepted.
func (q *Queue[T]) PushWait(v T) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case q.items <- v:
		return nil
	case <-q.done:
		return ErrQueueClosed
	}
}

// Pop blocks until an element is available, the queue is closed or ctx is
// done.
func (q *Queue[T]) Pop(ctx context.Context) (T, bool) {
	var zero T
	select {
	case v := <-q.items:
		return v, true
	case <-q.done:
		return zero, false
	case <-ctx.Done():
		return zero, false
	}
}

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int {
	return len(q.items)
}

// Dropped returns how many elements were discarded on overflow.
func (q *Queue[T]) Dropped() int64 {
	return q.dropped.Load()
}

// Close stops the consumer. Queued elements are discarded.
func (q *Queue[T]) Close() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.done)
	}
}
