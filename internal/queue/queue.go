// Package queue provides an unbounded FIFO channel adapter.
//
// Producers never block on Push, which lets an event loop hand values to a
// slower consumer without stalling and without dropping anything.
package queue

import "sync"

// Queue is an unbounded FIFO between any number of producers and a single
// consumer reading from Out.
type Queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
	out    chan T
}

// New creates a queue and starts its pump goroutine.
func New[T any]() *Queue[T] {
	q := &Queue[T]{
		notify: make(chan struct{}, 1),
		out:    make(chan T),
	}
	go q.run()
	return q
}

// Push appends v. Returns false if the queue has been closed.
func (q *Queue[T]) Push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Out returns the consumer side. It is closed once the queue is closed and
// every pending value has been delivered.
func (q *Queue[T]) Out() <-chan T {
	return q.out
}

// Len returns the number of values waiting for the consumer.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting values. Pending values are still delivered.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue[T]) run() {
	defer close(q.out)

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.notify
			continue
		}
		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		q.out <- v
	}
}
