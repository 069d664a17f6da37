// Package queue provides the hand-off between connection handlers (many
// producers) and the persistence worker (one consumer).
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sweeney/andon/internal/event"
)

// ErrClosed is returned by Push once the queue has been closed.
var ErrClosed = errors.New("queue: closed")

// Queue is an unbounded FIFO of event.Item. Safe for concurrent use.
// The lock is held only while items are spliced in or out.
type Queue struct {
	mu     sync.Mutex
	items  []event.Item
	head   int // index of the oldest item in items
	closed bool

	// notify holds at most one pending wake-up for the consumer.
	notify chan struct{}
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push appends item to the tail. It never blocks.
func (q *Queue) Push(item event.Item) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
		// A wake-up is already pending.
	}
	return nil
}

// TryPop removes and returns the head, or reports false if the queue is empty.
func (q *Queue) TryPop() (event.Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == len(q.items) {
		return event.Item{}, false
	}
	item := q.items[q.head]
	q.items[q.head] = event.Item{}
	q.head++

	// Reclaim the backing array once drained, or compact when the dead
	// prefix dominates.
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return item, true
}

// Pop waits up to timeout for an item. It returns false when the timeout
// elapses or ctx is done with nothing available.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (event.Item, bool) {
	if item, ok := q.TryPop(); ok {
		return item, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return event.Item{}, false
		case <-timer.C:
			return q.TryPop()
		case <-q.notify:
			if item, ok := q.TryPop(); ok {
				return item, true
			}
		}
	}
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close refuses further pushes. Items still queued stay poppable but are
// otherwise abandoned; nothing drains them on shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
