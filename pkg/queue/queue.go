// Package queue provides the in-process FIFO feeding the async execution
// worker. One item per queued invocation; a full queue rejects instead of
// blocking so the HTTP surface can answer 503 immediately.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/ippoc-labs/ippoc/pkg/envelope"
)

var (
	// ErrQueueFull is returned by Enqueue when the bound is reached.
	ErrQueueFull = errors.New("queue: full")

	// ErrQueueClosed is returned once Close has been called.
	ErrQueueClosed = errors.New("queue: closed")
)

// DefaultCapacity bounds the queue when the caller passes zero.
const DefaultCapacity = 256

// Item pairs a ledger execution id with the envelope to run.
type Item struct {
	ExecutionID string
	Envelope    *envelope.Envelope
}

// Queue is a bounded FIFO drained by a single worker. Enqueue never
// blocks; Dequeue blocks until an item arrives, the queue closes, or the
// context is done.
type Queue struct {
	mu     sync.Mutex
	items  chan Item
	closed bool
}

// New creates a queue with the given capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{items: make(chan Item, capacity)}
}

// Enqueue adds an item without blocking.
func (q *Queue) Enqueue(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.items <- item:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue returns the next item. The second return is false once the
// queue is closed and drained.
func (q *Queue) Dequeue(ctx context.Context) (Item, bool) {
	select {
	case item, ok := <-q.items:
		return item, ok
	case <-ctx.Done():
		return Item{}, false
	}
}

// Len reports the number of queued items.
func (q *Queue) Len() int {
	return len(q.items)
}

// Close stops intake. Items already queued remain readable until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.items)
}
