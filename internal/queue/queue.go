// Package queue implements the bounded in-process work queue (C2): a
// many-producer single-consumer FIFO of conversation identifiers with
// non-blocking offer and blocking take, per spec.md §4.2.
//
// This is the single seam (§9) between the in-process deployment and a
// shared-broker one: any replacement need only satisfy this same
// offer/take/depth/close contract.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Take once Close has been called and the queue is
// drained.
var ErrClosed = errors.New("queue: closed")

// Queue is a bounded FIFO of conversation identifiers.
type Queue struct {
	ch        chan string
	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Queue with the given capacity (MAX_QUEUE_DEPTH).
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:     make(chan string, capacity),
		closed: make(chan struct{}),
	}
}

// Offer attempts to enqueue id without blocking. It returns true if
// accepted, false if the queue is full (P3) or closed.
func (q *Queue) Offer(id string) bool {
	select {
	case <-q.closed:
		return false
	default:
	}

	select {
	case q.ch <- id:
		return true
	default:
		return false
	}
}

// Take blocks until an item is available or the queue is closed, in which
// case it returns ErrClosed once drained. ctx cancellation also unblocks
// Take, returning ctx.Err().
func (q *Queue) Take(ctx context.Context) (string, error) {
	select {
	case id, ok := <-q.ch:
		if !ok {
			return "", ErrClosed
		}
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Depth returns the current number of queued, unprocessed items.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Capacity returns MAX_QUEUE_DEPTH.
func (q *Queue) Capacity() int {
	return cap(q.ch)
}

// Close unblocks any waiting Take calls (used during shutdown, §5). Once
// closed, Offer always returns false. Close is idempotent.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
		close(q.ch)
	})
}
