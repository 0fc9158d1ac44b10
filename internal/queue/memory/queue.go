// Package memory provides the in-process capture queue feeding the ingestion worker.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// ErrClosed is returned once the queue is closed and drained.
var ErrClosed = errors.New("queue closed")

// Queue is an unbounded FIFO of capture handles that also counts handles a consumer has
// dequeued but not yet acknowledged with Done.
type Queue struct {
	mu       sync.Mutex
	items    []crawler.CaptureHandle
	inFlight int
	closed   bool
	// changed is closed and replaced whenever items or closed change.
	changed chan struct{}
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{changed: make(chan struct{})}
}

// Enqueue appends a handle. It never blocks on capacity; ctx is only checked up front.
func (q *Queue) Enqueue(ctx context.Context, h crawler.CaptureHandle) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, h)
	q.broadcastLocked()
	return nil
}

// Dequeue pops the oldest handle, waiting until one is available, the queue is closed and empty,
// or ctx ends. Every successful Dequeue must be paired with a call to Done.
func (q *Queue) Dequeue(ctx context.Context) (crawler.CaptureHandle, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			h := q.items[0]
			q.items[0] = crawler.CaptureHandle{}
			q.items = q.items[1:]
			q.inFlight++
			q.mu.Unlock()
			return h, nil
		}
		if q.closed {
			q.mu.Unlock()
			return crawler.CaptureHandle{}, ErrClosed
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return crawler.CaptureHandle{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-wait:
		}
	}
}

// Done acknowledges a handle returned by Dequeue.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight > 0 {
		q.inFlight--
	}
}

// Pending returns queued plus in-flight handles.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + q.inFlight
}

// Len returns the number of queued handles not yet dequeued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops new enqueues. Queued handles can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
