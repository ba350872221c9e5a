// Package memory provides the in-process ticket queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/chapterd/internal/download"
)

// ErrClosed is returned once the queue has been closed and drained.
var ErrClosed = download.ErrQueueClosed

// Queue is a bounded in-memory ticket queue with context-aware operations.
type Queue struct {
	ch      chan download.JobTicket
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a queue holding at most capacity waiting tickets.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan download.JobTicket, capacity),
	}
}

// Enqueue pushes a ticket or returns when the context ends.
func (q *Queue) Enqueue(ctx context.Context, ticket download.JobTicket) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- ticket:
		return nil
	}
}

// Dequeue pops the next ticket, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (download.JobTicket, error) {
	select {
	case <-ctx.Done():
		return download.JobTicket{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case ticket, ok := <-q.ch:
		if !ok {
			return download.JobTicket{}, ErrClosed
		}
		return ticket, nil
	}
}

// Len reports how many tickets are waiting.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops intake. Waiting tickets can still be dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
