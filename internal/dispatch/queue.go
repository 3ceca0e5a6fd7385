package dispatch

import (
	"context"
	"sync"
)

// Queue carries run ids between submission and execution.
type Queue interface {
	Enqueue(runID string)
	// Dequeue blocks until an id is available or the context is done.
	Dequeue(ctx context.Context) (string, error)
	// TryDequeue returns immediately; ok is false when the queue is empty.
	TryDequeue() (string, bool)
	Len() int
}

// MemoryQueue is an in-process FIFO queue. Delivery is at-least-once: an id
// handed to a worker that crashes is recoverable through the run ledger,
// never through the queue itself. Enqueueing an id that is already waiting
// is a no-op, so ledger recovery can re-submit freely.
type MemoryQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []string
	pending map[string]struct{}
}

func NewMemoryQueue() *MemoryQueue {
	q := &MemoryQueue{pending: map[string]struct{}{}}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *MemoryQueue) Enqueue(runID string) {
	q.mu.Lock()
	if _, ok := q.pending[runID]; ok {
		q.mu.Unlock()
		return
	}
	q.pending[runID] = struct{}{}
	q.items = append(q.items, runID)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *MemoryQueue) TryDequeue() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", false
	}
	id := q.items[0]
	q.items = q.items[1:]
	delete(q.pending, id)
	return id, true
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (string, error) {
	// Wake the cond wait when the context ends.
	stop := context.AfterFunc(ctx, func() {
		q.cond.Broadcast()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		q.cond.Wait()
	}
	id := q.items[0]
	q.items = q.items[1:]
	delete(q.pending, id)
	return id, nil
}

func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
