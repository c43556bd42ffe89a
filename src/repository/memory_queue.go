package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an in-process stand-in for the Redis queue, used when no
// Redis URL is configured.
type MemoryQueue struct {
	ch chan uuid.UUID
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	return &MemoryQueue{ch: make(chan uuid.UUID, size)}
}

// Enqueue blocks while the queue is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, id uuid.UUID) error {
	select {
	case q.ch <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (uuid.UUID, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case id := <-q.ch:
		return id, nil
	case <-timer.C:
		return uuid.Nil, ErrQueueEmpty
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
}
