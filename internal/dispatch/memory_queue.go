package dispatch

import (
	"context"
	"sync"
	"time"
)

type delayedItem struct {
	id  string
	due time.Time
}

// MemoryQueue is an in-process Queue for single-binary runs and tests.
// Nothing survives a restart.
type MemoryQueue struct {
	mu         sync.Mutex
	pending    []string
	processing []string
	delayed    []delayedItem
	signal     chan struct{}
	poll       time.Duration
}

// NewMemoryQueue creates an empty queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		signal: make(chan struct{}, 1),
		poll:   10 * time.Millisecond,
	}
}

func (q *MemoryQueue) Push(ctx context.Context, taskID string) error {
	q.mu.Lock()
	q.pending = append(q.pending, taskID)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *MemoryQueue) PushAfter(ctx context.Context, taskID string, delay time.Duration) error {
	q.mu.Lock()
	q.delayed = append(q.delayed, delayedItem{id: taskID, due: time.Now().Add(delay)})
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Pop(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()

	for {
		if id, ok := q.take(); ok {
			return id, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", ErrEmpty
		case <-q.signal:
		case <-ticker.C:
		}
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, id := range q.processing {
		if id == taskID {
			q.processing = append(q.processing[:i], q.processing[i+1:]...)
			break
		}
	}
	return nil
}

func (q *MemoryQueue) Recover(ctx context.Context) (int, error) {
	q.mu.Lock()
	moved := len(q.processing)
	q.pending = append(q.processing, q.pending...)
	q.processing = nil
	q.mu.Unlock()
	if moved > 0 {
		q.wake()
	}
	return moved, nil
}

// Len returns the number of pending, in-flight and delayed ids
func (q *MemoryQueue) Len() (pending, processing, delayed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.processing), len(q.delayed)
}

// take promotes due delayed ids and pops the oldest pending one
func (q *MemoryQueue) take() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	kept := q.delayed[:0]
	for _, item := range q.delayed {
		if !item.due.After(now) {
			q.pending = append(q.pending, item.id)
		} else {
			kept = append(kept, item)
		}
	}
	q.delayed = kept

	if len(q.pending) == 0 {
		return "", false
	}
	id := q.pending[0]
	q.pending = q.pending[1:]
	q.processing = append(q.processing, id)
	return id, true
}

func (q *MemoryQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

var _ Queue = (*MemoryQueue)(nil)
