package engine

import (
	"context"
	"sync"
	"time"
)

// Throttle remembers, per external account, the instant before which no
// external call may be made. It outlives a single connection so that a rate
// limit also holds across reconnects and across consecutive tasks.
type Throttle interface {
	NotBefore(ctx context.Context, accountID string) (time.Time, error)
	// Defer moves the instant to until unless a later one is already stored
	Defer(ctx context.Context, accountID string, until time.Time) error
}

// MemoryThrottle is a process-local Throttle
type MemoryThrottle struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func NewMemoryThrottle() *MemoryThrottle {
	return &MemoryThrottle{until: make(map[string]time.Time)}
}

func (t *MemoryThrottle) NotBefore(ctx context.Context, accountID string) (time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.until[accountID], nil
}

func (t *MemoryThrottle) Defer(ctx context.Context, accountID string, until time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if until.After(t.until[accountID]) {
		t.until[accountID] = until
	}
	return nil
}

var _ Throttle = (*MemoryThrottle)(nil)
