// Package dispatch moves task ids from submission to exactly one worker at a
// time and guards each external account with an exclusivity lock.
package dispatch

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by Pop when nothing arrived before the timeout
var ErrEmpty = errors.New("queue is empty")

// Queue is an at-least-once work queue. A popped id stays in flight until
// Ack; Recover hands in-flight ids of a crashed consumer out again.
type Queue interface {
	Push(ctx context.Context, taskID string) error
	PushAfter(ctx context.Context, taskID string, delay time.Duration) error
	Pop(ctx context.Context, timeout time.Duration) (string, error)
	Ack(ctx context.Context, taskID string) error
	Recover(ctx context.Context) (int, error)
}
