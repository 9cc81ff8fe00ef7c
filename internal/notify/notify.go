// Package notify pushes best-effort task state changes to observers.
package notify

import (
	"context"

	"github.com/mixelka/devmonkey/pkg/models"
)

// Notifier informs an observer that a task changed state. Delivery is not
// guaranteed; implementations log failures instead of returning them.
type Notifier interface {
	TaskChanged(ctx context.Context, observer int64, task *models.Task)
}

// Nop drops every notification
type Nop struct{}

func (Nop) TaskChanged(context.Context, int64, *models.Task) {}
