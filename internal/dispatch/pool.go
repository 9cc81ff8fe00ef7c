package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mixelka/devmonkey/internal/database"
	"github.com/mixelka/devmonkey/internal/engine"
	"github.com/mixelka/devmonkey/pkg/models"
)

// ErrNotPending is returned by Enqueue for tasks that already started or finished
var ErrNotPending = errors.New("task is not pending")

// TaskStore is the part of the record store dispatching needs
type TaskStore interface {
	CreateTask(ctx context.Context, accountID string, params models.TaskParams, notifyChatID int64) (*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	RecoverableTasks(ctx context.Context) ([]*models.Task, error)
}

// Executor runs one claimed task; implemented by *engine.Engine
type Executor interface {
	Execute(ctx context.Context, taskID string) (engine.Outcome, error)
}

// Dispatcher is the submission side: it records tasks and queues their ids
type Dispatcher struct {
	tasks  TaskStore
	queue  Queue
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(tasks TaskStore, queue Queue, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		tasks:  tasks,
		queue:  queue,
		logger: logger.With("component", "dispatcher"),
	}
}

// Submit creates a pending task and queues it
func (d *Dispatcher) Submit(ctx context.Context, accountID string, params models.TaskParams, notifyChatID int64) (*models.Task, error) {
	task, err := d.tasks.CreateTask(ctx, accountID, params, notifyChatID)
	if err != nil {
		return nil, err
	}
	if err := d.queue.Push(ctx, task.ID); err != nil {
		return task, err
	}

	d.logger.Info("task submitted", "task_id", task.ID, "account_id", accountID, "kind", task.Kind)
	return task, nil
}

// Enqueue queues an existing pending task
func (d *Dispatcher) Enqueue(ctx context.Context, taskID string) error {
	task, err := d.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskPending {
		return fmt.Errorf("%w: %s is %s", ErrNotPending, taskID, task.Status)
	}
	return d.queue.Push(ctx, taskID)
}

// PoolConfig worker pool settings
type PoolConfig struct {
	Workers        int
	PopTimeout     time.Duration
	RequeueBackoff time.Duration
	LockTTL        time.Duration
}

// Pool runs workers that pop task ids and execute them under the account lock
type Pool struct {
	cfg    PoolConfig
	tasks  TaskStore
	queue  Queue
	locker Locker
	exec   Executor
	logger *slog.Logger
}

// NewPool creates a worker pool
func NewPool(cfg PoolConfig, tasks TaskStore, queue Queue, locker Locker, exec Executor, logger *slog.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = 5 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}

	return &Pool{
		cfg:    cfg,
		tasks:  tasks,
		queue:  queue,
		locker: locker,
		exec:   exec,
		logger: logger.With("component", "pool"),
	}
}

// Run recovers unfinished work and runs the workers until ctx is cancelled
func (p *Pool) Run(ctx context.Context) error {
	if err := p.Recover(ctx); err != nil {
		return err
	}

	p.logger.Info("starting workers", "workers", p.cfg.Workers)

	live, tracked := p.queue.(consumer)

	g, gctx := errgroup.WithContext(ctx)
	if tracked {
		g.Go(func() error {
			live.KeepAlive(gctx, p.logger)
			return nil
		})
	}
	for i := 0; i < p.cfg.Workers; i++ {
		logger := p.logger.With("worker", i)
		g.Go(func() error {
			p.work(gctx, logger)
			return nil
		})
	}

	err := g.Wait()
	if tracked {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		moved, releaseErr := live.Release(releaseCtx)
		if releaseErr != nil {
			p.logger.Error("failed to hand back in-flight tasks", "error", releaseErr)
		} else if moved > 0 {
			p.logger.Info("handed back in-flight tasks", "count", moved)
		}
	}
	p.logger.Info("workers stopped")
	return err
}

// consumer is implemented by queues that track the liveness of their
// consumers; the pool keeps itself registered while it runs
type consumer interface {
	KeepAlive(ctx context.Context, logger *slog.Logger)
	Release(ctx context.Context) (int, error)
}

// Recover hands back ids left in flight by a crashed worker and queues every
// task that never reached a terminal state. Duplicates are harmless: terminal
// tasks are dropped and the account lock serializes the rest.
func (p *Pool) Recover(ctx context.Context) error {
	moved, err := p.queue.Recover(ctx)
	if err != nil {
		return err
	}

	tasks, err := p.tasks.RecoverableTasks(ctx)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if err := p.queue.Push(ctx, task.ID); err != nil {
			return err
		}
	}

	if moved > 0 || len(tasks) > 0 {
		p.logger.Info("recovered unfinished tasks", "in_flight", moved, "unfinished", len(tasks))
	}
	return nil
}

func (p *Pool) work(ctx context.Context, logger *slog.Logger) {
	for ctx.Err() == nil {
		taskID, err := p.queue.Pop(ctx, p.cfg.PopTimeout)
		switch {
		case errors.Is(err, ErrEmpty):
			continue
		case ctx.Err() != nil:
			return
		case err != nil:
			logger.Error("failed to pop task", "error", err)
			// Avoid spinning on a broken queue backend
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		p.process(ctx, taskID, logger.With("task_id", taskID))
	}
}

// process handles one delivery. The id is acked unless the worker is
// shutting down, in which case it is handed back on release or by Recover.
func (p *Pool) process(ctx context.Context, taskID string, logger *slog.Logger) {
	task, err := p.tasks.GetTask(ctx, taskID)
	switch {
	case errors.Is(err, database.ErrNotFound):
		logger.Warn("dropping unknown task")
		p.ack(ctx, taskID, logger)
		return
	case err != nil:
		logger.Error("failed to load task", "error", err)
		p.requeue(ctx, taskID, logger)
		return
	case task.Status.Terminal():
		logger.Debug("dropping finished task", "status", task.Status)
		p.ack(ctx, taskID, logger)
		return
	}

	key := AccountKey(task.AccountID)
	lock, err := p.locker.Acquire(ctx, key, p.cfg.LockTTL)
	if errors.Is(err, ErrLockHeld) {
		logger.Debug("account busy, requeueing", "account_id", task.AccountID, "backoff", p.cfg.RequeueBackoff)
		p.requeue(ctx, taskID, logger)
		return
	}
	if err != nil {
		logger.Error("failed to acquire account lock", "error", err)
		p.requeue(ctx, taskID, logger)
		return
	}

	outcome, err := p.runLocked(ctx, task, lock, logger)

	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := lock.Release(releaseCtx); err != nil {
		logger.Warn("failed to release account lock", "error", err)
	}

	switch {
	case ctx.Err() != nil:
		logger.Info("shutdown during task, leaving it for recovery")
		return
	case outcome == engine.OutcomeInterrupted:
		// Lock lost mid-run; try again once the account is free
		p.requeue(ctx, taskID, logger)
		return
	case errors.Is(err, database.ErrConflict):
		logger.Info("task not claimable", "error", err)
		if current, getErr := p.tasks.GetTask(ctx, taskID); getErr == nil && !current.Status.Terminal() {
			p.requeue(ctx, taskID, logger)
			return
		}
	case err != nil:
		logger.Error("task execution error", "error", err)
	}

	p.ack(ctx, taskID, logger)
}

// runLocked executes the task while keeping the lock alive. Losing the lock
// cancels the execution so two workers never drive one account.
func (p *Pool) runLocked(ctx context.Context, task *models.Task, lock Lock, logger *slog.Logger) (engine.Outcome, error) {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(p.cfg.LockTTL / 3)
		defer ticker.Stop()

		for {
			select {
			case <-execCtx.Done():
				return
			case <-ticker.C:
				if err := lock.Refresh(execCtx, p.cfg.LockTTL); err != nil {
					if execCtx.Err() != nil {
						return
					}
					logger.Error("lost account lock, stopping task", "error", err)
					cancel()
					return
				}
			}
		}
	}()

	outcome, err := p.exec.Execute(execCtx, task.ID)
	cancel()
	wg.Wait()
	return outcome, err
}

func (p *Pool) requeue(ctx context.Context, taskID string, logger *slog.Logger) {
	if err := p.queue.PushAfter(ctx, taskID, p.cfg.RequeueBackoff); err != nil {
		logger.Error("failed to requeue task", "error", err)
		return
	}
	p.ack(ctx, taskID, logger)
}

func (p *Pool) ack(ctx context.Context, taskID string, logger *slog.Logger) {
	if err := p.queue.Ack(context.WithoutCancel(ctx), taskID); err != nil {
		logger.Error("failed to ack task", "error", err)
	}
}
