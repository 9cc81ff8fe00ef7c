// Package engine executes automation tasks against an external account.
//
// Execute assumes the caller holds the account's exclusivity right. It claims
// the task, connects, runs the kind-specific routine from the task's resume
// point and records exactly one terminal transition.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/mixelka/devmonkey/internal/config"
	"github.com/mixelka/devmonkey/internal/database"
	"github.com/mixelka/devmonkey/internal/notify"
	"github.com/mixelka/devmonkey/internal/remote"
	"github.com/mixelka/devmonkey/internal/secret"
	"github.com/mixelka/devmonkey/pkg/models"
)

// errCancelled the task left the running state while the routine was working
var errCancelled = errors.New("task cancelled")

// Store is the part of the record store the engine needs
type Store interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ClaimTask(ctx context.Context, id string) (*models.Task, error)
	Checkpoint(ctx context.Context, id string, progress, unitsDone int, partial any) error
	AppendError(ctx context.Context, id, text string) error
	CompleteTask(ctx context.Context, id string, result any) error
	FailTask(ctx context.Context, id, text string) error

	GetAccountByID(ctx context.Context, id string) (*models.ExternalAccount, error)
	UpdateAccountProfile(ctx context.Context, id string, p models.EditProfileParams) error
	SetAccountStatus(ctx context.Context, id string, status models.AccountStatus) error
}

// Range bounds of a randomized delay
type Range struct {
	Min, Max time.Duration
}

// Config engine settings
type Config struct {
	HardLimit           time.Duration
	SoftLimit           time.Duration
	ReconnectAttempts   int
	ReconnectDelay      time.Duration
	JoinDelay           Range
	WarmupJoinDelay     Range
	WarmupIdleDelay     Range
	WarmupErrorCooldown time.Duration
}

// ConfigFrom maps application configuration to engine settings
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		HardLimit:           cfg.TaskHardLimit,
		SoftLimit:           cfg.TaskSoftLimit,
		ReconnectAttempts:   cfg.ReconnectAttempts,
		ReconnectDelay:      cfg.ReconnectDelay,
		JoinDelay:           Range{cfg.JoinDelayMin, cfg.JoinDelayMax},
		WarmupJoinDelay:     Range{cfg.WarmupJoinDelayMin, cfg.WarmupJoinDelayMax},
		WarmupIdleDelay:     Range{cfg.WarmupIdleDelayMin, cfg.WarmupIdleDelayMax},
		WarmupErrorCooldown: cfg.WarmupErrorCooldown,
	}
}

// Engine runs tasks
type Engine struct {
	cfg      Config
	store    Store
	factory  remote.Factory
	box      *secret.Box
	notifier notify.Notifier
	throttle Throttle
	logger   *slog.Logger

	// Replaced in tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	randN func(n int64) int64
}

// Option configures an Engine
type Option func(*Engine)

// WithThrottle shares rate limit windows beyond this process; the default
// keeps them in memory
func WithThrottle(t Throttle) Option {
	return func(e *Engine) {
		e.throttle = t
	}
}

// New creates an engine
func New(cfg Config, store Store, factory remote.Factory, box *secret.Box, notifier notify.Notifier, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.ReconnectAttempts < 1 {
		cfg.ReconnectAttempts = 1
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}

	e := &Engine{
		cfg:      cfg,
		store:    store,
		factory:  factory,
		box:      box,
		notifier: notifier,
		throttle: NewMemoryThrottle(),
		logger:   logger.With("component", "engine"),
		now:      time.Now,
		sleep:    sleepContext,
		randN:    rand.Int64N,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Outcome of one execution attempt
type Outcome string

const (
	OutcomeCompleted   Outcome = "completed"
	OutcomeFailed      Outcome = "failed"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeCancelled   Outcome = "cancelled"
	OutcomeInterrupted Outcome = "interrupted" // Shutdown; the task stays running for redelivery
)

// Execute claims and runs a task. Task failures are recorded on the task and
// reported through the outcome; the error is reserved for claim and store
// failures and for interruption by ctx.
func (e *Engine) Execute(ctx context.Context, taskID string) (Outcome, error) {
	task, err := e.store.ClaimTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("failed to claim task: %w", err)
	}

	logger := e.logger.With("task_id", task.ID, "account_id", task.AccountID, "kind", task.Kind)
	if task.UnitsDone > 0 {
		logger.Info("resuming task", "units_done", task.UnitsDone, "total", task.Total)
	} else {
		logger.Info("starting task", "total", task.Total)
	}
	e.notifier.TaskChanged(ctx, task.NotifyChatID, task)

	soft, hard := e.limits(task)
	runCtx, cancel := context.WithTimeout(ctx, hard)
	defer cancel()

	softTimer := time.AfterFunc(soft, func() {
		logger.Warn("task exceeded soft time limit", "soft_limit", soft)
	})
	defer softTimer.Stop()

	started := time.Now()
	result, runErr := e.run(runCtx, task, logger)

	outcome, err := e.finish(ctx, runCtx, hard, task, result, runErr, logger)
	tasksFinished.WithLabelValues(string(task.Kind), string(outcome)).Inc()
	taskDuration.WithLabelValues(string(task.Kind)).Observe(time.Since(started).Seconds())
	return outcome, err
}

// limits returns the soft and hard wall-clock budget of one attempt. Warmup
// gets its requested duration on top of the configured budget.
func (e *Engine) limits(task *models.Task) (time.Duration, time.Duration) {
	soft, hard := e.cfg.SoftLimit, e.cfg.HardLimit
	if task.Kind == models.KindWarmup {
		extra := time.Duration(task.Total) * time.Minute
		soft += extra
		hard += extra
	}
	return soft, hard
}

// run connects and executes the routine, reconnecting after connection loss
func (e *Engine) run(ctx context.Context, task *models.Task, logger *slog.Logger) (any, error) {
	// No units means no external calls at all
	if task.Total == 0 {
		logger.Info("task has no units of work")
		return emptyResult(task.Kind), nil
	}

	account, err := e.store.GetAccountByID(ctx, task.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	creds, err := e.credentials(account)
	if err != nil {
		return nil, err
	}

	for attempt := 1; ; attempt++ {
		result, err := e.attempt(ctx, task, account, creds, logger)
		if err == nil || remote.Classify(err) != remote.KindConnection || attempt >= e.cfg.ReconnectAttempts {
			return result, err
		}

		logger.Warn("connection lost, reconnecting", "attempt", attempt, "error", err)
		if err := e.sleep(ctx, e.cfg.ReconnectDelay); err != nil {
			return nil, err
		}

		// Resume from the last checkpoint
		fresh, err := e.store.GetTask(ctx, task.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to reload task: %w", err)
		}
		if fresh.Status != models.TaskRunning {
			return nil, errCancelled
		}
		task = fresh
	}
}

func emptyResult(kind models.TaskKind) any {
	switch kind {
	case models.KindJoinChats:
		return JoinResult{Joined: []string{}}
	case models.KindWarmup:
		return WarmupResult{}
	case models.KindReactions:
		return ReactionsResult{}
	}
	return nil
}

func (e *Engine) credentials(account *models.ExternalAccount) (remote.Credentials, error) {
	if !account.IsAuthorized || account.Credential == "" {
		return remote.Credentials{}, fmt.Errorf("account %s is not authorized", account.ID)
	}

	appSecret, err := e.box.Open(account.AppSecret)
	if err != nil {
		return remote.Credentials{}, fmt.Errorf("failed to decrypt app secret: %w", err)
	}
	session, err := e.box.Open(account.Credential)
	if err != nil {
		return remote.Credentials{}, fmt.Errorf("failed to decrypt credential: %w", err)
	}

	return remote.Credentials{AppID: account.AppID, AppSecret: appSecret, Session: session}, nil
}

// attempt runs the routine over one connection; the connection is always torn down
func (e *Engine) attempt(ctx context.Context, task *models.Task, account *models.ExternalAccount, creds remote.Credentials, logger *slog.Logger) (any, error) {
	client, err := e.factory.NewClient(creds)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	paced := newPacer(client, e.throttle, account.ID, e.now, e.sleep, logger)

	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := client.Disconnect(disconnectCtx); err != nil {
			logger.Warn("failed to disconnect", "error", err)
		}
	}()

	if err := connect(ctx, paced, logger); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	x := &execution{
		engine:  e,
		task:    task,
		account: account,
		client:  paced,
		logger:  logger,
	}

	switch task.Kind {
	case models.KindJoinChats:
		return x.joinChats(ctx)
	case models.KindWarmup:
		return x.warmup(ctx)
	case models.KindReactions:
		return x.reactions(ctx)
	case models.KindEditProfile:
		return x.editProfile(ctx)
	}
	return nil, fmt.Errorf("unknown task kind %q", task.Kind)
}

// connect retries a rate-limited connect once the window has passed. The pacer
// sleeps before each retry and the hard limit on ctx bounds the loop.
func connect(ctx context.Context, client *pacer, logger *slog.Logger) error {
	for {
		err := client.Connect(ctx)
		if _, limited := remote.RetryAfter(err); !limited {
			return err
		}
		logger.Info("connect rate limited, retrying after the window")
	}
}

// finish records the terminal transition for the attempt
func (e *Engine) finish(ctx, runCtx context.Context, hard time.Duration, task *models.Task, result any, runErr error, logger *slog.Logger) (Outcome, error) {
	if ctx.Err() != nil {
		logger.Warn("task interrupted, leaving it for redelivery", "error", runErr)
		return OutcomeInterrupted, ctx.Err()
	}

	var (
		outcome Outcome
		err     error
	)
	switch {
	case runErr == nil:
		outcome = OutcomeCompleted
		err = e.store.CompleteTask(ctx, task.ID, result)
		if errors.Is(err, database.ErrNotRunning) {
			outcome, err = OutcomeCancelled, nil
		}
	case errors.Is(runErr, errCancelled):
		outcome = OutcomeCancelled
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		outcome = OutcomeTimeout
		err = e.store.FailTask(ctx, task.ID, fmt.Sprintf("timeout: exceeded %s", hard))
	default:
		outcome = OutcomeFailed
		err = e.store.FailTask(ctx, task.ID, runErr.Error())
	}

	// A concurrent cancel already moved the task to failed
	if errors.Is(err, database.ErrConflict) {
		outcome, err = OutcomeCancelled, nil
	}
	if err != nil {
		logger.Error("failed to record task outcome", "outcome", outcome, "error", err)
		return outcome, fmt.Errorf("failed to record %s: %w", outcome, err)
	}

	switch outcome {
	case OutcomeCompleted:
		logger.Info("task completed")
	case OutcomeCancelled:
		logger.Info("task cancelled")
	default:
		logger.Warn("task failed", "outcome", outcome, "error", runErr)
	}

	if final, err := e.store.GetTask(ctx, task.ID); err == nil {
		e.notifier.TaskChanged(ctx, final.NotifyChatID, final)
	}
	return outcome, nil
}

// execution is the per-attempt state shared by the routines
type execution struct {
	engine  *Engine
	task    *models.Task
	account *models.ExternalAccount
	client  remote.Client
	logger  *slog.Logger
}

// ensureRunning returns errCancelled once the task left the running state
func (x *execution) ensureRunning(ctx context.Context) error {
	task, err := x.engine.store.GetTask(ctx, x.task.ID)
	if err != nil {
		return fmt.Errorf("failed to check task status: %w", err)
	}
	if task.Status != models.TaskRunning {
		x.logger.Info("task no longer running, stopping", "status", task.Status)
		return errCancelled
	}
	return nil
}

// checkpoint persists progress after a fully completed unit together with the
// result accumulated so far
func (x *execution) checkpoint(ctx context.Context, progress, unitsDone int, partial any) error {
	err := x.engine.store.Checkpoint(ctx, x.task.ID, progress, unitsDone, partial)
	if errors.Is(err, database.ErrNotRunning) {
		return errCancelled
	}
	if err != nil {
		return err
	}
	x.task.UnitsDone = unitsDone
	return nil
}

// resume loads the partial result stored by an earlier attempt into dst
func (x *execution) resume(dst any) {
	if x.task.UnitsDone == 0 || !x.task.Result.Valid {
		return
	}
	if err := json.Unmarshal(x.task.Result.JSONText, dst); err != nil {
		x.logger.Warn("failed to load partial result, counting from here", "error", err)
	}
}

// note records a per-unit failure without aborting the routine
func (x *execution) note(ctx context.Context, unit string, err error) {
	unitErrors.WithLabelValues(string(x.task.Kind), remote.Classify(err).String()).Inc()
	x.logger.Warn("unit failed", "unit", unit, "error", err)
	if appendErr := x.engine.store.AppendError(ctx, x.task.ID, fmt.Sprintf("%s: %v", unit, err)); appendErr != nil {
		x.logger.Error("failed to append task error", "error", appendErr)
	}
}

// skip logs a per-unit failure that is not worth keeping on the task
func (x *execution) skip(unit string, err error) {
	unitErrors.WithLabelValues(string(x.task.Kind), remote.Classify(err).String()).Inc()
	x.logger.Warn("unit skipped", "unit", unit, "error", err)
}

func (x *execution) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	return x.engine.sleep(ctx, d)
}

// between returns a uniformly random duration in [r.Min, r.Max]
func (x *execution) between(r Range) time.Duration {
	if r.Max <= r.Min {
		return r.Min
	}
	return r.Min + time.Duration(x.engine.randN(int64(r.Max-r.Min)+1))
}

// pick returns a uniformly random element
func pick[T any](x *execution, items []T) T {
	return items[x.engine.randN(int64(len(items)))]
}

// fatal reports errors that end the attempt rather than a single unit
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, errCancelled) ||
		remote.Classify(err) == remote.KindConnection
}
