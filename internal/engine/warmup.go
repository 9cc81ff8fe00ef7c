package engine

import (
	"context"
	"time"

	"github.com/mixelka/devmonkey/pkg/models"
)

// warmupTopics search vocabulary for channel discovery
var warmupTopics = []string{"news", "tech", "chat", "games", "music", "movies"}

const warmupSearchLimit = 5

// WarmupResult result of a warmup task
type WarmupResult struct {
	DurationMinutes int `json:"duration_minutes"`
	Joined          int `json:"joined"`
}

// warmup searches and joins public channels at a human pace until the
// requested duration has elapsed. Whole elapsed minutes are the resume point.
func (x *execution) warmup(ctx context.Context) (any, error) {
	var params models.WarmupParams
	if err := x.task.DecodeParams(&params); err != nil {
		return nil, err
	}

	result := &WarmupResult{DurationMinutes: params.DurationMinutes}
	if params.DurationMinutes <= 0 {
		return result, nil
	}
	x.resume(result)

	if err := x.engine.store.SetAccountStatus(ctx, x.account.ID, models.AccountWarming); err != nil {
		return nil, err
	}
	defer func() {
		if err := x.engine.store.SetAccountStatus(context.WithoutCancel(ctx), x.account.ID, models.AccountActive); err != nil {
			x.logger.Error("failed to restore account status", "error", err)
		}
	}()

	duration := time.Duration(params.DurationMinutes) * time.Minute
	end := x.engine.now().Add(duration - time.Duration(x.task.UnitsDone)*time.Minute)

	for {
		if err := x.ensureRunning(ctx); err != nil {
			return nil, err
		}

		remaining := end.Sub(x.engine.now())
		if remaining <= 0 {
			break
		}

		elapsed := duration - remaining
		if err := x.checkpoint(ctx, int(elapsed*100/duration), int(elapsed/time.Minute), result); err != nil {
			return nil, err
		}

		if err := x.warmupIteration(ctx, end, result); err != nil {
			if fatal(ctx, err) {
				return nil, err
			}
			x.logger.Warn("warmup iteration failed, cooling down", "error", err)
			if err := x.pauseUntil(ctx, x.engine.cfg.WarmupErrorCooldown, end); err != nil {
				return nil, err
			}
		}
	}

	return result, nil
}

// warmupIteration runs one search and joins every result with a public handle
func (x *execution) warmupIteration(ctx context.Context, end time.Time, result *WarmupResult) error {
	topic := pick(x, warmupTopics)
	channels, err := x.client.SearchChannels(ctx, topic, warmupSearchLimit)
	if err != nil {
		return err
	}

	joined := 0
	for _, ch := range channels {
		if ch.Handle == "" {
			continue
		}
		if err := x.ensureRunning(ctx); err != nil {
			return err
		}
		if !x.engine.now().Before(end) {
			return nil
		}

		if err := x.client.JoinChannel(ctx, ch.Handle); err != nil {
			if fatal(ctx, err) {
				return err
			}
			x.skip(ch.Handle, err)
			continue
		}
		x.logger.Info("joined chat", "handle", ch.Handle, "topic", topic)
		result.Joined++
		joined++

		if err := x.pauseUntil(ctx, x.between(x.engine.cfg.WarmupJoinDelay), end); err != nil {
			return err
		}
		if err := x.pauseUntil(ctx, x.between(x.engine.cfg.WarmupIdleDelay), end); err != nil {
			return err
		}
	}

	// Nothing to join, idle before searching again
	if joined == 0 {
		return x.pauseUntil(ctx, x.between(x.engine.cfg.WarmupIdleDelay), end)
	}
	return nil
}

// pauseUntil sleeps for d but never past end
func (x *execution) pauseUntil(ctx context.Context, d time.Duration, end time.Time) error {
	if remaining := end.Sub(x.engine.now()); remaining < d {
		d = remaining
	}
	return x.pause(ctx, d)
}
