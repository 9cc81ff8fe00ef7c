package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/mixelka/devmonkey/internal/remote"
)

// minRateLimitWait applies when the server asks for a wait without a duration
const minRateLimitWait = time.Second

// pacer wraps a client so that after a rate limit signal no further call for
// the account is made before the server-specified instant. The call that was
// limited is not retried.
type pacer struct {
	client    remote.Client
	throttle  Throttle
	accountID string
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	logger    *slog.Logger

	// last window this pacer saw, honored even when the throttle is unreachable
	local time.Time
}

func newPacer(client remote.Client, throttle Throttle, accountID string, now func() time.Time, sleep func(context.Context, time.Duration) error, logger *slog.Logger) *pacer {
	return &pacer{
		client:    client,
		throttle:  throttle,
		accountID: accountID,
		now:       now,
		sleep:     sleep,
		logger:    logger,
	}
}

// wait blocks until the account's rate limit window has passed
func (p *pacer) wait(ctx context.Context) error {
	notBefore, err := p.throttle.NotBefore(ctx, p.accountID)
	if err != nil {
		p.logger.Warn("failed to read rate limit window", "error", err)
	}
	if p.local.After(notBefore) {
		notBefore = p.local
	}

	d := notBefore.Sub(p.now())
	if d <= 0 {
		return ctx.Err()
	}
	p.logger.Info("waiting for rate limit", "wait", d)
	rateLimitWait.Add(d.Seconds())
	return p.sleep(ctx, d)
}

// observe extends the window when err carries a rate limit
func (p *pacer) observe(ctx context.Context, err error) error {
	d, ok := remote.RetryAfter(err)
	if !ok {
		return err
	}
	if d <= 0 {
		d = minRateLimitWait
	}
	p.logger.Warn("rate limited", "retry_after", d)
	until := p.now().Add(d)
	if until.After(p.local) {
		p.local = until
	}
	if deferErr := p.throttle.Defer(context.WithoutCancel(ctx), p.accountID, until); deferErr != nil {
		p.logger.Error("failed to store rate limit window", "error", deferErr)
	}
	return err
}

func (p *pacer) Connect(ctx context.Context) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	return p.observe(ctx, p.client.Connect(ctx))
}

// Disconnect never waits
func (p *pacer) Disconnect(ctx context.Context) error {
	return p.client.Disconnect(ctx)
}

func (p *pacer) RequestCode(ctx context.Context, phone string) (*remote.SentCode, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	sent, err := p.client.RequestCode(ctx, phone)
	return sent, p.observe(ctx, err)
}

func (p *pacer) SignIn(ctx context.Context, phone, correlationToken, code string) (*remote.User, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	user, err := p.client.SignIn(ctx, phone, correlationToken, code)
	return user, p.observe(ctx, err)
}

func (p *pacer) VerifySecondFactor(ctx context.Context, secret string) (*remote.User, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	user, err := p.client.VerifySecondFactor(ctx, secret)
	return user, p.observe(ctx, err)
}

func (p *pacer) ExportCredential(ctx context.Context) (string, error) {
	if err := p.wait(ctx); err != nil {
		return "", err
	}
	credential, err := p.client.ExportCredential(ctx)
	return credential, p.observe(ctx, err)
}

func (p *pacer) JoinChannel(ctx context.Context, handle string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	return p.observe(ctx, p.client.JoinChannel(ctx, handle))
}

func (p *pacer) SearchChannels(ctx context.Context, query string, limit int) ([]remote.Channel, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	channels, err := p.client.SearchChannels(ctx, query, limit)
	return channels, p.observe(ctx, err)
}

func (p *pacer) RecentMessages(ctx context.Context, chatID int64, limit int) ([]remote.Message, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}
	messages, err := p.client.RecentMessages(ctx, chatID, limit)
	return messages, p.observe(ctx, err)
}

func (p *pacer) SendReaction(ctx context.Context, chatID, messageID int64, reaction string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	return p.observe(ctx, p.client.SendReaction(ctx, chatID, messageID, reaction))
}

func (p *pacer) SendMessage(ctx context.Context, chatID int64, text string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	return p.observe(ctx, p.client.SendMessage(ctx, chatID, text))
}

func (p *pacer) UpdateProfile(ctx context.Context, firstName, lastName *string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	return p.observe(ctx, p.client.UpdateProfile(ctx, firstName, lastName))
}

func (p *pacer) UpdateBio(ctx context.Context, text string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	return p.observe(ctx, p.client.UpdateBio(ctx, text))
}

func (p *pacer) SetHandle(ctx context.Context, handle string) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	return p.observe(ctx, p.client.SetHandle(ctx, handle))
}

var _ remote.Client = (*pacer)(nil)
