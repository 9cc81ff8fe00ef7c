package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/mixelka/devmonkey/pkg/models"
)

// TelegramNotifier sends task state changes to a Telegram chat; the observer id is the chat id
type TelegramNotifier struct {
	bot     *bot.Bot
	logger  *slog.Logger
	timeout time.Duration
}

// NewTelegram creates a notifier for the given bot token. The bot only sends, it never polls.
func NewTelegram(token string, logger *slog.Logger, opts ...bot.Option) (*TelegramNotifier, error) {
	tgBot, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}

	return &TelegramNotifier{
		bot:     tgBot,
		logger:  logger.With("component", "notify"),
		timeout: 10 * time.Second,
	}, nil
}

// TaskChanged implements Notifier
func (n *TelegramNotifier) TaskChanged(ctx context.Context, observer int64, task *models.Task) {
	if observer == 0 || task == nil {
		return
	}

	// Separate context so a cancelled task context still gets its final notice out
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	_, err := n.bot.SendMessage(sendCtx, &bot.SendMessageParams{
		ChatID:    observer,
		Text:      FormatTask(task),
		ParseMode: tgmodels.ParseModeHTML,
	})
	if err != nil {
		n.logger.Warn("failed to send task notification", "task_id", task.ID, "chat_id", observer, "error", err)
	}
}

var _ Notifier = (*TelegramNotifier)(nil)
