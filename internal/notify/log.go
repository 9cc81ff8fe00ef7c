package notify

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/mixelka/devmonkey/pkg/models"
)

var blankRuns = regexp.MustCompile(`[^\S\n]+`)

// LogNotifier writes every state change to the log as plain text
type LogNotifier struct {
	logger *slog.Logger
}

// NewLog creates a notifier that logs state changes
func NewLog(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) TaskChanged(ctx context.Context, observer int64, task *models.Task) {
	text, err := PlainText(FormatTask(task))
	if err != nil {
		n.logger.Warn("failed to render notification", "task_id", task.ID, "error", err)
		return
	}
	n.logger.Info("task state changed",
		"task_id", task.ID,
		"observer", observer,
		"status", task.Status,
		"text", text,
	)
}

// PlainText strips chat markup from a rendered message
func PlainText(html string) (string, error) {
	if html == "" {
		return "", nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	text := blankRuns.ReplaceAllString(doc.Text(), " ")

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n"), nil
}

// Multi fans a notification out to several notifiers
type Multi []Notifier

func (m Multi) TaskChanged(ctx context.Context, observer int64, task *models.Task) {
	for _, n := range m {
		n.TaskChanged(ctx, observer, task)
	}
}
