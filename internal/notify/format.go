package notify

import (
	"fmt"
	"strings"

	"github.com/mixelka/devmonkey/pkg/models"
)

// maxErrorLength leaves room for the header inside one chat message
const maxErrorLength = 3000

var statusIcons = map[models.TaskStatus]string{
	models.TaskPending:   "🕓",
	models.TaskRunning:   "▶️",
	models.TaskCompleted: "✅",
	models.TaskFailed:    "❌",
}

// FormatTask renders a task state change as chat HTML
func FormatTask(task *models.Task) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("%s <b>%s</b> %s\n", statusIcons[task.Status], escapeHTML(string(task.Kind)), task.Status))
	sb.WriteString(fmt.Sprintf("<b>Task:</b> <code>%s</code>\n", task.ID))
	sb.WriteString(fmt.Sprintf("<b>Progress:</b> %d%%", task.Progress))
	if task.Total > 0 {
		sb.WriteString(fmt.Sprintf(" (%d/%d)", task.UnitsDone, task.Total))
	}
	sb.WriteString("\n")

	if task.Error != "" {
		sb.WriteString("\n<b>Errors:</b>\n<pre>")
		sb.WriteString(escapeHTML(truncate(task.Error, maxErrorLength)))
		sb.WriteString("</pre>")
	}

	return sb.String()
}

// escapeHTML escapes HTML special characters for Telegram
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// truncate keeps the last maxLen runes; the newest errors are at the end
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return "...\n" + string(runes[len(runes)-maxLen:])
}
