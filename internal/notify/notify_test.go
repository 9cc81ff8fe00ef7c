package notify

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-telegram/bot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/devmonkey/pkg/models"
)

func TestFormatTask(t *testing.T) {
	task := &models.Task{
		ID:        "task-1",
		Kind:      models.KindJoinChats,
		Status:    models.TaskFailed,
		Progress:  66,
		Total:     3,
		UnitsDone: 2,
		Error:     "beta: invalid operation: <no such chat>",
	}

	text := FormatTask(task)
	assert.Contains(t, text, "<code>task-1</code>")
	assert.Contains(t, text, "66% (2/3)")
	assert.Contains(t, text, "&lt;no such chat&gt;")
	assert.Contains(t, text, "❌")
}

func TestTruncateKeepsTail(t *testing.T) {
	s := strings.Repeat("a", 10) + "tail"
	assert.Equal(t, "...\n"+"aatail", truncate(s, 6))
	assert.Equal(t, "short", truncate("short", 10))
}

func TestTelegramNotifier_TaskChanged(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		bodies = append(bodies, string(raw))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"}}}`))
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n, err := NewTelegram("123:token", logger, bot.WithServerURL(srv.URL), bot.WithSkipGetMe())
	require.NoError(t, err)

	task := &models.Task{ID: "task-7", Kind: models.KindWarmup, Status: models.TaskCompleted, Progress: 100}
	n.TaskChanged(context.Background(), 42, task)
	n.TaskChanged(context.Background(), 0, task)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1, "observer 0 means nobody is listening")
	assert.Contains(t, bodies[0], "42")
	assert.Contains(t, bodies[0], "task-7")
}

func TestTelegramNotifier_FailureIsSwallowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n, err := NewTelegram("123:token", logger, bot.WithServerURL(srv.URL), bot.WithSkipGetMe())
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		n.TaskChanged(context.Background(), 42, &models.Task{ID: "task-8", Status: models.TaskFailed})
	})
}

func TestPlainText(t *testing.T) {
	task := &models.Task{
		ID:        "task-9",
		Kind:      models.KindWarmup,
		Status:    models.TaskCompleted,
		Progress:  100,
		Total:     4,
		UnitsDone: 4,
		Error:     "x < y",
	}

	text, err := PlainText(FormatTask(task))
	require.NoError(t, err)
	assert.NotContains(t, text, "<b>")
	assert.Contains(t, text, "Task: task-9")
	assert.Contains(t, text, "Progress: 100% (4/4)")
	assert.Contains(t, text, "x < y")

	empty, err := PlainText("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

type countingNotifier struct{ calls int }

func (c *countingNotifier) TaskChanged(context.Context, int64, *models.Task) { c.calls++ }

func TestMulti(t *testing.T) {
	a, b := &countingNotifier{}, &countingNotifier{}
	m := Multi{a, NewLog(slog.New(slog.NewTextHandler(io.Discard, nil))), b}

	m.TaskChanged(context.Background(), 1, &models.Task{ID: "t", Status: models.TaskRunning})
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
}
