package database

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixelka/devmonkey/pkg/models"
)

func setupTestDB(t *testing.T) (*DB, context.Context) {
	t.Helper()

	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))
	return db, ctx
}

func seedAccount(t *testing.T, db *DB, ctx context.Context) (*models.User, *models.ExternalAccount) {
	t.Helper()

	user, err := db.CreateUser(ctx, "operator", "hash")
	require.NoError(t, err)

	account := &models.ExternalAccount{
		UserID:       user.ID,
		Phone:        "+10000000000",
		AppID:        42,
		AppSecret:    "sealed-secret",
		Credential:   "sealed-session",
		IsAuthorized: true,
	}
	require.NoError(t, db.CreateAccount(ctx, account))
	return user, account
}

func TestCreateAccount_UpsertKeepsID(t *testing.T) {
	db, ctx := setupTestDB(t)
	user, first := seedAccount(t, db, ctx)

	assert.NotEmpty(t, first.ID)
	assert.Equal(t, models.AccountActive, first.Status)

	again := &models.ExternalAccount{
		UserID:       user.ID,
		Phone:        first.Phone,
		AppID:        42,
		AppSecret:    "sealed-secret",
		Credential:   "fresh-session",
		IsAuthorized: true,
	}
	require.NoError(t, db.CreateAccount(ctx, again))

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "fresh-session", again.Credential)

	accounts, err := db.ListAccountsByUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestCreateUser_Duplicate(t *testing.T) {
	db, ctx := setupTestDB(t)

	_, err := db.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)

	_, err = db.CreateUser(ctx, "alice", "hash")
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestUpdateAccountProfile_OnlyPresentFields(t *testing.T) {
	db, ctx := setupTestDB(t)
	_, account := seedAccount(t, db, ctx)

	first, bio := "Ann", "hello"
	require.NoError(t, db.UpdateAccountProfile(ctx, account.ID, models.EditProfileParams{FirstName: &first}))
	require.NoError(t, db.UpdateAccountProfile(ctx, account.ID, models.EditProfileParams{Bio: &bio}))

	got, err := db.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ann", got.FirstName)
	assert.Equal(t, "hello", got.Bio)
	assert.Empty(t, got.Handle)
}

func TestTaskLifecycle(t *testing.T) {
	db, ctx := setupTestDB(t)
	_, account := seedAccount(t, db, ctx)

	task, err := db.CreateTask(ctx, account.ID, models.JoinChatsParams{Links: []string{"a", "b", "c"}}, 0)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)
	assert.Equal(t, 3, task.Total)

	claimed, err := db.ClaimTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	require.NoError(t, db.UpdateProgress(ctx, task.ID, 33, 1))
	require.NoError(t, db.UpdateProgress(ctx, task.ID, 10, 0)) // never goes back
	require.NoError(t, db.UpdateProgress(ctx, task.ID, 100, 3))

	got, err := db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 99, got.Progress, "100 is reserved for completion")
	assert.Equal(t, 3, got.UnitsDone)

	require.NoError(t, db.AppendError(ctx, task.ID, "b: no such channel"))
	require.NoError(t, db.CompleteTask(ctx, task.ID, map[string]int{"joined": 2}))

	got, err = db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "b: no such channel", got.Error)
	assert.True(t, got.Result.Valid)
	assert.JSONEq(t, `{"joined":2}`, string(got.Result.JSONText))
	require.NotNil(t, got.CompletedAt)

	// Terminal tasks never move again
	assert.ErrorIs(t, db.UpdateProgress(ctx, task.ID, 50, 1), ErrNotRunning)
	assert.ErrorIs(t, db.FailTask(ctx, task.ID, "late"), ErrConflict)
	_, err = db.ClaimTask(ctx, task.ID)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestClaimTask_OneRunningPerAccount(t *testing.T) {
	db, ctx := setupTestDB(t)
	db.SetMaxOpenConns(1)
	_, account := seedAccount(t, db, ctx)

	var ids []string
	for i := 0; i < 8; i++ {
		task, err := db.CreateTask(ctx, account.ID, models.WarmupParams{DurationMinutes: 1}, 0)
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if _, err := db.ClaimTask(ctx, id); err == nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrConflict)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, claimed)

	var running int
	require.NoError(t, db.GetContext(ctx, &running, `SELECT COUNT(*) FROM tasks WHERE account_id = ? AND status = 'running'`, account.ID))
	assert.Equal(t, 1, running)
}

func TestClaimTask_ResumesRunning(t *testing.T) {
	db, ctx := setupTestDB(t)
	_, account := seedAccount(t, db, ctx)

	task, err := db.CreateTask(ctx, account.ID, models.JoinChatsParams{Links: []string{"a", "b"}}, 0)
	require.NoError(t, err)
	first, err := db.ClaimTask(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, db.UpdateProgress(ctx, task.ID, 50, 1))

	resumed, err := db.ClaimTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed.UnitsDone)
	assert.Equal(t, first.StartedAt.Unix(), resumed.StartedAt.Unix())
}

func TestCheckpoint_StoresPartialResult(t *testing.T) {
	db, ctx := setupTestDB(t)
	_, account := seedAccount(t, db, ctx)

	task, err := db.CreateTask(ctx, account.ID, models.JoinChatsParams{Links: []string{"a", "b", "c"}}, 0)
	require.NoError(t, err)
	_, err = db.ClaimTask(ctx, task.ID)
	require.NoError(t, err)

	require.NoError(t, db.Checkpoint(ctx, task.ID, 66, 2, map[string][]string{"joined": {"a", "b"}}))
	// Behind the stored units: ignored
	require.NoError(t, db.Checkpoint(ctx, task.ID, 33, 1, map[string][]string{"joined": {"a"}}))
	// No partial: the stored one stays
	require.NoError(t, db.UpdateProgress(ctx, task.ID, 66, 2))

	got, err := db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.UnitsDone)
	assert.Equal(t, 66, got.Progress)
	require.True(t, got.Result.Valid)
	assert.JSONEq(t, `{"joined":["a","b"]}`, string(got.Result.JSONText))

	require.NoError(t, db.CompleteTask(ctx, task.ID, map[string][]string{"joined": {"a", "b", "c"}}))
	assert.ErrorIs(t, db.Checkpoint(ctx, task.ID, 50, 3, map[string]int{}), ErrNotRunning)
}

func TestCancelTask(t *testing.T) {
	db, ctx := setupTestDB(t)
	_, account := seedAccount(t, db, ctx)

	task, err := db.CreateTask(ctx, account.ID, models.WarmupParams{DurationMinutes: 5}, 0)
	require.NoError(t, err)
	_, err = db.ClaimTask(ctx, task.ID)
	require.NoError(t, err)

	require.NoError(t, db.CancelTask(ctx, task.ID, ""))

	got, err := db.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, got.Status)
	assert.Contains(t, got.Error, "cancelled")
	assert.Less(t, got.Progress, 100)
	assert.ErrorIs(t, db.CompleteTask(ctx, task.ID, nil), ErrNotRunning)
}

func TestListTasksByOwner_NewestFirst(t *testing.T) {
	db, ctx := setupTestDB(t)
	user, account := seedAccount(t, db, ctx)

	var ids []string
	for i := 0; i < 3; i++ {
		task, err := db.CreateTask(ctx, account.ID, models.WarmupParams{DurationMinutes: i}, 0)
		require.NoError(t, err)
		ids = append(ids, task.ID)
	}

	tasks, err := db.ListTasksByOwner(ctx, user.ID, 2)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, ids[2], tasks[0].ID)
	assert.Equal(t, ids[1], tasks[1].ID)

	other, err := db.CreateUser(ctx, "someone-else", "hash")
	require.NoError(t, err)
	tasks, err = db.ListTasksByOwner(ctx, other.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestDeleteUser_Cascades(t *testing.T) {
	db, ctx := setupTestDB(t)
	user, account := seedAccount(t, db, ctx)

	task, err := db.CreateTask(ctx, account.ID, models.WarmupParams{DurationMinutes: 1}, 0)
	require.NoError(t, err)

	require.NoError(t, db.DeleteUser(ctx, user.ID))

	_, err = db.GetAccountByID(ctx, account.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateTask_RejectsInvalidParams(t *testing.T) {
	db, ctx := setupTestDB(t)
	_, account := seedAccount(t, db, ctx)

	_, err := db.CreateTask(ctx, account.ID, models.EditProfileParams{}, 0)
	assert.Error(t, err)

	_, err = db.CreateTask(ctx, account.ID, models.WarmupParams{DurationMinutes: -1}, 0)
	assert.Error(t, err)
}
