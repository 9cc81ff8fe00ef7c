package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// TaskKind type of automation task
type TaskKind string

const (
	KindJoinChats   TaskKind = "join_chats"
	KindWarmup      TaskKind = "warmup"
	KindReactions   TaskKind = "reactions"
	KindEditProfile TaskKind = "edit_profile"
)

// Valid reports whether k is a known task kind
func (k TaskKind) Valid() bool {
	switch k {
	case KindJoinChats, KindWarmup, KindReactions, KindEditProfile:
		return true
	}
	return false
}

// TaskStatus lifecycle state of a task
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions are possible
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task unit of automation work bound to one external account
type Task struct {
	ID           string             `db:"id"`
	AccountID    string             `db:"account_id"`
	Kind         TaskKind           `db:"kind"`
	Status       TaskStatus         `db:"status"`
	Progress     int                `db:"progress"`   // 0-100
	Total        int                `db:"total"`      // Units of work
	UnitsDone    int                `db:"units_done"` // Fully completed units, resume point
	Params       types.JSONText     `db:"params"`
	Result       types.NullJSONText `db:"result"`
	Error        string             `db:"error"`
	NotifyChatID int64              `db:"notify_chat_id"` // Optional observer for state changes
	CreatedAt    time.Time          `db:"created_at"`
	StartedAt    *time.Time         `db:"started_at"`
	CompletedAt  *time.Time         `db:"completed_at"`
}

// DecodeParams unmarshals the task parameters into dst
func (t *Task) DecodeParams(dst any) error {
	if len(t.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(t.Params, dst); err != nil {
		return fmt.Errorf("failed to decode %s params: %w", t.Kind, err)
	}
	return nil
}

// TaskParams is implemented by every kind-specific parameter payload
type TaskParams interface {
	Kind() TaskKind
	Validate() error
	Units() int
}

// JoinChatsParams parameters of a join_chats task
type JoinChatsParams struct {
	Links []string `json:"chat_links"`
}

func (JoinChatsParams) Kind() TaskKind { return KindJoinChats }

func (p JoinChatsParams) Validate() error {
	for i, link := range p.Links {
		if link == "" {
			return fmt.Errorf("chat_links[%d] is empty", i)
		}
	}
	return nil
}

func (p JoinChatsParams) Units() int { return len(p.Links) }

// WarmupParams parameters of a warmup task
type WarmupParams struct {
	DurationMinutes int `json:"duration_minutes"`
}

func (WarmupParams) Kind() TaskKind { return KindWarmup }

func (p WarmupParams) Validate() error {
	if p.DurationMinutes < 0 {
		return fmt.Errorf("duration_minutes must not be negative")
	}
	return nil
}

func (p WarmupParams) Units() int { return p.DurationMinutes }

// ReactionsParams parameters of a reactions task
type ReactionsParams struct {
	ChatIDs      []int64  `json:"chat_ids"`
	Reactions    []string `json:"reactions"`
	DelaySeconds int      `json:"delay_seconds"`
}

func (ReactionsParams) Kind() TaskKind { return KindReactions }

func (p ReactionsParams) Validate() error {
	for _, r := range p.Reactions {
		if r == "" {
			return fmt.Errorf("reactions must not contain empty entries")
		}
	}
	if p.DelaySeconds < 0 {
		return fmt.Errorf("delay_seconds must not be negative")
	}
	return nil
}

func (p ReactionsParams) Units() int { return len(p.ChatIDs) }

// EditProfileParams parameters of an edit_profile task; nil fields are left untouched
type EditProfileParams struct {
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	Bio       *string `json:"bio,omitempty"`
	Username  *string `json:"username,omitempty"`
}

func (EditProfileParams) Kind() TaskKind { return KindEditProfile }

func (p EditProfileParams) Validate() error {
	if p.FirstName == nil && p.LastName == nil && p.Bio == nil && p.Username == nil {
		return fmt.Errorf("at least one profile field is required")
	}
	return nil
}

func (p EditProfileParams) Units() int { return 1 }

// DefaultReaction used when a reactions task has an empty reaction set
const DefaultReaction = "👍"

// ReactionSet returns the configured reactions or the default one
func (p ReactionsParams) ReactionSet() []string {
	if len(p.Reactions) == 0 {
		return []string{DefaultReaction}
	}
	return p.Reactions
}
