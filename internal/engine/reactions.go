package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mixelka/devmonkey/pkg/models"
)

const reactionsHistoryLimit = 50

// ReactionsResult result of a reactions task
type ReactionsResult struct {
	Reactions int     `json:"reactions"`
	Skipped   []int64 `json:"skipped_chats,omitempty"`
}

// reactions reacts to recent messages of each target chat; a chat that fails is skipped
func (x *execution) reactions(ctx context.Context) (any, error) {
	var params models.ReactionsParams
	if err := x.task.DecodeParams(&params); err != nil {
		return nil, err
	}

	set := params.ReactionSet()
	total := len(params.ChatIDs)
	result := &ReactionsResult{}
	x.resume(result)

	for i := x.task.UnitsDone; i < total; i++ {
		if err := x.ensureRunning(ctx); err != nil {
			return nil, err
		}

		chatID := params.ChatIDs[i]
		sent, err := x.reactInChat(ctx, chatID, set, params)
		result.Reactions += sent
		if err != nil {
			if fatal(ctx, err) {
				return nil, err
			}
			x.skip(fmt.Sprintf("chat %d", chatID), err)
			result.Skipped = append(result.Skipped, chatID)
		}

		if err := x.checkpoint(ctx, (i+1)*100/total, i+1, result); err != nil {
			return nil, err
		}
	}

	return result, nil
}

func (x *execution) reactInChat(ctx context.Context, chatID int64, set []string, params models.ReactionsParams) (int, error) {
	messages, err := x.client.RecentMessages(ctx, chatID, reactionsHistoryLimit)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, msg := range messages {
		if msg.IsSelf {
			continue
		}
		if sent > 0 {
			if err := x.ensureRunning(ctx); err != nil {
				return sent, err
			}
		}

		if err := x.client.SendReaction(ctx, chatID, msg.ID, pick(x, set)); err != nil {
			return sent, err
		}
		sent++

		if err := x.pause(ctx, time.Duration(params.DelaySeconds)*time.Second); err != nil {
			return sent, err
		}
	}

	x.logger.Info("reacted in chat", "chat_id", chatID, "reactions", sent)
	return sent, nil
}
