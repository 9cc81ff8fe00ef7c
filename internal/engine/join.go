package engine

import (
	"context"
	"strings"

	"github.com/mixelka/devmonkey/internal/remote"
	"github.com/mixelka/devmonkey/pkg/models"
)

// JoinResult result of a join_chats task
type JoinResult struct {
	Joined []string `json:"joined"`
	Failed []string `json:"failed,omitempty"`
}

// NormalizeLink reduces a chat link to a bare handle:
// "https://t.me/alpha", "t.me/alpha", "@alpha" and "alpha" all become "alpha"
func NormalizeLink(link string) string {
	link = strings.TrimSpace(link)
	if i := strings.LastIndex(link, "t.me/"); i >= 0 {
		link = link[i+len("t.me/"):]
	}
	link = strings.TrimPrefix(link, "@")
	return strings.TrimSuffix(link, "/")
}

// joinChats joins every link in input order, tolerating per-link failures
func (x *execution) joinChats(ctx context.Context) (any, error) {
	var params models.JoinChatsParams
	if err := x.task.DecodeParams(&params); err != nil {
		return nil, err
	}

	handles := make([]string, len(params.Links))
	for i, link := range params.Links {
		handles[i] = NormalizeLink(link)
	}

	total := len(handles)
	result := &JoinResult{Joined: []string{}}
	x.resume(result)

	for i := x.task.UnitsDone; i < total; i++ {
		if err := x.ensureRunning(ctx); err != nil {
			return nil, err
		}

		handle := handles[i]
		err := error(&remote.InvalidOperationError{Reason: "link has no handle"})
		if handle != "" {
			err = x.client.JoinChannel(ctx, handle)
		}
		if err != nil {
			if fatal(ctx, err) {
				return nil, err
			}
			x.note(ctx, params.Links[i], err)
			result.Failed = append(result.Failed, handle)
		} else {
			x.logger.Info("joined chat", "handle", handle)
			result.Joined = append(result.Joined, handle)
		}

		if err := x.checkpoint(ctx, (i+1)*100/total, i+1, result); err != nil {
			return nil, err
		}

		if i+1 < total {
			if err := x.pause(ctx, x.between(x.engine.cfg.JoinDelay)); err != nil {
				return nil, err
			}
		}
	}

	return result, nil
}
