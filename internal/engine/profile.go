package engine

import (
	"context"
	"fmt"

	"github.com/mixelka/devmonkey/pkg/models"
)

// ProfileResult result of an edit_profile task
type ProfileResult struct {
	Success bool `json:"success"`
}

// editProfile applies the present fields; any failure fails the task
func (x *execution) editProfile(ctx context.Context) (any, error) {
	var params models.EditProfileParams
	if err := x.task.DecodeParams(&params); err != nil {
		return nil, err
	}

	if err := x.ensureRunning(ctx); err != nil {
		return nil, err
	}

	if params.FirstName != nil || params.LastName != nil {
		if err := x.client.UpdateProfile(ctx, params.FirstName, params.LastName); err != nil {
			return nil, fmt.Errorf("failed to update name: %w", err)
		}
	}
	if params.Bio != nil {
		if err := x.client.UpdateBio(ctx, *params.Bio); err != nil {
			return nil, fmt.Errorf("failed to update bio: %w", err)
		}
	}
	if params.Username != nil {
		if err := x.client.SetHandle(ctx, *params.Username); err != nil {
			return nil, fmt.Errorf("failed to set username: %w", err)
		}
	}

	// Mirror what the remote side now shows
	if err := x.engine.store.UpdateAccountProfile(ctx, x.account.ID, params); err != nil {
		return nil, err
	}

	return ProfileResult{Success: true}, nil
}
