package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mixelka/devmonkey/pkg/models"
)

// CreateAccount stores a freshly authorized account. Authorizing the same phone
// again for the same user refreshes the stored credential and keeps the ID.
func (db *DB) CreateAccount(ctx context.Context, account *models.ExternalAccount) error {
	query := `
		INSERT INTO accounts (id, user_id, phone, app_id, app_secret, credential, external_id, first_name, last_name, handle, is_authorized, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, phone) DO UPDATE SET
			app_id = excluded.app_id,
			app_secret = excluded.app_secret,
			credential = excluded.credential,
			external_id = excluded.external_id,
			is_authorized = excluded.is_authorized,
			updated_at = excluded.updated_at
	`
	now := time.Now().UTC()
	if account.Status == "" {
		account.Status = models.AccountActive
	}
	_, err := db.ExecContext(ctx, query,
		uuid.NewString(),
		account.UserID,
		account.Phone,
		account.AppID,
		account.AppSecret,
		account.Credential,
		account.ExternalID,
		account.FirstName,
		account.LastName,
		account.Handle,
		account.IsAuthorized,
		account.Status,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	// The row may predate this call, read back the canonical ID
	var stored models.ExternalAccount
	err = db.GetContext(ctx, &stored, `SELECT * FROM accounts WHERE user_id = ? AND phone = ?`, account.UserID, account.Phone)
	if err != nil {
		return fmt.Errorf("failed to read back account: %w", err)
	}

	*account = stored
	return nil
}

// GetAccountByID returns an account by ID
func (db *DB) GetAccountByID(ctx context.Context, id string) (*models.ExternalAccount, error) {
	var account models.ExternalAccount
	query := `SELECT * FROM accounts WHERE id = ?`
	err := db.GetContext(ctx, &account, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// ListAccountsByUser returns all accounts owned by a user
func (db *DB) ListAccountsByUser(ctx context.Context, userID string) ([]*models.ExternalAccount, error) {
	var accounts []*models.ExternalAccount
	query := `SELECT * FROM accounts WHERE user_id = ? ORDER BY created_at DESC`
	err := db.SelectContext(ctx, &accounts, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}
	return accounts, nil
}

// UpdateAccountProfile mirrors the profile fields that were applied remotely; nil fields are kept
func (db *DB) UpdateAccountProfile(ctx context.Context, id string, p models.EditProfileParams) error {
	query := `
		UPDATE accounts SET
			first_name = COALESCE(?, first_name),
			last_name = COALESCE(?, last_name),
			bio = COALESCE(?, bio),
			handle = COALESCE(?, handle),
			updated_at = ?
		WHERE id = ?
	`
	_, err := db.ExecContext(ctx, query, p.FirstName, p.LastName, p.Bio, p.Username, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update account profile: %w", err)
	}
	return nil
}

// SetAccountStatus sets the lifecycle status of an account
func (db *DB) SetAccountStatus(ctx context.Context, id string, status models.AccountStatus) error {
	query := `UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set account status: %w", err)
	}
	return nil
}

// DeleteAccount deletes an account and its tasks
func (db *DB) DeleteAccount(ctx context.Context, id string) error {
	query := `DELETE FROM accounts WHERE id = ?`
	_, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}
