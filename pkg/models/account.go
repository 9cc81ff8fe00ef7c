package models

import "time"

// AccountStatus lifecycle state of an external account
type AccountStatus string

const (
	AccountInactive AccountStatus = "inactive"
	AccountActive   AccountStatus = "active"
	AccountWarming  AccountStatus = "warming"
)

// User local operator that owns external accounts
type User struct {
	ID           string    `db:"id"`
	Username     string    `db:"username"`
	PasswordHash string    `db:"password_hash"`
	IsActive     bool      `db:"is_active"`
	CreatedAt    time.Time `db:"created_at"`
}

// ExternalAccount represents an authorized messaging account
type ExternalAccount struct {
	ID           string        `db:"id"`
	UserID       string        `db:"user_id"`
	Phone        string        `db:"phone"`
	AppID        int           `db:"app_id"`
	AppSecret    string        `db:"app_secret"` // Encrypted
	Credential   string        `db:"credential"` // Encrypted exported session
	ExternalID   int64         `db:"external_id"`
	FirstName    string        `db:"first_name"`
	LastName     string        `db:"last_name"`
	Handle       string        `db:"handle"`
	Bio          string        `db:"bio"`
	IsAuthorized bool          `db:"is_authorized"`
	Status       AccountStatus `db:"status"`
	CreatedAt    time.Time     `db:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at"`
}
