// Package remote describes the capabilities of one external messaging account
// and the failures its calls can report.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Client is a live connection to a single external account.
// Every call may fail with *RateLimitedError, *InvalidOperationError or ErrConnection.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	RequestCode(ctx context.Context, phone string) (*SentCode, error)
	SignIn(ctx context.Context, phone, correlationToken, code string) (*User, error)
	VerifySecondFactor(ctx context.Context, secret string) (*User, error)
	ExportCredential(ctx context.Context) (string, error)

	JoinChannel(ctx context.Context, handle string) error
	SearchChannels(ctx context.Context, query string, limit int) ([]Channel, error)
	RecentMessages(ctx context.Context, chatID int64, limit int) ([]Message, error)
	SendReaction(ctx context.Context, chatID, messageID int64, reaction string) error
	SendMessage(ctx context.Context, chatID int64, text string) error

	UpdateProfile(ctx context.Context, firstName, lastName *string) error
	UpdateBio(ctx context.Context, text string) error
	SetHandle(ctx context.Context, handle string) error
}

// Credentials identify the application and, once authorized, the session
type Credentials struct {
	AppID     int
	AppSecret string
	Session   string // Empty before the handshake completes
}

// Factory builds clients; implementations must not connect eagerly
type Factory interface {
	NewClient(creds Credentials) (Client, error)
}

// FactoryFunc adapts a function to Factory
type FactoryFunc func(creds Credentials) (Client, error)

func (f FactoryFunc) NewClient(creds Credentials) (Client, error) { return f(creds) }

// SentCode result of a verification code request
type SentCode struct {
	CorrelationToken string
	Timeout          time.Duration
}

// User external identity of an authorized account
type User struct {
	ID        int64  `json:"id"`
	Handle    string `json:"username,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// Channel public chat returned by a search
type Channel struct {
	ID     int64  `json:"id"`
	Handle string `json:"username,omitempty"`
	Title  string `json:"title,omitempty"`
}

// Message history entry
type Message struct {
	ID       int64 `json:"id"`
	AuthorID int64 `json:"author_id"`
	IsSelf   bool  `json:"is_self"`
}

var (
	// ErrConnection transport failure, fatal to the current task attempt
	ErrConnection = errors.New("connection error")
	// ErrSecondFactorRequired sign-in needs the account password
	ErrSecondFactorRequired = errors.New("second factor required")
	// ErrInvalidCode wrong or expired verification code
	ErrInvalidCode = errors.New("invalid verification code")
	// ErrInvalidSecondFactor wrong account password
	ErrInvalidSecondFactor = errors.New("invalid second factor")
)

// RateLimitedError the remote side asks to wait before the next call
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// InvalidOperationError the call was understood but refused (bad handle, already a member, ...)
type InvalidOperationError struct {
	Reason string
}

func (e *InvalidOperationError) Error() string {
	return "invalid operation: " + e.Reason
}

// ErrorKind coarse classification used by retry and skip decisions
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRateLimited
	KindInvalidOperation
	KindConnection
	KindInvalidInput
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindInvalidOperation:
		return "invalid_operation"
	case KindConnection:
		return "connection"
	case KindInvalidInput:
		return "invalid_input"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by a Client to its kind
func Classify(err error) ErrorKind {
	var rl *RateLimitedError
	var inv *InvalidOperationError
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &rl):
		return KindRateLimited
	case errors.As(err, &inv):
		return KindInvalidOperation
	case errors.Is(err, ErrInvalidCode), errors.Is(err, ErrInvalidSecondFactor):
		return KindInvalidInput
	case errors.Is(err, ErrConnection):
		return KindConnection
	default:
		return KindUnknown
	}
}

// RetryAfter returns the server-specified wait of a rate limit error
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}
