// Package handshake drives the three-step external login (request code, submit
// code, optional second factor) and turns a successful login into a stored account.
//
// Pending handshakes pin a live remote connection, so they live in a bounded
// table with a TTL. Expired or evicted entries are disconnected and report
// ErrNotFound to later calls.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mixelka/devmonkey/internal/remote"
	"github.com/mixelka/devmonkey/internal/secret"
	"github.com/mixelka/devmonkey/pkg/models"
)

var (
	// ErrNotFound handshake id unknown, expired or already failed; restart from Start
	ErrNotFound = errors.New("handshake not found")
	// ErrStateMismatch operation not valid in the current handshake state
	ErrStateMismatch = errors.New("handshake state mismatch")
)

// State of a pending handshake
type State int

const (
	StateRequested State = iota
	StateCodeSent
	StateAwaitingSecondFactor
	StateAuthorized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateRequested:
		return "requested"
	case StateCodeSent:
		return "code_sent"
	case StateAwaitingSecondFactor:
		return "awaiting_second_factor"
	case StateAuthorized:
		return "authorized"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// AccountCreator persists accounts produced by a successful handshake
type AccountCreator interface {
	CreateAccount(ctx context.Context, account *models.ExternalAccount) error
}

// Config handshake table settings
type Config struct {
	TTL      time.Duration
	Capacity int
}

// Result of a completed handshake
type Result struct {
	AccountID  string
	Credential string
	User       remote.User
	// AlreadyAuthorized is set when the handshake had completed before this call
	AlreadyAuthorized bool
}

// Started is returned by Start
type Started struct {
	ID          string
	CodeTimeout time.Duration
}

type pending struct {
	mu sync.Mutex

	id        string
	userID    string
	appID     int
	appSecret string
	phone     string
	token     string
	client    remote.Client
	state     State
	result    *Result
	createdAt time.Time
}

// Service owns the table of pending handshakes
type Service struct {
	factory  remote.Factory
	accounts AccountCreator
	box      *secret.Box
	logger   *slog.Logger
	table    *expirable.LRU[string, *pending]
}

// NewService creates a handshake service
func NewService(cfg Config, factory remote.Factory, accounts AccountCreator, box *secret.Box, logger *slog.Logger) *Service {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}

	s := &Service{
		factory:  factory,
		accounts: accounts,
		box:      box,
		logger:   logger.With("component", "handshake"),
	}
	s.table = expirable.NewLRU[string, *pending](cfg.Capacity, s.onEvict, cfg.TTL)
	return s
}

// onEvict runs under the table lock; teardown happens off it
func (s *Service) onEvict(id string, p *pending) {
	go func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.client == nil {
			return
		}
		s.logger.Info("dropping pending handshake", "handshake_id", id, "state", p.state)
		s.release(p)
	}()
}

// release disconnects the live client; caller holds p.mu
func (s *Service) release(p *pending) {
	if p.client == nil {
		return
	}
	s.discard(p.client, "handshake_id", p.id)
	p.client = nil
}

// discard disconnects a client that never made it into the table, or is leaving it
func (s *Service) discard(client remote.Client, attrs ...any) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		s.logger.Warn("failed to disconnect handshake client", append(attrs, "error", err)...)
	}
}

// Start connects with the application credentials and asks for a verification code
func (s *Service) Start(ctx context.Context, userID string, appID int, appSecret, phone string) (*Started, error) {
	client, err := s.factory.NewClient(remote.Credentials{AppID: appID, AppSecret: appSecret})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		s.discard(client, "user_id", userID)
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	sent, err := client.RequestCode(ctx, phone)
	if err != nil {
		s.discard(client, "user_id", userID)
		return nil, fmt.Errorf("failed to request code: %w", err)
	}

	p := &pending{
		id:        uuid.NewString(),
		userID:    userID,
		appID:     appID,
		appSecret: appSecret,
		phone:     phone,
		token:     sent.CorrelationToken,
		client:    client,
		state:     StateCodeSent,
		createdAt: time.Now(),
	}
	s.table.Add(p.id, p)

	s.logger.Info("verification code requested", "handshake_id", p.id, "user_id", userID)
	return &Started{ID: p.id, CodeTimeout: sent.Timeout}, nil
}

// SubmitCode signs in with the verification code. Returns remote.ErrSecondFactorRequired
// when the account has a password; the handshake then waits for SubmitSecondFactor.
// A wrong code (remote.ErrInvalidCode) keeps the handshake open for another attempt.
func (s *Service) SubmitCode(ctx context.Context, id, code string) (*Result, error) {
	p, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	defer p.mu.Unlock()

	switch p.state {
	case StateAuthorized:
		return p.replay(), nil
	case StateAwaitingSecondFactor:
		return nil, remote.ErrSecondFactorRequired
	case StateCodeSent:
	default:
		return nil, fmt.Errorf("%w: cannot submit code in state %s", ErrStateMismatch, p.state)
	}

	user, err := p.client.SignIn(ctx, p.phone, p.token, code)
	switch {
	case errors.Is(err, remote.ErrSecondFactorRequired):
		p.state = StateAwaitingSecondFactor
		s.logger.Info("second factor required", "handshake_id", id)
		return nil, remote.ErrSecondFactorRequired
	case err != nil:
		return nil, s.failIfFatal(p, err)
	}

	return s.authorize(ctx, p, user)
}

// SubmitSecondFactor completes a handshake waiting for the account password
func (s *Service) SubmitSecondFactor(ctx context.Context, id, password string) (*Result, error) {
	p, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	defer p.mu.Unlock()

	switch p.state {
	case StateAuthorized:
		return p.replay(), nil
	case StateAwaitingSecondFactor:
	default:
		return nil, fmt.Errorf("%w: second factor not requested (state %s)", ErrStateMismatch, p.state)
	}

	user, err := p.client.VerifySecondFactor(ctx, password)
	if err != nil {
		return nil, s.failIfFatal(p, err)
	}

	return s.authorize(ctx, p, user)
}

// Abandon drops a handshake and disconnects its client
func (s *Service) Abandon(id string) bool {
	return s.table.Remove(id)
}

// Pending returns the number of tracked handshakes, including completed ones awaiting expiry
func (s *Service) Pending() int {
	return s.table.Len()
}

// Close disconnects every pending handshake
func (s *Service) Close() {
	s.table.Purge()
}

// lookup returns the handshake with its lock held
func (s *Service) lookup(id string) (*pending, error) {
	p, ok := s.table.Get(id)
	if !ok {
		return nil, ErrNotFound
	}

	p.mu.Lock()
	if p.client == nil && p.state != StateAuthorized {
		// Evicted between Get and Lock
		p.mu.Unlock()
		return nil, ErrNotFound
	}
	return p, nil
}

// failIfFatal keeps the handshake open for user-input and throttling errors,
// anything else tears it down
func (s *Service) failIfFatal(p *pending, err error) error {
	switch remote.Classify(err) {
	case remote.KindInvalidInput, remote.KindRateLimited:
		return err
	}

	s.logger.Warn("handshake failed", "handshake_id", p.id, "error", err)
	p.state = StateFailed
	s.release(p)
	s.table.Remove(p.id)
	return err
}

// authorize exports the credential, stores the account and leaves a tombstone
// so repeated submissions return the same result
func (s *Service) authorize(ctx context.Context, p *pending, user *remote.User) (*Result, error) {
	credential, err := p.client.ExportCredential(ctx)
	if err != nil {
		return nil, s.failIfFatal(p, fmt.Errorf("failed to export credential: %w", err))
	}

	sealedSession, err := s.box.Seal(credential)
	if err != nil {
		return nil, fmt.Errorf("failed to seal credential: %w", err)
	}
	sealedSecret, err := s.box.Seal(p.appSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to seal app secret: %w", err)
	}

	account := &models.ExternalAccount{
		UserID:       p.userID,
		Phone:        p.phone,
		AppID:        p.appID,
		AppSecret:    sealedSecret,
		Credential:   sealedSession,
		ExternalID:   user.ID,
		FirstName:    user.FirstName,
		LastName:     user.LastName,
		Handle:       user.Handle,
		IsAuthorized: true,
		Status:       models.AccountActive,
	}
	if err := s.accounts.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to store account: %w", err)
	}

	p.state = StateAuthorized
	p.result = &Result{AccountID: account.ID, Credential: credential, User: *user}
	p.appSecret = ""
	s.release(p)

	s.logger.Info("handshake authorized", "handshake_id", p.id, "account_id", account.ID)
	r := *p.result
	return &r, nil
}

// replay returns the stored result of an earlier successful submission
func (p *pending) replay() *Result {
	r := *p.result
	r.AlreadyAuthorized = true
	return &r
}
