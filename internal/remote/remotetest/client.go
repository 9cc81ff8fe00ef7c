// Package remotetest provides a scriptable in-memory remote.Client for tests.
package remotetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mixelka/devmonkey/internal/remote"
)

// Call one recorded invocation
type Call struct {
	Op  string
	Arg string
	At  time.Time
}

// Client records every call and answers through the optional hooks.
// A nil hook succeeds with a zero value.
type Client struct {
	mu    sync.Mutex
	calls []Call
	now   func() time.Time

	Connected   bool
	Disconnects int

	OnConnect            func() error
	OnDisconnect         func() error
	OnRequestCode        func(phone string) (*remote.SentCode, error)
	OnSignIn             func(code string) (*remote.User, error)
	OnVerifySecondFactor func(secret string) (*remote.User, error)
	OnExportCredential   func() (string, error)
	OnJoin               func(handle string) error
	OnSearch             func(query string) ([]remote.Channel, error)
	OnRecentMessages     func(chatID int64) ([]remote.Message, error)
	OnReaction           func(chatID, messageID int64, reaction string) error
	OnSendMessage        func(chatID int64, text string) error
	OnUpdateProfile      func(firstName, lastName *string) error
	OnUpdateBio          func(text string) error
	OnSetHandle          func(handle string) error
}

// New creates a fake client whose call timestamps come from now (time.Now if nil)
func New(now func() time.Time) *Client {
	if now == nil {
		now = time.Now
	}
	return &Client{now: now}
}

// Factory returns a factory that always hands out c
func (c *Client) Factory() remote.Factory {
	return remote.FactoryFunc(func(remote.Credentials) (remote.Client, error) {
		return c, nil
	})
}

// Calls returns a snapshot of recorded calls
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// Ops returns the recorded calls with the given operation name
func (c *Client) Ops(op string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// IsConnected reports the connection state under lock
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Connected
}

// DisconnectCount returns how many times Disconnect was called
func (c *Client) DisconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Disconnects
}

func (c *Client) record(op, arg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: op, Arg: arg, At: c.now()})
}

func (c *Client) Connect(ctx context.Context) error {
	c.record("connect", "")
	if c.OnConnect != nil {
		if err := c.OnConnect(); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.Connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.record("disconnect", "")
	c.mu.Lock()
	c.Connected = false
	c.Disconnects++
	c.mu.Unlock()
	if c.OnDisconnect != nil {
		return c.OnDisconnect()
	}
	return nil
}

func (c *Client) RequestCode(ctx context.Context, phone string) (*remote.SentCode, error) {
	c.record("request_code", phone)
	if c.OnRequestCode != nil {
		return c.OnRequestCode(phone)
	}
	return &remote.SentCode{CorrelationToken: "hash-" + phone, Timeout: time.Minute}, nil
}

func (c *Client) SignIn(ctx context.Context, phone, correlationToken, code string) (*remote.User, error) {
	c.record("sign_in", code)
	if c.OnSignIn != nil {
		return c.OnSignIn(code)
	}
	return &remote.User{ID: 1}, nil
}

func (c *Client) VerifySecondFactor(ctx context.Context, secret string) (*remote.User, error) {
	c.record("verify_second_factor", "")
	if c.OnVerifySecondFactor != nil {
		return c.OnVerifySecondFactor(secret)
	}
	return &remote.User{ID: 1}, nil
}

func (c *Client) ExportCredential(ctx context.Context) (string, error) {
	c.record("export_credential", "")
	if c.OnExportCredential != nil {
		return c.OnExportCredential()
	}
	return "session-string", nil
}

func (c *Client) JoinChannel(ctx context.Context, handle string) error {
	c.record("join", handle)
	if c.OnJoin != nil {
		return c.OnJoin(handle)
	}
	return nil
}

func (c *Client) SearchChannels(ctx context.Context, query string, limit int) ([]remote.Channel, error) {
	c.record("search", query)
	if c.OnSearch != nil {
		return c.OnSearch(query)
	}
	return nil, nil
}

func (c *Client) RecentMessages(ctx context.Context, chatID int64, limit int) ([]remote.Message, error) {
	c.record("recent_messages", fmt.Sprint(chatID))
	if c.OnRecentMessages != nil {
		return c.OnRecentMessages(chatID)
	}
	return nil, nil
}

func (c *Client) SendReaction(ctx context.Context, chatID, messageID int64, reaction string) error {
	c.record("reaction", fmt.Sprintf("%d/%d/%s", chatID, messageID, reaction))
	if c.OnReaction != nil {
		return c.OnReaction(chatID, messageID, reaction)
	}
	return nil
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	c.record("send_message", fmt.Sprint(chatID))
	if c.OnSendMessage != nil {
		return c.OnSendMessage(chatID, text)
	}
	return nil
}

func (c *Client) UpdateProfile(ctx context.Context, firstName, lastName *string) error {
	c.record("update_profile", "")
	if c.OnUpdateProfile != nil {
		return c.OnUpdateProfile(firstName, lastName)
	}
	return nil
}

func (c *Client) UpdateBio(ctx context.Context, text string) error {
	c.record("update_bio", text)
	if c.OnUpdateBio != nil {
		return c.OnUpdateBio(text)
	}
	return nil
}

func (c *Client) SetHandle(ctx context.Context, handle string) error {
	c.record("set_handle", handle)
	if c.OnSetHandle != nil {
		return c.OnSetHandle(handle)
	}
	return nil
}

var _ remote.Client = (*Client)(nil)
