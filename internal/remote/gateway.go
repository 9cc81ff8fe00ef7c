package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// GatewayConfig for clients talking to the protocol gateway
type GatewayConfig struct {
	BaseURL string // e.g., http://localhost:9090
	Token   string
	Timeout time.Duration
}

// Gateway builds GatewayClients sharing one HTTP client
type Gateway struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewGateway creates a client factory for the protocol gateway
func NewGateway(cfg GatewayConfig) *Gateway {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Gateway{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// NewClient implements Factory
func (g *Gateway) NewClient(creds Credentials) (Client, error) {
	if creds.AppID == 0 || creds.AppSecret == "" {
		return nil, fmt.Errorf("application id and secret are required")
	}
	return &GatewayClient{gw: g, creds: creds}, nil
}

// GatewayClient implements Client by forwarding every call to the gateway,
// which owns the protocol session for the duration of the connection
type GatewayClient struct {
	gw    *Gateway
	creds Credentials

	mu        sync.Mutex
	sessionID string
}

type gatewayError struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		RetryAfter int    `json:"retry_after"`
	} `json:"error"`
}

// Connect opens a gateway session
func (c *GatewayClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionID != "" {
		return nil
	}

	req := struct {
		AppID     int    `json:"app_id"`
		AppSecret string `json:"app_secret"`
		Session   string `json:"session,omitempty"`
	}{c.creds.AppID, c.creds.AppSecret, c.creds.Session}

	var resp struct {
		SessionID string `json:"session_id"`
	}
	if err := c.gw.do(ctx, http.MethodPost, "/v1/sessions", req, &resp); err != nil {
		return err
	}
	if resp.SessionID == "" {
		return fmt.Errorf("%w: gateway returned empty session id", ErrConnection)
	}

	c.sessionID = resp.SessionID
	return nil
}

// Disconnect closes the gateway session; closing twice is a no-op
func (c *GatewayClient) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	id := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()

	if id == "" {
		return nil
	}
	return c.gw.do(ctx, http.MethodDelete, "/v1/sessions/"+id, nil, nil)
}

func (c *GatewayClient) RequestCode(ctx context.Context, phone string) (*SentCode, error) {
	var resp struct {
		PhoneCodeHash string `json:"phone_code_hash"`
		Timeout       int    `json:"timeout"`
	}
	if err := c.call(ctx, "send_code", map[string]string{"phone": phone}, &resp); err != nil {
		return nil, err
	}
	return &SentCode{
		CorrelationToken: resp.PhoneCodeHash,
		Timeout:          time.Duration(resp.Timeout) * time.Second,
	}, nil
}

func (c *GatewayClient) SignIn(ctx context.Context, phone, correlationToken, code string) (*User, error) {
	req := map[string]string{
		"phone":           phone,
		"phone_code_hash": correlationToken,
		"code":            code,
	}
	var user User
	if err := c.call(ctx, "sign_in", req, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *GatewayClient) VerifySecondFactor(ctx context.Context, secret string) (*User, error) {
	var user User
	if err := c.call(ctx, "check_password", map[string]string{"password": secret}, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *GatewayClient) ExportCredential(ctx context.Context) (string, error) {
	var resp struct {
		Session string `json:"session"`
	}
	if err := c.call(ctx, "export_session", nil, &resp); err != nil {
		return "", err
	}
	return resp.Session, nil
}

func (c *GatewayClient) JoinChannel(ctx context.Context, handle string) error {
	return c.call(ctx, "join_chat", map[string]string{"handle": handle}, nil)
}

func (c *GatewayClient) SearchChannels(ctx context.Context, query string, limit int) ([]Channel, error) {
	req := struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}{query, limit}
	var resp struct {
		Chats []Channel `json:"chats"`
	}
	if err := c.call(ctx, "search_global", req, &resp); err != nil {
		return nil, err
	}
	return resp.Chats, nil
}

func (c *GatewayClient) RecentMessages(ctx context.Context, chatID int64, limit int) ([]Message, error) {
	req := struct {
		ChatID int64 `json:"chat_id"`
		Limit  int   `json:"limit"`
	}{chatID, limit}
	var resp struct {
		Messages []Message `json:"messages"`
	}
	if err := c.call(ctx, "get_chat_history", req, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

func (c *GatewayClient) SendReaction(ctx context.Context, chatID, messageID int64, reaction string) error {
	req := struct {
		ChatID    int64  `json:"chat_id"`
		MessageID int64  `json:"message_id"`
		Emoji     string `json:"emoji"`
	}{chatID, messageID, reaction}
	return c.call(ctx, "send_reaction", req, nil)
}

func (c *GatewayClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	req := struct {
		ChatID int64  `json:"chat_id"`
		Text   string `json:"text"`
	}{chatID, text}
	return c.call(ctx, "send_message", req, nil)
}

func (c *GatewayClient) UpdateProfile(ctx context.Context, firstName, lastName *string) error {
	req := struct {
		FirstName *string `json:"first_name,omitempty"`
		LastName  *string `json:"last_name,omitempty"`
	}{firstName, lastName}
	return c.call(ctx, "update_profile", req, nil)
}

func (c *GatewayClient) UpdateBio(ctx context.Context, text string) error {
	return c.call(ctx, "update_profile", map[string]string{"bio": text}, nil)
}

func (c *GatewayClient) SetHandle(ctx context.Context, handle string) error {
	return c.call(ctx, "set_username", map[string]string{"username": handle}, nil)
}

// call invokes an operation on the connected session
func (c *GatewayClient) call(ctx context.Context, op string, in, out any) error {
	c.mu.Lock()
	id := c.sessionID
	c.mu.Unlock()

	if id == "" {
		return fmt.Errorf("%w: not connected", ErrConnection)
	}
	return c.gw.do(ctx, http.MethodPost, "/v1/sessions/"+id+"/"+op, in, out)
}

func (g *Gateway) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", ErrConnection, err)
	}

	if resp.StatusCode >= 300 {
		return decodeGatewayError(resp.StatusCode, respBody)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func decodeGatewayError(status int, body []byte) error {
	var ge gatewayError
	_ = json.Unmarshal(body, &ge)
	msg := ge.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	switch ge.Error.Code {
	case "rate_limited", "flood_wait":
		return &RateLimitedError{RetryAfter: time.Duration(ge.Error.RetryAfter) * time.Second}
	case "second_factor_required", "session_password_needed":
		return ErrSecondFactorRequired
	case "invalid_code", "phone_code_invalid", "phone_code_expired":
		return fmt.Errorf("%w: %s", ErrInvalidCode, msg)
	case "invalid_second_factor", "password_hash_invalid":
		return fmt.Errorf("%w: %s", ErrInvalidSecondFactor, msg)
	case "invalid_operation":
		return &InvalidOperationError{Reason: msg}
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: time.Duration(ge.Error.RetryAfter) * time.Second}
	case status >= 500:
		return fmt.Errorf("%w: gateway status %d: %s", ErrConnection, status, msg)
	case status >= 400:
		return &InvalidOperationError{Reason: msg}
	}
	return errors.New(msg)
}
