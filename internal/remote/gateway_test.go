package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) (*GatewayClient, *[]string) {
	t.Helper()

	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		if r.URL.Path == "/v1/sessions" && r.Method == http.MethodPost {
			w.Write([]byte(`{"session_id":"s1"}`))
			return
		}
		if r.Method == http.MethodDelete {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	gw := NewGateway(GatewayConfig{BaseURL: srv.URL + "/", Token: "secret-token"})
	client, err := gw.NewClient(Credentials{AppID: 1, AppSecret: "hash"})
	require.NoError(t, err)
	return client.(*GatewayClient), &calls
}

func writeError(w http.ResponseWriter, status int, code, message string, retryAfter int) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": message, "retry_after": retryAfter},
	})
}

func TestGatewayClient_SessionLifecycle(t *testing.T) {
	client, calls := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/s1/join_chat", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "alpha", body["handle"])
	})
	ctx := context.Background()

	err := client.JoinChannel(ctx, "alpha")
	assert.ErrorIs(t, err, ErrConnection, "calls before connect fail")

	require.NoError(t, client.Connect(ctx))
	require.NoError(t, client.Connect(ctx))
	require.NoError(t, client.JoinChannel(ctx, "alpha"))
	require.NoError(t, client.Disconnect(ctx))
	require.NoError(t, client.Disconnect(ctx))

	assert.Equal(t, []string{
		"POST /v1/sessions",
		"POST /v1/sessions/s1/join_chat",
		"DELETE /v1/sessions/s1",
	}, *calls)
}

func TestGatewayClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		check  func(t *testing.T, err error)
	}{
		{"flood wait", http.StatusTooManyRequests, "flood_wait", func(t *testing.T, err error) {
			d, ok := RetryAfter(err)
			require.True(t, ok)
			assert.Equal(t, 30*time.Second, d)
			assert.Equal(t, KindRateLimited, Classify(err))
		}},
		{"bare 429", http.StatusTooManyRequests, "", func(t *testing.T, err error) {
			assert.Equal(t, KindRateLimited, Classify(err))
		}},
		{"invalid operation", http.StatusBadRequest, "invalid_operation", func(t *testing.T, err error) {
			var inv *InvalidOperationError
			require.True(t, errors.As(err, &inv))
			assert.Equal(t, "boom", inv.Reason)
		}},
		{"invalid code", http.StatusBadRequest, "phone_code_invalid", func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrInvalidCode)
			assert.Equal(t, KindInvalidInput, Classify(err))
		}},
		{"second factor", http.StatusUnauthorized, "session_password_needed", func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrSecondFactorRequired)
		}},
		{"server error", http.StatusBadGateway, "", func(t *testing.T, err error) {
			assert.ErrorIs(t, err, ErrConnection)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
				writeError(w, tt.status, tt.code, "boom", 30)
			})
			ctx := context.Background()
			require.NoError(t, client.Connect(ctx))

			err := client.JoinChannel(ctx, "x")
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestGatewayClient_Decoding(t *testing.T) {
	client, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/send_code"):
			w.Write([]byte(`{"phone_code_hash":"h1","timeout":120}`))
		case strings.HasSuffix(r.URL.Path, "/search_global"):
			w.Write([]byte(`{"chats":[{"id":1,"username":"news"},{"id":2}]}`))
		case strings.HasSuffix(r.URL.Path, "/get_chat_history"):
			w.Write([]byte(`{"messages":[{"id":10,"author_id":5,"is_self":true}]}`))
		}
	})
	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	sent, err := client.RequestCode(ctx, "+1")
	require.NoError(t, err)
	assert.Equal(t, "h1", sent.CorrelationToken)
	assert.Equal(t, 2*time.Minute, sent.Timeout)

	chats, err := client.SearchChannels(ctx, "news", 5)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, "news", chats[0].Handle)
	assert.Empty(t, chats[1].Handle)

	msgs, err := client.RecentMessages(ctx, 1, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsSelf)
}

func TestGateway_NewClientValidates(t *testing.T) {
	gw := NewGateway(GatewayConfig{BaseURL: "http://localhost"})
	_, err := gw.NewClient(Credentials{})
	assert.Error(t, err)
}
