package gigachat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigaflow/gigaflow/common/config"
	"github.com/gigaflow/gigaflow/common/logger"
)

// fakeGigaChat serves the OAuth, chat, and embedding endpoints. Every token
// exchange mints a new token and invalidates the previous one, so any request
// still carrying the old token gets a 401.
type fakeGigaChat struct {
	tokens     atomic.Int64
	oauthCalls atomic.Int64
}

func (f *fakeGigaChat) currentToken() string {
	return fmt.Sprintf("tok%d", f.tokens.Load())
}

func (f *fakeGigaChat) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth", func(w http.ResponseWriter, r *http.Request) {
		f.oauthCalls.Add(1)
		f.tokens.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": f.currentToken(),
			"expires_at":   time.Now().Add(30 * time.Minute).UnixMilli(),
		})
	})
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "pong"}}},
		})
	})
	mux.HandleFunc("/embeddings", func(w http.ResponseWriter, r *http.Request) {
		if !f.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"embedding": []float64{0.1, 0.2, 0.3}}},
		})
	})
	return mux
}

func (f *fakeGigaChat) authorized(r *http.Request) bool {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ") == f.currentToken()
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	return New(config.GigaChatConfig{
		OAuthURL: baseURL + "/oauth",
		ChatURL:  baseURL + "/chat",
		EmbedURL: baseURL + "/embeddings",
		Scope:    "GIGACHAT_API_PERS",
	}, logger.Discard())
}

func TestEmbeddingRetriesOnExpiredToken(t *testing.T) {
	fake := &fakeGigaChat{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	require.NoError(t, c.GetToken(context.Background(), "creds", ""))

	// Invalidate the token the client holds; the next embedding call 401s
	// and must refresh and retry instead of failing.
	fake.tokens.Add(1)

	vector, err := c.Embedding(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float64{0.1, 0.2, 0.3}, vector)
	assert.Equal(t, int64(2), fake.oauthCalls.Load())
}

func TestChatRetriesOnExpiredToken(t *testing.T) {
	fake := &fakeGigaChat{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	require.NoError(t, c.GetToken(context.Background(), "creds", ""))

	fake.tokens.Add(1)

	res, err := c.Chat(context.Background(), "", "ping")
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "pong", res.Response)
	assert.Equal(t, int64(2), fake.oauthCalls.Load())
}

func TestEmbeddingRequiresToken(t *testing.T) {
	c := newTestClient(t, "http://unused")
	_, err := c.Embedding(context.Background(), "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no access token")
}
