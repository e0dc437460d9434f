package gigachat

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gigaflow/gigaflow/common/config"
	"github.com/gigaflow/gigaflow/common/logger"
)

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResult is the outcome of a completion call.
type ChatResult struct {
	Success            bool   `json:"success"`
	Response           string `json:"response,omitempty"`
	Error              string `json:"error,omitempty"`
	ConversationLength int    `json:"conversation_length"`
}

// ChatClient is the LLM surface the engine depends on. Each client owns its
// own conversation history, so the engine creates one client per workflow
// run and shares it across that run's nodes.
type ChatClient interface {
	GetToken(ctx context.Context, authToken, scope string) error
	Chat(ctx context.Context, systemPrompt, userMessage string) (*ChatResult, error)
	Embedding(ctx context.Context, text string) ([]float64, error)
	ClearHistory()
}

// Factory builds a fresh ChatClient with empty history.
type Factory func() ChatClient

// Client talks to the GigaChat REST API: OAuth token exchange, chat
// completions with rolling history, and embeddings.
type Client struct {
	cfg     config.GigaChatConfig
	http    *http.Client
	log     *logger.Logger
	token   string
	expires time.Time
	auth    string // credentials used for the last token, kept for 401 retry
	scope   string
	history []Message
}

// New creates a GigaChat client. The Sber endpoints present a certificate
// chain outside the default trust store, so verification is disabled the
// same way the official SDK samples do.
func New(cfg config.GigaChatConfig, log *logger.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		cfg: cfg,
		log: log,
		http: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

// NewFactory returns a Factory producing clients bound to cfg.
func NewFactory(cfg config.GigaChatConfig, log *logger.Logger) Factory {
	return func() ChatClient {
		return New(cfg, log)
	}
}

// GetToken exchanges credentials for an access token. authToken may carry a
// "Basic " prefix from the editor; it is stripped before use. Empty authToken
// falls back to the configured default.
func (c *Client) GetToken(ctx context.Context, authToken, scope string) error {
	if authToken == "" {
		authToken = c.cfg.AuthToken
	}
	authToken = strings.TrimPrefix(strings.TrimSpace(authToken), "Basic ")
	if authToken == "" {
		return fmt.Errorf("gigachat: no auth token configured")
	}
	if scope == "" {
		scope = c.cfg.Scope
	}

	form := url.Values{"scope": {scope}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.OAuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("gigachat: build oauth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("RqUID", uuid.New().String())
	req.Header.Set("Authorization", "Basic "+authToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gigachat: oauth request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gigachat: oauth failed: status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresAt   int64  `json:"expires_at"` // unix millis
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("gigachat: decode oauth response: %w", err)
	}
	if payload.AccessToken == "" {
		return fmt.Errorf("gigachat: oauth response missing access_token")
	}

	c.token = payload.AccessToken
	c.auth = authToken
	c.scope = scope
	if payload.ExpiresAt > 0 {
		c.expires = time.UnixMilli(payload.ExpiresAt)
	} else {
		c.expires = time.Now().Add(25 * time.Minute)
	}

	c.log.Debug("gigachat token acquired", "expires", c.expires)
	return nil
}

// Chat appends the user message to the rolling history and requests a
// completion. A 401 triggers one token refresh and retry before failing.
func (c *Client) Chat(ctx context.Context, systemPrompt, userMessage string) (*ChatResult, error) {
	if c.token == "" {
		return &ChatResult{Success: false, Error: "no access token, call GetToken first"}, nil
	}

	messages := make([]Message, 0, len(c.history)+2)
	if systemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, c.history...)
	messages = append(messages, Message{Role: "user", Content: userMessage})

	reply, status, err := c.complete(ctx, messages)
	if status == http.StatusUnauthorized {
		c.log.Warn("gigachat token rejected, refreshing")
		if err := c.GetToken(ctx, c.auth, c.scope); err != nil {
			return &ChatResult{Success: false, Error: err.Error()}, nil
		}
		reply, status, err = c.complete(ctx, messages)
	}
	if err != nil {
		return &ChatResult{Success: false, Error: err.Error(), ConversationLength: len(c.history)}, nil
	}

	c.history = append(c.history,
		Message{Role: "user", Content: userMessage},
		Message{Role: "assistant", Content: reply},
	)

	return &ChatResult{
		Success:            true,
		Response:           reply,
		ConversationLength: len(c.history),
	}, nil
}

func (c *Client) complete(ctx context.Context, messages []Message) (string, int, error) {
	payload := map[string]any{
		"model":       "GigaChat",
		"messages":    messages,
		"temperature": 0.7,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", 0, fmt.Errorf("gigachat: marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ChatURL, bytes.NewReader(raw))
	if err != nil {
		return "", 0, fmt.Errorf("gigachat: build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("gigachat: chat request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode, fmt.Errorf("gigachat: chat failed: status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var out struct {
		Choices []struct {
			Message Message `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", resp.StatusCode, fmt.Errorf("gigachat: decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", resp.StatusCode, fmt.Errorf("gigachat: chat response has no choices")
	}

	return out.Choices[0].Message.Content, resp.StatusCode, nil
}

// Embedding returns the embedding vector for a text. A 401 triggers one
// token refresh and retry, same as Chat.
func (c *Client) Embedding(ctx context.Context, text string) ([]float64, error) {
	if c.token == "" {
		return nil, fmt.Errorf("gigachat: no access token, call GetToken first")
	}

	vector, status, err := c.embed(ctx, text)
	if status == http.StatusUnauthorized {
		c.log.Warn("gigachat token rejected, refreshing")
		if err := c.GetToken(ctx, c.auth, c.scope); err != nil {
			return nil, err
		}
		vector, _, err = c.embed(ctx, text)
	}
	return vector, err
}

func (c *Client) embed(ctx context.Context, text string) ([]float64, int, error) {
	raw, err := json.Marshal(map[string]any{
		"model": "Embeddings",
		"input": []string{text},
	})
	if err != nil {
		return nil, 0, fmt.Errorf("gigachat: marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.EmbedURL, bytes.NewReader(raw))
	if err != nil {
		return nil, 0, fmt.Errorf("gigachat: build embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("gigachat: embedding request: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, fmt.Errorf("gigachat: embedding failed: status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var out struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("gigachat: decode embedding response: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, resp.StatusCode, fmt.Errorf("gigachat: embedding response has no data")
	}

	return out.Data[0].Embedding, resp.StatusCode, nil
}

// ClearHistory drops the rolling conversation.
func (c *Client) ClearHistory() {
	c.history = nil
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
