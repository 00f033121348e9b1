package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/chatgate/internal/provider"
)

const chatResponse = `{"id":"c1","object":"chat.completion","created":1,"model":"glm-4",
"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":" 你好 "}}],
"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate func(*Config)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := Config{APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-4o-mini"}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(nil, cfg, provider.RetryPolicy{MaxRetries: 2, Backoff: 0})
}

func TestChatSendsHistoryAndSystemPrompt(t *testing.T) {
	t.Parallel()

	var body struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatResponse))
	}, func(cfg *Config) { cfg.SystemPrompt = "be brief" })

	answer, err := c.Chat(context.Background(), []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	}, "how are you")
	require.NoError(t, err)
	assert.Equal(t, "你好", answer)

	assert.Equal(t, "gpt-4o-mini", body.Model)
	require.Len(t, body.Messages, 4)
	assert.Equal(t, "system", body.Messages[0].Role)
	assert.Equal(t, "be brief", body.Messages[0].Content)
	assert.Equal(t, "assistant", body.Messages[2].Role)
	assert.Equal(t, "how are you", body.Messages[3].Content)
}

func TestChatRetriesServerErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream","type":"server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatResponse))
	}, nil)

	answer, err := c.Chat(context.Background(), nil, "hi")
	require.NoError(t, err)
	assert.Equal(t, "你好", answer)
	assert.Equal(t, int32(3), calls.Load())
}

func TestChatGivesUpAfterTwoRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}, nil)

	_, err := c.Chat(context.Background(), nil, "hi")
	assert.ErrorIs(t, err, provider.ErrTransient)
	assert.Equal(t, int32(3), calls.Load())
}

func TestChatRateLimitIsNotRetried(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","code":"rate_limit_exceeded"}}`))
	}, nil)

	_, err := c.Chat(context.Background(), nil, "hi")
	assert.ErrorIs(t, err, provider.ErrRateLimited)
	assert.Equal(t, provider.TextRateLimited, provider.UserMessage(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestChatNotConfigured(t *testing.T) {
	t.Parallel()

	c := New(nil, Config{}, provider.RetryPolicy{})
	_, err := c.Chat(context.Background(), nil, "hi")
	assert.ErrorIs(t, err, provider.ErrNotConfigured)
}

func TestChatZhipuAuthSendsSignedToken(t *testing.T) {
	t.Parallel()

	var auth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatResponse))
	}, func(cfg *Config) {
		cfg.APIKey = "key-id.key-secret"
		cfg.ZhipuAuth = true
	})

	_, err := c.Chat(context.Background(), nil, "hi")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(auth, "Bearer "))

	parsed, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(*jwt.Token) (any, error) {
		return []byte("key-secret"), nil
	}, jwt.WithoutClaimsValidation())
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "key-id", claims["api_key"])
	assert.Equal(t, "SIGN", parsed.Header["sign_type"])
}

func TestZhipuToken(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_000)
	raw, err := ZhipuToken("abc.secret", time.Minute, now)
	require.NoError(t, err)

	parsed, err := jwt.Parse(raw, func(*jwt.Token) (any, error) { return []byte("secret"), nil },
		jwt.WithoutClaimsValidation())
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.EqualValues(t, now.UnixMilli(), claims["timestamp"])
	assert.EqualValues(t, now.Add(time.Minute).UnixMilli(), claims["exp"])

	_, err = ZhipuToken("no-dot", time.Minute, now)
	assert.Error(t, err)
}

func TestGenerateImageDefaults(t *testing.T) {
	t.Parallel()

	var body map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"created":1,"data":[{"url":"https://img.example.com/cat.png"}]}`))
	}, nil)

	res, err := c.Generate(context.Background(), "a cat", provider.Params{})
	require.NoError(t, err)
	assert.Equal(t, "https://img.example.com/cat.png", res.URL)
	assert.Equal(t, "dall-e-3", body["model"])
	assert.Equal(t, "1024x1024", body["size"])
	assert.Equal(t, "a cat", body["prompt"])
}

func TestGenerateImageDecodesBase64(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"created":1,"data":[{"b64_json":"aGVsbG8="}]}`))
	}, nil)

	res, err := c.Generate(context.Background(), "a cat", provider.Params{Model: "gpt-image-1"})
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), res.Data)
	assert.Empty(t, res.URL)
}

func TestGenerateImageRefusalMapsToContentPolicy(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"rejected","code":"invalid_prompt"}}`))
	}, nil)

	_, err := c.Generate(context.Background(), "bad", provider.Params{})
	assert.ErrorIs(t, err, provider.ErrContentPolicy)
	assert.Equal(t, provider.TextContentPolicy, provider.UserMessage(err))
}
