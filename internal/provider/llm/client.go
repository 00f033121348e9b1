// Package llm wraps an OpenAI-compatible endpoint for chat completion and image
// generation. Zhipu (BigModel) keys of the form "<id>.<secret>" are exchanged for
// short-lived HS256 tokens on every request.
package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/memohai/chatgate/internal/config"
	"github.com/memohai/chatgate/internal/provider"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	zhipuTokenTTL = 30 * time.Minute
)

// Message is one turn of chat history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	ImageModel   string
	ImageSize    string
	Temperature  float64
	SystemPrompt string
	ZhipuAuth    bool
	Timeout      time.Duration
}

type Client struct {
	client openai.Client
	cfg    Config
	retry  provider.RetryPolicy
	logger *slog.Logger
	now    func() time.Time
}

func New(log *slog.Logger, cfg Config, retry provider.RetryPolicy) *Client {
	if log == nil {
		log = slog.Default()
	}
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" && !cfg.ZhipuAuth {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	logger := log.With(slog.String("provider", "llm"))
	if retry.Logger == nil {
		retry.Logger = logger
	}
	return &Client{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		retry:  retry,
		logger: logger,
		now:    time.Now,
	}
}

// NewFromConfig builds the client from the openai and retry config sections.
func NewFromConfig(log *slog.Logger, cfg config.Config) *Client {
	o := cfg.OpenAI
	return New(log, Config{
		APIKey:       o.APIKey,
		BaseURL:      o.BaseURL,
		Model:        o.Model,
		ImageModel:   o.ImageModel,
		ImageSize:    o.ImageSize,
		Temperature:  o.Temperature,
		SystemPrompt: o.SystemPrompt,
		ZhipuAuth:    o.ZhipuAuth,
		Timeout:      time.Duration(o.TimeoutSeconds) * time.Second,
	}, provider.RetryPolicy{MaxRetries: cfg.Retry.MaxAttempts, Backoff: cfg.Retry.Backoff()})
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool {
	return strings.TrimSpace(c.cfg.APIKey) != ""
}

func (c *Client) requestOptions() ([]option.RequestOption, error) {
	if !c.cfg.ZhipuAuth {
		return nil, nil
	}
	token, err := ZhipuToken(c.cfg.APIKey, zhipuTokenTTL, c.now())
	if err != nil {
		return nil, err
	}
	return []option.RequestOption{option.WithAPIKey(token)}, nil
}

// Chat sends history plus prompt and returns the assistant's answer.
func (c *Client) Chat(ctx context.Context, history []Message, prompt string) (string, error) {
	if !c.Configured() {
		return "", provider.ErrNotConfigured
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if sp := strings.TrimSpace(c.cfg.SystemPrompt); sp != "" {
		messages = append(messages, openai.SystemMessage(sp))
	}
	for _, m := range history {
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.cfg.Model),
		Messages: messages,
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = openai.Float(c.cfg.Temperature)
	}

	return provider.Do(ctx, c.retry, func(ctx context.Context) (string, error) {
		opts, err := c.requestOptions()
		if err != nil {
			return "", err
		}
		resp, err := c.client.Chat.Completions.New(ctx, params, opts...)
		if err != nil {
			return "", classify(err)
		}
		if len(resp.Choices) == 0 {
			return "", &provider.Error{Kind: provider.ErrUnavailable, Message: "empty choices"}
		}
		c.logger.Debug("chat completion",
			slog.String("model", c.cfg.Model),
			slog.Int64("completion_tokens", resp.Usage.CompletionTokens),
			slog.Int64("total_tokens", resp.Usage.TotalTokens))
		return strings.TrimSpace(resp.Choices[0].Message.Content), nil
	})
}

// Generate creates one image for prompt. Failures other than rate limiting and
// transient errors are reported as content-policy refusals.
func (c *Client) Generate(ctx context.Context, prompt string, params provider.Params) (provider.Result, error) {
	if !c.Configured() {
		return provider.Result{}, provider.ErrNotConfigured
	}
	model := firstNonEmpty(params.Model, c.cfg.ImageModel, openai.ImageModelDallE3)
	size := firstNonEmpty(params.Size, c.cfg.ImageSize, "1024x1024")
	req := openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(model),
		N:      openai.Int(1),
		Size:   openai.ImageGenerateParamsSize(size),
	}

	return provider.Do(ctx, c.retry, func(ctx context.Context) (provider.Result, error) {
		opts, err := c.requestOptions()
		if err != nil {
			return provider.Result{}, err
		}
		resp, err := c.client.Images.Generate(ctx, req, opts...)
		if err != nil {
			err = classify(err)
			if errors.Is(err, provider.ErrUnavailable) {
				err = &provider.Error{Kind: provider.ErrContentPolicy, Err: err}
			}
			return provider.Result{}, err
		}
		if len(resp.Data) == 0 {
			return provider.Result{}, &provider.Error{Kind: provider.ErrUnavailable, Message: "empty image data"}
		}
		img := resp.Data[0]
		if img.URL != "" {
			c.logger.Info("image generated", slog.String("model", model))
			return provider.Result{URL: img.URL}, nil
		}
		data, err := base64.StdEncoding.DecodeString(img.B64JSON)
		if err != nil || len(data) == 0 {
			return provider.Result{}, &provider.Error{Kind: provider.ErrUnavailable, Message: "invalid image payload"}
		}
		return provider.Result{Data: data, Mime: "image/png"}, nil
	})
}

// classify maps SDK errors into the provider taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return provider.FromTransport(err)
	}
	code := strings.ToLower(apiErr.Code)
	msg := apiErr.Message
	if msg == "" {
		msg = http.StatusText(apiErr.StatusCode)
	}
	switch {
	case strings.Contains(code, "content_policy"), code == "1301", strings.Contains(strings.ToLower(msg), "safety system"):
		return &provider.Error{Kind: provider.ErrContentPolicy, StatusCode: apiErr.StatusCode, Message: msg, Err: err}
	default:
		e := provider.StatusError(apiErr.StatusCode, msg).(*provider.Error)
		e.Err = err
		return e
	}
}

// ZhipuToken exchanges an "<id>.<secret>" key for a signed token valid for ttl.
func ZhipuToken(apiKey string, ttl time.Duration, now time.Time) (string, error) {
	id, secret, ok := strings.Cut(strings.TrimSpace(apiKey), ".")
	if !ok || id == "" || secret == "" {
		return "", fmt.Errorf("zhipu api key must be <id>.<secret>")
	}
	claims := jwt.MapClaims{
		"api_key":   id,
		"exp":       now.Add(ttl).UnixMilli(),
		"timestamp": now.UnixMilli(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["sign_type"] = "SIGN"
	return token.SignedString([]byte(secret))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

var _ provider.Generator = (*Client)(nil)
