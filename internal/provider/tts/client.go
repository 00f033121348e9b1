// Package tts talks to a GPT-SoVITS style voice conversion service: tasks are
// submitted with a model name and text, then polled until a WAV file is ready.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/memohai/chatgate/internal/config"
	"github.com/memohai/chatgate/internal/media"
	"github.com/memohai/chatgate/internal/provider"
)

const (
	statusSubmitted = "SUBMITTED"
	statusFailed    = "FAILED"
	audioWAV        = "audio/wav"
)

type Config struct {
	APIKey  string
	APIURL  string
	Timeout time.Duration
}

type Client struct {
	cfg    Config
	http   *http.Client
	retry  provider.RetryPolicy
	logger *slog.Logger
}

func New(log *slog.Logger, cfg Config, retry provider.RetryPolicy) *Client {
	if log == nil {
		log = slog.Default()
	}
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	logger := log.With(slog.String("provider", "tts"))
	if retry.Logger == nil {
		retry.Logger = logger
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		retry:  retry,
		logger: logger,
	}
}

func NewFromConfig(log *slog.Logger, cfg config.Config) *Client {
	return New(log, Config{
		APIKey:  cfg.TTS.APIKey,
		APIURL:  cfg.TTS.APIURL,
		Timeout: time.Minute,
	}, provider.RetryPolicy{MaxRetries: cfg.Retry.MaxAttempts, Backoff: cfg.Retry.Backoff()})
}

func (c *Client) Configured() bool {
	return c.cfg.APIURL != ""
}

// Submit queues a conversion and returns the task id.
func (c *Client) Submit(ctx context.Context, model, content string) (string, error) {
	if !c.Configured() {
		return "", provider.ErrNotConfigured
	}
	payload, err := json.Marshal(map[string]string{"model": model, "content": content})
	if err != nil {
		return "", err
	}
	return provider.Do(ctx, c.retry, func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL+"/task", bytes.NewReader(payload))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("auth-key", "Bearer "+c.cfg.APIKey)
		resp, err := c.http.Do(req)
		if err != nil {
			return "", provider.FromTransport(err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusCreated:
		case http.StatusBadRequest:
			var body struct {
				Detail string `json:"detail"`
			}
			_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
			return "", provider.StatusError(resp.StatusCode, body.Detail)
		case http.StatusUnprocessableEntity:
			return "", provider.StatusError(resp.StatusCode, "invalid auth key")
		default:
			return "", provider.StatusError(resp.StatusCode, "")
		}

		var out struct {
			Status string `json:"status"`
			TaskID string `json:"task_id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", &provider.Error{Kind: provider.ErrUnavailable, Message: "decode submit response", Err: err}
		}
		if out.Status != statusSubmitted || out.TaskID == "" {
			return "", &provider.Error{Kind: provider.ErrUnavailable, Message: fmt.Sprintf("task not submitted: %q", out.Status)}
		}
		c.logger.Info("tts task submitted", slog.String("task_id", out.TaskID), slog.String("model", model))
		return out.TaskID, nil
	})
}

// Result polls a task once. The audio is returned when the service answers with
// audio/wav; otherwise status holds the reported task state.
func (c *Client) Result(ctx context.Context, id string) (audio []byte, status string, err error) {
	if strings.TrimSpace(id) == "" {
		return nil, "", errors.New("task id is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.APIURL+"/task/"+id, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", provider.FromTransport(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", provider.StatusError(resp.StatusCode, "")
	}

	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType == audioWAV {
		data, err := media.ReadAsset(resp.Body, media.MaxAssetBytes)
		switch {
		case errors.Is(err, media.ErrEmptyAsset):
			return nil, "", &provider.Error{Kind: provider.ErrUnavailable, Err: err}
		case err != nil:
			return nil, "", provider.Transient(err)
		}
		return data, "", nil
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil {
		return nil, "", &provider.Error{Kind: provider.ErrUnavailable, Message: "decode task status", Err: err}
	}
	if strings.EqualFold(body.Status, statusFailed) {
		return nil, body.Status, &provider.Error{Kind: provider.ErrUnavailable, Message: "task failed"}
	}
	c.logger.Debug("tts task pending", slog.String("task_id", id), slog.String("status", body.Status))
	return nil, body.Status, nil
}
