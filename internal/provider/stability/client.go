// Package stability calls the Stability AI REST API for search-and-replace
// inpainting and image-to-video generation.
package stability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/memohai/chatgate/internal/config"
	"github.com/memohai/chatgate/internal/media"
	"github.com/memohai/chatgate/internal/provider"
)

const (
	inpaintPath     = "/v2beta/stable-image/edit/search-and-replace"
	videoSubmitPath = "/v2alpha/generation/image-to-video"
	videoResultPath = "/v2alpha/generation/image-to-video/result/"

	videoSeed           = "0"
	videoCFGScale       = "1.8"
	videoMotionBucketID = "127"
)

type Config struct {
	APIKey  string
	BaseURL string
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
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = config.DefaultStabilityBaseURL
	}
	logger := log.With(slog.String("provider", "stability"))
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
	s := cfg.Stability
	return New(log, Config{
		APIKey:  s.APIKey,
		BaseURL: s.BaseURL,
		Timeout: time.Duration(s.TimeoutSeconds) * time.Second,
	}, provider.RetryPolicy{MaxRetries: cfg.Retry.MaxAttempts, Backoff: cfg.Retry.Backoff()})
}

func (c *Client) Configured() bool {
	return strings.TrimSpace(c.cfg.APIKey) != ""
}

// InpaintRequest replaces whatever matches Search in the image with Prompt.
type InpaintRequest struct {
	Image    []byte
	FileName string
	Search   string
	Prompt   string
}

// Inpaint returns the edited image as JPEG bytes.
func (c *Client) Inpaint(ctx context.Context, req InpaintRequest) ([]byte, error) {
	if !c.Configured() {
		return nil, provider.ErrNotConfigured
	}
	fields := map[string]string{
		"prompt":        req.Prompt,
		"mode":          "search",
		"search_prompt": req.Search,
		"output_format": "jpeg",
	}
	return provider.Do(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		body, contentType, err := multipartBody(req.Image, req.FileName, fields)
		if err != nil {
			return nil, err
		}
		resp, err := c.do(ctx, http.MethodPost, inpaintPath, body, contentType, "image/*")
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, statusError(resp)
		}
		data, err := readBody(resp.Body)
		if err != nil {
			return nil, err
		}
		c.logger.Info("inpaint done", slog.Int("bytes", len(data)))
		return data, nil
	})
}

// SubmitVideo starts an image-to-video generation and returns its id.
func (c *Client) SubmitVideo(ctx context.Context, image []byte, fileName string) (string, error) {
	if !c.Configured() {
		return "", provider.ErrNotConfigured
	}
	fields := map[string]string{
		"seed":             videoSeed,
		"cfg_scale":        videoCFGScale,
		"motion_bucket_id": videoMotionBucketID,
	}
	return provider.Do(ctx, c.retry, func(ctx context.Context) (string, error) {
		body, contentType, err := multipartBody(image, fileName, fields)
		if err != nil {
			return "", err
		}
		resp, err := c.do(ctx, http.MethodPost, videoSubmitPath, body, contentType, "application/json")
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return "", statusError(resp)
		}
		var out struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", &provider.Error{Kind: provider.ErrUnavailable, Message: "decode submit response", Err: err}
		}
		if out.ID == "" {
			return "", &provider.Error{Kind: provider.ErrUnavailable, Message: "missing generation id"}
		}
		c.logger.Info("video submitted", slog.String("generation_id", out.ID))
		return out.ID, nil
	})
}

// VideoResult fetches a generation. done is false while the server answers 202.
func (c *Client) VideoResult(ctx context.Context, id string) (data []byte, done bool, err error) {
	if strings.TrimSpace(id) == "" {
		return nil, false, fmt.Errorf("generation id is required")
	}
	resp, err := c.do(ctx, http.MethodGet, videoResultPath+id, nil, "", "video/*")
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil, false, nil
	case http.StatusOK:
		data, err := readBody(resp.Body)
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	default:
		return nil, false, statusError(resp)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", accept)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, provider.FromTransport(err)
	}
	return resp, nil
}

func readBody(r io.Reader) ([]byte, error) {
	data, err := media.ReadAsset(r, media.MaxAssetBytes)
	switch {
	case errors.Is(err, media.ErrAssetTooLarge), errors.Is(err, media.ErrEmptyAsset):
		return nil, &provider.Error{Kind: provider.ErrUnavailable, Err: err}
	case err != nil:
		return nil, provider.Transient(err)
	}
	return data, nil
}

func multipartBody(image []byte, fileName string, fields map[string]string) (*bytes.Buffer, string, error) {
	if len(image) == 0 {
		return nil, "", media.ErrEmptyAsset
	}
	if fileName == "" {
		fileName = "image.jpg"
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", filepath.Base(fileName))
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(image); err != nil {
		return nil, "", err
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// statusError reads the error envelope ({"name","errors":[...]}) when present.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var envelope struct {
		Name    string   `json:"name"`
		Message string   `json:"message"`
		Errors  []string `json:"errors"`
	}
	msg := strings.TrimSpace(string(raw))
	if json.Unmarshal(raw, &envelope) == nil {
		switch {
		case len(envelope.Errors) > 0:
			msg = strings.Join(envelope.Errors, "; ")
		case envelope.Message != "":
			msg = envelope.Message
		}
		if envelope.Name == "content_moderation" {
			return &provider.Error{Kind: provider.ErrContentPolicy, StatusCode: resp.StatusCode, Message: msg}
		}
	}
	return provider.StatusError(resp.StatusCode, msg)
}
