package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/memohai/chatgate/internal/channel"
)

type webhookInboundManager interface {
	HandleInbound(ctx context.Context, msg channel.Message) error
}

const (
	webhookMaxBodyBytes int64 = 1 << 20 // 1 MiB

	eventTypeMessageReceive = "im.message.receive_v1"
)

// WebhookHandler receives Feishu/Lark event-subscription callbacks.
type WebhookHandler struct {
	logger  *slog.Logger
	manager webhookInboundManager
	adapter *FeishuAdapter
}

// NewWebhookHandler creates a public webhook handler for Feishu/Lark callbacks.
func NewWebhookHandler(log *slog.Logger, adapter *FeishuAdapter, manager webhookInboundManager) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		logger:  log.With(slog.String("handler", "feishu_webhook")),
		manager: manager,
		adapter: adapter,
	}
}

// NewWebhookServerHandler is a DI-friendly constructor for fx/dig, using concrete
// channel types as parameters.
func NewWebhookServerHandler(log *slog.Logger, adapter *FeishuAdapter, manager *channel.Manager) *WebhookHandler {
	return NewWebhookHandler(log, adapter, manager)
}

// Register registers webhook callback routes.
func (h *WebhookHandler) Register(e *echo.Echo) {
	e.GET("/feishu/webhook", h.HandleProbe)
	e.POST("/feishu/webhook", h.Handle)
	e.POST("/channels/feishu/webhook", h.Handle)
}

// HandleProbe responds to health/probe requests on the webhook URL.
func (h *WebhookHandler) HandleProbe(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

type webhookEnvelope struct {
	Encrypt   string `json:"encrypt"`
	Challenge string `json:"challenge"`
}

func success(c echo.Context, status int, ok bool) error {
	return c.JSON(status, map[string]bool{"success": ok})
}

// Handle processes Feishu/Lark event-subscription webhook requests. Every accepted
// request is acknowledged with {"success": true}, including events that are dropped
// later by routing or that carry unsupported message kinds.
func (h *WebhookHandler) Handle(c echo.Context) error {
	if h.adapter == nil || h.manager == nil {
		return success(c, http.StatusInternalServerError, false)
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		return success(c, http.StatusBadRequest, false)
	}
	if int64(len(payload)) > webhookMaxBodyBytes {
		return success(c, http.StatusRequestEntityTooLarge, false)
	}

	plain, encrypted, err := h.decrypt(payload)
	if err != nil {
		h.logger.Warn("invalid webhook payload", slog.Any("error", err))
		return success(c, http.StatusBadRequest, false)
	}
	var fuzzy larkevent.EventFuzzy
	if err := json.Unmarshal(plain, &fuzzy); err != nil {
		return success(c, http.StatusBadRequest, false)
	}
	requestToken := strings.TrimSpace(fuzzy.Token)
	if fuzzy.Header != nil && strings.TrimSpace(fuzzy.Header.Token) != "" {
		requestToken = strings.TrimSpace(fuzzy.Header.Token)
	}

	if larkevent.ReqType(strings.TrimSpace(fuzzy.Type)) == larkevent.ReqTypeChallenge {
		if requestToken != "" && !h.tokenMatches(requestToken) {
			h.logger.Warn("url verification token mismatch")
			return success(c, http.StatusUnauthorized, false)
		}
		var env webhookEnvelope
		_ = json.Unmarshal(plain, &env)
		return c.JSON(http.StatusOK, map[string]string{"challenge": env.Challenge})
	}

	if err := h.authorize(requestToken, encrypted); err != nil {
		h.logger.Warn("webhook rejected", slog.Any("error", err))
		return success(c, http.StatusUnauthorized, false)
	}

	eventType := ""
	if fuzzy.Header != nil {
		eventType = strings.TrimSpace(fuzzy.Header.EventType)
	}
	if eventType != eventTypeMessageReceive {
		h.logger.Debug("event ignored", slog.String("event_type", eventType))
		return success(c, http.StatusOK, true)
	}

	var event larkim.P2MessageReceiveV1
	if err := json.Unmarshal(plain, &event); err != nil {
		return success(c, http.StatusBadRequest, false)
	}
	msg, err := h.adapter.Normalize(&event)
	if err != nil {
		if errors.Is(err, channel.ErrUnsupportedKind) {
			h.logger.Debug("unsupported message kind dropped", slog.Any("error", err))
		} else {
			h.logger.Warn("normalize event failed", slog.Any("error", err))
		}
		return success(c, http.StatusOK, true)
	}
	if err := h.manager.HandleInbound(context.WithoutCancel(c.Request().Context()), msg); err != nil {
		h.logger.Warn("enqueue inbound failed", slog.String("message_id", msg.ID), slog.Any("error", err))
	}
	return success(c, http.StatusOK, true)
}

// decrypt unwraps {"encrypt": "..."} bodies when an encrypt_key is configured and
// reports whether the payload was encrypted.
func (h *WebhookHandler) decrypt(payload []byte) ([]byte, bool, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, false, err
	}
	if strings.TrimSpace(env.Encrypt) == "" {
		return payload, false, nil
	}
	key := strings.TrimSpace(h.adapter.cfg.EncryptKey)
	if key == "" {
		return nil, false, errors.New("encrypted payload but encrypt_key is not configured")
	}
	plain, err := larkevent.EventDecrypt(env.Encrypt, key)
	if err != nil {
		return nil, false, err
	}
	return plain, true, nil
}

// authorize checks the verification token. A payload that decrypted with the
// configured encrypt_key is accepted without one.
func (h *WebhookHandler) authorize(requestToken string, encrypted bool) error {
	expected := strings.TrimSpace(h.adapter.cfg.VerificationToken)
	if expected == "" {
		if encrypted {
			return nil
		}
		return errors.New("verification_token is required for plaintext callbacks")
	}
	if !h.tokenMatches(requestToken) {
		return errors.New("invalid verification token")
	}
	return nil
}

func (h *WebhookHandler) tokenMatches(requestToken string) bool {
	expected := strings.TrimSpace(h.adapter.cfg.VerificationToken)
	return expected != "" && requestToken == expected
}
