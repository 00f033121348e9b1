package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatgate/internal/channel"
)

const maxBodyBytes int64 = 1 << 20

type inboundManager interface {
	HandleInbound(ctx context.Context, msg channel.Message) error
}

// Handler serves POST /webhook/:channel.
type Handler struct {
	logger  *slog.Logger
	adapter *Adapter
	manager inboundManager
}

func NewHandler(log *slog.Logger, adapter *Adapter, manager inboundManager) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		logger:  log.With(slog.String("handler", "webhook_channel")),
		adapter: adapter,
		manager: manager,
	}
}

// NewServerHandler is the fx constructor.
func NewServerHandler(log *slog.Logger, adapter *Adapter, manager *channel.Manager) *Handler {
	return NewHandler(log, adapter, manager)
}

func (h *Handler) Register(e *echo.Echo) {
	e.POST("/webhook/:channel", h.Handle)
}

func reply(c echo.Context, status int, ok bool) error {
	return c.JSON(status, map[string]bool{"success": ok})
}

func (h *Handler) Handle(c echo.Context) error {
	ch, ok := h.adapter.Lookup(c.Param("channel"))
	if !ok {
		return reply(c, http.StatusNotFound, false)
	}
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return reply(c, http.StatusBadRequest, false)
	}
	if int64(len(body)) > maxBodyBytes {
		return reply(c, http.StatusRequestEntityTooLarge, false)
	}
	if !Verify(body, ch.Secret, c.Request().Header.Get(signatureHeader)) {
		h.logger.Warn("webhook rejected", slog.String("channel", ch.Name), slog.Any("error", errBadSignature))
		return reply(c, http.StatusUnauthorized, false)
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return reply(c, http.StatusBadRequest, false)
	}
	msg, err := h.adapter.Normalize(ch, p)
	if err != nil {
		if errors.Is(err, channel.ErrUnsupportedKind) {
			h.logger.Debug("unsupported message kind dropped", slog.String("channel", ch.Name), slog.Any("error", err))
			return reply(c, http.StatusOK, true)
		}
		h.logger.Warn("invalid webhook message", slog.String("channel", ch.Name), slog.Any("error", err))
		return reply(c, http.StatusBadRequest, false)
	}
	if err := h.manager.HandleInbound(context.WithoutCancel(c.Request().Context()), msg); err != nil {
		h.logger.Warn("enqueue inbound failed", slog.String("message_id", msg.ID), slog.Any("error", err))
	}
	return reply(c, http.StatusOK, true)
}
