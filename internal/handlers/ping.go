package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatgate/internal/channel"
)

// ChannelLister reports which channel adapters are registered.
type ChannelLister interface {
	Types() []channel.ChannelType
}

type PingHandler struct {
	channels ChannelLister
	logger   *slog.Logger
}

func NewPingHandler(log *slog.Logger, channels ChannelLister) *PingHandler {
	if log == nil {
		log = slog.Default()
	}
	return &PingHandler{channels: channels, logger: log.With(slog.String("handler", "ping"))}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.GET("/health", h.Health)
	e.HEAD("/health", h.PingHead)
}

func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// HealthResponse lists the channels the gateway accepts traffic on.
type HealthResponse struct {
	Status   string   `json:"status"`
	Channels []string `json:"channels"`
}

func (h *PingHandler) Health(c echo.Context) error {
	resp := HealthResponse{Status: "ok", Channels: []string{}}
	if h.channels != nil {
		for _, ct := range h.channels.Types() {
			resp.Channels = append(resp.Channels, ct.String())
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *PingHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
