package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/chatgate/internal/auth"
	"github.com/memohai/chatgate/internal/config"
	"github.com/memohai/chatgate/internal/orchestrator"
)

type ConfigReloader interface {
	Reload() (*config.Config, error)
}

type TaskLister interface {
	Tasks() []orchestrator.Task
	Get(id string) (orchestrator.Task, bool)
}

// MemoryCleaner drops stored conversation history.
type MemoryCleaner interface {
	Clear(ctx context.Context, sessionID string) error
	ClearAll(ctx context.Context) error
}

// AdminHandler serves the operator API under /admin. The server's JWT middleware
// authenticates the caller; RequireAdmin checks the role.
type AdminHandler struct {
	secret   string
	tokenTTL time.Duration
	reloader ConfigReloader
	tasks    TaskLister
	memory   MemoryCleaner
	logger   *slog.Logger
}

func NewAdminHandler(log *slog.Logger, secret string, tokenTTL time.Duration, reloader ConfigReloader, tasks TaskLister, memory MemoryCleaner) *AdminHandler {
	if log == nil {
		log = slog.Default()
	}
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &AdminHandler{
		secret:   secret,
		tokenTTL: tokenTTL,
		reloader: reloader,
		tasks:    tasks,
		memory:   memory,
		logger:   log.With(slog.String("handler", "admin")),
	}
}

func (h *AdminHandler) Register(e *echo.Echo) {
	if strings.TrimSpace(h.secret) == "" {
		return
	}
	g := e.Group("/admin", auth.RequireAdmin)
	g.POST("/reload", h.Reload)
	g.GET("/tasks", h.ListTasks)
	g.GET("/tasks/:id", h.GetTask)
	g.DELETE("/memory", h.ClearAllMemory)
	g.DELETE("/memory/:session", h.ClearMemory)
	g.POST("/token/refresh", h.RefreshToken)
}

type ReloadResponse struct {
	Status string `json:"status"`
}

func (h *AdminHandler) Reload(c echo.Context) error {
	if h.reloader == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "config reload not available")
	}
	if _, err := h.reloader.Reload(); err != nil {
		h.logger.Warn("reload via api failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, ReloadResponse{Status: "reloaded"})
}

type TaskListResponse struct {
	Items []orchestrator.Task `json:"items"`
}

func (h *AdminHandler) ListTasks(c echo.Context) error {
	items := []orchestrator.Task{}
	if h.tasks != nil {
		items = append(items, h.tasks.Tasks()...)
	}
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		filtered := items[:0]
		for _, t := range items {
			if string(t.Status) == status {
				filtered = append(filtered, t)
			}
		}
		items = filtered
	}
	return c.JSON(http.StatusOK, TaskListResponse{Items: items})
}

func (h *AdminHandler) GetTask(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "task id is required")
	}
	if h.tasks == nil {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	task, ok := h.tasks.Get(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	return c.JSON(http.StatusOK, task)
}

func (h *AdminHandler) ClearMemory(c echo.Context) error {
	session := strings.TrimSpace(c.Param("session"))
	if session == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session id is required")
	}
	if h.memory == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "memory not available")
	}
	if err := h.memory.Clear(c.Request().Context(), session); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *AdminHandler) ClearAllMemory(c echo.Context) error {
	if h.memory == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "memory not available")
	}
	if err := h.memory.ClearAll(c.Request().Context()); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	userID, _ := auth.UserIDFromContext(c)
	h.logger.Info("all memory cleared via api", slog.String("user_id", userID))
	return c.NoContent(http.StatusNoContent)
}

type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func (h *AdminHandler) RefreshToken(c echo.Context) error {
	token, expiresAt, err := auth.RefreshTokenFromContext(c, h.secret, h.tokenTTL)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, TokenResponse{AccessToken: token, ExpiresAt: expiresAt})
}
