package plugins

import (
	"context"
	"log/slog"
	"slices"
	"strings"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/config"
	"github.com/memohai/chatgate/internal/dispatch"
	"github.com/memohai/chatgate/internal/memory"
)

const (
	TextMemoryCleared    = "记忆已清除"
	TextAllMemoryCleared = "所有人记忆已清除"
	TextConfigReloaded   = "配置已更新"
	TextReloadFailed     = "配置更新失败"
	TextAdminOnly        = "需要管理员权限才能执行该命令"
)

var pluginModes = []string{modeInpaint, modeVideo, modeTTS}

// Reloader re-reads configuration from disk.
type Reloader interface {
	Reload() (*config.Config, error)
}

// Admin handles the in-chat maintenance commands.
type Admin struct {
	cfg      ConfigSource
	memory   memory.Store
	sessions *Sessions
	reloader Reloader
	logger   *slog.Logger
}

func NewAdmin(log *slog.Logger, cfg ConfigSource, mem memory.Store, sessions *Sessions, reloader Reloader) *Admin {
	return &Admin{
		cfg:      cfg,
		memory:   mem,
		sessions: sessions,
		reloader: reloader,
		logger:   scopedLogger(log, "admin"),
	}
}

func (a *Admin) Name() string  { return "admin" }
func (a *Admin) Priority() int { return PriorityAdmin }

func (a *Admin) Handle(ctx context.Context, ev *dispatch.Event) dispatch.Action {
	cc := ev.Context
	if cc.Type != channel.ContextText {
		return dispatch.ActionContinue
	}
	cfg := a.cfg.Current().Admin
	query := strings.TrimSpace(cc.Content)

	switch {
	case slices.Contains(cfg.ClearMemoryCommands, query):
		if err := a.memory.Clear(ctx, cc.SessionID); err != nil {
			ev.Err = err
			return dispatch.ActionContinue
		}
		a.sessions.Reset(cc.SessionID, pluginModes...)
		return reply(ev, channel.InfoReply(TextMemoryCleared))

	case cfg.ClearAllCommand != "" && query == cfg.ClearAllCommand:
		if !a.isAdmin(cfg, cc) {
			return reply(ev, channel.ErrorReply(TextAdminOnly))
		}
		if err := a.memory.ClearAll(ctx); err != nil {
			ev.Err = err
			return dispatch.ActionContinue
		}
		a.sessions.ResetAll()
		a.logger.Info("all memory cleared", slog.String("by", cc.SessionID))
		return reply(ev, channel.InfoReply(TextAllMemoryCleared))

	case slices.Contains(cfg.ReloadCommands, query):
		if !a.isAdmin(cfg, cc) {
			return reply(ev, channel.ErrorReply(TextAdminOnly))
		}
		if _, err := a.reloader.Reload(); err != nil {
			a.logger.Warn("reload from chat failed", slog.Any("error", err))
			return reply(ev, channel.ErrorReply(TextReloadFailed))
		}
		return reply(ev, channel.InfoReply(TextConfigReloaded))
	}
	return dispatch.ActionContinue
}

// isAdmin allows everyone when no admin users are configured.
func (a *Admin) isAdmin(cfg config.AdminConfig, cc *channel.Context) bool {
	if len(cfg.Users) == 0 {
		return true
	}
	return slices.Contains(cfg.Users, cc.SessionID)
}
