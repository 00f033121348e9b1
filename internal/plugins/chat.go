package plugins

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/dispatch"
	"github.com/memohai/chatgate/internal/memory"
	"github.com/memohai/chatgate/internal/provider"
	"github.com/memohai/chatgate/internal/provider/llm"
)

const (
	TextChatRateLimited = "提问太快啦，请休息一下再问我吧"
	TextChatRetry       = "请再问我一次"
	TextChatNoAnswer    = "对不起，这个问题我无法回答"
)

type ChatClient interface {
	Chat(ctx context.Context, history []llm.Message, prompt string) (string, error)
}

// Chat is the default text handler: an LLM answer with per-session memory.
type Chat struct {
	client ChatClient
	memory memory.Store
	logger *slog.Logger
}

func NewChat(log *slog.Logger, client ChatClient, mem memory.Store) *Chat {
	return &Chat{client: client, memory: mem, logger: scopedLogger(log, "chat")}
}

func (p *Chat) Name() string  { return "chat" }
func (p *Chat) Priority() int { return PriorityChat }

func (p *Chat) Handle(ctx context.Context, ev *dispatch.Event) dispatch.Action {
	cc := ev.Context
	query := strings.TrimSpace(cc.Content)
	if cc.Type != channel.ContextText || query == "" {
		return dispatch.ActionContinue
	}

	stored, err := p.memory.History(ctx, cc.SessionID)
	if err != nil {
		p.logger.Warn("load history failed", slog.String("session_id", cc.SessionID), slog.Any("error", err))
	}
	history := make([]llm.Message, 0, len(stored))
	for _, m := range stored {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}

	answer, err := p.client.Chat(ctx, history, query)
	if err != nil {
		return reply(ev, channel.ErrorReply(p.failureText(ctx, cc.SessionID, err)))
	}
	if answer == "" {
		return reply(ev, channel.ErrorReply(TextChatNoAnswer))
	}
	if err := p.memory.Append(ctx, cc.SessionID,
		memory.Message{Role: memory.RoleUser, Content: query},
		memory.Message{Role: memory.RoleAssistant, Content: answer},
	); err != nil {
		p.logger.Warn("save history failed", slog.String("session_id", cc.SessionID), slog.Any("error", err))
	}
	return reply(ev, channel.TextReply(answer))
}

// failureText picks the user message. Non-retryable failures also drop the
// session history, which may be what the provider rejected.
func (p *Chat) failureText(ctx context.Context, sessionID string, err error) string {
	switch {
	case errors.Is(err, provider.ErrRateLimited):
		p.logger.Warn("chat rate limited", slog.Any("error", err))
		return TextChatRateLimited
	case errors.Is(err, provider.ErrTransient):
		p.logger.Warn("chat failed after retries", slog.Any("error", err))
		return TextChatRetry
	case errors.Is(err, provider.ErrContentPolicy):
		return TextChatNoAnswer
	case errors.Is(err, provider.ErrNotConfigured), errors.Is(err, context.Canceled):
		return provider.TextUnavailable
	}
	p.logger.Error("chat failed", slog.String("session_id", sessionID), slog.Any("error", err))
	if cerr := p.memory.Clear(ctx, sessionID); cerr != nil {
		p.logger.Warn("clear history failed", slog.Any("error", cerr))
	}
	return TextChatNoAnswer
}
