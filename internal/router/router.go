// Package router classifies normalized messages into dispatch contexts.
package router

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/config"
)

// AllGroups in group_whitelist admits every group.
const AllGroups = "ALL_GROUP"

const imageCreateTipFormat = "🎨 正在为您绘画，请稍候...\n提示词：%s"

type Decision = channel.Decision

// ConfigSource yields the active config snapshot; *config.Store satisfies it.
type ConfigSource interface {
	Current() *config.Config
}

// Router applies group gating and prefix classification. It reads the router
// section on every call so a config reload takes effect on the next message.
type Router struct {
	cfg    ConfigSource
	logger *slog.Logger
}

func New(cfg ConfigSource, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		cfg:    cfg,
		logger: log.With(slog.String("component", "router")),
	}
}

// BuildContext returns Ignored for messages that must not reach the chain, or a
// routed Context plus an optional tip to send first.
func (r *Router) BuildContext(msg channel.Message) (Decision, error) {
	if strings.TrimSpace(msg.ID) == "" {
		return Decision{}, fmt.Errorf("message id is required")
	}
	rc := r.routerConfig()

	if msg.IsGroup {
		// Media messages cannot carry a mention, so only text is gated on one.
		if msg.Kind == channel.KindText && !msg.Mentioned {
			return Decision{Outcome: channel.OutcomeIgnored}, nil
		}
		if !groupAllowed(rc.GroupWhitelist, msg.ConversationID) {
			r.logger.Debug("group not whitelisted", slog.String("conversation_id", msg.ConversationID))
			return Decision{Outcome: channel.OutcomeIgnored}, nil
		}
	}

	m := msg
	ctx := channel.Context{
		SessionID: msg.SenderID,
		Content:   msg.Content(),
		Message:   &m,
	}
	ctx.Set(channel.AttrIsGroup, msg.IsGroup)
	if msg.IsGroup {
		ctx.Set(channel.AttrReceiveIDType, "chat_id")
		ctx.Set(channel.AttrReplyToMessageID, msg.ID)
	} else {
		ctx.Set(channel.AttrReceiveIDType, "open_id")
	}

	var tip *channel.Reply
	switch msg.Kind {
	case channel.KindText:
		text := strings.TrimSpace(msg.Text)
		if !msg.IsGroup && hasConfiguredPrefix(rc.SingleChatPrefixes) {
			p, ok := matchPrefix(text, rc.SingleChatPrefixes)
			if !ok {
				return Decision{Outcome: channel.OutcomeIgnored}, nil
			}
			text = strings.TrimSpace(strings.TrimPrefix(text, p))
		}
		if p, ok := matchPrefix(text, rc.ImageCreatePrefixes); ok && p != "" {
			prompt := strings.TrimSpace(strings.TrimPrefix(text, p))
			ctx.Type = channel.ContextImageCreate
			ctx.Content = prompt
			if rc.ImageCreateTip {
				t := channel.TextReply(fmt.Sprintf(imageCreateTipFormat, prompt))
				tip = &t
			}
		} else {
			ctx.Type = channel.ContextText
			ctx.Content = text
		}
	case channel.KindImage:
		ctx.Type = channel.ContextImage
	case channel.KindFile:
		ctx.Type = channel.ContextFile
	case channel.KindVoice:
		ctx.Type = channel.ContextVoice
		if rc.VoiceReplyVoice {
			ctx.Set(channel.AttrDesireReplyType, string(channel.ReplyVoice))
		}
	case channel.KindSharing:
		ctx.Type = channel.ContextSharing
	default:
		return Decision{Outcome: channel.OutcomeIgnored}, nil
	}

	return Decision{Outcome: channel.OutcomeRouted, Context: ctx, Tip: tip}, nil
}

func (r *Router) routerConfig() config.RouterConfig {
	if r.cfg == nil {
		return config.Defaults().Router
	}
	if c := r.cfg.Current(); c != nil {
		return c.Router
	}
	return config.Defaults().Router
}

func groupAllowed(whitelist []string, conversationID string) bool {
	if len(whitelist) == 0 {
		return true
	}
	for _, g := range whitelist {
		g = strings.TrimSpace(g)
		if g == AllGroups || g == conversationID {
			return true
		}
	}
	return false
}

// hasConfiguredPrefix treats [""] as "no prefix required".
func hasConfiguredPrefix(prefixes []string) bool {
	for _, p := range prefixes {
		if strings.TrimSpace(p) != "" {
			return true
		}
	}
	return false
}

// matchPrefix returns the longest prefix text starts with.
func matchPrefix(text string, prefixes []string) (string, bool) {
	sorted := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			sorted = append(sorted, p)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	for _, p := range sorted {
		if strings.HasPrefix(text, p) {
			return p, true
		}
	}
	return "", false
}
