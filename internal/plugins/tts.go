package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/config"
	"github.com/memohai/chatgate/internal/dispatch"
	"github.com/memohai/chatgate/internal/orchestrator"
	"github.com/memohai/chatgate/internal/provider/tts"
)

const modeTTS = "tts"

type TTSClient interface {
	Submit(ctx context.Context, model, content string) (string, error)
	Result(ctx context.Context, id string) ([]byte, string, error)
}

// TTS arms a voice model with "<prefix> <voice>" and converts the next text.
type TTS struct {
	cfg      ConfigSource
	client   TTSClient
	catalog  tts.Catalog
	sessions *Sessions
	tasks    Spawner
	logger   *slog.Logger
}

func NewTTS(log *slog.Logger, cfg ConfigSource, client TTSClient, catalog tts.Catalog, sessions *Sessions, tasks Spawner) *TTS {
	if def := cfg.Current().TTS.DefaultModel; len(catalog.Voices) == 0 && def != "" {
		catalog.Voices = []tts.Voice{{Name: def, Model: def}}
	}
	return &TTS{
		cfg:      cfg,
		client:   client,
		catalog:  catalog,
		sessions: sessions,
		tasks:    tasks,
		logger:   scopedLogger(log, modeTTS),
	}
}

func (p *TTS) Name() string  { return modeTTS }
func (p *TTS) Priority() int { return PriorityTTS }

func (p *TTS) Handle(ctx context.Context, ev *dispatch.Event) dispatch.Action {
	cc := ev.Context
	if cc.Type != channel.ContextText {
		return dispatch.ActionContinue
	}
	cfg := p.cfg.Current().TTS

	if _, armed := p.sessions.Armed(modeTTS, cc.SessionID); armed {
		limit := cfg.MaxChars
		if limit <= 0 {
			limit = config.DefaultTTSMaxChars
		}
		if utf8.RuneCountInString(cc.Content) > limit {
			return reply(ev, channel.TextReply(fmt.Sprintf("❌转换文本不能超过%d个字", limit)))
		}
		if st, ok := p.sessions.Consume(modeTTS, cc.SessionID); ok {
			return p.spawn(ctx, ev, st)
		}
	}

	if cfg.Prefix == "" || !strings.HasPrefix(cc.Content, cfg.Prefix) {
		return dispatch.ActionContinue
	}
	voices := strings.Join(p.catalog.Names(), "\n")
	name, ok := commandArgs(cc.Content, cfg.Prefix)
	if !ok {
		return reply(ev, channel.TextReply(fmt.Sprintf(
			"💡欢迎使用变声服务，变声指令格式为:\n\n%s+空格+模型名称\n\n💬当前可用模型为：\n%s", cfg.Prefix, voices)))
	}
	model, ok := p.catalog.Lookup(name)
	if !ok {
		return reply(ev, channel.TextReply(fmt.Sprintf(
			"❌错误的模型名称:%s，\n\n💡变声指令格式为：%s+空格+模型名称\n\n💬当前可用模型为：%s", name, cfg.Prefix, voices)))
	}
	p.sessions.Arm(cc.SessionID, SessionState{Mode: modeTTS, Model: model})
	return reply(ev, channel.TextReply(fmt.Sprintf("💡%s已就位（语音素材来源网络,仅供学习研究,严禁用于商业及违法途径）", name)))
}

func (p *TTS) spawn(ctx context.Context, ev *dispatch.Event, st SessionState) dispatch.Action {
	cc := ev.Context
	cc.Set(channel.AttrCommand, modeTTS)
	content := cc.Content
	interval := p.cfg.Current().Orchestrator.PollInterval()
	task, ack := p.tasks.Spawn(ctx, *cc, func(ctx context.Context) (channel.Reply, error) {
		id, err := p.client.Submit(ctx, st.Model, content)
		if err != nil {
			return channel.Reply{}, err
		}
		res, err := orchestrator.Poll(ctx, func(ctx context.Context) (orchestrator.PollResult, error) {
			audio, status, err := p.client.Result(ctx, id)
			if err != nil {
				return orchestrator.PollResult{}, err
			}
			if audio == nil {
				p.logger.Debug("voice task pending", slog.String("task_id", id), slog.String("status", status))
				return orchestrator.PollResult{Status: orchestrator.StatusRunning}, nil
			}
			return orchestrator.PollResult{Status: orchestrator.StatusDone, Data: audio}, nil
		}, interval, 0)
		if err != nil {
			return channel.Reply{}, err
		}
		return channel.BytesReply(channel.ReplyVoice, res.Data), nil
	})
	if task.ID == "" {
		p.sessions.Arm(cc.SessionID, st)
	}
	return reply(ev, ack)
}
