package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/dispatch"
	"github.com/memohai/chatgate/internal/orchestrator"
)

const modeVideo = "video"

type VideoClient interface {
	SubmitVideo(ctx context.Context, image []byte, fileName string) (string, error)
	VideoResult(ctx context.Context, id string) ([]byte, bool, error)
}

// Video turns the next image after the prefix command into a short clip.
type Video struct {
	cfg      ConfigSource
	client   VideoClient
	sessions *Sessions
	tasks    Spawner
	logger   *slog.Logger
}

func NewVideo(log *slog.Logger, cfg ConfigSource, client VideoClient, sessions *Sessions, tasks Spawner) *Video {
	return &Video{
		cfg:      cfg,
		client:   client,
		sessions: sessions,
		tasks:    tasks,
		logger:   scopedLogger(log, modeVideo),
	}
}

func (p *Video) Name() string  { return modeVideo }
func (p *Video) Priority() int { return PriorityVideo }

func (p *Video) Handle(ctx context.Context, ev *dispatch.Event) dispatch.Action {
	cc := ev.Context
	switch cc.Type {
	case channel.ContextText:
		prefix := p.cfg.Current().Stability.VideoPrefix
		if prefix == "" || !strings.HasPrefix(cc.Content, prefix) {
			return dispatch.ActionContinue
		}
		p.sessions.Arm(cc.SessionID, SessionState{Mode: modeVideo})
		return reply(ev, channel.TextReply(fmt.Sprintf("💡欢迎使用%s服务，请发送一张图片，生成过程需要几分钟", prefix)))

	case channel.ContextImage:
		st, ok := p.sessions.Consume(modeVideo, cc.SessionID)
		if !ok {
			return dispatch.ActionContinue
		}
		cc.Set(channel.AttrCommand, modeVideo)
		msg := cc.Message
		interval := p.cfg.Current().Orchestrator.PollInterval()
		task, ack := p.tasks.Spawn(ctx, *cc, func(ctx context.Context) (channel.Reply, error) {
			image, name, err := loadResource(ctx, msg)
			if err != nil {
				return channel.Reply{}, err
			}
			id, err := p.client.SubmitVideo(ctx, image, name)
			if err != nil {
				return channel.Reply{}, err
			}
			res, err := orchestrator.Poll(ctx, func(ctx context.Context) (orchestrator.PollResult, error) {
				data, done, err := p.client.VideoResult(ctx, id)
				if err != nil {
					return orchestrator.PollResult{}, err
				}
				if !done {
					return orchestrator.PollResult{Status: orchestrator.StatusRunning}, nil
				}
				return orchestrator.PollResult{Status: orchestrator.StatusDone, Data: data}, nil
			}, interval, 0)
			if err != nil {
				return channel.Reply{}, err
			}
			p.logger.Info("video ready", slog.String("generation_id", id), slog.Int("bytes", len(res.Data)))
			return channel.BytesReply(channel.ReplyVideo, res.Data), nil
		})
		if task.ID == "" {
			p.sessions.Arm(cc.SessionID, st)
		}
		return reply(ev, ack)
	}
	return dispatch.ActionContinue
}
